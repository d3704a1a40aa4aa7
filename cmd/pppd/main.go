// Command pppd brings up one PPP link over a serial device, the way a
// dial-up or cellular-modem client would: open the device, run LCP,
// authenticate with PAP if the peer asks for it, negotiate an IPv4
// address with IPCP, and log inbound datagrams until interrupted.
//
// Actually plumbing the negotiated address and inbound datagrams into
// the host's routing table is out of scope (see internal/iface); the
// network-stack implementation here only logs what it would have done.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"go.linklayer.dev/ppp/internal/worker"
	"go.linklayer.dev/ppp/ppp"
)

var (
	device    string
	user      string
	password  string
	logLevel  string
	logPretty bool

	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "pppd",
	Short:   "Bring up a PPP link over a serial device",
	Version: version,
	RunE:    runPPPD,
}

func init() {
	rootCmd.Flags().StringVar(&device, "device", "/dev/ttyUSB0", "serial device to dial out on")
	rootCmd.Flags().StringVar(&user, "user", "", "PAP username, if the peer requires authentication")
	rootCmd.Flags().StringVar(&password, "password", "", "PAP password, if the peer requires authentication")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&logPretty, "log-pretty", false, "use zerolog's human-readable console writer instead of JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runPPPD(cmd *cobra.Command, args []string) error {
	log := newLogger()

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("pppd: invalid --log-level %q: %w", logLevel, err)
	}
	log = log.Level(level)

	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("pppd: open %s: %w", device, err)
	}
	defer f.Close()

	uart := &fileUART{f: f, log: log}
	net := &loggingNetStack{log: log}

	loop := worker.New(64)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go loop.Run(ctx)

	ready := make(chan struct{}, 1)
	link := ppp.New(loop, uart, net, ppp.Config{
		Magic:    rand.Uint32(),
		User:     user,
		Password: password,
	}, ppp.Callbacks{
		Up: func() {
			log.Info().Msg("pppd: link up")
			select {
			case ready <- struct{}{}:
			default:
			}
		},
		Down:        func() { log.Info().Msg("pppd: link down") },
		ConnectFail: func(err error) { log.Error().Err(err).Msg("pppd: connect failed") },
		Disconnect:  func() error { log.Info().Msg("pppd: disconnected"); return nil },
	}, log)

	log.Info().Str("device", device).Msg("pppd: opening link")
	link.Open()

	go uart.readLoop(ctx, link)

	<-ctx.Done()
	log.Info().Msg("pppd: shutting down")
	link.Close()
	// Give the termination handshake a moment to run before the
	// process exits and the Loop's goroutine is abandoned.
	time.Sleep(200 * time.Millisecond)
	return nil
}

func newLogger() zerolog.Logger {
	if logPretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// fileUART implements iface.UART over an *os.File, suitable for a real
// tty device or a pty used in manual testing.
type fileUART struct {
	f   *os.File
	log zerolog.Logger
}

func (u *fileUART) WriteByte(b byte) error {
	_, err := u.f.Write([]byte{b})
	return err
}

func (u *fileUART) Drain() {
	// Best-effort: read whatever is immediately available without
	// blocking is not portable over plain os.File, so this is a no-op
	// beyond what the kernel's own tty driver already discards on
	// open; a termios-based UART would set up non-blocking reads here.
}

func (u *fileUART) readLoop(ctx context.Context, link *ppp.Link) {
	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := u.f.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.log.Error().Err(err).Msg("pppd: serial read failed")
			return
		}
		for _, b := range buf[:n] {
			link.DeliverByte(b)
		}
	}
}

// loggingNetStack implements iface.NetworkStack by logging what it
// would have done; wiring a negotiated address into the host's actual
// network configuration is out of scope for this module.
type loggingNetStack struct {
	log zerolog.Logger
}

func (n *loggingNetStack) DeliverIPPacket(pkt []byte) {
	n.log.Debug().Int("len", len(pkt)).Msg("pppd: received ip datagram")
}

func (n *loggingNetStack) SetIPv4Addr(addr [4]byte) error {
	n.log.Info().Str("addr", ipString(addr)).Msg("pppd: would set local ipv4 address")
	return nil
}

func (n *loggingNetStack) RemoveIPv4Addr(addr [4]byte) error {
	n.log.Info().Str("addr", ipString(addr)).Msg("pppd: would remove local ipv4 address")
	return nil
}

func (n *loggingNetStack) SetIPv4Gateway(addr [4]byte) error {
	n.log.Info().Str("addr", ipString(addr)).Msg("pppd: would set ipv4 gateway")
	return nil
}

func ipString(addr [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", addr[0], addr[1], addr[2], addr[3])
}
