// Package ppp implements a Point-to-Point Protocol link over an
// asynchronous serial line: it wires together HDLC framing, the LCP
// state machine, PAP authentication and IPCP address negotiation into
// a single coordinator that multiplexes inbound frames by protocol
// number and sequences the bring-up/tear-down of the link, the way
// ppp.c does in the reference implementation.
package ppp

import (
	"fmt"

	"github.com/rs/zerolog"

	"go.linklayer.dev/ppp/internal/frame"
	"go.linklayer.dev/ppp/internal/iface"
	"go.linklayer.dev/ppp/internal/ipcp"
	"go.linklayer.dev/ppp/internal/lcp"
	"go.linklayer.dev/ppp/internal/pap"
	"go.linklayer.dev/ppp/internal/ppppkt"
	"go.linklayer.dev/ppp/internal/worker"
)

// Config holds everything needed to bring up one link. The timing
// constants elsewhere in this stack are fixed by the protocol and are
// not configurable (spec's Timing constants section); only the
// per-link identity below varies.
type Config struct {
	// Magic is this side's LCP/Echo magic number. A real deployment
	// should randomize it per RFC 1661 §6.5; tests pick fixed values
	// for determinism.
	Magic uint32
	// User and Password are presented to the peer if it requires PAP
	// (spec §4.3). Unused if the peer's Configure-Request never asks
	// for authentication.
	User, Password string
}

// Callbacks are the user-visible lifecycle hooks (spec §6, "User
// callbacks"). All run on the Link's internal worker loop.
type Callbacks struct {
	// Connect is called before LCP opens; it may run a chat script.
	// Returning an error aborts the Open and calls ConnectFail
	// instead of proceeding.
	Connect func() error
	// ConnectFail is called if Connect returns an error.
	ConnectFail func(err error)
	// Disconnect is called once the link has fully finished tearing
	// down, mirroring the reference's disconnect hook.
	Disconnect func() error
	// Up is called when PAP authentication succeeds, right after IPCP
	// is asked to open and before its address negotiation completes.
	// It is not called on a link whose peer requires no authentication.
	Up func()
	// Down is called when LCP leaves Opened after the network phase
	// was entered, before Disconnect.
	Down func()
}

// Link is a single PPP session running over a serial line.
type Link struct {
	loop *worker.Loop
	uart iface.UART
	net  iface.NetworkStack
	cb   Callbacks
	log  zerolog.Logger

	dec *frame.Decoder

	lcp  *lcp.LCP
	ipcp *ipcp.IPCP
	pap  *pap.PAP

	networkPhase bool // true once IPCP (or PAP->IPCP) has been asked to open
	activeNets   int  // number of network-layer protocols currently open (only IPCP, here)
}

// transportAdapter lets LCP/IPCP/PAP share one Send(frame) method
// without depending on internal/frame or the UART directly.
type transportAdapter struct{ l *Link }

func (t transportAdapter) Send(body []byte) { t.l.writeFrame(body) }

// New creates a Link in its closed, unopened state. loop is the
// single-goroutine executor every callback and timer in the returned
// Link will run on; callers must start it via loop.Run in their own
// goroutine and enqueue into it (see Open/Close/DeliverByte).
func New(loop *worker.Loop, uart iface.UART, net iface.NetworkStack, cfg Config, cb Callbacks, log zerolog.Logger) *Link {
	l := &Link{
		loop: loop,
		uart: uart,
		net:  net,
		cb:   cb,
		log:  log,
		dec:  frame.NewDecoder(log),
	}
	tx := transportAdapter{l}

	l.lcp = lcp.New(loop, tx, cfg.Magic, lcp.Callbacks{
		Up:       l.onLCPUp,
		Down:     l.onLCPDown,
		Finished: l.onLCPFinished,
	}, log)

	l.ipcp = ipcp.New(loop, tx, net, ipcp.Callbacks{
		Closed: l.onIPCPClosed,
	}, log)

	l.pap = pap.New(loop, tx, cfg.User, cfg.Password, pap.Callbacks{
		Authenticated:      l.onAuthenticated,
		LinkCloseRequested: func() { l.lcp.Close() },
	}, log)

	return l
}

func (l *Link) writeFrame(body []byte) {
	encoded := frame.Encode(body)
	for _, b := range encoded {
		if err := l.uart.WriteByte(b); err != nil {
			l.log.Error().Err(err).Msg("ppp: uart write failed")
			return
		}
	}
}

// Open enqueues the job that drains the UART, runs the user's Connect
// hook, and opens LCP. Safe to call from any goroutine.
func (l *Link) Open() {
	l.loop.Enqueue(func() {
		l.uart.Drain()
		if l.cb.Connect != nil {
			if err := l.cb.Connect(); err != nil {
				if l.cb.ConnectFail != nil {
					l.cb.ConnectFail(err)
				}
				return
			}
		}
		l.lcp.Open()
	})
}

// Close enqueues the job that tears the link down via LCP.Close.
func (l *Link) Close() {
	l.loop.Enqueue(l.lcp.Close)
}

// Send enqueues an outbound IPv4 datagram for transmission, prepending
// the IP protocol number and handing it to the framer.
func (l *Link) Send(ipPacket []byte) {
	l.loop.Enqueue(func() {
		f := make([]byte, 2, 2+len(ipPacket))
		f[0] = byte(ppppkt.ProtoIP >> 8)
		f[1] = byte(ppppkt.ProtoIP)
		f = append(f, ipPacket...)
		l.writeFrame(f)
	})
}

// DeliverByte feeds one byte received from the UART through the
// receive pipeline. The reference calls this from interrupt context
// with only the per-byte framer step; here it is equally safe to call
// from any goroutine, since only the Decoder's own state (not the
// Link's protocol state) is touched directly, and a fully reassembled
// frame is handed to the Loop, never processed inline.
func (l *Link) DeliverByte(b byte) {
	if f, ok := l.dec.InputByte(b); ok {
		l.loop.Enqueue(func() { l.dispatch(f) })
	}
}

// dispatch routes a fully reassembled frame (protocol field still
// present) to its handler, per spec §4.6.
func (l *Link) dispatch(f []byte) {
	if len(f) < 2 {
		return
	}
	proto := ppppkt.Proto(uint16(f[0])<<8 | uint16(f[1]))

	switch proto {
	case ppppkt.ProtoLCP:
		l.dispatchLCP(f)
	case ppppkt.ProtoIPCP:
		l.dispatchIPCP(f)
	case ppppkt.ProtoPAP:
		l.dispatchPAP(f)
	case ppppkt.ProtoIP:
		l.net.DeliverIPPacket(f[2:])
	default:
		if l.lcp.State() == lcp.StateOpened {
			l.lcp.SendProtocolReject(uint16(proto), f[2:])
		}
		// Outside Opened, an unrecognized protocol is simply dropped.
	}
}

func (l *Link) dispatchLCP(f []byte) {
	pkt, err := lcp.Parse(f)
	if err != nil {
		l.log.Debug().Err(err).Msg("ppp: malformed LCP packet dropped")
		return
	}
	switch pkt.Code {
	case lcp.CodeConfigureRequest:
		l.lcp.RecvConfigureRequest(pkt)
	case lcp.CodeConfigureAck:
		l.lcp.RecvConfigureAck(pkt)
	case lcp.CodeConfigureNak, lcp.CodeConfigureReject:
		l.lcp.RecvConfigureNakOrReject(pkt)
	case lcp.CodeTerminateRequest:
		l.lcp.RecvTerminateRequest(pkt)
	case lcp.CodeTerminateAck:
		l.lcp.RecvTerminateAck(pkt)
	case lcp.CodeCodeReject:
		l.lcp.RecvCodeReject(pkt)
	case lcp.CodeEchoRequest:
		l.lcp.RecvEchoRequest(pkt)
	case lcp.CodeEchoReply:
		l.lcp.RecvEchoReply(pkt)
	case lcp.CodeDiscardRequest:
		l.lcp.RecvDiscardRequest(pkt)
	default:
		l.lcp.SendCodeReject(f)
	}
}

func (l *Link) dispatchIPCP(f []byte) {
	pkt, err := ipcp.Parse(f)
	if err != nil {
		l.log.Debug().Err(err).Msg("ppp: malformed IPCP packet dropped")
		return
	}
	switch pkt.Code {
	case ipcp.CodeConfigureRequest:
		l.ipcp.RecvConfigureRequest(pkt)
	case ipcp.CodeConfigureAck:
		l.ipcp.RecvConfigureAck(pkt)
	case ipcp.CodeConfigureNak:
		l.ipcp.RecvConfigureNak(pkt)
	case ipcp.CodeCodeReject:
		l.ipcp.RecvCodeReject(pkt)
	default:
		l.ipcp.SendCodeReject(f)
	}
}

func (l *Link) dispatchPAP(f []byte) {
	pkt, err := pap.Parse(f)
	if err != nil {
		l.log.Debug().Err(err).Msg("ppp: malformed PAP packet dropped")
		return
	}
	switch pkt.Code {
	case pap.CodeAuthenticateAck:
		l.pap.RecvAuthenticateAck(pkt)
	case pap.CodeAuthenticateNak:
		l.pap.RecvAuthenticateNak(pkt)
	default:
		l.pap.SendCodeReject(f)
	}
}

// onLCPUp implements ppp_link_opened: if the peer's accepted
// Configure-Request proposed no auth protocol, open IPCP directly;
// otherwise run PAP first.
func (l *Link) onLCPUp() {
	if authProto := l.lcp.PeerAuthProto(); authProto != 0 {
		l.pap.Open()
		return
	}
	l.openNetwork()
}

// onAuthenticated implements ppp_link_authenticated: open IPCP and
// tell the user the link is up, synchronously and unconditional on
// IPCP's own negotiation completing.
func (l *Link) onAuthenticated() {
	l.openNetwork()
	if l.cb.Up != nil {
		l.cb.Up()
	}
}

func (l *Link) openNetwork() {
	l.networkPhase = true
	l.activeNets++
	l.ipcp.Open()
}

// onIPCPClosed implements ppp_network_closed: decrement the active
// network-protocol count, and if it reaches zero while LCP is still
// Opened, close LCP too (there is nothing left for the link to do).
// An IPCP close caused by LCP itself leaving Opened does not close LCP
// again.
func (l *Link) onIPCPClosed() {
	l.activeNets--
	if l.activeNets <= 0 && l.networkPhase && l.lcp.State() == lcp.StateOpened {
		l.lcp.Close()
	}
}

// onLCPDown implements the network-layer half of ppp_link_closed: if
// we'd entered the network phase, tear IPCP down and notify the user.
func (l *Link) onLCPDown() {
	if l.networkPhase {
		l.networkPhase = false
		l.ipcp.Close()
		if l.cb.Down != nil {
			l.cb.Down()
		}
	}
}

// onLCPFinished implements the disconnect half of the lifecycle.
func (l *Link) onLCPFinished() {
	if l.cb.Disconnect != nil {
		if err := l.cb.Disconnect(); err != nil {
			l.log.Warn().Err(err).Msg("ppp: disconnect hook failed")
		}
	}
}

// State returns the underlying LCP state, mostly useful for tests and
// diagnostics.
func (l *Link) State() lcp.State { return l.lcp.State() }

// String renders enough of the link's state for a log line.
func (l *Link) String() string {
	return fmt.Sprintf("ppp.Link{lcp=%s, ipcp.Opened=%v}", l.lcp.State(), l.ipcp.Opened())
}
