// This file implements IPCP's opened-boolean model (RFC 1332, spec
// §4.2). Unlike LCP, IPCP is not strictly state-machined in the
// reference: only the initiator side with one in-flight identifier is
// ever exercised, so an `opened` flag plus identifier matching
// suffices. Grounded on ipcp.c.
package ipcp

import (
	"time"

	"github.com/rs/zerolog"

	"go.linklayer.dev/ppp/internal/iface"
	"go.linklayer.dev/ppp/internal/options"
	"go.linklayer.dev/ppp/internal/worker"
)

const (
	confReqTimeout  = 3 * time.Second
	confReqMaxTries = 5
)

// Transport sends a fully-built IPCP frame.
type Transport interface {
	Send(frame []byte)
}

// Callbacks are invoked when the negotiated IPv4 address becomes
// usable or is torn down.
type Callbacks struct {
	// Opened is called once the peer has acked our proposed address
	// and it has been installed on the interface.
	Opened func()
	// Closed is called when IPCP tears down (address removed, gateway
	// cleared). Mirrors ppp_network_closed.
	Closed func()
}

// IPCP is the IP Control Protocol negotiator for one link.
type IPCP struct {
	loop *worker.Loop
	tx   Transport
	net  iface.NetworkStack
	cb   Callbacks
	log  zerolog.Logger

	opened         bool
	confReqCounter int
	confReqID      uint8
	codeRejectID   uint8
	ipaddr         [4]byte
	addrInstalled  bool

	confReqTimer *worker.Timer
}

// New creates an IPCP negotiator, closed until Open is called.
func New(loop *worker.Loop, tx Transport, net iface.NetworkStack, cb Callbacks, log zerolog.Logger) *IPCP {
	return &IPCP{loop: loop, tx: tx, net: net, cb: cb, log: log}
}

// Opened reports whether IPCP has been opened and not closed since,
// whether or not address negotiation has completed yet.
func (c *IPCP) Opened() bool { return c.opened }

// Open starts IPCP negotiation, proposing 0.0.0.0 as our address (the
// reference always starts from an unconfigured address and lets the
// peer Nak us towards the real one).
func (c *IPCP) Open() {
	if c.opened {
		return
	}
	c.opened = true
	c.ipaddr = [4]byte{}
	c.confReqCounter = 0
	c.sendConfReq()
}

// Close tears IPCP down: cancels the timer, removes any installed
// address, clears the gateway, and invokes Closed.
func (c *IPCP) Close() {
	if !c.opened {
		return
	}
	c.confReqTimer.Stop()
	if c.addrInstalled {
		if err := c.net.RemoveIPv4Addr(c.ipaddr); err != nil {
			c.log.Warn().Err(err).Msg("ipcp: failed to remove IPv4 address")
		}
		c.addrInstalled = false
	}
	c.ipaddr = [4]byte{}
	if err := c.net.SetIPv4Gateway([4]byte{}); err != nil {
		c.log.Warn().Err(err).Msg("ipcp: failed to clear IPv4 gateway")
	}
	c.opened = false
	if c.cb.Closed != nil {
		c.cb.Closed()
	}
}

func (c *IPCP) sendConfReq() {
	c.confReqCounter++
	if c.confReqCounter > confReqMaxTries {
		c.log.Warn().Msg("ipcp: configure-request max retries reached")
		c.Close()
		return
	}
	c.confReqID++
	pkt := &Packet{Code: CodeConfigureRequest, ID: c.confReqID, IPAddr: c.ipaddr, HasIPAddr: true}
	c.tx.Send(pkt.Bytes())
	c.confReqTimer = c.loop.AfterFunc(confReqTimeout, c.onConfReqTimer)
}

func (c *IPCP) onConfReqTimer() {
	if !c.opened {
		return
	}
	c.sendConfReq()
}

// RecvConfigureRequest handles an inbound Configure-Request: only
// IP-ADDR (with the right length) is accepted, everything else is
// rejected. A peer-supplied address is recorded as our gateway.
func (c *IPCP) RecvConfigureRequest(pkt *Packet) {
	rejectedTypes := map[uint8]bool{}
	_, rejectLen, ok := options.Classify(pkt.RawOptions, func(optType uint8, value []byte) options.Verdict {
		if optType == optionIPAddr && len(value) == 4 {
			return options.Accept
		}
		rejectedTypes[optType] = true
		return options.Reject
	})
	if !ok {
		return
	}

	if rejectLen > 0 {
		rejectBody, ok := options.CollectRejected(pkt.RawOptions, func(t uint8) bool { return rejectedTypes[t] })
		if !ok {
			return
		}
		c.tx.Send((&Packet{Code: CodeConfigureReject, ID: pkt.ID, RawOptions: rejectBody}).Bytes())
		return
	}

	c.tx.Send((&Packet{Code: CodeConfigureAck, ID: pkt.ID, RawOptions: pkt.RawOptions}).Bytes())

	if pkt.HasIPAddr {
		if err := c.net.SetIPv4Gateway(pkt.IPAddr); err != nil {
			c.log.Warn().Err(err).Msg("ipcp: failed to set IPv4 gateway")
		}
	}
}

// RecvConfigureAck installs our proposed address once the peer
// confirms it.
func (c *IPCP) RecvConfigureAck(pkt *Packet) {
	if pkt.ID != c.confReqID {
		return
	}
	c.confReqTimer.Stop()

	if err := c.net.SetIPv4Addr(c.ipaddr); err != nil {
		c.log.Error().Err(err).Msg("ipcp: failed to assign IPv4 address")
		return
	}
	c.addrInstalled = true
	if c.cb.Opened != nil {
		c.cb.Opened()
	}
}

// RecvConfigureNak cancels the retransmit timer. If the Nak carries an
// IP-ADDR, that address is adopted and a fresh Configure-Request is
// sent; otherwise nothing further is sent.
func (c *IPCP) RecvConfigureNak(pkt *Packet) {
	if pkt.ID != c.confReqID {
		return
	}
	c.confReqTimer.Stop()

	if pkt.HasIPAddr {
		c.ipaddr = pkt.IPAddr
		c.sendConfReq()
	}
}

// RecvCodeReject logs a peer's rejection of one of our IPCP packets;
// there's no well-defined recovery.
func (c *IPCP) RecvCodeReject(pkt *Packet) {
	c.log.Warn().Msg("ipcp: peer rejected one of our packets")
}

// SendCodeReject replies to an IPCP frame whose code we don't
// recognize, under the IPCP protocol number (RFC 1661's Code-Reject is
// sent under the rejected packet's own protocol, not LCP's).
func (c *IPCP) SendCodeReject(rawPacket []byte) {
	c.codeRejectID++
	pkt := &Packet{Code: CodeCodeReject, ID: c.codeRejectID, Data: rawPacket}
	c.tx.Send(pkt.Bytes())
}
