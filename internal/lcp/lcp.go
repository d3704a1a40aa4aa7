// This file implements LCP's ten-state machine (RFC 1661 §4.2). The
// transition table is expressed as one dispatch per event kind rather
// than duplicated across four receive handlers, which is how the
// reference C implementation does it and a frequent source of bugs
// there.
package lcp

import (
	"time"

	"github.com/rs/zerolog"

	"go.linklayer.dev/ppp/internal/options"
	"go.linklayer.dev/ppp/internal/worker"
)

// State is one of LCP's ten states (RFC 1661 §4.2).
type State int

const (
	StateInitial State = iota
	StateStarting
	StateClosed
	StateStopped
	StateClosing
	StateStopping
	StateReqSent
	StateAckRcvd
	StateAckSent
	StateOpened
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateStarting:
		return "Starting"
	case StateClosed:
		return "Closed"
	case StateStopped:
		return "Stopped"
	case StateClosing:
		return "Closing"
	case StateStopping:
		return "Stopping"
	case StateReqSent:
		return "Req-Sent"
	case StateAckRcvd:
		return "Ack-Rcvd"
	case StateAckSent:
		return "Ack-Sent"
	case StateOpened:
		return "Opened"
	default:
		return "Unknown"
	}
}

// Timing constants fixed by the protocol; not configurable.
const (
	confReqTimeout  = 3 * time.Second
	confReqMaxTries = 10
	termReqTimeout  = 3 * time.Second
	termReqMaxTries = 2
	echoInterval    = 30 * time.Second
	echoReplyWindow = 3 * time.Second
	echoMaxFails    = 5
	stoppingGrace   = 2 * time.Second
)

// SupportedAuthProto is the only authentication protocol this stack
// will accept; a peer proposing anything else (e.g. CHAP) gets it back
// as a Configure-Nak counter-proposal (scenario 3).
const SupportedAuthProto = 0xc023 // PPP_PROTO_PAP

// Transport is how the state machine sends a fully-built LCP frame.
// LCP never touches internal/frame directly, so it can be driven from
// a fake in tests.
type Transport interface {
	Send(frame []byte)
}

// Callbacks are invoked at the transitions RFC 1661/spec §4.1 define
// as user-visible. All run on the owning Loop and must not block.
type Callbacks struct {
	// Up is called when LCP first reaches Opened.
	Up func()
	// Down is called when LCP leaves Opened, at most once per Up.
	Down func()
	// Finished is called exactly once per Open()/Close() cycle, when
	// the link reaches a terminal resting state (Closed or Stopped).
	Finished func()
}

// LCP is the Link Control Protocol state machine for one link. All of
// its exported methods must only be called from jobs running on loop.
type LCP struct {
	loop  *worker.Loop
	tx    Transport
	cb    Callbacks
	log   zerolog.Logger
	magic uint32

	state State

	confReqCounter  int
	confReqID       uint8
	termReqCounter  int
	termReqID       uint8
	codeRejectID    uint8
	protoRejectID   uint8
	echoReqID       uint8
	echoReplyID     uint8
	echoFailCounter int
	peerAuthProto   uint16

	confReqTimer *worker.Timer
	termReqTimer *worker.Timer
	stopTimer    *worker.Timer
	echoTimer    *worker.Timer
}

// New creates an LCP state machine in its Closed state ("Initial state
// after init is Closed").
func New(loop *worker.Loop, tx Transport, magic uint32, cb Callbacks, log zerolog.Logger) *LCP {
	return &LCP{
		loop:  loop,
		tx:    tx,
		cb:    cb,
		log:   log,
		magic: magic,
		state: StateClosed,
	}
}

// State returns the current state.
func (l *LCP) State() State { return l.state }

func (l *LCP) cancelTimers() {
	l.confReqTimer.Stop()
	l.termReqTimer.Stop()
	l.stopTimer.Stop()
	l.echoTimer.Stop()
}

// Open requests the link be brought up.
func (l *LCP) Open() {
	if l.state != StateClosed && l.state != StateInitial {
		return
	}
	l.confReqCounter = 0
	l.sendConfReq()
	l.setState(StateReqSent)
}

// Close requests the link be torn down.
func (l *LCP) Close() {
	switch l.state {
	case StateClosed, StateStopped, StateClosing, StateStopping:
		return
	}
	if l.state == StateOpened {
		l.exitOpened()
	}
	l.cancelTimers()
	l.termReqCounter = 0
	l.sendTermReq()
	l.setState(StateClosing)
}

func (l *LCP) exitOpened() {
	l.echoTimer.Stop()
	if l.cb.Down != nil {
		l.cb.Down()
	}
}

func (l *LCP) setState(s State) {
	if s != l.state {
		l.log.Debug().Stringer("from", l.state).Stringer("to", s).Msg("lcp: state transition")
	}
	l.state = s
}

func (l *LCP) finished() {
	if l.cb.Finished != nil {
		l.cb.Finished()
	}
}

func (l *LCP) sendConfReq() {
	l.confReqCounter++
	l.confReqID++
	pkt := &Packet{Code: CodeConfigureRequest, ID: l.confReqID}
	l.tx.Send(pkt.Bytes())
	l.confReqTimer = l.loop.AfterFunc(confReqTimeout, l.onConfReqTimer)
}

func (l *LCP) onConfReqTimer() {
	if l.state != StateReqSent && l.state != StateAckSent && l.state != StateAckRcvd {
		return
	}
	if l.confReqCounter >= confReqMaxTries {
		l.log.Warn().Msg("lcp: configure-request retries exhausted")
		l.setState(StateStopped)
		l.finished()
		return
	}
	l.sendConfReq()
}

func (l *LCP) sendTermReq() {
	l.termReqCounter++
	l.termReqID++
	pkt := &Packet{Code: CodeTerminateRequest, ID: l.termReqID}
	l.tx.Send(pkt.Bytes())
	l.termReqTimer = l.loop.AfterFunc(termReqTimeout, l.onTermReqTimer)
}

func (l *LCP) onTermReqTimer() {
	if l.state != StateClosing && l.state != StateStopping {
		return
	}
	if l.termReqCounter >= termReqMaxTries {
		final := StateClosed
		if l.state == StateStopping {
			final = StateStopped
		}
		l.setState(final)
		l.finished()
		return
	}
	l.sendTermReq()
}

// RecvConfigureRequest handles an inbound Configure-Request: classify
// every option, reply Configure-Ack/Nak/Reject, and advance state.
func (l *LCP) RecvConfigureRequest(pkt *Packet) {
	switch l.state {
	case StateClosed, StateStopped:
		l.tx.Send((&Packet{Code: CodeTerminateAck, ID: pkt.ID}).Bytes())
		return
	case StateClosing, StateStopping:
		return
	}

	nakBody, rejectBody, ok := l.classifyConfReq(pkt)
	if !ok {
		return
	}

	switch {
	case len(rejectBody) > 0:
		l.tx.Send((&Packet{Code: CodeConfigureReject, ID: pkt.ID, RawOptions: rejectBody}).Bytes())
	case len(nakBody) > 0:
		l.tx.Send((&Packet{Code: CodeConfigureNak, ID: pkt.ID, RawOptions: nakBody}).Bytes())
	default:
		l.tx.Send((&Packet{Code: CodeConfigureAck, ID: pkt.ID, RawOptions: pkt.RawOptions}).Bytes())
		l.peerAuthProto = pkt.AuthProto
		switch l.state {
		case StateReqSent:
			l.setState(StateAckSent)
		case StateAckRcvd:
			l.enterOpened()
		case StateOpened:
			l.exitOpened()
			l.confReqCounter = 0
			l.sendConfReq()
			l.setState(StateReqSent)
		}
	}
}

// classifyConfReq walks pkt's options and returns the Nak/Reject
// option-list bodies to send (reject-before-nak precedence applied by
// the caller: a non-empty rejectBody always wins) plus whether the
// option list itself parsed cleanly.
func (l *LCP) classifyConfReq(pkt *Packet) (nakBody, rejectBody []byte, ok bool) {
	rejectedTypes := map[uint8]bool{}
	nakAuthProto := false

	_, _, ok = options.Classify(pkt.RawOptions, func(optType uint8, value []byte) options.Verdict {
		switch optType {
		case optionMRU, optionMagic:
			return options.Accept
		case optionAuthProto:
			if len(value) < 2 {
				rejectedTypes[optType] = true
				return options.Reject
			}
			authProto := uint16(value[0])<<8 | uint16(value[1])
			if authProto == SupportedAuthProto {
				return options.Accept
			}
			nakAuthProto = true
			return options.Nak
		default:
			rejectedTypes[optType] = true
			return options.Reject
		}
	})
	if !ok {
		return nil, nil, false
	}

	if len(rejectedTypes) > 0 {
		rejectBody, ok = options.CollectRejected(pkt.RawOptions, func(t uint8) bool { return rejectedTypes[t] })
		return nil, rejectBody, ok
	}
	if nakAuthProto {
		nakBody = []byte{optionAuthProto, 4, byte(SupportedAuthProto >> 8), byte(SupportedAuthProto)}
	}
	return nakBody, nil, true
}

func (l *LCP) enterOpened() {
	l.confReqTimer.Stop()
	l.setState(StateOpened)
	l.echoFailCounter = 0
	l.echoReqID = 0
	l.echoReplyID = 0
	l.echoTimer = l.loop.AfterFunc(echoInterval, l.onEchoTimer)
	if l.cb.Up != nil {
		l.cb.Up()
	}
}

// PeerAuthProto returns the authentication protocol number the peer's
// accepted Configure-Request proposed, or 0 if none was proposed. Only
// meaningful once Opened; read by the link coordinator from inside the
// Up callback to decide whether to run PAP before opening IPCP.
func (l *LCP) PeerAuthProto() uint16 { return l.peerAuthProto }

// RecvConfigureAck handles an inbound Configure-Ack. A mismatched
// identifier is dropped silently, never an error.
func (l *LCP) RecvConfigureAck(pkt *Packet) {
	if pkt.ID != l.confReqID {
		return
	}
	switch l.state {
	case StateReqSent:
		l.confReqCounter = 0
		l.setState(StateAckRcvd)
	case StateAckSent:
		l.enterOpened()
	}
}

// RecvConfigureNakOrReject handles both Configure-Nak and
// Configure-Reject identically, closing the connection. RFC 1661
// distinguishes the two; this implementation does not, because our
// own Configure-Request never advertises options a compliant peer
// could object to, so either response is equally fatal to the
// negotiation. Preserved for behavioral fidelity.
func (l *LCP) RecvConfigureNakOrReject(pkt *Packet) {
	if pkt.ID != l.confReqID {
		return
	}
	switch l.state {
	case StateReqSent, StateAckSent:
		l.Close()
	}
}

// RecvTerminateRequest handles an inbound Terminate-Request.
func (l *LCP) RecvTerminateRequest(pkt *Packet) {
	l.tx.Send((&Packet{Code: CodeTerminateAck, ID: pkt.ID}).Bytes())

	if l.state == StateOpened {
		l.exitOpened()
		l.cancelTimers()
		l.stopTimer = l.loop.AfterFunc(stoppingGrace, l.onStoppingTimer)
		l.setState(StateStopping)
	}
}

func (l *LCP) onStoppingTimer() {
	if l.state != StateStopping {
		return
	}
	l.setState(StateStopped)
	l.finished()
}

// RecvTerminateAck handles an inbound Terminate-Ack matching our
// outstanding Terminate-Request.
func (l *LCP) RecvTerminateAck(pkt *Packet) {
	if pkt.ID != l.termReqID {
		return
	}
	switch l.state {
	case StateClosing:
		l.termReqTimer.Stop()
		l.setState(StateClosed)
		l.finished()
	case StateStopping:
		// A Terminate-Ack while Stopping is unusual (we were the one
		// who sent the Ack, not a Request); the reference falls
		// through to the same Stopped resolution used from Closing
		// rather than treating Stopping specially, so this mirrors
		// that rather than leaving the state machine wedged.
		l.termReqTimer.Stop()
		l.setState(StateStopped)
		l.finished()
	}
}

// RecvCodeReject handles a peer Code-Reject of a packet we sent. LCP's
// own codes are all mandatory per RFC 1661; there is no well-defined
// recovery, so this just logs it.
func (l *LCP) RecvCodeReject(pkt *Packet) {
	l.log.Warn().Uint8("code", uint8(pkt.Code)).Msg("lcp: peer rejected one of our packets")
}

// RecvEchoRequest answers with an Echo-Reply carrying our own magic
// number and echoing the payload, but only in Opened.
func (l *LCP) RecvEchoRequest(pkt *Packet) {
	if l.state != StateOpened {
		return
	}
	l.tx.Send((&Packet{Code: CodeEchoReply, ID: pkt.ID, Magic: l.magic, Data: pkt.Data}).Bytes())
}

// RecvDiscardRequest does nothing by design: it exists purely so peers
// can probe link liveness without provoking a reply.
func (l *LCP) RecvDiscardRequest(pkt *Packet) {}

// RecvEchoReply records a liveness reply matching our last Echo-Request.
func (l *LCP) RecvEchoReply(pkt *Packet) {
	if l.state != StateOpened || pkt.ID != l.echoReqID {
		return
	}
	l.echoReplyID = pkt.ID
	l.echoFailCounter = 0
}

func (l *LCP) onEchoTimer() {
	if l.state != StateOpened {
		return
	}
	if l.echoReqID != l.echoReplyID {
		l.echoFailCounter++
		if l.echoFailCounter >= echoMaxFails {
			l.log.Warn().Msg("lcp: echo failures exceeded threshold")
			l.exitOpened()
			l.setState(StateStopped)
			l.finished()
			return
		}
	}
	l.echoReqID++
	l.tx.Send((&Packet{Code: CodeEchoRequest, ID: l.echoReqID, Magic: l.magic}).Bytes())
	l.echoTimer = l.loop.AfterFunc(echoReplyWindow, l.onEchoTimer)
}

// SendProtocolReject replies to a frame carrying an unrecognized PPP
// protocol, but only while Opened; outside Opened the caller simply
// drops the frame instead of calling this.
func (l *LCP) SendProtocolReject(rejectedProto uint16, rejectedPayload []byte) {
	if l.state != StateOpened {
		return
	}
	l.protoRejectID++
	pkt := &Packet{Code: CodeProtocolReject, ID: l.protoRejectID, RejectedProtocol: rejectedProto, Data: rejectedPayload}
	l.tx.Send(pkt.Bytes())
}

// SendCodeReject replies to a frame whose LCP code we don't recognize.
func (l *LCP) SendCodeReject(rawPacket []byte) {
	l.codeRejectID++
	pkt := &Packet{Code: CodeCodeReject, ID: l.codeRejectID, Data: rawPacket}
	l.tx.Send(pkt.Bytes())
}
