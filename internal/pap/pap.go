// This file implements PAP's single retransmitting Authenticate-Request
// (RFC 1334 §2.1, spec §4.3). PAP has no state enum of its own: an
// "outstanding request" identifier and a retry counter are enough,
// since it only ever runs once per link, after LCP opens and before
// IPCP does. Grounded on pap.c.
package pap

import (
	"time"

	"github.com/rs/zerolog"

	"go.linklayer.dev/ppp/internal/worker"
)

const (
	authReqTimeout  = 3 * time.Second
	authReqMaxTries = 5
)

// Transport sends a fully-built PAP frame.
type Transport interface {
	Send(frame []byte)
}

// Callbacks are invoked on authentication outcomes.
type Callbacks struct {
	// Authenticated is called once the peer acks our credentials.
	Authenticated func()
	// LinkCloseRequested is called if the retransmit timer exhausts
	// its retries; the reference tears the whole link down via
	// lcp_close in that case (spec §4.3).
	LinkCloseRequested func()
}

// PAP drives the client side of Password Authentication Protocol.
type PAP struct {
	loop *worker.Loop
	tx   Transport
	cb   Callbacks
	log  zerolog.Logger

	user, password string

	authReqCounter int
	authReqID      uint8
	codeRejectID   uint8
	authReqTimer   *worker.Timer
}

// New creates a PAP authenticator that will present user/password
// when Open is called.
func New(loop *worker.Loop, tx Transport, user, password string, cb Callbacks, log zerolog.Logger) *PAP {
	return &PAP{loop: loop, tx: tx, user: user, password: password, cb: cb, log: log}
}

// Open sends the first Authenticate-Request and arms the retransmit timer.
func (p *PAP) Open() {
	p.authReqCounter = 0
	p.sendAuthReq()
}

// Close cancels any outstanding retransmit timer without sending
// anything further; used when the link is torn down mid-authentication.
func (p *PAP) Close() {
	p.authReqTimer.Stop()
}

func (p *PAP) sendAuthReq() {
	p.authReqCounter++
	if p.authReqCounter > authReqMaxTries {
		p.log.Warn().Msg("pap: authenticate-request max retries reached")
		if p.cb.LinkCloseRequested != nil {
			p.cb.LinkCloseRequested()
		}
		return
	}
	p.authReqID++
	pkt := &Packet{Code: CodeAuthenticateRequest, ID: p.authReqID, User: p.user, Password: p.password}
	p.tx.Send(pkt.Bytes())
	p.authReqTimer = p.loop.AfterFunc(authReqTimeout, p.onAuthReqTimer)
}

func (p *PAP) onAuthReqTimer() {
	p.sendAuthReq()
}

// RecvAuthenticateAck cancels the retransmit timer and reports success.
func (p *PAP) RecvAuthenticateAck(pkt *Packet) {
	if pkt.ID != p.authReqID {
		return
	}
	p.authReqTimer.Stop()
	if p.cb.Authenticated != nil {
		p.cb.Authenticated()
	}
}

// RecvAuthenticateNak cancels the retransmit timer and otherwise takes
// no remedial action: the link will still tear down through LCP echo
// failure if the peer never opens the network layer, but there is no
// explicit recovery here (documented open question, preserved for
// fidelity rather than "fixed").
func (p *PAP) RecvAuthenticateNak(pkt *Packet) {
	if pkt.ID != p.authReqID {
		return
	}
	p.authReqTimer.Stop()
}

// SendCodeReject replies to a PAP frame whose code we don't recognize,
// under the PAP protocol number.
func (p *PAP) SendCodeReject(rawPacket []byte) {
	p.codeRejectID++
	pkt := &Packet{Code: CodeCodeReject, ID: p.codeRejectID, Message: rawPacket}
	p.tx.Send(pkt.Bytes())
}
