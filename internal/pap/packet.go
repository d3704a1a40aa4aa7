// Package pap implements the Password Authentication Protocol (RFC
// 1334 §2): a simple cleartext credential exchange run once LCP has
// agreed on PAP as the peer's required authentication (spec §4.3).
// Grounded on internal/lcp/packet.go's codec shape and pap.c.
package pap

import (
	"errors"
	"fmt"

	"go.linklayer.dev/ppp/internal/ppppkt"
)

type Code = ppppkt.Code

const (
	CodeAuthenticateRequest Code = 1
	CodeAuthenticateAck     Code = 2
	CodeAuthenticateNak     Code = 3
	// CodeCodeReject is not part of RFC 1334 itself, but the control
	// protocols all share RFC 1661's generic code-reject mechanism for
	// codes they don't recognize; its wire value matches LCP's.
	CodeCodeReject Code = 7
)

// Packet is a decoded PAP packet.
type Packet struct {
	Code Code
	ID   uint8

	// Populated only for CodeAuthenticateRequest.
	User     string
	Password string

	// Populated for Ack/Nak (an optional message, per RFC 1334);
	// CodeReject carries the rejected packet here too.
	Message []byte
}

// Parse decodes b (protocol field still present) as a PAP packet.
func Parse(b []byte) (*Packet, error) {
	hdr, body, err := ppppkt.ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if hdr.Proto != ppppkt.ProtoPAP {
		return nil, errors.New("pap: not a PAP packet")
	}

	p := &Packet{Code: Code(hdr.Code), ID: hdr.ID}

	switch p.Code {
	case CodeAuthenticateRequest:
		if len(body) < 1 {
			return nil, errors.New("pap: truncated auth-request")
		}
		userLen := int(body[0])
		if len(body) < 1+userLen+1 {
			return nil, errors.New("pap: truncated auth-request user")
		}
		p.User = string(body[1 : 1+userLen])
		rest := body[1+userLen:]
		passLen := int(rest[0])
		if len(rest) < 1+passLen {
			return nil, errors.New("pap: truncated auth-request password")
		}
		p.Password = string(rest[1 : 1+passLen])

	case CodeAuthenticateAck, CodeAuthenticateNak:
		if len(body) < 1 {
			p.Message = nil
			break
		}
		msgLen := int(body[0])
		if len(body) < 1+msgLen {
			return nil, errors.New("pap: truncated ack/nak message")
		}
		p.Message = body[1 : 1+msgLen]

	case CodeCodeReject:
		p.Message = body

	default:
		return nil, fmt.Errorf("pap: unknown packet code %d", p.Code)
	}

	return p, nil
}

// Bytes serializes p into a PPP frame payload.
func (p *Packet) Bytes() []byte {
	var body []byte

	switch p.Code {
	case CodeAuthenticateRequest:
		body = append(body, byte(len(p.User)))
		body = append(body, p.User...)
		body = append(body, byte(len(p.Password)))
		body = append(body, p.Password...)
	case CodeAuthenticateAck, CodeAuthenticateNak:
		body = append(body, byte(len(p.Message)))
		body = append(body, p.Message...)
	case CodeCodeReject:
		body = append(body, p.Message...)
	}

	hdr := ppppkt.Header{Proto: ppppkt.ProtoPAP, Code: uint8(p.Code), ID: p.ID}
	return hdr.Bytes(body)
}
