// Package ipcp implements the IP Control Protocol (RFC 1332): a
// single-address-negotiation layer on top of LCP, much simpler than
// LCP itself since only one option (IP-ADDR) and one in-flight
// identifier are ever exercised (spec §4.2). Grounded on
// internal/lcp/packet.go's codec shape and ipcp.c's handling.
package ipcp

import (
	"errors"
	"fmt"

	"go.linklayer.dev/ppp/internal/ppppkt"
)

type Code = ppppkt.Code

const (
	CodeConfigureRequest = ppppkt.ConfigureRequest
	CodeConfigureAck     = ppppkt.ConfigureAck
	CodeConfigureNak     = ppppkt.ConfigureNak
	CodeConfigureReject  = ppppkt.ConfigureReject
	CodeCodeReject       = ppppkt.CodeReject
)

// Option types IPCP understands (RFC 1332 §3). VJ header compression
// and IP-compression-protocol are recognized by the reference only to
// the extent of accepting their presence; this implementation never
// offers or accepts them (spec's IPCP behavior only ever proposes
// IP-ADDR), so they are listed only for documentation.
const (
	optionIPCompProto = 2
	optionIPAddr      = 3
	optionVJCompProto = 4
)

// Packet is a decoded IPCP control packet.
type Packet struct {
	Code ppppkt.Code
	ID   uint8

	// Populated for Configure-Request/Ack/Nak/Reject.
	IPAddr     [4]byte
	HasIPAddr  bool
	RawOptions []byte

	// Populated for Code-Reject.
	Data []byte
}

// Parse decodes b (protocol field still present) as an IPCP packet.
func Parse(b []byte) (*Packet, error) {
	hdr, body, err := ppppkt.ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if hdr.Proto != ppppkt.ProtoIPCP {
		return nil, errors.New("ipcp: not an IPCP packet")
	}

	p := &Packet{Code: ppppkt.Code(hdr.Code), ID: hdr.ID}

	switch p.Code {
	case CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject:
		p.RawOptions = body
		if err := p.parseOptions(body); err != nil {
			return nil, err
		}
	case CodeCodeReject:
		p.Data = body
	default:
		return nil, fmt.Errorf("ipcp: unknown packet code %d", p.Code)
	}

	return p, nil
}

func (p *Packet) parseOptions(body []byte) error {
	for len(body) > 0 {
		if len(body) < 2 {
			return errors.New("ipcp: trailing garbage in option list")
		}
		optType, optLen := body[0], int(body[1])
		if optLen < 2 || optLen > len(body) {
			return fmt.Errorf("ipcp: option length %d for option %d invalid", optLen, optType)
		}
		val := body[2:optLen]
		if optType == optionIPAddr {
			if len(val) != 4 {
				return fmt.Errorf("ipcp: IP-ADDR option has bad length %d", len(val))
			}
			copy(p.IPAddr[:], val)
			p.HasIPAddr = true
		}
		body = body[optLen:]
	}
	return nil
}

// Bytes serializes p into a PPP frame payload.
func (p *Packet) Bytes() []byte {
	var body []byte

	switch p.Code {
	case CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject:
		if p.RawOptions != nil {
			body = append(body, p.RawOptions...)
		} else if p.HasIPAddr {
			body = append(body, optionIPAddr, 6)
			body = append(body, p.IPAddr[:]...)
		}
	case CodeCodeReject:
		body = append(body, p.Data...)
	}

	hdr := ppppkt.Header{Proto: ppppkt.ProtoIPCP, Code: uint8(p.Code), ID: p.ID}
	return hdr.Bytes(body)
}
