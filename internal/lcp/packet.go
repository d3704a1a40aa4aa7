// Package lcp implements the Link Control Protocol: its packet codec
// and its ten-state machine (RFC 1661 §4.2). The packet codec below is
// adapted from the teacher package's internal/lcp/lcp.go, generalized
// to also retain the raw option bytes so Configure-Ack/Configure-Reject
// can echo the peer's TLVs verbatim rather than re-encoding them.
package lcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.linklayer.dev/ppp/internal/ppppkt"
)

// Code is an LCP packet type (RFC 1661 §4.2, Table 1).
type Code = ppppkt.Code

const (
	CodeConfigureRequest = ppppkt.ConfigureRequest
	CodeConfigureAck     = ppppkt.ConfigureAck
	CodeConfigureNak     = ppppkt.ConfigureNak
	CodeConfigureReject  = ppppkt.ConfigureReject
	CodeTerminateRequest = ppppkt.TerminateRequest
	CodeTerminateAck     = ppppkt.TerminateAck
	CodeCodeReject       = ppppkt.CodeReject
	CodeProtocolReject   = ppppkt.ProtocolReject
	CodeEchoRequest      = ppppkt.EchoRequest
	CodeEchoReply        = ppppkt.EchoReply
	CodeDiscardRequest   = ppppkt.DiscardRequest
)

// Option types this implementation understands on the wire. Only
// AuthProto is ever acted on by the state machine (spec §4.1); MRU and
// Magic are parsed (and can be encoded) purely so real pppd peers and
// test fixtures round-trip, per SPEC_FULL.md §C.1.
const (
	optionMRU       = 1
	optionAuthProto = 3
	optionMagic     = 5
)

var errUnexpectedLen = errors.New("lcp: unexpected option length")

// Packet is a decoded LCP control packet.
type Packet struct {
	Code ppppkt.Code
	ID   uint8

	// Populated only for Code in {ConfigureRequest, ConfigureAck,
	// ConfigureNak, ConfigureReject}.
	MRU           uint16
	AuthProto     uint16
	CHAPAlgorithm uint8
	// RawOptions is the option list exactly as received (or as set by
	// the builder), used to echo a Configure-Request back verbatim in
	// a Configure-Ack, and to re-walk it when building a
	// Configure-Reject.
	RawOptions []byte

	// Populated for TerminateRequest, TerminateAck, CodeReject, and
	// (after the 2-byte rejected-protocol field) ProtocolReject.
	Data []byte

	// Populated only for Code == ProtocolReject.
	RejectedProtocol uint16

	// Populated for ConfigureRequest/Ack/Nak/Reject and
	// EchoRequest/Reply/DiscardRequest.
	Magic uint32
}

// Parse decodes b, a full PPP frame payload (protocol field still
// present, FCS already stripped by the framer) as an LCP packet.
func Parse(b []byte) (*Packet, error) {
	hdr, body, err := ppppkt.ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if hdr.Proto != ppppkt.ProtoLCP {
		return nil, errors.New("lcp: not an LCP packet")
	}

	p := &Packet{Code: ppppkt.Code(hdr.Code), ID: hdr.ID}

	switch p.Code {
	case CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject:
		p.RawOptions = body
		if err := p.parseOptions(body); err != nil {
			return nil, err
		}

	case CodeProtocolReject:
		if len(body) < 2 {
			return nil, io.ErrUnexpectedEOF
		}
		p.RejectedProtocol = binary.BigEndian.Uint16(body[:2])
		p.Data = body[2:]

	case CodeTerminateRequest, CodeTerminateAck, CodeCodeReject:
		p.Data = body

	case CodeEchoRequest, CodeEchoReply, CodeDiscardRequest:
		if len(body) < 4 {
			return nil, errors.New("lcp: echo/discard packet too short")
		}
		p.Magic = binary.BigEndian.Uint32(body[:4])
		p.Data = body[4:]

	default:
		return nil, fmt.Errorf("lcp: unknown packet code %d", p.Code)
	}

	return p, nil
}

func (p *Packet) parseOptions(body []byte) error {
	for len(body) > 0 {
		if len(body) < 2 {
			return errors.New("lcp: trailing garbage in option list")
		}
		optType, optLen := body[0], int(body[1])
		if optLen < 2 || optLen > len(body) {
			return fmt.Errorf("lcp: option length %d for option %d invalid", optLen, optType)
		}
		val := body[2:optLen]
		switch optType {
		case optionMRU:
			if len(val) != 2 {
				return errUnexpectedLen
			}
			p.MRU = binary.BigEndian.Uint16(val)
		case optionAuthProto:
			if len(val) < 2 {
				return io.ErrUnexpectedEOF
			}
			p.AuthProto = binary.BigEndian.Uint16(val[:2])
			if p.AuthProto == uint16(ppppkt.ProtoCHAP) {
				if len(val) != 3 {
					return errUnexpectedLen
				}
				p.CHAPAlgorithm = val[2]
			} else if len(val) != 2 {
				return errUnexpectedLen
			}
		case optionMagic:
			if len(val) != 4 {
				return errUnexpectedLen
			}
			p.Magic = binary.BigEndian.Uint32(val)
		}
		body = body[optLen:]
	}
	return nil
}

// Bytes serializes p into a PPP frame payload (protocol field + LCP
// header + body).
func (p *Packet) Bytes() []byte {
	var body []byte

	switch p.Code {
	case CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject:
		if p.RawOptions != nil {
			body = append(body, p.RawOptions...)
		} else {
			if p.MRU != 0 {
				body = append(body, optionMRU, 4)
				body = binary.BigEndian.AppendUint16(body, p.MRU)
			}
			if p.AuthProto != 0 {
				if p.CHAPAlgorithm != 0 {
					body = append(body, optionAuthProto, 5)
				} else {
					body = append(body, optionAuthProto, 4)
				}
				body = binary.BigEndian.AppendUint16(body, p.AuthProto)
				if p.CHAPAlgorithm != 0 {
					body = append(body, p.CHAPAlgorithm)
				}
			}
			if p.Magic != 0 {
				body = append(body, optionMagic, 6)
				body = binary.BigEndian.AppendUint32(body, p.Magic)
			}
		}

	case CodeProtocolReject:
		body = binary.BigEndian.AppendUint16(body, p.RejectedProtocol)
		body = append(body, p.Data...)

	case CodeTerminateRequest, CodeTerminateAck, CodeCodeReject:
		body = append(body, p.Data...)

	case CodeEchoRequest, CodeEchoReply, CodeDiscardRequest:
		body = binary.BigEndian.AppendUint32(body, p.Magic)
		body = append(body, p.Data...)
	}

	hdr := ppppkt.Header{Proto: ppppkt.ProtoLCP, Code: uint8(p.Code), ID: p.ID}
	return hdr.Bytes(body)
}
