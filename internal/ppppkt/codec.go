package ppppkt

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header is the generic control-packet envelope every LCP, IPCP and
// PAP packet shares: a 2-byte PPP protocol field, then code:u8,
// identifier:u8, length:u16 (total including these 4 bytes), followed
// by a protocol- and code-specific body (spec §3).
type Header struct {
	Proto Proto
	Code  uint8
	ID    uint8
}

// ParseHeader reads the protocol field and the 4-byte control header
// from a decoded PPP frame (as delivered by internal/frame.Decoder,
// i.e. protocol field still present, FCS already stripped), and
// returns the remaining body. The declared length is trusted over
// len(b): PPP explicitly allows trailing padding inserted by the
// framing layer, so inner protocols must ignore it, but a declared
// length that is too short or overflows the frame is rejected.
func ParseHeader(b []byte) (hdr Header, body []byte, err error) {
	if len(b) < 6 {
		return Header{}, nil, io.ErrUnexpectedEOF
	}
	hdr.Proto = Proto(binary.BigEndian.Uint16(b[:2]))
	hdr.Code = b[2]
	hdr.ID = b[3]
	pktLen := int(binary.BigEndian.Uint16(b[4:6]))
	// pktLen counts code(1)+id(1)+length(2)+body, i.e. everything
	// after the 2-byte protocol field; b still has that field at its
	// front, so the body ends at pktLen+2, not pktLen.
	if pktLen < 4 {
		return Header{}, nil, fmt.Errorf("ppppkt: length %d too short", pktLen)
	}
	if pktLen > len(b)-2 {
		return Header{}, nil, fmt.Errorf("ppppkt: length %d overflows frame", pktLen)
	}
	body = b[6 : pktLen+2]
	return hdr, body, nil
}

// Bytes serializes hdr and body into a full PPP frame payload (the
// protocol field plus the control packet), with the length field
// computed from body.
func (h Header) Bytes(body []byte) []byte {
	out := make([]byte, 6, 6+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(h.Proto))
	out[2] = h.Code
	out[3] = h.ID
	binary.BigEndian.PutUint16(out[4:6], uint16(len(body)+4))
	return append(out, body...)
}
