// Package frame implements the HDLC-like byte framing used by PPP over
// an asynchronous serial line (RFC 1662): flag/escape byte-stuffing,
// Address/Control field stripping, and FCS-16 (CRC-16-CCITT)
// computation and verification. It is the leaf dependency of the
// stack; it knows nothing about LCP, IPCP or PAP.
package frame

import "github.com/rs/zerolog"

const (
	flagByte = 0x7e
	escByte  = 0x7d
	modByte  = 0x20

	initFCS = 0xffff
	goodFCS = 0xf0b8
)

// fcs16Byte folds one byte into a running CRC-16-CCITT register, using
// the reference implementation's table-free formulation.
func fcs16Byte(crc uint16, c byte) uint16 {
	t := uint16(crc^uint16(c)) & 0xff
	t = (t ^ (t << 4)) & 0xff
	return (crc >> 8) ^ (t << 8) ^ (t << 3) ^ (t >> 4)
}

type rxState int

const (
	stateGarbage rxState = iota
	stateOk
	stateEsc
)

// Decoder is the receive-side byte pipeline: feed it bytes one at a
// time as they arrive from the UART, and it reassembles, unescapes and
// FCS-checks complete frames. A Decoder is not safe for concurrent use;
// the spec requires it only ever be driven from the UART ISR/read path,
// which in this Go port means a single goroutine (see internal/worker).
type Decoder struct {
	state   rxState
	started bool // a frame is being assembled; next flag delivers or discards it
	pending bool // next data byte starts a fresh frame (allocates buf, resets fcs)
	buf     []byte
	raw     int // count of bytes seen since frame start, including Address/Control
	fcs     uint16

	log zerolog.Logger
}

// NewDecoder creates a Decoder. A zero zerolog.Logger is a valid,
// silent logger.
func NewDecoder(log zerolog.Logger) *Decoder {
	return &Decoder{state: stateOk, pending: true, log: log}
}

func (d *Decoder) reset() {
	d.buf = nil
	d.raw = 0
	d.started = false
}

func (d *Decoder) beginFrame() {
	d.buf = make([]byte, 0, 64)
	d.raw = 0
	d.fcs = initFCS
	d.started = true
	d.pending = false
}

// appendData folds c into the running FCS and, unless it is one of the
// first two bytes of the frame (the HDLC Address/Control fields, which
// are always consumed into the FCS but never delivered to the caller),
// appends it to the in-progress buffer.
func (d *Decoder) appendData(c byte) {
	if d.pending {
		d.beginFrame()
	}
	d.fcs = fcs16Byte(d.fcs, c)
	if d.raw < 2 {
		d.raw++
		return
	}
	d.raw++
	d.buf = append(d.buf, c)
}

// InputByte feeds one received byte through the decoder. It returns
// (frame, true) when a complete, FCS-valid frame has just been
// delivered (Address/Control and the trailing FCS bytes already
// stripped); otherwise it returns (nil, false), whether because the
// frame is still in progress or because a malformed/FCS-bad frame was
// silently discarded.
func (d *Decoder) InputByte(c byte) ([]byte, bool) {
	switch d.state {
	case stateGarbage:
		if c == flagByte {
			d.state = stateOk
		}
		return nil, false

	case stateEsc:
		if c == flagByte {
			// Escape immediately followed by a flag is an abort
			// sequence: throw away the in-progress frame and
			// resynchronize on the next flag.
			d.log.Debug().Msg("frame: abort sequence, discarding in-progress frame")
			d.reset()
			d.pending = true
			d.state = stateGarbage
			return nil, false
		}
		d.state = stateOk
		d.appendData(c ^ modByte)
		return nil, false

	default: // stateOk
		switch c {
		case escByte:
			d.state = stateEsc
			return nil, false
		case flagByte:
			d.pending = true
			if !d.started {
				// Idle flag between frames (or the opening flag of
				// the very first frame); nothing to deliver.
				return nil, false
			}
			return d.endFrame()
		default:
			d.appendData(c)
			return nil, false
		}
	}
}

func (d *Decoder) endFrame() ([]byte, bool) {
	buf, fcs := d.buf, d.fcs
	d.reset()

	if len(buf) < 2 {
		d.log.Debug().Int("len", len(buf)).Msg("frame: short frame discarded")
		return nil, false
	}
	if fcs != goodFCS {
		d.log.Debug().Uint16("fcs", fcs).Msg("frame: bad FCS, frame discarded")
		return nil, false
	}
	return buf[:len(buf)-2], true
}

// Encode serializes a decoded PPP frame (protocol field followed by
// its payload — the same shape Decoder.InputByte delivers) into
// HDLC-framed, byte-stuffed bytes ready to write to the UART: opening
// flag, Address (0xff) and Control (0x03) fields (ACFC is never
// negotiated, so these are always sent), frame, the FCS (inverted,
// LSB first), and a closing flag.
func Encode(frame []byte) []byte {
	out := make([]byte, 0, len(frame)+16)
	fcs := uint16(initFCS)

	writeByte := func(c byte) {
		if c < 0x20 || c == flagByte || c == escByte {
			out = append(out, escByte, c^modByte)
			return
		}
		out = append(out, c)
	}
	writeFCS := func(c byte) {
		fcs = fcs16Byte(fcs, c)
		writeByte(c)
	}

	out = append(out, flagByte)
	writeFCS(0xff)
	writeFCS(0x03)
	for _, b := range frame {
		writeFCS(b)
	}

	fcs ^= 0xffff
	writeByte(byte(fcs))
	writeByte(byte(fcs >> 8))
	out = append(out, flagByte)

	return out
}

// EncodeProto is a convenience wrapper for callers that have a
// protocol number and payload separately rather than a pre-built
// frame.
func EncodeProto(protocol uint16, payload []byte) []byte {
	frame := make([]byte, 2, 2+len(payload))
	frame[0] = byte(protocol >> 8)
	frame[1] = byte(protocol)
	frame = append(frame, payload...)
	return Encode(frame)
}
