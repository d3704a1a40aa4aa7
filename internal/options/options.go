// Package options implements the TLV option list codec shared by LCP's
// and IPCP's Configure-* packets (RFC 1661 §6). It knows nothing about
// what any particular option type means; callers classify and react.
package options

import (
	"errors"
	"fmt"
)

// ErrMalformed is wrapped in the error All returns when an option list
// contains a truncated TLV or one whose length field is invalid.
// Iterate itself signals the same failure by returning false rather
// than an error, to mirror the reference ppp_options_iterate's boolean
// contract.
var ErrMalformed = errors.New("malformed option list")

// Step is called once per option found by Iterate. optType is the
// option's type byte; value is the option's value bytes (length
// total_len-2, never including the type/length header). Returning
// false aborts iteration early.
type Step func(optType uint8, value []byte) bool

// Iterate walks the TLV option list in data, calling step for each
// option. It returns false if a length field is malformed (too short,
// or overflowing the remaining bytes) or if step itself returns false;
// it returns true only if every byte of data was consumed by
// well-formed options.
func Iterate(data []byte, step Step) bool {
	for len(data) > 0 {
		if len(data) < 2 {
			return false
		}
		optType, totalLen := data[0], int(data[1])
		if totalLen < 2 || totalLen > len(data) {
			return false
		}
		value := data[2:totalLen]
		if !step(optType, value) {
			return false
		}
		data = data[totalLen:]
	}
	return true
}

// Verdict classifies a single option found while validating an inbound
// Configure-Request.
type Verdict int

const (
	// Accept means the option's value is understood and acceptable as-is.
	Accept Verdict = iota
	// Nak means the option type is recognized but the value is not
	// acceptable (a counter-proposal should be sent).
	Nak
	// Reject means the option type itself is not understood.
	Reject
)

// Classify walks data (as Iterate does) and asks classify for a
// Verdict on each option. It accumulates the wire length of Nak'd and
// Reject'd options (type+length+value, i.e. the TLV's total_len) so
// callers can apply the reject-before-nak precedence rule (spec §4.4,
// §8): if rejectLen > 0, send Configure-Reject and do not also send a
// Configure-Nak for the same exchange. Returns ok=false on a malformed
// option list.
func Classify(data []byte, classify func(optType uint8, value []byte) Verdict) (nakLen, rejectLen int, ok bool) {
	ok = Iterate(data, func(optType uint8, value []byte) bool {
		switch classify(optType, value) {
		case Reject:
			rejectLen += len(value) + 2
		case Nak:
			nakLen += len(value) + 2
		}
		return true
	})
	return nakLen, rejectLen, ok
}

// CollectRejected re-iterates an original option list (as seen in an
// inbound Configure-Request) and copies, verbatim, the full TLV of
// every option for which isRejected returns true. The result is the
// option-list body of the Configure-Reject response: build_configure_reject
// in the reference implementation does exactly this by re-walking the
// request with a "copy if rejected" step function. Returns ok=false if
// the original list is itself malformed.
func CollectRejected(data []byte, isRejected func(optType uint8) bool) (rejected []byte, ok bool) {
	var out []byte
	ok = Iterate(data, func(optType uint8, value []byte) bool {
		if !isRejected(optType) {
			return true
		}
		out = append(out, optType, uint8(len(value)+2))
		out = append(out, value...)
		return true
	})
	return out, ok
}

// Option is a single decoded TLV, used by tests and by packet types
// that need to enumerate unknown options rather than classify them
// inline.
type Option struct {
	Type  uint8
	Value []byte
}

// All decodes the full option list into a slice, for callers (mostly
// tests) that want to inspect it without writing a Step closure.
func All(data []byte) ([]Option, error) {
	var opts []Option
	ok := Iterate(data, func(t uint8, v []byte) bool {
		cp := append([]byte(nil), v...)
		opts = append(opts, Option{Type: t, Value: cp})
		return true
	})
	if !ok {
		return nil, fmt.Errorf("options: %w", ErrMalformed)
	}
	return opts, nil
}
