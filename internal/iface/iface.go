// Package iface declares the external collaborators the PPP core
// depends on but does not implement: the UART driver and the host
// network stack (spec §6). Both are out of scope for this module
// (§1); it only needs interfaces narrow enough to drive from the
// state machines and fake in tests.
package iface

// UART is the serial line the core frames/unframes bytes over. A real
// implementation lives outside this module (a termios-backed driver,
// a USB-serial adapter, a pty for testing); this package only needs to
// be able to write bytes out and drain whatever's pending before a
// fresh Open.
type UART interface {
	// WriteByte transmits a single byte, blocking until it's queued
	// for transmission. The link coordinator calls this once per byte
	// that internal/frame.Encode produced, matching the reference's
	// byte-at-a-time poll_out.
	WriteByte(b byte) error
	// Drain discards any bytes sitting in the receive FIFO, called
	// once before LCP is opened so stale pre-connect noise doesn't
	// get fed to the framer.
	Drain()
}

// NetworkStack is the host IP stack: it receives decapsulated IPv4
// datagrams from the link and owns the interface's address
// configuration, both of which only IPCP (for addresses) and the link
// coordinator (for datagrams) touch.
type NetworkStack interface {
	// DeliverIPPacket hands a decapsulated IPv4 datagram (PPP protocol
	// 0x0021, with the 2-byte protocol field already stripped) up to
	// the host stack.
	DeliverIPPacket(pkt []byte)
	// SetIPv4Addr installs addr as the interface's local address,
	// replacing any previously installed address.
	SetIPv4Addr(addr [4]byte) error
	// RemoveIPv4Addr removes a previously installed address. Called
	// with the same value last passed to SetIPv4Addr.
	RemoveIPv4Addr(addr [4]byte) error
	// SetIPv4Gateway records the peer's advertised address as the
	// interface's default gateway. Called with [4]byte{} to clear it.
	SetIPv4Gateway(addr [4]byte) error
}
