// Package context provides a test context for RUDP tests: an in-memory
// datagram endpoint is handed to the transport while the test impersonates
// the remote peer, injecting raw datagrams and checking the raw replies
package context

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/deng-rui/rudp/header"
	"github.com/deng-rui/rudp/rudp"
	"github.com/deng-rui/rudp/seqnum"
)

// Addr is an in-memory datagram address
type Addr string

// Network implements net.Addr.Network
func (Addr) Network() string { return "mem" }

// String implements net.Addr.String
func (a Addr) String() string { return string(a) }

const (
	// StackAddr is the address of the endpoint under test
	StackAddr = Addr("stack")

	// TestAddr is the address the test impersonates
	TestAddr = Addr("peer")
)

type packet struct {
	data []byte
	from net.Addr
	to   net.Addr
}

// PacketPipe is an in-memory datagram endpoint handed to the transport.
// The test injects inbound datagrams with Inject and collects transmitted
// datagrams with Collect
type PacketPipe struct {
	local net.Addr
	in    chan packet
	out   chan packet
	die   chan struct{}
	once  sync.Once
}

// NewPacketPipe creates an in-memory datagram endpoint with the given local
// address
func NewPacketPipe(local net.Addr) *PacketPipe {
	return &PacketPipe{
		local: local,
		in:    make(chan packet, 64),
		out:   make(chan packet, 64),
		die:   make(chan struct{}),
	}
}

// ReadFrom implements net.PacketConn.ReadFrom
func (p *PacketPipe) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case pkt := <-p.in:
		n := copy(b, pkt.data)
		return n, pkt.from, nil
	case <-p.die:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo implements net.PacketConn.WriteTo
func (p *PacketPipe) WriteTo(b []byte, addr net.Addr) (int, error) {
	data := append([]byte(nil), b...)
	select {
	case p.out <- packet{data: data, from: p.local, to: addr}:
		return len(b), nil
	case <-p.die:
		return 0, net.ErrClosed
	}
}

// Close implements net.PacketConn.Close
func (p *PacketPipe) Close() error {
	p.once.Do(func() { close(p.die) })
	return nil
}

// LocalAddr implements net.PacketConn.LocalAddr
func (p *PacketPipe) LocalAddr() net.Addr { return p.local }

// SetDeadline implements net.PacketConn.SetDeadline
func (p *PacketPipe) SetDeadline(time.Time) error { return nil }

// SetReadDeadline implements net.PacketConn.SetReadDeadline
func (p *PacketPipe) SetReadDeadline(time.Time) error { return nil }

// SetWriteDeadline implements net.PacketConn.SetWriteDeadline
func (p *PacketPipe) SetWriteDeadline(time.Time) error { return nil }

// Inject delivers a raw datagram to the transport as if it arrived from the
// given peer
func (p *PacketPipe) Inject(data []byte, from net.Addr) {
	select {
	case p.in <- packet{data: append([]byte(nil), data...), from: from}:
	case <-p.die:
	}
}

// Collect returns the next datagram the transport transmitted, or false if
// none arrives within the timeout
func (p *PacketPipe) Collect(timeout time.Duration) ([]byte, bool) {
	select {
	case pkt := <-p.out:
		return pkt.data, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Context provides an initialized listener attached to an in-memory
// endpoint, plus helpers to run the protocol from the peer's side
type Context struct {
	t *testing.T

	// Pipe is the endpoint handed to the transport
	Pipe *PacketPipe

	// Listener is the demultiplexer under test
	Listener *rudp.Listener

	// EP is the connection under test, set after a completed handshake
	EP *rudp.Conn

	// Profile is the profile the listener and the fake peer use
	Profile rudp.Profile

	// IRS is the initial sequence number the fake peer used for its SYN
	IRS seqnum.Value
}

// New allocates and initializes a test context with a listener bound to an
// in-memory endpoint
func New(t *testing.T, p rudp.Profile) *Context {
	t.Helper()

	pipe := NewPacketPipe(StackAddr)
	l, err := rudp.ServeConn(pipe, 10, p, nil, nil)
	if err != nil {
		t.Fatalf("ServeConn failed: %v", err)
	}
	l.SetTimeout(5000)

	return &Context{
		t:        t,
		Pipe:     pipe,
		Listener: l,
		Profile:  p,
	}
}

// Cleanup closes the context's resources
func (c *Context) Cleanup() {
	if c.EP != nil {
		c.EP.Close()
	}
	c.Listener.Close()
	c.Pipe.Close()
}

// BuildSegment assembles a raw segment with the given flags, sequence and
// ack numbers, and payload
func BuildSegment(flags uint8, seq, ack seqnum.Value, payload []byte) []byte {
	b := make([]byte, header.RUDPMinimumSize+len(payload))
	h := header.RUDP(b)
	h.Encode(&header.RUDPFields{
		Flags:        flags,
		HeaderLength: header.RUDPMinimumSize,
		SeqNum:       uint8(seq),
		AckNum:       uint8(ack),
	})
	copy(b[header.RUDPMinimumSize:], payload)
	return b
}

// BuildSyn assembles a raw SYN (or SYN+ACK) carrying the profile's
// parameter block
func BuildSyn(p rudp.Profile, flags uint8, seq, ack seqnum.Value) []byte {
	b := make([]byte, header.RUDPMinimumSize+header.SYNMinimumSize)
	h := header.RUDP(b)
	h.Encode(&header.RUDPFields{
		Flags:        flags | header.RUDPFlagSyn,
		HeaderLength: header.RUDPMinimumSize,
		SeqNum:       uint8(seq),
		AckNum:       uint8(ack),
	})
	syn := header.SYN(b[header.RUDPMinimumSize:])
	f := synFields(p)
	syn.Encode(&f)
	return b
}

// SendSegment injects a header-only segment with the given flags, sequence
// and ack numbers
func (c *Context) SendSegment(flags uint8, seq, ack seqnum.Value) {
	c.SendData(flags, seq, ack, nil)
}

// SendData injects a segment with the given flags and payload
func (c *Context) SendData(flags uint8, seq, ack seqnum.Value, payload []byte) {
	c.Pipe.Inject(BuildSegment(flags, seq, ack, payload), TestAddr)
}

// SendSyn injects a SYN carrying the context profile's parameters
func (c *Context) SendSyn(seq seqnum.Value) {
	c.Pipe.Inject(BuildSyn(c.Profile, 0, seq, 0), TestAddr)
}

func synFields(p rudp.Profile) header.SYNFields {
	return header.SYNFields{
		Version:               header.RUDPProtocolVersion,
		MaxOutstandingSegs:    p.MaxOutstandingSegs,
		MaxSegmentSize:        p.MaxSegmentSize,
		RetransmissionTimeout: p.RetransmissionTimeout,
		CumulativeAckTimeout:  p.CumulativeAckTimeout,
		NullSegmentTimeout:    p.NullSegmentTimeout,
		MaxRetrans:            p.MaxRetrans,
		MaxCumulativeAcks:     p.MaxCumulativeAcks,
		MaxOutOfSequence:      p.MaxOutOfSequence,
		MaxAutoReset:          p.MaxAutoReset,
	}
}

// GetSegment returns the next datagram the transport sent, failing the test
// if none arrives in time
func (c *Context) GetSegment() []byte {
	c.t.Helper()
	b, ok := c.Pipe.Collect(2 * time.Second)
	if !ok {
		c.t.Fatalf("Timed out waiting for segment")
	}
	return b
}

// MaybeGetSegment returns the next transmitted datagram if one arrives
// within the timeout
func (c *Context) MaybeGetSegment(timeout time.Duration) ([]byte, bool) {
	return c.Pipe.Collect(timeout)
}

// PassiveHandshake completes the server-side handshake from the peer's
// side, using irs as the peer's initial sequence number, and accepts the
// resulting connection into c.EP
func (c *Context) PassiveHandshake(irs seqnum.Value) {
	c.t.Helper()

	c.IRS = irs
	c.SendSyn(irs)

	b := c.GetSegment()
	h := header.RUDP(b)
	if h.Flags() != header.RUDPFlagSyn|header.RUDPFlagAck {
		c.t.Fatalf("Bad handshake response, got flags 0x%02x, want SYN+ACK", h.Flags())
	}
	if h.AckNumber() != irs {
		c.t.Fatalf("SYN+ACK acks %v, want %v", h.AckNumber(), irs)
	}

	// Acknowledge the SYN+ACK to establish the connection
	c.SendSegment(header.RUDPFlagAck, irs+1, h.SequenceNumber())

	c.AcceptConn()
}

// AcceptConn accepts the pending connection into c.EP
func (c *Context) AcceptConn() {
	c.t.Helper()

	ep, err := c.Listener.AcceptRUDP()
	if err != nil {
		c.t.Fatalf("Accept failed: %v", err)
	}
	c.EP = ep
}
