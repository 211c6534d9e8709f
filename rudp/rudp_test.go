package rudp_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/deng-rui/rudp/checker"
	"github.com/deng-rui/rudp/header"
	"github.com/deng-rui/rudp/rudp"
	"github.com/deng-rui/rudp/rudp/testing/context"
	"github.com/deng-rui/rudp/seqnum"
)

// testProfile returns a profile with a long retransmission timeout so tests
// that do not exercise retransmission see a quiet wire
func testProfile() rudp.Profile {
	p := rudp.DefaultProfile()
	p.RetransmissionTimeout = 5000
	p.CumulativeAckTimeout = 100
	p.NullSegmentTimeout = 0
	return p
}

type eventRecorder struct {
	opened chan *rudp.Conn
	closed chan *rudp.Conn
	failed chan error
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		opened: make(chan *rudp.Conn, 4),
		closed: make(chan *rudp.Conn, 4),
		failed: make(chan error, 4),
	}
}

func (r *eventRecorder) ConnectionOpened(c *rudp.Conn)             { r.opened <- c }
func (r *eventRecorder) ConnectionClosed(c *rudp.Conn)             { r.closed <- c }
func (r *eventRecorder) ConnectionFailure(c *rudp.Conn, err error) { r.failed <- err }

func (r *eventRecorder) expect(t *testing.T, ch <-chan *rudp.Conn, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s notification", what)
	}
}

func readAll(t *testing.T, ep *rudp.Conn, n int) []byte {
	t.Helper()
	ep.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer ep.SetReadDeadline(time.Time{})

	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		m, err := ep.Read(buf)
		if err != nil {
			t.Fatalf("Read failed after %d bytes: %v", len(out), err)
		}
		out = append(out, buf[:m]...)
	}
	return out
}

func TestPassiveHandshake(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	rec := newEventRecorder()
	c.Listener.AddNotifier(rec)

	// Client sends SYN(seq=0); server responds SYN+ACK(seq=0, ack=0);
	// client acks
	c.SendSyn(0)

	b := c.GetSegment()
	checker.RUDP(t, b,
		checker.Flags(header.RUDPFlagSyn|header.RUDPFlagAck),
		checker.SeqNum(0),
		checker.AckNum(0),
	)

	c.SendSegment(header.RUDPFlagAck, 1, 0)
	c.AcceptConn()

	rec.expect(t, rec.opened, "opened")
}

func TestAcceptTimeout(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	c.Listener.SetTimeout(100)

	_, err := c.Listener.AcceptRUDP()
	if !errors.Is(err, rudp.ErrTimeout) {
		t.Fatalf("Accept returned %v, want ErrTimeout", err)
	}
}

func TestSimpleReceive(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	c.PassiveHandshake(10)

	data := []byte{0x01, 0x02, 0x03}
	c.SendData(header.RUDPFlagAck, 11, 0, data)

	got := readAll(t, c.EP, len(data))
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("Read % x, want % x", got, data)
		}
	}

	// The cumulative-ack timer acknowledges the receipt
	checker.RUDP(t, c.GetSegment(),
		checker.Flags(header.RUDPFlagAck),
		checker.AckNum(11),
		checker.PayloadLen(0),
	)
}

func TestOrderedDelivery(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	c.PassiveHandshake(10)

	// Three writes become three DAT segments with consecutive sequence
	// numbers, each piggybacking the current cumulative ack
	for i, b := range [][]byte{{0x01}, {0x02}, {0x03}} {
		if _, err := c.EP.Write(b); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		checker.RUDP(t, c.GetSegment(),
			checker.Flags(header.RUDPFlagAck),
			checker.SeqNum(seqnum.Value(i+1)),
			checker.AckNum(10),
			checker.Payload(b),
		)
	}

	// Acknowledge everything; the wire goes quiet
	c.SendSegment(header.RUDPFlagAck, 11, 3)
	if b, ok := c.MaybeGetSegment(300 * time.Millisecond); ok {
		t.Fatalf("Unexpected segment after full ack: % x", b)
	}
}

func TestWindowBound(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	c.PassiveHandshake(10)

	// Queue five segments; only MaxOutstandingSegs (3) may be in flight
	for i := 0; i < 5; i++ {
		if _, err := c.EP.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	for i := 1; i <= 3; i++ {
		checker.RUDP(t, c.GetSegment(), checker.SeqNum(seqnum.Value(i)))
	}
	if b, ok := c.MaybeGetSegment(250 * time.Millisecond); ok {
		t.Fatalf("Window overrun: got segment % x with 3 outstanding", b)
	}

	// Acking the first segment opens one slot
	c.SendSegment(header.RUDPFlagAck, 11, 1)
	checker.RUDP(t, c.GetSegment(), checker.SeqNum(4))
	if b, ok := c.MaybeGetSegment(250 * time.Millisecond); ok {
		t.Fatalf("Window overrun: got segment % x after single ack", b)
	}
}

func TestRetransmit(t *testing.T) {
	p := testProfile()
	p.RetransmissionTimeout = 200
	c := context.New(t, p)
	defer c.Cleanup()

	c.PassiveHandshake(10)

	if _, err := c.EP.Write([]byte{0xaa}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// First transmission, then a retransmission with the same sequence
	// number after the timeout
	checker.RUDP(t, c.GetSegment(), checker.SeqNum(1), checker.Payload([]byte{0xaa}))
	checker.RUDP(t, c.GetSegment(), checker.SeqNum(1), checker.Payload([]byte{0xaa}))

	c.SendSegment(header.RUDPFlagAck, 11, 1)
}

func TestRetransmissionLimitFailure(t *testing.T) {
	p := testProfile()
	p.RetransmissionTimeout = 150
	p.MaxRetrans = 2
	c := context.New(t, p)
	defer c.Cleanup()

	rec := newEventRecorder()
	c.Listener.AddNotifier(rec)
	c.PassiveHandshake(10)
	<-rec.opened

	if _, err := c.EP.Write([]byte{0xaa}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Initial transmission plus MaxRetrans retransmissions, then failure
	var err error
	select {
	case err = <-rec.failed:
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for failure notification")
	}
	if !errors.Is(err, rudp.ErrRetransmissionLimit) {
		t.Fatalf("Failure reported %v, want ErrRetransmissionLimit", err)
	}

	// The failure fires exactly once
	select {
	case err = <-rec.failed:
		t.Fatalf("Second failure notification: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	// The failure surfaces synchronously afterwards
	if _, err := c.EP.Read(make([]byte, 1)); !errors.Is(err, rudp.ErrRetransmissionLimit) {
		t.Fatalf("Read returned %v, want ErrRetransmissionLimit", err)
	}
}

func TestOutOfOrderEak(t *testing.T) {
	p := testProfile()
	p.MaxOutOfSequence = 1
	p.MaxCumulativeAcks = 2
	p.CumulativeAckTimeout = 5000
	c := context.New(t, p)
	defer c.Cleanup()

	c.PassiveHandshake(10)

	// Sequence 12 arrives before 11: it is buffered and an EAK lists it
	c.SendData(header.RUDPFlagAck, 12, 0, []byte{0xbb})
	checker.RUDP(t, c.GetSegment(),
		checker.Flags(header.RUDPFlagEak|header.RUDPFlagAck),
		checker.AckNum(10),
		checker.EakList([]seqnum.Value{12}),
	)

	// The gap fills; both segments are delivered in order and the
	// cumulative ack advances past both
	c.SendData(header.RUDPFlagAck, 11, 0, []byte{0xaa})
	got := readAll(t, c.EP, 2)
	if got[0] != 0xaa || got[1] != 0xbb {
		t.Fatalf("Read % x, want aa bb", got)
	}

	checker.RUDP(t, c.GetSegment(),
		checker.Flags(header.RUDPFlagAck),
		checker.AckNum(12),
	)
}

func TestDuplicateSuppression(t *testing.T) {
	p := testProfile()
	p.MaxCumulativeAcks = 10
	p.CumulativeAckTimeout = 5000
	c := context.New(t, p)
	defer c.Cleanup()

	c.PassiveHandshake(10)

	c.SendData(header.RUDPFlagAck, 11, 0, []byte{0x42})
	if b, ok := c.MaybeGetSegment(250 * time.Millisecond); ok {
		t.Fatalf("Premature ack: % x", b)
	}

	// The duplicate is discarded and forces an immediate ack
	c.SendData(header.RUDPFlagAck, 11, 0, []byte{0x42})
	checker.RUDP(t, c.GetSegment(),
		checker.Flags(header.RUDPFlagAck),
		checker.AckNum(11),
	)

	got := readAll(t, c.EP, 1)
	if got[0] != 0x42 {
		t.Fatalf("Read % x, want 42", got)
	}
	if n := c.EP.Available(); n != 0 {
		t.Fatalf("Available() = %d after duplicate, want 0", n)
	}
}

func TestCumulativeAckCounter(t *testing.T) {
	p := testProfile()
	p.MaxCumulativeAcks = 2
	p.CumulativeAckTimeout = 5000
	c := context.New(t, p)
	defer c.Cleanup()

	c.PassiveHandshake(10)

	// One receipt stays below the threshold: no ack yet
	c.SendData(header.RUDPFlagAck, 11, 0, []byte{0x01})
	if b, ok := c.MaybeGetSegment(250 * time.Millisecond); ok {
		t.Fatalf("Premature ack: % x", b)
	}

	// The second receipt reaches MaxCumulativeAcks and forces an ack
	c.SendData(header.RUDPFlagAck, 12, 0, []byte{0x02})
	checker.RUDP(t, c.GetSegment(),
		checker.Flags(header.RUDPFlagAck),
		checker.AckNum(12),
	)
}

func TestSenderEakRelease(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	c.PassiveHandshake(10)

	for i := 0; i < 3; i++ {
		if _, err := c.EP.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	for i := 1; i <= 3; i++ {
		checker.RUDP(t, c.GetSegment(), checker.SeqNum(seqnum.Value(i)))
	}

	// An EAK for {2, 3} releases those segments and triggers an eager
	// retransmission of the hole at sequence 1
	c.SendData(header.RUDPFlagEak|header.RUDPFlagAck, 11, 0, []byte{2, 3})
	checker.RUDP(t, c.GetSegment(), checker.SeqNum(1), checker.Payload([]byte{0}))

	// The cumulative ack for 1 drains the window completely
	c.SendSegment(header.RUDPFlagAck, 11, 1)
	if b, ok := c.MaybeGetSegment(300 * time.Millisecond); ok {
		t.Fatalf("Unexpected segment after EAK release: % x", b)
	}
}

func TestKeepalive(t *testing.T) {
	p := testProfile()
	p.NullSegmentTimeout = 150
	c := context.New(t, p)
	defer c.Cleanup()

	rec := newEventRecorder()
	c.Listener.AddNotifier(rec)
	c.PassiveHandshake(10)
	<-rec.opened

	// The idle connection emits a NUL consuming a sequence number
	checker.RUDP(t, c.GetSegment(),
		checker.Flags(header.RUDPFlagNul|header.RUDPFlagAck),
		checker.SeqNum(1),
		checker.AckNum(10),
	)
	c.SendSegment(header.RUDPFlagAck, 11, 1)

	// An acknowledged keepalive does not fail the connection
	select {
	case err := <-rec.failed:
		t.Fatalf("Unexpected failure notification: %v", err)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestPeerClose(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	rec := newEventRecorder()
	c.Listener.AddNotifier(rec)
	c.PassiveHandshake(10)
	<-rec.opened

	// The peer's FIN consumes a sequence number and is acked
	c.SendSegment(header.RUDPFlagFin, 11, 0)
	checker.RUDP(t, c.GetSegment(),
		checker.Flags(header.RUDPFlagAck),
		checker.AckNum(11),
	)

	// The reader sees end of stream
	c.EP.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.EP.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("Read returned %v, want io.EOF", err)
	}

	rec.expect(t, rec.closed, "closed")
}

func TestLocalClose(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	rec := newEventRecorder()
	c.Listener.AddNotifier(rec)
	c.PassiveHandshake(10)
	<-rec.opened

	if err := c.EP.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	checker.RUDP(t, c.GetSegment(),
		checker.Flags(header.RUDPFlagFin|header.RUDPFlagAck),
		checker.SeqNum(1),
		checker.AckNum(10),
	)

	// Acking the FIN completes the close
	c.SendSegment(header.RUDPFlagAck, 11, 1)
	rec.expect(t, rec.closed, "closed")
}

func TestDuplicateSynAfterEstablish(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	c.PassiveHandshake(10)

	// A duplicate handshake SYN is discarded with an ack reply
	c.SendSyn(10)
	checker.RUDP(t, c.GetSegment(),
		checker.Flags(header.RUDPFlagAck),
		checker.AckNum(10),
	)
}

func TestMalformedDropped(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	// Garbage and an unknown flag combination are dropped without a reply
	c.Pipe.Inject([]byte{0x00, 0x01}, context.TestAddr)
	c.Pipe.Inject([]byte{0x00, 6, 0, 0, 0, 0}, context.TestAddr)
	if b, ok := c.MaybeGetSegment(250 * time.Millisecond); ok {
		t.Fatalf("Reply to malformed datagram: % x", b)
	}

	// The listener still accepts a well-formed handshake afterwards
	c.PassiveHandshake(0)
}

func TestStrayDatagramDropped(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	// A non-SYN segment from an unknown peer has no connection and is
	// dropped
	c.Pipe.Inject(context.BuildSegment(header.RUDPFlagAck, 0, 0, nil), context.Addr("stranger"))
	if b, ok := c.MaybeGetSegment(250 * time.Millisecond); ok {
		t.Fatalf("Reply to stray datagram: % x", b)
	}
}

func TestActiveHandshake(t *testing.T) {
	p := testProfile()
	pipe := context.NewPacketPipe(context.Addr("client"))
	rec := newEventRecorder()

	type dialResult struct {
		conn *rudp.Conn
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := rudp.DialConn(pipe, context.TestAddr, p, nil, nil, rec)
		done <- dialResult{conn, err}
	}()

	// The client's opening SYN carries no ack
	b, ok := pipe.Collect(2 * time.Second)
	if !ok {
		t.Fatal("Timed out waiting for SYN")
	}
	checker.RUDP(t, b,
		checker.Flags(header.RUDPFlagSyn),
		checker.SeqNum(0),
		checker.NoAck(),
	)

	// Respond with SYN+ACK; the client completes with an ACK
	pipe.Inject(context.BuildSyn(p, header.RUDPFlagAck, 0, 0), context.TestAddr)

	b, ok = pipe.Collect(2 * time.Second)
	if !ok {
		t.Fatal("Timed out waiting for handshake ACK")
	}
	checker.RUDP(t, b,
		checker.Flags(header.RUDPFlagAck),
		checker.AckNum(0),
	)

	var res dialResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Dial to return")
	}
	if res.err != nil {
		t.Fatalf("Dial failed: %v", res.err)
	}
	defer res.conn.Close()

	select {
	case <-rec.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for opened notification")
	}

	// The established connection sends data with the next sequence number
	if _, err := res.conn.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	b, ok = pipe.Collect(2 * time.Second)
	if !ok {
		t.Fatal("Timed out waiting for DAT")
	}
	checker.RUDP(t, b,
		checker.Flags(header.RUDPFlagAck),
		checker.SeqNum(1),
		checker.AckNum(0),
		checker.Payload([]byte{0x01, 0x02, 0x03}),
	)
}

func TestActiveHandshakeReset(t *testing.T) {
	p := testProfile()
	pipe := context.NewPacketPipe(context.Addr("client"))

	type dialResult struct {
		conn *rudp.Conn
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := rudp.DialConn(pipe, context.TestAddr, p, nil, nil)
		done <- dialResult{conn, err}
	}()

	if _, ok := pipe.Collect(2 * time.Second); !ok {
		t.Fatal("Timed out waiting for SYN")
	}

	// A RST during the handshake fails the connect
	pipe.Inject(context.BuildSegment(header.RUDPFlagRst, 0, 0, nil), context.TestAddr)

	select {
	case res := <-done:
		if !errors.Is(res.err, rudp.ErrConnectionReset) {
			t.Fatalf("Dial returned %v, want ErrConnectionReset", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Dial to fail")
	}
}

func TestMultiplePeers(t *testing.T) {
	c := context.New(t, testProfile())
	defer c.Cleanup()

	// Two peers complete handshakes; the demultiplexer routes by source
	// address and Accept yields both connections
	for _, peer := range []context.Addr{"peer-a", "peer-b"} {
		c.Pipe.Inject(context.BuildSyn(c.Profile, 0, 0, 0), peer)

		b := c.GetSegment()
		checker.RUDP(t, b, checker.Flags(header.RUDPFlagSyn|header.RUDPFlagAck), checker.AckNum(0))
		c.Pipe.Inject(context.BuildSegment(header.RUDPFlagAck, 1, 0, nil), peer)
	}

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		ep, err := c.Listener.AcceptRUDP()
		if err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
		seen[ep.RemoteAddr().String()] = true
	}
	if !seen["peer-a"] || !seen["peer-b"] {
		t.Fatalf("Accepted peers %v, want peer-a and peer-b", seen)
	}
}
