package rudp

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/deng-rui/rudp/buffer"
	"github.com/deng-rui/rudp/seqnum"
	"github.com/deng-rui/rudp/timer"
	"github.com/deng-rui/rudp/tmutex"
	"github.com/deng-rui/rudp/waiter"
)

type connState int

const (
	stateClosed connState = iota
	stateSynSent
	stateSynRcvd
	stateEstablished
	stateCloseWait
)

func (s connState) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateSynSent:
		return "SYN-SENT"
	case stateSynRcvd:
		return "SYN-RCVD"
	case stateEstablished:
		return "ESTABLISHED"
	case stateCloseWait:
		return "CLOSE-WAIT"
	}
	return "UNKNOWN"
}

// Conn is a reliable, in-order, full-duplex byte stream over a datagram
// endpoint. This struct serves as the interface between users of the
// connection and the protocol implementation; it is legal to have concurrent
// goroutines make calls into the connection, they are properly synchronized.
// The protocol itself runs in a single goroutine per connection
type Conn struct {
	// The following fields are initialized at creation time and do not
	// change throughout the lifetime of the connection
	logger     *zap.Logger
	id         xid.ID
	pc         net.PacketConn
	remoteAddr net.Addr
	sendMu     *tmutex.Mutex
	timers     *timer.Service
	metrics    *Metrics

	// ownsEndpoint is set on client connections, which own their datagram
	// endpoint and close it on teardown. Accepted connections share the
	// listener's endpoint
	ownsEndpoint bool

	// iss is the initial send sequence number used for the handshake
	iss seqnum.Value

	waiterQueue waiter.Queue

	segmentQueue segmentQueue
	newSegmentCh chan struct{}

	die     chan struct{}
	dieOnce sync.Once

	// handshakeDone is closed when the handshake concludes, successfully or
	// not. Only the active opener waits on it
	handshakeDone     chan struct{}
	handshakeDoneOnce sync.Once

	readDeadline  atomic.Value // time.Time
	writeDeadline atomic.Value // time.Time

	// The following fields are protected by mu
	mu            sync.Mutex
	state         connState
	profile       Profile
	snd           *sender
	rcv           *receiver
	notifiers     []Notifier
	failureErr    error
	closeNotified bool
	lingerTimer   *timer.Timer

	// listener is the demultiplexer owning this connection's registration,
	// nil on client connections. It is a back-reference only; the
	// authoritative owner of the peer table is the listener
	listener *Listener

	// notifQueue accumulates notification closures while mu is held; they
	// run after the lock is released
	notifQueue []func()
}

func newConn(pc net.PacketConn, remote net.Addr, p Profile, logger *zap.Logger, sendMu *tmutex.Mutex, m *Metrics, lst *Listener, ownsEndpoint bool) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := xid.New()
	c := &Conn{
		logger:       logger.With(zap.String("conn", id.String()), zap.Stringer("remote", remote)),
		id:           id,
		pc:           pc,
		remoteAddr:   remote,
		sendMu:       sendMu,
		timers:       timer.NewService(logger),
		metrics:      m,
		ownsEndpoint: ownsEndpoint,
		newSegmentCh: make(chan struct{}, 1),
		die:          make(chan struct{}),
		profile:      p,
		listener:     lst,
	}
	c.segmentQueue.limit = 2 * int(p.MaxRecvQueueSize)
	c.snd = newSender(c, c.iss)
	m.connActive(1)
	return c
}

// deliverSegment hands one parsed segment to the connection's protocol
// goroutine. It is called by the receive task and never blocks; when the
// inbound queue is full the segment is dropped and the peer's
// retransmission recovers it
func (c *Conn) deliverSegment(s *segment) {
	if !c.segmentQueue.enqueue(s) {
		c.metrics.dropped()
		c.logger.Debug("inbound queue full, dropping segment",
			zap.String("kind", s.kind.String()),
			zap.Uint8("seq", uint8(s.sequenceNumber)))
		return
	}
	select {
	case c.newSegmentCh <- struct{}{}:
	default:
	}
}

// protocolLoop is the engine task: it consumes inbound segments and
// advances the connection state until the connection dies
func (c *Conn) protocolLoop() {
	for {
		select {
		case <-c.die:
			return
		case <-c.newSegmentCh:
			for {
				s := c.segmentQueue.dequeue()
				if s == nil {
					break
				}
				c.handleSegment(s)
			}
		}
	}
}

func (c *Conn) handleSegment(s *segment) {
	c.metrics.segmentIn(s.kind)

	c.mu.Lock()
	switch c.state {
	case stateSynSent:
		c.handleSegmentSynSentLocked(s)
	case stateSynRcvd:
		c.handleSegmentSynRcvdLocked(s)
	case stateEstablished, stateCloseWait:
		c.handleSegmentEstablishedLocked(s)
	case stateClosed:
		// The engine is gone; tell the peer so it can fail fast
		if s.kind != segmentRst {
			c.snd.sendRstLocked()
		}
	}
	c.unlockAndNotify()
}

// handleSegmentSynSentLocked drives the active side of the handshake: a
// SYN+ACK matching our SYN completes it, a RST aborts it
func (c *Conn) handleSegmentSynSentLocked(s *segment) {
	switch s.kind {
	case segmentSyn:
		if !s.hasAck {
			// Simultaneous open is not supported; ignore
			return
		}
		if s.ackNumber != c.iss {
			c.logger.Debug("SYN+ACK does not ack our SYN", zap.Uint8("ack", uint8(s.ackNumber)))
			return
		}

		// Adopt the responder's parameters
		p := profileFromSYN(s.syn, c.profile)
		if err := p.Validate(); err != nil {
			c.logger.Warn("peer proposed invalid parameters", zap.Error(err))
			c.failLocked(err)
			return
		}
		c.profile = p

		c.rcv = newReceiver(c, s.sequenceNumber)
		c.snd.handleAckLocked(s.ackNumber)
		c.setEstablishedLocked()
		c.snd.sendAckLocked()

	case segmentRst:
		c.failLocked(ErrConnectionReset)
	}
}

// handleSegmentSynRcvdLocked drives the passive side of the handshake: an
// acknowledgement of our SYN establishes the connection, a duplicate SYN
// re-elicits the SYN+ACK
func (c *Conn) handleSegmentSynRcvdLocked(s *segment) {
	switch s.kind {
	case segmentRst:
		c.failLocked(ErrConnectionReset)

	case segmentSyn:
		c.snd.resendSynLocked()

	default:
		if !s.hasAck || s.ackNumber != c.iss {
			return
		}
		c.snd.handleAckLocked(s.ackNumber)
		c.setEstablishedLocked()
		if lst := c.listener; lst != nil {
			// Delivery blocks when the backlog is full; that stalls only
			// this connection's engine task
			c.deferNotifyLocked(func() { lst.deliverAccepted(c) })
		}
		c.handleSegmentEstablishedLocked(s)
	}
}

func (c *Conn) handleSegmentEstablishedLocked(s *segment) {
	if s.hasAck {
		c.snd.handleAckLocked(s.ackNumber)
	}

	switch s.kind {
	case segmentDat, segmentNul, segmentFin:
		c.rcv.handleSegmentLocked(s)
		c.checkPeerCloseLocked()

	case segmentEak:
		c.snd.handleEakLocked(s.eakNumbers)

	case segmentAck:
		// Cumulative ack already consumed above

	case segmentSyn:
		// Duplicate handshake SYN; reply so the peer stops retransmitting
		c.snd.sendAckLocked()

	case segmentRst:
		if c.state == stateCloseWait {
			// Already closing; finish without reporting a failure
			c.finishCloseLocked()
		} else {
			c.failLocked(ErrConnectionReset)
		}
	}
}

// checkPeerCloseLocked transitions to CLOSE-WAIT once the peer's FIN has
// been received in order. The FIN may arrive directly or be drained out of
// the out-of-sequence buffer
func (c *Conn) checkPeerCloseLocked() {
	if !c.rcv.finReceived {
		return
	}

	switch c.state {
	case stateEstablished:
		c.state = stateCloseWait
		c.armLingerLocked()
		c.closeNotified = true
		c.notifyClosedLocked()
		c.waiterQueue.Notify(waiter.EventIn | waiter.EventHup)
		c.maybeFinishCloseLocked()
	case stateCloseWait:
		// Simultaneous close; the ack was already sent by the receiver
		c.maybeFinishCloseLocked()
	}
}

// setEstablishedLocked moves the connection to ESTABLISHED: the keepalive
// starts and the opened notification fires
func (c *Conn) setEstablishedLocked() {
	c.state = stateEstablished
	c.snd.startKeepaliveLocked()
	c.logger.Info("connection established")
	c.notifyOpenedLocked()
	c.handshakeDoneOnce.Do(func() {
		if c.handshakeDone != nil {
			close(c.handshakeDone)
		}
	})
}

// maybeFinishCloseLocked completes an orderly close once every outstanding
// segment has been acknowledged
func (c *Conn) maybeFinishCloseLocked() {
	if c.state == stateCloseWait && c.snd.allAckedLocked() {
		c.finishCloseLocked()
	}
}

func (c *Conn) finishCloseLocked() {
	if c.state == stateClosed {
		return
	}
	c.teardownLocked()
	if !c.closeNotified {
		c.closeNotified = true
		c.notifyClosedLocked()
	}
}

// armLingerLocked bounds the CLOSE-WAIT state: if the outstanding segments
// are not acknowledged within the linger period the connection is torn down
// anyway
func (c *Conn) armLingerLocked() {
	if c.lingerTimer != nil {
		return
	}
	c.lingerTimer = c.timers.Schedule(2*c.profile.retransmissionTimeout(), func() {
		c.mu.Lock()
		if c.state == stateCloseWait {
			c.finishCloseLocked()
		}
		c.unlockAndNotify()
	})
}

// failLocked reports an asynchronous connection failure and tears the
// connection down
func (c *Conn) failLocked(err error) {
	if c.state == stateClosed {
		return
	}
	c.failureErr = err
	c.metrics.connFailure()
	c.logger.Warn("connection failure", zap.Error(err))
	c.teardownLocked()
	c.notifyFailureLocked(err)
}

// teardownLocked moves the connection to CLOSED: timers stop, waiters wake
// and observe the closed state, and the demultiplexer registration is
// dropped. Timer callbacks racing with teardown observe stateClosed and
// become no-ops
func (c *Conn) teardownLocked() {
	c.state = stateClosed
	c.snd.stopTimersLocked()
	if c.rcv != nil {
		c.rcv.stopTimersLocked()
	}
	if c.lingerTimer != nil {
		c.lingerTimer.Stop()
	}
	c.timers.Close()

	c.dieOnce.Do(func() { close(c.die) })
	c.handshakeDoneOnce.Do(func() {
		if c.handshakeDone != nil {
			close(c.handshakeDone)
		}
	})

	if lst := c.listener; lst != nil {
		c.listener = nil
		addr := c.remoteAddr
		c.deferNotifyLocked(func() { lst.removeConn(addr) })
	}
	if c.ownsEndpoint {
		c.pc.Close()
	}

	c.metrics.connActive(-1)
	c.waiterQueue.Notify(waiter.EventIn | waiter.EventOut | waiter.EventErr | waiter.EventHup)
}

// sendDatagram serializes the segment and writes it to the shared datagram
// endpoint. Sends are serialized with the endpoint mutex because the
// endpoint is shared by a listener and all of its accepted connections.
// Send failures are logged and otherwise swallowed; the retransmission
// discipline recovers transient loss
func (c *Conn) sendDatagram(seg *segment) {
	b := seg.serialize()

	c.sendMu.Lock()
	_, err := c.pc.WriteTo(b, c.remoteAddr)
	c.sendMu.Unlock()

	if err != nil {
		c.logger.Debug("datagram send failed", zap.Error(err))
		return
	}
	c.metrics.segmentOut(seg.kind)
}

// receiveLoop is the receive task of a client connection: it is the sole
// reader of the datagram endpoint and the sole producer into the inbound
// segment queue. It exits when the endpoint is closed
func (c *Conn) receiveLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := c.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.die:
				return
			default:
			}
			if !isTransientErr(err) {
				c.logger.Debug("endpoint receive failed", zap.Error(err))
				return
			}
			continue
		}

		if addr.String() != c.remoteAddr.String() {
			// Stray datagram from an unrelated peer
			continue
		}

		s, perr := parseSegment(buffer.NewViewFromBytes(buf[:n]))
		if perr != nil {
			c.metrics.malformed()
			c.logger.Debug("dropping malformed segment", zap.Error(perr))
			continue
		}
		c.deliverSegment(s)
	}
}

// maxDatagramSize is the receive buffer for a single datagram; segments
// larger than the negotiated MSS are never generated but a remote may send
// up to this much
const maxDatagramSize = 65535

func isTransientErr(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Notification plumbing. Notification closures are queued while the engine
// lock is held and run after it is released, so observer hooks never run
// under the lock

func (c *Conn) deferNotifyLocked(f func()) {
	c.notifQueue = append(c.notifQueue, f)
}

// unlockAndNotify releases the engine lock and runs the queued
// notifications
func (c *Conn) unlockAndNotify() {
	notifs := c.notifQueue
	c.notifQueue = nil
	c.mu.Unlock()
	for _, f := range notifs {
		f()
	}
}

func (c *Conn) notifyOpenedLocked() {
	notifiers := append([]Notifier(nil), c.notifiers...)
	c.deferNotifyLocked(func() {
		for _, n := range notifiers {
			n.ConnectionOpened(c)
		}
	})
}

func (c *Conn) notifyClosedLocked() {
	notifiers := append([]Notifier(nil), c.notifiers...)
	c.deferNotifyLocked(func() {
		submitClose(func() {
			for _, n := range notifiers {
				n.ConnectionClosed(c)
			}
		})
	})
}

func (c *Conn) notifyFailureLocked(err error) {
	notifiers := append([]Notifier(nil), c.notifiers...)
	c.deferNotifyLocked(func() {
		submitClose(func() {
			for _, n := range notifiers {
				n.ConnectionFailure(c, err)
			}
		})
	})
}

// AddNotifier registers an observer for connection state changes
func (c *Conn) AddNotifier(n Notifier) {
	c.mu.Lock()
	c.notifiers = append(c.notifiers, n)
	c.mu.Unlock()
}

// RemoveNotifier removes a previously registered observer
func (c *Conn) RemoveNotifier(n Notifier) {
	c.mu.Lock()
	for i, x := range c.notifiers {
		if x == n {
			c.notifiers = append(c.notifiers[:i], c.notifiers[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// Profile returns the connection's negotiated parameters
func (c *Conn) Profile() Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// State returns a printable connection state for diagnostics
func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}
