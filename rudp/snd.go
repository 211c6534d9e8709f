package rudp

import (
	"go.uber.org/zap"

	"github.com/deng-rui/rudp/buffer"
	"github.com/deng-rui/rudp/seqnum"
	"github.com/deng-rui/rudp/timer"
	"github.com/deng-rui/rudp/waiter"
)

// sender holds the state necessary to send segments: the sliding window,
// the queue of segmentized-but-untransmitted data, the list of transmitted
// segments awaiting acknowledgement, and the keepalive timer
//
// All methods must be called with the connection mutex held unless noted
// otherwise
type sender struct {
	conn *Conn

	// sndUna is the oldest unacknowledged sequence number
	sndUna seqnum.Value

	// sndNxt is the next sequence number to assign
	sndNxt seqnum.Value

	// pendingList holds segments that have been assigned payload but not
	// yet a sequence number. It is bounded by MaxSendQueueSize; producers
	// block in Write when it is full
	pendingList  segmentList
	pendingCount int

	// unackedList holds transmitted segments awaiting acknowledgement, in
	// sequence order. Its length never exceeds MaxOutstandingSegs
	unackedList segmentList
	outstanding int

	// nulTimer periodically emits a NUL keepalive while the connection is
	// idle. It is nil when the keepalive is disabled
	nulTimer *timer.Timer

	finQueued     bool
	closedForSend bool
}

func newSender(c *Conn, iss seqnum.Value) *sender {
	return &sender{
		conn:   c,
		sndUna: iss,
		sndNxt: iss,
	}
}

// sendSynLocked transmits the initial SYN carrying the local profile. The
// SYN consumes a sequence number and is retransmitted like any other
// sequenced segment. When a receiver is already attached (the passive open),
// the segment carries the piggybacked ack and is a SYN+ACK on the wire
func (s *sender) sendSynLocked() {
	syn := &segment{
		kind: segmentSyn,
		syn:  s.conn.profile.synFields(),
	}
	s.transmitLocked(syn)
}

// resendSynLocked retransmits the handshake SYN in response to a duplicate
// SYN from the peer. The retransmission counter is not incremented; the
// peer's duplicate is not a timeout
func (s *sender) resendSynLocked() {
	for seg := s.unackedList.Front(); seg != nil; seg = seg.Next() {
		if seg.kind == segmentSyn {
			s.writeSegmentLocked(seg)
			return
		}
	}
}

// queuePayloadLocked appends one DAT payload to the pending queue. The
// caller is responsible for honoring the MaxSendQueueSize bound
func (s *sender) queuePayloadLocked(v buffer.View) {
	s.pendingList.PushBack(&segment{kind: segmentDat, payload: v})
	s.pendingCount++
}

// queueFinLocked appends the FIN that closes the output direction. Data
// queued before it is delivered first; the FIN consumes the next sequence
// number when it is transmitted
func (s *sender) queueFinLocked() {
	if s.finQueued {
		return
	}
	s.finQueued = true
	s.closedForSend = true
	s.pendingList.PushBack(&segment{kind: segmentFin})
	s.pendingCount++
}

// sendPendingLocked transmits pending segments while the outstanding window
// has room. Each transmitted segment is assigned the next sequence number
// and placed on the unacked list with its retransmission timer armed
func (s *sender) sendPendingLocked() {
	freed := false
	for s.outstanding < int(s.conn.profile.MaxOutstandingSegs) {
		seg := s.pendingList.Front()
		if seg == nil {
			break
		}
		s.pendingList.Remove(seg)
		s.pendingCount--
		freed = true
		s.transmitLocked(seg)
	}
	if freed {
		s.conn.waiterQueue.Notify(waiter.EventOut)
	}
}

// transmitLocked assigns a sequence number to the segment, transmits it, and
// starts tracking it for retransmission
func (s *sender) transmitLocked(seg *segment) {
	seg.sequenceNumber = s.sndNxt
	s.sndNxt++

	s.unackedList.PushBack(seg)
	s.outstanding++

	seg.xmitCount = 0
	seg.rtxTimer = s.conn.timers.Schedule(s.conn.profile.retransmissionTimeout(), func() {
		s.onRetransmitTimeout(seg)
	})

	s.writeSegmentLocked(seg)
}

// onRetransmitTimeout fires when a tracked segment has gone unacknowledged
// for a full retransmission timeout. It acquires the connection mutex itself
func (s *sender) onRetransmitTimeout(seg *segment) {
	c := s.conn
	c.mu.Lock()
	if c.state == stateClosed || seg.rtxTimer == nil {
		c.mu.Unlock()
		return
	}

	seg.xmitCount++
	limit := c.profile.MaxRetrans
	if limit > 0 && seg.xmitCount > limit {
		c.logger.Warn("segment exceeded retransmission limit",
			zap.String("kind", seg.kind.String()),
			zap.Uint8("seq", uint8(seg.sequenceNumber)),
			zap.Uint8("limit", limit))
		c.failLocked(ErrRetransmissionLimit)
		c.unlockAndNotify()
		return
	}

	c.metrics.retransmission()
	c.logger.Debug("retransmitting segment",
		zap.String("kind", seg.kind.String()),
		zap.Uint8("seq", uint8(seg.sequenceNumber)),
		zap.Uint8("attempt", seg.xmitCount))
	s.writeSegmentLocked(seg)
	seg.rtxTimer.Reset(c.profile.retransmissionTimeout())
	c.unlockAndNotify()
}

// handleAckLocked processes a cumulative acknowledgement: every unacked
// segment with a sequence number at or before ack is released and its timer
// cancelled. Acks outside the current window are stray and ignored
func (s *sender) handleAckLocked(ack seqnum.Value) {
	if s.outstanding == 0 || !ack.InRange(s.sndUna, s.sndNxt) {
		return
	}

	for seg := s.unackedList.Front(); seg != nil; {
		next := seg.Next()
		if seg.sequenceNumber.LessThanEq(ack) {
			s.releaseUnackedLocked(seg)
		}
		seg = next
	}
	s.sndUna = ack.Add(1)

	s.sendPendingLocked()
	s.conn.waiterQueue.Notify(waiter.EventOut)
	s.conn.maybeFinishCloseLocked()
}

// handleEakLocked processes an extended acknowledgement: segments whose
// sequence numbers appear in the list are released individually, then the
// oldest segment still outstanding below the highest acknowledged hole is
// eagerly retransmitted
func (s *sender) handleEakLocked(eaks []seqnum.Value) {
	if len(eaks) == 0 {
		return
	}

	maxEak := eaks[0]
	for _, e := range eaks {
		if maxEak.LessThan(e) {
			maxEak = e
		}
		for seg := s.unackedList.Front(); seg != nil; seg = seg.Next() {
			if seg.sequenceNumber == e {
				s.releaseUnackedLocked(seg)
				break
			}
		}
	}

	if front := s.unackedList.Front(); front != nil && front.sequenceNumber.LessThan(maxEak) {
		s.retransmitLocked(front)
	}

	s.sendPendingLocked()
	s.conn.waiterQueue.Notify(waiter.EventOut)
	s.conn.maybeFinishCloseLocked()
}

// retransmitLocked resends a tracked segment ahead of its timer, counting it
// against the segment's retransmission limit
func (s *sender) retransmitLocked(seg *segment) {
	seg.xmitCount++
	limit := s.conn.profile.MaxRetrans
	if limit > 0 && seg.xmitCount > limit {
		s.conn.failLocked(ErrRetransmissionLimit)
		return
	}
	s.conn.metrics.retransmission()
	s.writeSegmentLocked(seg)
	if seg.rtxTimer != nil {
		seg.rtxTimer.Reset(s.conn.profile.retransmissionTimeout())
	}
}

func (s *sender) releaseUnackedLocked(seg *segment) {
	if seg.rtxTimer != nil {
		seg.rtxTimer.Stop()
		seg.rtxTimer = nil
	}
	s.unackedList.Remove(seg)
	s.outstanding--
}

// startKeepaliveLocked arms the periodic NUL keepalive once the connection
// is established. A zero NullSegmentTimeout disables it
func (s *sender) startKeepaliveLocked() {
	d := s.conn.profile.nullSegmentTimeout()
	if d == 0 {
		return
	}
	s.nulTimer = s.conn.timers.SchedulePeriodic(d, s.onKeepalive)
}

// onKeepalive fires every NullSegmentTimeout. A NUL segment is sent only
// when the connection is fully idle; it consumes a sequence number and is
// tracked like any other sequenced segment, so an unanswered keepalive runs
// into the retransmission discipline
func (s *sender) onKeepalive() {
	c := s.conn
	c.mu.Lock()
	if c.state == stateEstablished && s.outstanding == 0 && s.pendingCount == 0 {
		s.transmitLocked(&segment{kind: segmentNul})
	}
	c.unlockAndNotify()
}

// sendAckLocked emits a header-only ACK. It does not consume a sequence
// number; the sequence field carries sndNxt
func (s *sender) sendAckLocked() {
	s.writeSegmentLocked(&segment{kind: segmentAck, sequenceNumber: s.sndNxt})
}

// sendEakLocked emits an extended ack listing the given out-of-order
// sequence numbers, with the cumulative ack piggybacked
func (s *sender) sendEakLocked(eaks []seqnum.Value) {
	s.writeSegmentLocked(&segment{kind: segmentEak, sequenceNumber: s.sndNxt, eakNumbers: eaks})
}

// sendRstLocked emits an abortive reset. It is not tracked
func (s *sender) sendRstLocked() {
	s.writeSegmentLocked(&segment{kind: segmentRst, sequenceNumber: s.sndNxt})
}

// writeSegmentLocked serializes and transmits one segment, piggybacking the
// current cumulative ack when the receive side exists. Emitting the ack
// resets the receiver's pending-ack state
func (s *sender) writeSegmentLocked(seg *segment) {
	if r := s.conn.rcv; r != nil {
		seg.hasAck = true
		seg.ackNumber = r.ackNumberLocked()
		r.ackEmittedLocked()
	}
	s.conn.sendDatagram(seg)
}

// allAckedLocked reports whether every queued segment has been transmitted
// and acknowledged
func (s *sender) allAckedLocked() bool {
	return s.pendingCount == 0 && s.unackedList.Empty()
}

func (s *sender) stopTimersLocked() {
	for seg := s.unackedList.Front(); seg != nil; seg = seg.Next() {
		if seg.rtxTimer != nil {
			seg.rtxTimer.Stop()
			seg.rtxTimer = nil
		}
	}
	if s.nulTimer != nil {
		s.nulTimer.Stop()
	}
}
