package rudp

import (
	"sort"

	"github.com/deng-rui/rudp/seqnum"
	"github.com/deng-rui/rudp/timer"
	"github.com/deng-rui/rudp/waiter"
)

// receiver holds the state necessary to receive segments and turn them into
// a stream of bytes: the next expected sequence number, the out-of-sequence
// buffer, the in-order payloads not yet consumed by the reader, and the
// cumulative-ack bookkeeping
//
// All methods must be called with the connection mutex held unless noted
// otherwise
type receiver struct {
	conn *Conn

	// rcvNxt is the next expected sequence number
	rcvNxt seqnum.Value

	// outOfSeq buffers segments received above rcvNxt, keyed by sequence
	// number, until the gap below them is filled
	outOfSeq map[seqnum.Value]*segment

	// readList holds delivered in-order DAT segments whose payload has not
	// been fully consumed by the reader. readOffset is the consumed prefix
	// of the front segment
	readList      segmentList
	readOffset    int
	readAvailable int
	readSegs      int

	// unackedCount counts in-order receipts that have not been covered by
	// an outbound ack yet
	unackedCount int

	// outOfSeqCount counts receipts above rcvNxt since the last EAK forced
	// by this count; an EAK sent by the ack timer does not reset it
	outOfSeqCount int

	// ackTimer delays the cumulative ack; it is created lazily and re-armed
	// with Reset afterwards
	ackTimer      *timer.Timer
	ackTimerArmed bool

	finReceived   bool
	closedForRecv bool
}

func newReceiver(c *Conn, irs seqnum.Value) *receiver {
	return &receiver{
		conn:     c,
		rcvNxt:   irs + 1,
		outOfSeq: make(map[seqnum.Value]*segment),
	}
}

// handleSegmentLocked processes an incoming sequenced segment (DAT, NUL or
// FIN) against the current window: in-order segments are accepted and the
// out-of-sequence buffer drained behind them, future segments are buffered,
// and duplicates are discarded with a forced ACK so the peer stops
// retransmitting
func (r *receiver) handleSegmentLocked(s *segment) {
	seq := s.sequenceNumber
	switch {
	case seq == r.rcvNxt:
		if r.bufferFullLocked() {
			// Dropped without advancing the ack point; the peer retransmits
			r.conn.metrics.dropped()
			return
		}
		r.acceptLocked(s)
		r.drainOutOfSeqLocked()
		if s.kind == segmentDat && !r.finReceived {
			r.ackPolicyLocked()
		} else {
			// NUL and FIN are acknowledged promptly, including a FIN that
			// was just drained out of the out-of-sequence buffer
			r.conn.snd.sendAckLocked()
		}
		r.conn.waiterQueue.Notify(waiter.EventIn)

	case r.rcvNxt.LessThan(seq):
		r.bufferOutOfSeqLocked(s)

	default:
		// Duplicate of an already-received segment
		r.conn.snd.sendAckLocked()
	}
}

// acceptLocked takes an in-order segment: the window advances, the payload
// (if any) becomes readable, and the receipt is counted toward the
// cumulative ack
func (r *receiver) acceptLocked(s *segment) {
	r.rcvNxt++
	r.unackedCount++

	switch s.kind {
	case segmentDat:
		if !r.closedForRecv {
			r.readList.PushBack(s)
			r.readSegs++
			r.readAvailable += len(s.payload)
		}
	case segmentFin:
		r.finReceived = true
	}
}

// drainOutOfSeqLocked accepts contiguously-buffered successors of rcvNxt
func (r *receiver) drainOutOfSeqLocked() {
	for {
		s, ok := r.outOfSeq[r.rcvNxt]
		if !ok {
			return
		}
		delete(r.outOfSeq, r.rcvNxt)
		r.acceptLocked(s)
	}
}

// bufferOutOfSeqLocked stores a segment received above rcvNxt and forces an
// EAK once enough out-of-order receipts accumulate
func (r *receiver) bufferOutOfSeqLocked(s *segment) {
	if r.bufferFullLocked() {
		r.conn.metrics.dropped()
		return
	}
	if _, dup := r.outOfSeq[s.sequenceNumber]; dup {
		return
	}

	r.outOfSeq[s.sequenceNumber] = s
	r.outOfSeqCount++
	if r.outOfSeqCount >= int(r.conn.profile.MaxOutOfSequence) {
		r.conn.snd.sendEakLocked(r.outOfSeqNumbersLocked())
		r.outOfSeqCount = 0
		return
	}
	r.armAckTimerLocked()
}

// ackPolicyLocked applies the cumulative ack policy after an in-order DAT
// delivery: force an ACK once MaxCumulativeAcks receipts are pending,
// otherwise make sure the delayed-ack timer is running
func (r *receiver) ackPolicyLocked() {
	if r.unackedCount >= int(r.conn.profile.MaxCumulativeAcks) {
		r.conn.snd.sendAckLocked()
		return
	}
	r.armAckTimerLocked()
}

func (r *receiver) armAckTimerLocked() {
	if r.ackTimerArmed {
		return
	}
	r.ackTimerArmed = true
	d := r.conn.profile.cumulativeAckTimeout()
	if r.ackTimer == nil {
		r.ackTimer = r.conn.timers.Schedule(d, r.onAckTimeout)
	} else {
		r.ackTimer.Reset(d)
	}
}

// onAckTimeout fires when the cumulative-ack delay expires with receipts
// still unacknowledged. It acquires the connection mutex itself
func (r *receiver) onAckTimeout() {
	c := r.conn
	c.mu.Lock()
	r.ackTimerArmed = false
	if c.state != stateClosed && (r.unackedCount > 0 || len(r.outOfSeq) > 0) {
		if len(r.outOfSeq) > 0 {
			c.snd.sendEakLocked(r.outOfSeqNumbersLocked())
		} else {
			c.snd.sendAckLocked()
		}
	}
	c.unlockAndNotify()
}

// ackNumberLocked returns the cumulative ack: the last sequence number
// received in order
func (r *receiver) ackNumberLocked() seqnum.Value {
	return r.rcvNxt - 1
}

// ackEmittedLocked records that an outbound segment carried the cumulative
// ack; the pending-ack counter and timer are reset
func (r *receiver) ackEmittedLocked() {
	r.unackedCount = 0
	if r.ackTimerArmed {
		r.ackTimer.Stop()
		r.ackTimerArmed = false
	}
}

// outOfSeqNumbersLocked returns the buffered out-of-order sequence numbers,
// ordered by distance from rcvNxt so the list is ascending in window terms
func (r *receiver) outOfSeqNumbersLocked() []seqnum.Value {
	nums := make([]seqnum.Value, 0, len(r.outOfSeq))
	for v := range r.outOfSeq {
		nums = append(nums, v)
	}
	sort.Slice(nums, func(i, j int) bool {
		return uint8(nums[i]-r.rcvNxt) < uint8(nums[j]-r.rcvNxt)
	})
	return nums
}

// bufferFullLocked reports whether the reassembly buffer has reached
// MaxRecvQueueSize segments, counting both delivered-unread and
// out-of-sequence segments
func (r *receiver) bufferFullLocked() bool {
	return r.readSegs+len(r.outOfSeq) >= int(r.conn.profile.MaxRecvQueueSize)
}

// readLocked copies buffered in-order payload into b, returning the number
// of bytes copied
func (r *receiver) readLocked(b []byte) int {
	n := 0
	for n < len(b) {
		s := r.readList.Front()
		if s == nil {
			break
		}
		c := copy(b[n:], s.payload[r.readOffset:])
		n += c
		r.readOffset += c
		if r.readOffset == len(s.payload) {
			r.readList.Remove(s)
			r.readSegs--
			r.readOffset = 0
		}
	}
	r.readAvailable -= n
	return n
}

// discardLocked drops all buffered data; used when the input direction is
// shut down. Receipt accounting continues so the peer still gets acks
func (r *receiver) discardLocked() {
	r.closedForRecv = true
	r.readList.Reset()
	r.readSegs = 0
	r.readOffset = 0
	r.readAvailable = 0
}

func (r *receiver) stopTimersLocked() {
	if r.ackTimer != nil {
		r.ackTimer.Stop()
	}
}
