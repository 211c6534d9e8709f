package rudp

import (
	"time"

	"github.com/deng-rui/rudp/header"
)

// Profile is the set of protocol parameters for a connection. It is
// validated when handed to a listener or dialer, and a peer's SYN proposal
// is validated before it is adopted; it is copied by value afterwards
type Profile struct {
	// MaxSendQueueSize bounds the user write backpressure, in segments
	MaxSendQueueSize uint8

	// MaxRecvQueueSize bounds the reassembly buffer, in segments
	MaxRecvQueueSize uint8

	// MaxSegmentSize is the maximum segment size, including header
	MaxSegmentSize uint16

	// MaxOutstandingSegs caps the send window, in segments
	MaxOutstandingSegs uint8

	// MaxRetrans is the per-segment retransmission limit; 0 means unlimited
	MaxRetrans uint8

	// MaxCumulativeAcks is the number of unacked received segments before an
	// ACK is forced
	MaxCumulativeAcks uint8

	// MaxOutOfSequence is the number of out-of-order segments before an EAK
	// is forced
	MaxOutOfSequence uint8

	// MaxAutoReset is reserved; it is carried and validated but has no
	// behavior
	MaxAutoReset uint8

	// NullSegmentTimeout is the idle-send keepalive interval, in
	// milliseconds; 0 disables the keepalive
	NullSegmentTimeout uint16

	// RetransmissionTimeout is the per-segment retransmit delay, in
	// milliseconds
	RetransmissionTimeout uint16

	// CumulativeAckTimeout is the pending-ack delay, in milliseconds
	CumulativeAckTimeout uint16
}

// DefaultProfile returns the default protocol parameters
func DefaultProfile() Profile {
	return Profile{
		MaxSendQueueSize:      32,
		MaxRecvQueueSize:      32,
		MaxSegmentSize:        128,
		MaxOutstandingSegs:    3,
		MaxRetrans:            0,
		MaxCumulativeAcks:     3,
		MaxOutOfSequence:      3,
		MaxAutoReset:          3,
		NullSegmentTimeout:    2000,
		RetransmissionTimeout: 600,
		CumulativeAckTimeout:  300,
	}
}

// Validate checks every field against its permitted range. It returns a
// ConfigError naming the first offending field
func (p Profile) Validate() error {
	if p.MaxSendQueueSize < 1 {
		return &ConfigError{Field: "MaxSendQueueSize", Value: int(p.MaxSendQueueSize), Min: 1, Max: 255}
	}
	if p.MaxRecvQueueSize < 1 {
		return &ConfigError{Field: "MaxRecvQueueSize", Value: int(p.MaxRecvQueueSize), Min: 1, Max: 255}
	}
	if p.MaxSegmentSize < minSegmentSize {
		return &ConfigError{Field: "MaxSegmentSize", Value: int(p.MaxSegmentSize), Min: minSegmentSize, Max: 65535}
	}
	if p.MaxOutstandingSegs < 1 {
		return &ConfigError{Field: "MaxOutstandingSegs", Value: int(p.MaxOutstandingSegs), Min: 1, Max: 255}
	}
	if p.RetransmissionTimeout < minTimeout {
		return &ConfigError{Field: "RetransmissionTimeout", Value: int(p.RetransmissionTimeout), Min: minTimeout, Max: 65535}
	}
	if p.CumulativeAckTimeout < minTimeout {
		return &ConfigError{Field: "CumulativeAckTimeout", Value: int(p.CumulativeAckTimeout), Min: minTimeout, Max: 65535}
	}
	return nil
}

const (
	// minSegmentSize is the smallest permitted MSS: enough for a header and
	// a SYN parameter block with one byte to spare
	minSegmentSize = 22

	// minTimeout is the smallest permitted timer interval, in milliseconds
	minTimeout = 100
)

// maxPayloadSize is the maximum DAT payload carried per segment
func (p Profile) maxPayloadSize() int {
	return int(p.MaxSegmentSize) - header.RUDPMinimumSize
}

func (p Profile) retransmissionTimeout() time.Duration {
	return time.Duration(p.RetransmissionTimeout) * time.Millisecond
}

func (p Profile) cumulativeAckTimeout() time.Duration {
	return time.Duration(p.CumulativeAckTimeout) * time.Millisecond
}

func (p Profile) nullSegmentTimeout() time.Duration {
	return time.Duration(p.NullSegmentTimeout) * time.Millisecond
}

// synFields encodes the profile as the parameter block of a SYN segment
func (p Profile) synFields() header.SYNFields {
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

// profileFromSYN reconstructs the peer's proposed parameters from a SYN
// parameter block. Queue sizes are not negotiated; the local values apply
func profileFromSYN(f header.SYNFields, local Profile) Profile {
	p := local
	p.MaxOutstandingSegs = f.MaxOutstandingSegs
	p.MaxSegmentSize = f.MaxSegmentSize
	p.RetransmissionTimeout = f.RetransmissionTimeout
	p.CumulativeAckTimeout = f.CumulativeAckTimeout
	p.NullSegmentTimeout = f.NullSegmentTimeout
	p.MaxRetrans = f.MaxRetrans
	p.MaxCumulativeAcks = f.MaxCumulativeAcks
	p.MaxOutOfSequence = f.MaxOutOfSequence
	p.MaxAutoReset = f.MaxAutoReset
	return p
}
