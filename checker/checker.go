// Package checker provides helpers functions to check networking packets
package checker

import (
	"bytes"
	"testing"

	"github.com/deng-rui/rudp/header"
	"github.com/deng-rui/rudp/seqnum"
)

// SegmentChecker is a function to check a property of a RUDP segment
type SegmentChecker func(*testing.T, header.RUDP)

// RUDP checks the validity and properties of the given RUDP segment. It is
// expected to be used in conjunction with other segment checkers for
// specific properties. For example, to check the flags and sequence number,
// one would call:
//
//	checker.RUDP(t, b, checker.Flags(x), checker.SeqNum(y))
func RUDP(t *testing.T, b []byte, checkers ...SegmentChecker) {
	t.Helper()

	h := header.RUDP(b)
	if !h.IsValid(len(b)) {
		t.Fatalf("Not a valid RUDP segment: % x", b)
	}

	for _, f := range checkers {
		f(t, h)
	}
}

// Flags creates a checker that checks the exact value of the flag byte
func Flags(flags uint8) SegmentChecker {
	return func(t *testing.T, h header.RUDP) {
		t.Helper()
		if f := h.Flags(); f != flags {
			t.Fatalf("Bad flags, got 0x%02x, want 0x%02x", f, flags)
		}
	}
}

// SeqNum creates a checker that checks the sequence number
func SeqNum(seq seqnum.Value) SegmentChecker {
	return func(t *testing.T, h header.RUDP) {
		t.Helper()
		if s := h.SequenceNumber(); s != seq {
			t.Fatalf("Bad sequence number, got %v, want %v", s, seq)
		}
	}
}

// AckNum creates a checker that checks that the ACK flag is set and the ack
// number matches
func AckNum(ack seqnum.Value) SegmentChecker {
	return func(t *testing.T, h header.RUDP) {
		t.Helper()
		if h.Flags()&header.RUDPFlagAck == 0 {
			t.Fatalf("ACK flag not set")
		}
		if a := h.AckNumber(); a != ack {
			t.Fatalf("Bad ack number, got %v, want %v", a, ack)
		}
	}
}

// NoAck creates a checker that checks that the ACK flag is clear
func NoAck() SegmentChecker {
	return func(t *testing.T, h header.RUDP) {
		t.Helper()
		if h.Flags()&header.RUDPFlagAck != 0 {
			t.Fatalf("ACK flag unexpectedly set")
		}
	}
}

// PayloadLen creates a checker that checks the payload length
func PayloadLen(plen int) SegmentChecker {
	return func(t *testing.T, h header.RUDP) {
		t.Helper()
		if l := len(h.Payload()); l != plen {
			t.Fatalf("Bad payload length, got %v, want %v", l, plen)
		}
	}
}

// Payload creates a checker that checks the payload contents
func Payload(want []byte) SegmentChecker {
	return func(t *testing.T, h header.RUDP) {
		t.Helper()
		if p := h.Payload(); !bytes.Equal(p, want) {
			t.Fatalf("Bad payload, got % x, want % x", p, want)
		}
	}
}

// EakList creates a checker that checks that the segment is an EAK listing
// exactly the given sequence numbers, in order
func EakList(want []seqnum.Value) SegmentChecker {
	return func(t *testing.T, h header.RUDP) {
		t.Helper()
		if h.Flags()&header.RUDPFlagEak == 0 {
			t.Fatalf("EAK flag not set")
		}
		body := h.Payload()
		if len(body) != len(want) {
			t.Fatalf("Bad EAK list length, got %v, want %v", len(body), len(want))
		}
		for i, w := range want {
			if got := seqnum.Value(body[i]); got != w {
				t.Fatalf("Bad EAK list entry %d, got %v, want %v", i, got, w)
			}
		}
	}
}
