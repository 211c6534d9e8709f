package rudp

import (
	"github.com/deng-rui/rudp/buffer"
	"github.com/deng-rui/rudp/header"
	"github.com/deng-rui/rudp/seqnum"
	"github.com/deng-rui/rudp/timer"
)

// segmentKind identifies the variant of a parsed segment. Exactly one
// variant is selected per segment
type segmentKind uint8

const (
	segmentSyn segmentKind = iota
	segmentAck
	segmentEak
	segmentRst
	segmentNul
	segmentFin
	segmentDat
)

func (k segmentKind) String() string {
	switch k {
	case segmentSyn:
		return "SYN"
	case segmentAck:
		return "ACK"
	case segmentEak:
		return "EAK"
	case segmentRst:
		return "RST"
	case segmentNul:
		return "NUL"
	case segmentFin:
		return "FIN"
	case segmentDat:
		return "DAT"
	}
	return "UNKNOWN"
}

// segment represents a single RUDP segment. It holds the parsed header
// fields and the variant payload, and can be added to segment lists. On the
// send side it also carries the retransmission bookkeeping
type segment struct {
	segmentEntry
	kind           segmentKind
	sequenceNumber seqnum.Value

	// hasAck reports whether the ACK flag was set; when it is false the ack
	// number is absent and ackNumber must not be read
	hasAck    bool
	ackNumber seqnum.Value

	// payload is the user data of a DAT segment
	payload buffer.View

	// eakNumbers lists the out-of-sequence numbers carried by an EAK segment
	eakNumbers []seqnum.Value

	// syn holds the parameter block of a SYN segment
	syn header.SYNFields

	// The following fields belong to the sender and are protected by the
	// connection mutex
	xmitCount uint8
	rtxTimer  *timer.Timer
}

// parseSegment parses a datagram into a segment. The dispatch priority is
// SYN, NUL, EAK, RST, FIN, then ACK, where a header-only ACK is
// distinguished from DAT by length. Unknown flag combinations are rejected
func parseSegment(v buffer.View) (*segment, error) {
	if len(v) < header.RUDPMinimumSize {
		return nil, &MalformedError{Reason: "short segment", Length: len(v)}
	}

	h := header.RUDP(v)
	if !h.IsValid(len(v)) {
		return nil, &MalformedError{Reason: "bad header length", Length: len(v)}
	}

	flags := h.Flags()
	s := &segment{
		sequenceNumber: h.SequenceNumber(),
	}
	if flags&header.RUDPFlagAck != 0 {
		s.hasAck = true
		s.ackNumber = h.AckNumber()
	}

	body := h.Payload()
	switch {
	case flags&header.RUDPFlagSyn != 0:
		if len(body) < header.SYNMinimumSize {
			return nil, &MalformedError{Reason: "short SYN parameter block", Length: len(v)}
		}
		s.kind = segmentSyn
		s.syn = decodeSYNFields(header.SYN(body))

	case flags&header.RUDPFlagNul != 0:
		s.kind = segmentNul

	case flags&header.RUDPFlagEak != 0:
		s.kind = segmentEak
		s.eakNumbers = make([]seqnum.Value, len(body))
		for i, b := range body {
			s.eakNumbers[i] = seqnum.Value(b)
		}

	case flags&header.RUDPFlagRst != 0:
		s.kind = segmentRst

	case flags&header.RUDPFlagFin != 0:
		s.kind = segmentFin

	case flags&header.RUDPFlagAck != 0:
		if len(body) == 0 {
			s.kind = segmentAck
		} else {
			s.kind = segmentDat
			s.payload = buffer.NewViewFromBytes(body)
		}

	default:
		return nil, &MalformedError{Reason: "unknown flag combination", Length: len(v)}
	}

	return s, nil
}

func decodeSYNFields(b header.SYN) header.SYNFields {
	return header.SYNFields{
		Version:               b.Version(),
		MaxOutstandingSegs:    b.MaxOutstandingSegs(),
		OptionFlags:           b.OptionFlags(),
		MaxSegmentSize:        b.MaxSegmentSize(),
		RetransmissionTimeout: b.RetransmissionTimeout(),
		CumulativeAckTimeout:  b.CumulativeAckTimeout(),
		NullSegmentTimeout:    b.NullSegmentTimeout(),
		MaxRetrans:            b.MaxRetrans(),
		MaxCumulativeAcks:     b.MaxCumulativeAcks(),
		MaxOutOfSequence:      b.MaxOutOfSequence(),
		MaxAutoReset:          b.MaxAutoReset(),
	}
}

// flags returns the flag byte for the segment's variant
func (s *segment) flags() uint8 {
	var f uint8
	switch s.kind {
	case segmentSyn:
		f = header.RUDPFlagSyn
	case segmentAck, segmentDat:
		// The ACK flag is applied below
	case segmentEak:
		f = header.RUDPFlagEak
	case segmentRst:
		f = header.RUDPFlagRst
	case segmentNul:
		f = header.RUDPFlagNul
	case segmentFin:
		f = header.RUDPFlagFin
	}
	if s.hasAck {
		f |= header.RUDPFlagAck
	}
	return f
}

// bodySize returns the number of bytes following the header
func (s *segment) bodySize() int {
	switch s.kind {
	case segmentSyn:
		return header.SYNMinimumSize
	case segmentEak:
		return len(s.eakNumbers)
	case segmentDat:
		return len(s.payload)
	}
	return 0
}

// serialize encodes the segment into a datagram, building the body first and
// prepending the header. The checksum is written as zero
func (s *segment) serialize() buffer.View {
	b := buffer.NewPrependable(header.RUDPMinimumSize + s.bodySize())

	switch s.kind {
	case segmentSyn:
		syn := header.SYN(b.Prepend(header.SYNMinimumSize))
		f := s.syn
		syn.Encode(&f)
	case segmentEak:
		body := b.Prepend(len(s.eakNumbers))
		for i, v := range s.eakNumbers {
			body[i] = uint8(v)
		}
	case segmentDat:
		copy(b.Prepend(len(s.payload)), s.payload)
	}

	var ack uint8
	if s.hasAck {
		ack = uint8(s.ackNumber)
	}
	h := header.RUDP(b.Prepend(header.RUDPMinimumSize))
	h.Encode(&header.RUDPFields{
		Flags:        s.flags(),
		HeaderLength: header.RUDPMinimumSize,
		SeqNum:       uint8(s.sequenceNumber),
		AckNum:       ack,
	})

	return b.View()
}

// consumesSequence reports whether the segment occupies a sequence number
// and therefore participates in the reliability discipline
func (s *segment) consumesSequence() bool {
	switch s.kind {
	case segmentSyn, segmentDat, segmentNul, segmentFin:
		return true
	}
	return false
}
