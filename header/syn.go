package header

import (
	"encoding/binary"
)

const (
	synVersion        = 0
	synMaxOutstanding = 1
	synOptionFlags    = 2
	synMaxSegmentSize = 3
	synRetransTimeout = 5
	synCumAckTimeout  = 7
	synNulTimeout     = 9
	synMaxRetrans     = 11
	synMaxCumAck      = 12
	synMaxOutOfSeq    = 13
	synMaxAutoReset   = 14
)

// SYNMinimumSize is the size of the parameter block carried in the body of a
// SYN segment
const SYNMinimumSize = 15

// SYNFields contains the negotiable protocol parameters carried by a SYN
// segment. The values mirror the connection profile of the sender
type SYNFields struct {
	Version uint8

	MaxOutstandingSegs uint8

	OptionFlags uint8

	MaxSegmentSize uint16

	RetransmissionTimeout uint16

	CumulativeAckTimeout uint16

	NullSegmentTimeout uint16

	MaxRetrans uint8

	MaxCumulativeAcks uint8

	MaxOutOfSequence uint8

	MaxAutoReset uint8
}

// SYN represents the parameter block of a SYN segment stored in a byte slice
type SYN []byte

func (b SYN) Version() uint8 {
	return b[synVersion] >> 4
}

func (b SYN) MaxOutstandingSegs() uint8 {
	return b[synMaxOutstanding]
}

func (b SYN) OptionFlags() uint8 {
	return b[synOptionFlags]
}

func (b SYN) MaxSegmentSize() uint16 {
	return binary.BigEndian.Uint16(b[synMaxSegmentSize:])
}

func (b SYN) RetransmissionTimeout() uint16 {
	return binary.BigEndian.Uint16(b[synRetransTimeout:])
}

func (b SYN) CumulativeAckTimeout() uint16 {
	return binary.BigEndian.Uint16(b[synCumAckTimeout:])
}

func (b SYN) NullSegmentTimeout() uint16 {
	return binary.BigEndian.Uint16(b[synNulTimeout:])
}

func (b SYN) MaxRetrans() uint8 {
	return b[synMaxRetrans]
}

func (b SYN) MaxCumulativeAcks() uint8 {
	return b[synMaxCumAck]
}

func (b SYN) MaxOutOfSequence() uint8 {
	return b[synMaxOutOfSeq]
}

func (b SYN) MaxAutoReset() uint8 {
	return b[synMaxAutoReset]
}

// Encode encodes all the fields of the SYN parameter block
func (b SYN) Encode(f *SYNFields) {
	b[synVersion] = f.Version << 4
	b[synMaxOutstanding] = f.MaxOutstandingSegs
	b[synOptionFlags] = f.OptionFlags
	binary.BigEndian.PutUint16(b[synMaxSegmentSize:], f.MaxSegmentSize)
	binary.BigEndian.PutUint16(b[synRetransTimeout:], f.RetransmissionTimeout)
	binary.BigEndian.PutUint16(b[synCumAckTimeout:], f.CumulativeAckTimeout)
	binary.BigEndian.PutUint16(b[synNulTimeout:], f.NullSegmentTimeout)
	b[synMaxRetrans] = f.MaxRetrans
	b[synMaxCumAck] = f.MaxCumulativeAcks
	b[synMaxOutOfSeq] = f.MaxOutOfSequence
	b[synMaxAutoReset] = f.MaxAutoReset
}
