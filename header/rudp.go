package header

import (
	"encoding/binary"

	"github.com/deng-rui/rudp/seqnum"
)

const (
	rudpFlags    = 0
	headerLength = 1
	seqNum       = 2
	ackNum       = 3
	rudpChecksum = 4
)

// Flags that may be set in a RUDP segment, MSB first
const (
	RUDPFlagFin = 0x02
	RUDPFlagChk = 0x04
	RUDPFlagNul = 0x08
	RUDPFlagRst = 0x10
	RUDPFlagEak = 0x20
	RUDPFlagAck = 0x40
	RUDPFlagSyn = 0x80
)

// RUDPFields contains the fields of a RUDP segment. It is used to describe the
// fields of a segment that needs to be encoded
type RUDPFields struct {
	Flags uint8

	HeaderLength uint8

	SeqNum uint8

	AckNum uint8

	Checksum uint16
}

// RUDP represents a RUDP segment header stored in a byte slice
type RUDP []byte

const (
	// RUDPMinimumSize is the minimum size of a valid RUDP segment
	RUDPMinimumSize = 6

	// RUDPProtocolVersion is the version carried in the SYN parameter block
	RUDPProtocolVersion = 1
)

func (b RUDP) Flags() uint8 {
	return b[rudpFlags]
}

func (b RUDP) HeaderLength() uint8 {
	return b[headerLength]
}

func (b RUDP) SequenceNumber() seqnum.Value {
	return seqnum.Value(b[seqNum])
}

// AckNumber returns the raw ack number byte. It is only meaningful when the
// ACK flag is set
func (b RUDP) AckNumber() seqnum.Value {
	return seqnum.Value(b[ackNum])
}

// Checksum returns the checksum field. The field is written as zero and is
// not validated on receipt
func (b RUDP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[rudpChecksum:])
}

// Payload returns the bytes following the header, as located by the header
// length field
func (b RUDP) Payload() []byte {
	return b[b.HeaderLength():]
}

// IsValid performs basic validation on the segment: the buffer must hold at
// least a full header and the header length must locate the payload inside
// the buffer
func (b RUDP) IsValid(size int) bool {
	if size < RUDPMinimumSize {
		return false
	}
	hl := int(b.HeaderLength())
	return hl >= RUDPMinimumSize && hl <= size
}

// SetAckNumber sets the ACK flag and updates the ack number field in place,
// piggybacking an ack on an already-encoded segment
func (b RUDP) SetAckNumber(ack seqnum.Value) {
	b[rudpFlags] |= RUDPFlagAck
	b[ackNum] = uint8(ack)
}

// Encode encodes all the fields of the RUDP header
func (b RUDP) Encode(f *RUDPFields) {
	b[rudpFlags] = f.Flags
	b[headerLength] = f.HeaderLength
	b[seqNum] = f.SeqNum
	b[ackNum] = f.AckNum
	binary.BigEndian.PutUint16(b[rudpChecksum:], f.Checksum)
}
