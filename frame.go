package protoclient

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed size of the wire header.
//
//	uint32 length     total frame length, header included
//	uint32 sequence
//	uint16 command
//	uint32 result
//	uint32 recipient
//
// all little endian.
const HeaderSize = 18

const (
	offLength    = 0
	offSequence  = 4
	offCommand   = 8
	offResult    = 10
	offRecipient = 14
)

// MaxFrameLength is the largest length the header can carry
const MaxFrameLength = math.MaxUint32

type Header struct {
	Length    uint32
	Sequence  uint32
	Command   uint16
	Result    uint32
	Recipient uint32
}

// PayloadLength is the number of body bytes following the header.
// Only meaningful when Length >= HeaderSize.
//
//go:nosplit
func (h *Header) PayloadLength() uint32 {
	return h.Length - HeaderSize
}

type Frame struct {
	Header
	Payload []byte
}

// PutHeader writes h into b, which must hold at least HeaderSize bytes.
func PutHeader(b []byte, h Header) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint32(b[offLength:], h.Length)
	binary.LittleEndian.PutUint32(b[offSequence:], h.Sequence)
	binary.LittleEndian.PutUint16(b[offCommand:], h.Command)
	binary.LittleEndian.PutUint32(b[offResult:], h.Result)
	binary.LittleEndian.PutUint32(b[offRecipient:], h.Recipient)
}

// ParseHeader reads a header out of b, which must hold at least HeaderSize bytes.
func ParseHeader(b []byte) (h Header) {
	_ = b[HeaderSize-1]
	h.Length = binary.LittleEndian.Uint32(b[offLength:])
	h.Sequence = binary.LittleEndian.Uint32(b[offSequence:])
	h.Command = binary.LittleEndian.Uint16(b[offCommand:])
	h.Result = binary.LittleEndian.Uint32(b[offResult:])
	h.Recipient = binary.LittleEndian.Uint32(b[offRecipient:])
	return
}

// Encode composes a frame for recipient/command with sequence and result left at 0.
// maxLength <= 0 means the payload size is unlimited.
func Encode(recipient uint32, command uint16, payload []byte, maxLength int) ([]byte, error) {
	return EncodeFrame(Header{Recipient: recipient, Command: command}, payload, maxLength)
}

// EncodeFrame is like Encode but keeps h.Sequence and h.Result. h.Length is ignored and computed.
func EncodeFrame(h Header, payload []byte, maxLength int) (buf []byte, err error) {
	if maxLength > 0 && len(payload) > maxLength {
		err = errors.Wrapf(ErrInvalidArgument, "payload length %d exceeds the limitation %d", len(payload), maxLength)
		return
	}
	if uint64(len(payload))+HeaderSize > MaxFrameLength {
		err = errors.Wrapf(ErrInvalidArgument, "payload length %d not representable", len(payload))
		return
	}

	h.Length = uint32(HeaderSize + len(payload))
	buf = make([]byte, h.Length)
	PutHeader(buf, h)
	copy(buf[HeaderSize:], payload)
	return
}
