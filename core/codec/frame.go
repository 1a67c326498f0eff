package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Serial link framing between the host and a radio co-processor:
//
//	[0xC03E magic, BE][length, BE][payload][Fletcher-16, BE]
//
// The payload of every frame is one bridge Record.
const (
	// FrameMagic starts every serial frame.
	FrameMagic uint16 = 0xC03E
	// MaxFramePayload fits one record carrying a full-size datagram.
	MaxFramePayload = RecordHeaderSize + MaxDatagramSize
	// FrameHeaderSize is magic(2) + length(2).
	FrameHeaderSize = 4
	// FrameChecksumSize is the trailing Fletcher-16 checksum.
	FrameChecksumSize = 2
	// MinFrameSize is the size of a frame with an empty payload.
	MinFrameSize = FrameHeaderSize + FrameChecksumSize
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrInvalidMagic     = errors.New("invalid frame magic")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrIncompleteFrame  = errors.New("incomplete frame")
)

// DecodeFrame extracts the first frame from data. It returns the frame
// payload (copied), the bytes following the frame, and an error.
// ErrIncompleteFrame means more bytes are needed; any other error means the
// leading bytes are not a valid frame and the caller should resynchronize.
func DecodeFrame(data []byte) ([]byte, []byte, error) {
	if len(data) < MinFrameSize {
		return nil, data, ErrFrameTooShort
	}
	if binary.BigEndian.Uint16(data[0:2]) != FrameMagic {
		return nil, data, ErrInvalidMagic
	}

	n := int(binary.BigEndian.Uint16(data[2:4]))
	if n > MaxFramePayload {
		return nil, data, ErrPayloadTooLarge
	}

	end := FrameHeaderSize + n + FrameChecksumSize
	if len(data) < end {
		return nil, data, ErrIncompleteFrame
	}

	payload := data[FrameHeaderSize : FrameHeaderSize+n]
	sum := binary.BigEndian.Uint16(data[FrameHeaderSize+n : end])
	if want := Fletcher16(payload); want != sum {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x", ErrChecksumMismatch, want, sum)
	}

	out := make([]byte, n)
	copy(out, payload)
	return out, data[end:], nil
}

// EncodeFrame wraps payload in a serial frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, 0, FrameHeaderSize+len(payload)+FrameChecksumSize)
	frame = binary.BigEndian.AppendUint16(frame, FrameMagic)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	return binary.BigEndian.AppendUint16(frame, Fletcher16(payload)), nil
}

// FindFrameStart returns the index of the next magic sequence in data, or -1.
func FindFrameStart(data []byte) int {
	hi, lo := byte(FrameMagic>>8), byte(FrameMagic&0xFF)
	for i := 0; i+1 < len(data); i++ {
		if data[i] == hi && data[i+1] == lo {
			return i
		}
	}
	return -1
}

// Fletcher16 computes the Fletcher-16 checksum used by the serial framing.
func Fletcher16(data []byte) uint16 {
	var a, b uint16
	for _, c := range data {
		a = (a + uint16(c)) % 255
		b = (b + a) % 255
	}
	return b<<8 | a
}
