// Package codec implements the on-air layout of the peer broadcast link.
//
// Two kinds of datagram share the medium and are told apart by their first
// byte:
//
//	'{'  a complete message sent unframed in a single datagram
//	'C'  one fragment of a larger message, prefixed by a 9-byte ChunkHeader
//
// Chunk header layout (all integers little-endian):
//
//	offset 0  tag    u8   'C' (0x43)
//	offset 1  msgId  u16  1..65535, 0 reserved
//	offset 3  total  u16  1..MaxChunks
//	offset 5  idx    u16  0..total-1
//	offset 7  len    u16  1..ChunkMax
//	offset 9  payload (len bytes)
//
// Callers must guarantee that unframed messages never start with ChunkTag.
// The wire format carries no explicit framing bit, so a message starting
// with 'C' would be parsed as a fragment and dropped.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ChunkTag is the first byte of every fragment datagram.
	ChunkTag byte = 'C'
	// MessageTag is the first byte of an unframed single-datagram message.
	MessageTag byte = '{'

	// ChunkHeaderSize is the encoded size of a ChunkHeader.
	ChunkHeaderSize = 9
	// ChunkMax is the maximum payload carried by one fragment.
	ChunkMax = 200
	// MaxMessageBytes is the largest message that can be reassembled.
	MaxMessageBytes = 2048
	// MaxChunks is the largest fragment count a message may declare.
	MaxChunks = (MaxMessageBytes + ChunkMax - 1) / ChunkMax // 11
	// SingleDatagramMax is the largest payload sent unframed.
	SingleDatagramMax = 250
	// MaxDatagramSize is the largest datagram the radio accepts.
	MaxDatagramSize = 250
)

// ErrMalformedChunk is returned for any fragment that fails validation.
// There is no partial decode: the caller drops the datagram.
var ErrMalformedChunk = errors.New("malformed chunk")

// ChunkHeader is the fixed header that prefixes every fragment.
type ChunkHeader struct {
	MsgID uint16 // Sender-local transmission id
	Total uint16 // Number of fragments in the transmission
	Index uint16 // Zero-based position of this fragment
	Len   uint16 // Payload bytes carried by this fragment
}

// IsFinal returns true if this is the last fragment of its transmission.
func (h ChunkHeader) IsFinal() bool {
	return h.Index == h.Total-1
}

// Offset returns the byte offset of this fragment's payload within the
// reassembled message.
func (h ChunkHeader) Offset() int {
	return int(h.Index) * ChunkMax
}

// AppendTo appends the encoded header to b.
func (h ChunkHeader) AppendTo(b []byte) []byte {
	b = append(b, ChunkTag)
	b = binary.LittleEndian.AppendUint16(b, h.MsgID)
	b = binary.LittleEndian.AppendUint16(b, h.Total)
	b = binary.LittleEndian.AppendUint16(b, h.Index)
	b = binary.LittleEndian.AppendUint16(b, h.Len)
	return b
}

// EncodeChunkHeader returns the 9-byte wire form of h.
func EncodeChunkHeader(h ChunkHeader) []byte {
	return h.AppendTo(make([]byte, 0, ChunkHeaderSize))
}

// validate checks the header fields that do not depend on the datagram length.
func (h ChunkHeader) validate() error {
	switch {
	case h.Len == 0:
		return fmt.Errorf("%w: empty fragment", ErrMalformedChunk)
	case h.Len > ChunkMax:
		return fmt.Errorf("%w: len %d exceeds %d", ErrMalformedChunk, h.Len, ChunkMax)
	case h.Total == 0:
		return fmt.Errorf("%w: zero total", ErrMalformedChunk)
	case h.Total > MaxChunks:
		return fmt.Errorf("%w: total %d exceeds %d", ErrMalformedChunk, h.Total, MaxChunks)
	case h.Index >= h.Total:
		return fmt.Errorf("%w: idx %d out of range for total %d", ErrMalformedChunk, h.Index, h.Total)
	}
	return nil
}

// DecodeChunk parses a fragment datagram. It returns the header and the
// payload slice (aliasing data).
func DecodeChunk(data []byte) (ChunkHeader, []byte, error) {
	var h ChunkHeader
	if len(data) < ChunkHeaderSize {
		return h, nil, fmt.Errorf("%w: %d bytes is shorter than header", ErrMalformedChunk, len(data))
	}
	if data[0] != ChunkTag {
		return h, nil, fmt.Errorf("%w: tag 0x%02x", ErrMalformedChunk, data[0])
	}

	h.MsgID = binary.LittleEndian.Uint16(data[1:3])
	h.Total = binary.LittleEndian.Uint16(data[3:5])
	h.Index = binary.LittleEndian.Uint16(data[5:7])
	h.Len = binary.LittleEndian.Uint16(data[7:9])

	if err := h.validate(); err != nil {
		return h, nil, err
	}
	if got := len(data) - ChunkHeaderSize; got != int(h.Len) {
		return h, nil, fmt.Errorf("%w: len %d but %d bytes follow header", ErrMalformedChunk, h.Len, got)
	}
	return h, data[ChunkHeaderSize:], nil
}

// BuildChunk encodes a header followed by payload. The header's Len is set
// from the payload.
func BuildChunk(h ChunkHeader, payload []byte) ([]byte, error) {
	if len(payload) > ChunkMax {
		return nil, fmt.Errorf("%w: %d payload bytes", ErrMalformedChunk, len(payload))
	}
	h.Len = uint16(len(payload))
	if err := h.validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, ChunkHeaderSize+len(payload))
	out = h.AppendTo(out)
	return append(out, payload...), nil
}

// Kind classifies a datagram by its first byte.
type Kind uint8

const (
	// KindUnknown is any datagram that is neither a message nor a chunk.
	KindUnknown Kind = iota
	// KindMessage is an unframed single-datagram message.
	KindMessage
	// KindChunk is a fragment carrying a ChunkHeader.
	KindChunk
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindChunk:
		return "chunk"
	default:
		return "unknown"
	}
}

// Classify returns the kind of datagram based on its leading byte.
func Classify(data []byte) Kind {
	if len(data) == 0 {
		return KindUnknown
	}
	switch data[0] {
	case MessageTag:
		return KindMessage
	case ChunkTag:
		return KindChunk
	default:
		return KindUnknown
	}
}

// ChunkCount returns the number of fragments needed for n payload bytes.
func ChunkCount(n int) int {
	return (n + ChunkMax - 1) / ChunkMax
}
