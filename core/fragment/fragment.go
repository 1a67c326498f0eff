// Package fragment splits outbound payloads into datagrams.
//
// Payloads of up to codec.SingleDatagramMax bytes go out unframed as one
// datagram. Larger payloads are cut into codec.ChunkMax-byte fragments, each
// prefixed with a ChunkHeader carrying a freshly allocated message id.
// Messages needing more than codec.MaxChunks fragments, or larger than a
// receiver can reassemble (codec.MaxMessageBytes), are refused outright.
package fragment

import (
	"errors"
	"fmt"

	"github.com/kabili207/ledlink-go/core/codec"
	"github.com/kabili207/ledlink-go/core/msgid"
)

var (
	// ErrTooLarge is returned for payloads that need more than MaxChunks
	// fragments or exceed MaxMessageBytes.
	ErrTooLarge = errors.New("message too large")
	// ErrAmbiguousPayload is returned in strict mode for payloads that do
	// not start with the message tag.
	ErrAmbiguousPayload = errors.New("payload does not start with message tag")
)

// Config configures a Fragmenter.
type Config struct {
	// IDs allocates message ids. A fresh allocator starting at 1 is used if
	// nil.
	IDs *msgid.Allocator

	// RequireMessageTag refuses payloads whose first byte is not '{'.
	// Receivers classify unframed datagrams by that byte, so a payload
	// starting with 'C' would be taken for a fragment and dropped.
	RequireMessageTag bool
}

// Fragmenter turns payloads into wire datagrams. It is safe for concurrent
// use.
type Fragmenter struct {
	ids    *msgid.Allocator
	strict bool
}

// New creates a Fragmenter.
func New(cfg Config) *Fragmenter {
	ids := cfg.IDs
	if ids == nil {
		ids = msgid.New()
	}
	return &Fragmenter{ids: ids, strict: cfg.RequireMessageTag}
}

// Split returns the datagrams that carry payload, in transmission order.
// An empty payload yields no datagrams and no error. On error nothing is
// produced and no message id is consumed.
func (f *Fragmenter) Split(payload []byte) ([][]byte, error) {
	n := len(payload)
	if n == 0 {
		return nil, nil
	}
	if f.strict && payload[0] != codec.MessageTag {
		return nil, fmt.Errorf("%w: first byte 0x%02x", ErrAmbiguousPayload, payload[0])
	}

	if n <= codec.SingleDatagramMax {
		dg := make([]byte, n)
		copy(dg, payload)
		return [][]byte{dg}, nil
	}

	total := codec.ChunkCount(n)
	if total > codec.MaxChunks {
		return nil, fmt.Errorf("%w: %d bytes needs %d chunks, limit %d", ErrTooLarge, n, total, codec.MaxChunks)
	}
	// 11 chunks could carry 2200 bytes, but the last 152 would overflow
	// every receiver's buffer.
	if n > codec.MaxMessageBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, n, codec.MaxMessageBytes)
	}

	id := f.ids.Next()
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * codec.ChunkMax
		end := min(start+codec.ChunkMax, n)
		h := codec.ChunkHeader{MsgID: id, Total: uint16(total), Index: uint16(i)}
		dg, err := codec.BuildChunk(h, payload[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, dg)
	}
	return out, nil
}

// NextID returns the message id the next fragmented payload will use.
func (f *Fragmenter) NextID() uint16 {
	return f.ids.Peek()
}
