package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/ledlink-go/core"
)

// Message is one complete payload received from a peer.
type Message struct {
	Source     core.Address
	Data       []byte
	Fragmented bool // Reassembled from chunks rather than a single datagram
	RSSI       int  // Signal strength of the datagram that completed it
	HasRSSI    bool
	ReceivedAt time.Time
}

// MessageHandler is called on the node's receive goroutine for every
// completed message. It must not block for long.
type MessageHandler func(msg Message)

// Inbox holds the most recent undelivered message. A newer message replaces
// one that has not been taken yet.
type Inbox struct {
	mu          sync.Mutex
	msg         *Message
	ready       chan struct{}
	overwritten atomic.Uint32
}

func newInbox() *Inbox {
	return &Inbox{ready: make(chan struct{}, 1)}
}

func (b *Inbox) put(msg Message) {
	b.mu.Lock()
	if b.msg != nil {
		b.overwritten.Add(1)
	}
	b.msg = &msg
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Take removes and returns the pending message, if any.
func (b *Inbox) Take() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msg == nil {
		return Message{}, false
	}
	msg := *b.msg
	b.msg = nil
	return msg, true
}

// Ready is signalled when a message is put into the inbox. A signal does
// not guarantee Take succeeds; another reader may have taken it.
func (b *Inbox) Ready() <-chan struct{} {
	return b.ready
}

// Wait blocks until a message is available or ctx is done.
func (b *Inbox) Wait(ctx context.Context) (Message, error) {
	for {
		if msg, ok := b.Take(); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-b.ready:
		}
	}
}

// Overwritten returns how many messages were replaced before being taken.
func (b *Inbox) Overwritten() uint32 {
	return b.overwritten.Load()
}
