// Package msgid allocates the sender-local ids that tag each fragmented
// transmission.
//
// Ids are 16-bit, start at 1 and wrap from 65535 back to 1. Zero is reserved
// to mean "no active session" and is never handed out.
package msgid

import "sync"

// Reserved is the id that is never allocated.
const Reserved uint16 = 0

// Allocator hands out message ids. It is safe for concurrent use.
type Allocator struct {
	mu   sync.Mutex
	next uint16
}

// New creates an Allocator whose first id is 1.
func New() *Allocator {
	return &Allocator{next: 1}
}

// NewFrom creates an Allocator whose first id is start. A start of 0 is
// treated as 1.
func NewFrom(start uint16) *Allocator {
	if start == Reserved {
		start = 1
	}
	return &Allocator{next: start}
}

// Next returns the current id and advances the counter, skipping Reserved
// on wrap-around.
func (a *Allocator) Next() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == Reserved {
		a.next = 1
	}
	id := a.next
	a.next++
	if a.next == Reserved {
		a.next = 1
	}
	return id
}

// Peek returns the id the next call to Next will return.
func (a *Allocator) Peek() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == Reserved {
		return 1
	}
	return a.next
}
