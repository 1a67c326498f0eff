// Package neighbor tracks the stations a node has heard on the medium.
//
// Every admitted datagram refreshes its sender's entry with the time it was
// heard and its signal strength. Entries that go quiet for longer than the
// expiry are dropped by CheckTimeouts, which Start runs on a ticker.
package neighbor

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kabili207/ledlink-go/core"
	"github.com/kabili207/ledlink-go/core/codec"
)

const (
	// DefaultExpiry is how long a silent neighbor is kept.
	DefaultExpiry = 60 * time.Second

	// checkInterval is the resolution of the table's expiry loop.
	checkInterval = time.Second
)

// Neighbor is a point-in-time view of one heard station.
type Neighbor struct {
	Addr      core.Address
	FirstSeen time.Time
	LastSeen  time.Time
	LastRSSI  int // codec.RSSIUnknown if the medium does not report it
	Heard     uint64
}

// Config configures a Table.
type Config struct {
	// Expiry is how long a neighbor may stay silent before it is dropped.
	// Default: 60 seconds.
	Expiry time.Duration

	// Logger for neighbor events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Table tracks neighbors and their link quality. Safe for concurrent use.
type Table struct {
	cfg      Config
	log      *slog.Logger
	mu       sync.Mutex
	entries  map[core.Address]*Neighbor
	onExpire func(n Neighbor)
	cancel   context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a neighbor table with the given configuration.
func New(cfg Config) *Table {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		cfg:     cfg,
		log:     logger.WithGroup("neighbor"),
		entries: make(map[core.Address]*Neighbor),
		nowFn:   time.Now,
	}
}

// SetOnExpire sets the callback invoked when a neighbor is dropped for
// inactivity.
func (t *Table) SetOnExpire(fn func(n Neighbor)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = fn
}

// Observe records a datagram heard from dg.Source. Datagrams without a
// sender address are ignored.
func (t *Table) Observe(dg *codec.Datagram) {
	if dg.Source.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	n, ok := t.entries[dg.Source]
	if !ok {
		n = &Neighbor{Addr: dg.Source, FirstSeen: now}
		t.entries[dg.Source] = n
		t.log.Debug("new neighbor", "addr", dg.Source.String(), "rssi", dg.SignalStrength())
	}
	n.LastSeen = now
	n.LastRSSI = dg.SignalStrength()
	n.Heard++
}

// Get returns the entry for addr.
func (t *Table) Get(addr core.Address) (Neighbor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.entries[addr]
	if !ok {
		return Neighbor{}, false
	}
	return *n, true
}

// List returns all neighbors ordered by address.
func (t *Table) List() []Neighbor {
	t.mu.Lock()
	out := make([]Neighbor, 0, len(t.entries))
	for _, n := range t.entries {
		out = append(out, *n)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b Neighbor) int {
		return bytes.Compare(a.Addr[:], b.Addr[:])
	})
	return out
}

// Len returns the number of tracked neighbors.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Remove forgets a neighbor without firing the expiry callback.
func (t *Table) Remove(addr core.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, addr)
}

// CheckTimeouts drops neighbors silent for longer than the expiry.
func (t *Table) CheckTimeouts() {
	t.mu.Lock()
	now := t.nowFn()

	var expired []Neighbor
	for addr, n := range t.entries {
		if now.Sub(n.LastSeen) > t.cfg.Expiry {
			expired = append(expired, *n)
			delete(t.entries, addr)
		}
	}

	onExpire := t.onExpire
	t.mu.Unlock()

	// Fire callbacks outside the lock
	for _, n := range expired {
		t.log.Debug("neighbor expired", "addr", n.Addr.String(), "heard", n.Heard)
		if onExpire != nil {
			onExpire(n)
		}
	}
}

// Start runs the expiry loop. Blocks until the context is cancelled or
// Stop is called.
func (t *Table) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckTimeouts()
		}
	}
}

// Stop ends the expiry loop.
func (t *Table) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
