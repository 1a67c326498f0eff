// Package node runs the peer broadcast protocol on top of a transport.
//
// A Node sits between a transport and the application. On the receive side
// it handles:
//   - Admission: dropping empty, self-originated and too-weak datagrams on
//     the transport's goroutine, before anything looks at their content
//   - Fast path: delivering unframed '{' datagrams as complete messages
//   - Reassembly: feeding 'C' chunks to a reassembly engine owned by a
//     single receive goroutine
//   - Neighbor tracking: recording who was heard and how strongly
//
// On the send side it splits payloads with a fragment.Fragmenter and hands
// the datagrams to a paced send queue drained by its own goroutine, so Send
// never sleeps. There are no acknowledgments and no retransmissions.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/ledlink-go/core"
	"github.com/kabili207/ledlink-go/core/admission"
	"github.com/kabili207/ledlink-go/core/codec"
	"github.com/kabili207/ledlink-go/core/fragment"
	"github.com/kabili207/ledlink-go/core/msgid"
	"github.com/kabili207/ledlink-go/core/reassembly"
	"github.com/kabili207/ledlink-go/device/neighbor"
	"github.com/kabili207/ledlink-go/transport"
)

const (
	// DefaultChunkGap is the pause between consecutive datagrams.
	DefaultChunkGap = 3 * time.Millisecond

	// DefaultRxQueueSize is the depth of the receive queue between the
	// transport and the receive goroutine.
	DefaultRxQueueSize = 64
)

// ErrStopped is returned when sending on a node that is not running.
var ErrStopped = errors.New("node is not running")

// Config configures a Node.
type Config struct {
	// Transport is the medium the node sends and receives on. Required.
	Transport transport.Transport

	// MinRSSI is the weakest accepted signal in dBm. Zero or
	// codec.RSSIUnknown disables filtering (default). Use SetMinRSSI for a
	// 0 dBm threshold.
	MinRSSI int

	// Timeout is the reassembly inactivity window. Default: 2.5 seconds.
	Timeout time.Duration

	// Slots is the number of concurrent reassembly sessions. Default: 1.
	Slots int

	// ChunkGap is the pause between consecutive datagrams. Default: 3ms.
	ChunkGap time.Duration

	// RxQueueSize is the receive queue depth. Default: 64.
	RxQueueSize int

	// SweepInterval, if positive, discards stale reassembly sessions on a
	// ticker instead of only when the next chunk arrives.
	SweepInterval time.Duration

	// NeighborExpiry is how long a silent neighbor is remembered.
	// Default: 60 seconds.
	NeighborExpiry time.Duration

	// RequireMessageTag makes Send refuse payloads not starting with '{'.
	RequireMessageTag bool

	// IDs allocates message ids. A fresh allocator is used if nil.
	IDs *msgid.Allocator

	// Logger for node events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Node is one station running the protocol.
type Node struct {
	cfg       Config
	log       *slog.Logger
	filter    *admission.Filter
	frag      *fragment.Fragmenter
	engine    *reassembly.Engine
	neighbors *neighbor.Table
	queue     *SendQueue
	inbox     *Inbox
	rx        chan *codec.Datagram
	stats     Counters

	mu        sync.RWMutex
	onMessage MessageHandler
	running   bool
	stopped   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a Node with the given configuration.
func New(cfg Config) *Node {
	if cfg.ChunkGap <= 0 {
		cfg.ChunkGap = DefaultChunkGap
	}
	if cfg.RxQueueSize <= 0 {
		cfg.RxQueueSize = DefaultRxQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		cfg:    cfg,
		log:    logger.WithGroup("node"),
		filter: admission.New(admission.Config{MinRSSI: cfg.MinRSSI}),
		frag: fragment.New(fragment.Config{
			IDs:               cfg.IDs,
			RequireMessageTag: cfg.RequireMessageTag,
		}),
		engine: reassembly.New(reassembly.Config{
			Timeout: cfg.Timeout,
			Slots:   cfg.Slots,
			Logger:  logger,
		}),
		neighbors: neighbor.New(neighbor.Config{
			Expiry: cfg.NeighborExpiry,
			Logger: logger,
		}),
		queue: NewSendQueue(),
		inbox: newInbox(),
		rx:    make(chan *codec.Datagram, cfg.RxQueueSize),
		nowFn: time.Now,
	}
	n.neighbors.SetOnExpire(n.handleNeighborExpired)
	return n
}

// SetMessageHandler sets the callback for completed messages. Messages are
// also placed in the Inbox whether or not a handler is set.
func (n *Node) SetMessageHandler(fn MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onMessage = fn
}

// Start brings the transport up and starts the node's goroutines. A
// transport start failure is returned wrapped and leaves the node stopped.
func (n *Node) Start(ctx context.Context) error {
	if n.cfg.Transport == nil {
		return errors.New("transport is required")
	}

	n.mu.Lock()
	if n.running || n.stopped {
		n.mu.Unlock()
		return ErrStopped
	}
	n.mu.Unlock()

	t := n.cfg.Transport
	t.SetDatagramHandler(n.handleDatagram)
	t.SetStateHandler(n.handleState)

	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	n.filter.SetSelf(t.SelfAddress())

	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.running = true
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.rxLoop(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.drainLoop(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.neighbors.Start(ctx)
	}()

	n.log.Info("node started", "self", t.SelfAddress().String(),
		"min_rssi", n.filter.MinRSSI(), "timeout", n.engine.Timeout())
	return nil
}

// Stop halts the node and its transport. Datagrams still queued for
// transmission are discarded; SendSync callers waiting on them get
// ErrStopped.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.stopped = true
	cancel := n.cancel
	n.mu.Unlock()

	n.neighbors.Stop()
	cancel()
	n.wg.Wait()

	n.log.Info("node stopped")
	return n.cfg.Transport.Stop()
}

// Send queues payload for transmission and returns without waiting for it
// to go out. Size and framing errors are reported synchronously, in which
// case nothing is sent.
func (n *Node) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.isRunning() {
		return ErrStopped
	}
	datagrams, err := n.frag.Split(payload)
	if err != nil || len(datagrams) == 0 {
		return err
	}
	if err := n.queue.Push(datagrams, n.cfg.ChunkGap, nil); err != nil {
		return err
	}
	n.stats.MessagesSent.Add(1)
	return nil
}

// SendSync is like Send but blocks until every datagram of payload has been
// handed to the transport. It returns the first transport error, if any.
// Cancelling ctx stops the wait, not the transmission.
func (n *Node) SendSync(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.isRunning() {
		return ErrStopped
	}
	datagrams, err := n.frag.Split(payload)
	if err != nil || len(datagrams) == 0 {
		return err
	}

	results := make(chan error, len(datagrams))
	if err := n.queue.Push(datagrams, n.cfg.ChunkGap, func(err error) { results <- err }); err != nil {
		return err
	}
	n.stats.MessagesSent.Add(1)

	var first error
	for range datagrams {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-results:
			if err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (n *Node) isRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// handleDatagram runs on the transport's goroutine. It only performs
// admission and hands the datagram to the receive goroutine.
func (n *Node) handleDatagram(dg *codec.Datagram) {
	n.stats.DatagramsRecv.Add(1)

	switch v := n.filter.Admit(dg); v {
	case admission.Accept:
	case admission.RejectEmpty:
		n.stats.RejectedEmpty.Add(1)
		return
	case admission.RejectSelf:
		n.stats.RejectedSelf.Add(1)
		return
	case admission.RejectWeak:
		n.stats.RejectedWeak.Add(1)
		n.log.Debug("dropping weak datagram", "src", dg.Source.String(),
			"rssi", dg.RSSI, "min_rssi", n.filter.MinRSSI())
		return
	default:
		n.log.Debug("dropping datagram", "verdict", v.String())
		return
	}

	select {
	case n.rx <- dg:
	default:
		n.stats.RxDropped.Add(1)
		n.log.Debug("receive queue full, dropping datagram", "src", dg.Source.String())
	}
}

func (n *Node) handleState(t transport.Transport, event transport.Event) {
	switch event {
	case transport.EventConnected:
		n.filter.SetSelf(t.SelfAddress())
		n.log.Debug("transport connected", "self", t.SelfAddress().String())
	case transport.EventDisconnected:
		n.log.Warn("transport disconnected")
	default:
		n.log.Debug("transport state changed", "event", event.String())
	}
}

func (n *Node) handleNeighborExpired(nb neighbor.Neighbor) {
	n.stats.NeighborsLost.Add(1)
	n.log.Info("neighbor lost", "addr", nb.Addr.String(),
		"heard", nb.Heard, "last_rssi", nb.LastRSSI)
}

// rxLoop owns the reassembly engine.
func (n *Node) rxLoop(ctx context.Context) {
	var sweep <-chan time.Time
	if n.cfg.SweepInterval > 0 {
		ticker := time.NewTicker(n.cfg.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case dg := <-n.rx:
			n.process(dg)
		case <-sweep:
			if dropped := n.engine.Sweep(n.nowFn()); dropped > 0 {
				n.log.Debug("swept stale sessions", "count", dropped)
			}
		}
	}
}

// process classifies one admitted datagram and delivers whatever it
// completes.
func (n *Node) process(dg *codec.Datagram) {
	now := n.nowFn()
	n.neighbors.Observe(dg)

	switch dg.Kind() {
	case codec.KindMessage:
		n.deliver(Message{
			Source:     dg.Source,
			Data:       dg.Data,
			RSSI:       dg.SignalStrength(),
			HasRSSI:    dg.HasRSSI,
			ReceivedAt: now,
		})

	case codec.KindChunk:
		h, payload, err := codec.DecodeChunk(dg.Data)
		if err != nil {
			n.stats.Malformed.Add(1)
			n.log.Debug("dropping malformed chunk", "src", dg.Source.String(), "error", err)
			return
		}
		data, outcome := n.engine.HandleFragment(dg.Source, h, payload, now)
		if outcome != reassembly.Complete {
			return
		}
		n.deliver(Message{
			Source:     dg.Source,
			Data:       data,
			Fragmented: true,
			RSSI:       dg.SignalStrength(),
			HasRSSI:    dg.HasRSSI,
			ReceivedAt: now,
		})

	default:
		n.stats.Unknown.Add(1)
		n.log.Debug("dropping untagged datagram", "src", dg.Source.String(), "len", len(dg.Data))
	}
}

func (n *Node) deliver(msg Message) {
	n.stats.MessagesRecv.Add(1)
	n.inbox.put(msg)

	n.mu.RLock()
	handler := n.onMessage
	n.mu.RUnlock()

	if handler != nil {
		handler(msg)
	}
}

// drainLoop hands queued datagrams to the transport as they become ready.
func (n *Node) drainLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		for {
			item, ok := n.queue.Pop(time.Now())
			if !ok {
				break
			}
			n.transmit(item)
		}

		var wait <-chan time.Time
		if at, ok := n.queue.NextReady(); ok {
			timer.Reset(max(time.Until(at), 0))
			wait = timer.C
		}

		select {
		case <-ctx.Done():
			for _, item := range n.queue.Close() {
				if item.done != nil {
					item.done(ErrStopped)
				}
			}
			return
		case <-n.queue.Wake():
		case <-wait:
		}
		timer.Stop()
	}
}

func (n *Node) transmit(item queueItem) {
	err := n.cfg.Transport.SendBroadcast(item.data)
	if err != nil {
		n.stats.SendErrors.Add(1)
		n.log.Warn("failed to send datagram", "len", len(item.data), "error", err)
	} else {
		n.stats.DatagramsSent.Add(1)
	}
	if item.done != nil {
		item.done(err)
	}
}

// Inbox returns the latest-message slot.
func (n *Node) Inbox() *Inbox {
	return n.inbox
}

// Self returns this station's address as reported by the transport.
func (n *Node) Self() core.Address {
	return n.filter.Self()
}

// LastRSSI returns the signal strength of the most recent datagram heard
// with one, admitted or not, or codec.RSSIUnknown.
func (n *Node) LastRSSI() int {
	return n.filter.LastRSSI()
}

// MinRSSI returns the admission threshold, or codec.RSSIUnknown when
// filtering is disabled.
func (n *Node) MinRSSI() int {
	return n.filter.MinRSSI()
}

// SetMinRSSI changes the admission threshold. codec.RSSIUnknown disables
// filtering; any other value, 0 included, is applied as given.
func (n *Node) SetMinRSSI(dbm int) {
	n.filter.SetMinRSSI(dbm)
	n.log.Info("admission threshold changed", "min_rssi", n.filter.MinRSSI())
}

// NextMessageID returns the id the next fragmented send will use.
func (n *Node) NextMessageID() uint16 {
	return n.frag.NextID()
}

// Counters returns the node's traffic counters.
func (n *Node) Counters() *Counters {
	return &n.stats
}

// ReassemblyCounters returns the reassembly engine's counters.
func (n *Node) ReassemblyCounters() *reassembly.Counters {
	return n.engine.Counters()
}

// Neighbors returns the table of stations heard.
func (n *Node) Neighbors() *neighbor.Table {
	return n.neighbors
}
