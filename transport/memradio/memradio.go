// Package memradio provides an in-process broadcast medium.
//
// A Medium connects any number of Ports. A datagram sent by one started Port
// is delivered asynchronously, in order, to every other started Port, each
// copy stamped with the sender's address and the RSSI configured for that
// link. It stands in for the radio in tests and local simulations.
package memradio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kabili207/ledlink-go/core"
	"github.com/kabili207/ledlink-go/core/codec"
	"github.com/kabili207/ledlink-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Port)(nil)

const (
	// DefaultRSSI is the signal strength reported on links with no override.
	DefaultRSSI = -50

	// DefaultQueueSize is the per-port receive queue depth.
	DefaultQueueSize = 256
)

// ErrAddressInUse is returned when two ports claim the same address.
var ErrAddressInUse = errors.New("address already attached to medium")

// Config configures a Medium.
type Config struct {
	// DefaultRSSI is reported for links without an explicit RSSI.
	// Default: -50 dBm.
	DefaultRSSI int

	// NoRSSI makes every delivery report an unknown signal strength.
	NoRSSI bool

	// Echo delivers a port's own broadcasts back to it, the way a broker
	// or a promiscuous receiver would.
	Echo bool

	// QueueSize is the receive queue depth of each port. A datagram
	// arriving at a full queue is lost. Default: 256.
	QueueSize int

	// Logger for medium events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type link struct {
	from, to core.Address
}

// Medium is a shared broadcast channel.
type Medium struct {
	cfg Config
	log *slog.Logger

	mu    sync.RWMutex
	ports map[core.Address]*Port
	rssi  map[link]int
	cut   map[link]bool

	lost atomic.Uint64
}

// New creates an empty medium.
func New(cfg Config) *Medium {
	if cfg.DefaultRSSI == 0 {
		cfg.DefaultRSSI = DefaultRSSI
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Medium{
		cfg:   cfg,
		log:   logger.WithGroup("memradio"),
		ports: make(map[core.Address]*Port),
		rssi:  make(map[link]int),
		cut:   make(map[link]bool),
	}
}

// Attach creates a port with the given address.
func (m *Medium) Attach(addr core.Address) (*Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ports[addr]; ok {
		return nil, ErrAddressInUse
	}
	p := &Port{
		medium: m,
		addr:   addr,
		queue:  make(chan *codec.Datagram, m.cfg.QueueSize),
	}
	m.ports[addr] = p
	return p, nil
}

// SetLinkRSSI sets the signal strength reported when to hears from.
func (m *Medium) SetLinkRSSI(from, to core.Address, rssi int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rssi[link{from, to}] = rssi
}

// SetLinkDown stops (or resumes) delivery from one station to another.
func (m *Medium) SetLinkDown(from, to core.Address, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if down {
		m.cut[link{from, to}] = true
	} else {
		delete(m.cut, link{from, to})
	}
}

// Inject delivers dg to every started port as if it had been heard on air.
// The datagram's source and RSSI are used as given, so tests can spoof
// senders, including a port's own address.
func (m *Medium) Inject(dg *codec.Datagram) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.ports {
		p.enqueue(dg.Clone())
	}
}

// Lost returns how many deliveries were dropped at full receive queues.
func (m *Medium) Lost() uint64 {
	return m.lost.Load()
}

func (m *Medium) broadcast(from core.Address, data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for addr, p := range m.ports {
		if addr == from && !m.cfg.Echo {
			continue
		}
		l := link{from, addr}
		if m.cut[l] {
			continue
		}
		dg := &codec.Datagram{Source: from, Data: append([]byte(nil), data...)}
		if !m.cfg.NoRSSI {
			dg.HasRSSI = true
			dg.RSSI = m.cfg.DefaultRSSI
			if v, ok := m.rssi[l]; ok {
				dg.RSSI = v
			}
		}
		p.enqueue(dg)
	}
}

func (m *Medium) detach(addr core.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ports, addr)
}

// Port is one station's attachment to a Medium.
type Port struct {
	medium *Medium
	addr   core.Address
	queue  chan *codec.Datagram

	mu              sync.RWMutex
	started         bool
	cancel          context.CancelFunc
	done            chan struct{}
	datagramHandler transport.DatagramHandler
	stateHandler    transport.StateHandler
}

// Start begins delivering received datagrams to the handler.
func (p *Port) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.started = true
	p.cancel = cancel
	p.done = done
	handler := p.stateHandler
	p.mu.Unlock()

	go p.deliverLoop(ctx, done)

	if handler != nil {
		handler(p, transport.EventConnected)
	}
	return nil
}

// Stop halts delivery. Datagrams queued but not yet delivered are dropped.
func (p *Port) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel, done := p.cancel, p.done
	handler := p.stateHandler
	p.mu.Unlock()

	cancel()
	<-done

	if handler != nil {
		handler(p, transport.EventDisconnected)
	}
	return nil
}

// Close stops the port and detaches it from the medium.
func (p *Port) Close() error {
	err := p.Stop()
	p.medium.detach(p.addr)
	return err
}

// IsConnected returns true while the port is started.
func (p *Port) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// SelfAddress returns the port's address.
func (p *Port) SelfAddress() core.Address {
	return p.addr
}

// SetDatagramHandler sets the callback for incoming datagrams.
func (p *Port) SetDatagramHandler(fn transport.DatagramHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.datagramHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (p *Port) SetStateHandler(fn transport.StateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateHandler = fn
}

// SendBroadcast puts data on the medium.
func (p *Port) SendBroadcast(data []byte) error {
	if !p.IsConnected() {
		return transport.ErrNotConnected
	}
	if len(data) > codec.MaxDatagramSize {
		return codec.ErrPayloadTooLarge
	}
	p.medium.broadcast(p.addr, data)
	return nil
}

func (p *Port) enqueue(dg *codec.Datagram) {
	if !p.IsConnected() {
		return
	}
	select {
	case p.queue <- dg:
	default:
		p.medium.lost.Add(1)
		p.medium.log.Debug("receive queue full, datagram lost", "port", p.addr.String())
	}
}

func (p *Port) deliverLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case dg := <-p.queue:
			p.mu.RLock()
			handler := p.datagramHandler
			p.mu.RUnlock()
			if handler != nil {
				handler(dg)
			}
		}
	}
}
