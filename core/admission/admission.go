// Package admission decides whether an inbound datagram is considered by the
// protocol at all.
//
// The filter runs before any inspection of the datagram's contents. It drops
// datagrams this station sent itself (broadcast media loop them back) and,
// when a threshold is configured and the transport reports signal strength,
// datagrams heard too weakly. Whatever the verdict, the most recent reported
// signal strength is remembered for diagnostics. Datagrams from a medium
// that does not report one leave the cached value alone.
package admission

import (
	"sync/atomic"

	"github.com/kabili207/ledlink-go/core"
	"github.com/kabili207/ledlink-go/core/codec"
)

// RSSIUnknown doubles as "not reported" for LastRSSI and "disabled" for the
// minimum threshold.
const RSSIUnknown = codec.RSSIUnknown

// Verdict is the outcome of Admit.
type Verdict int

const (
	// Accept hands the datagram on to the protocol.
	Accept Verdict = iota
	// RejectEmpty drops zero-length datagrams.
	RejectEmpty
	// RejectSelf drops datagrams sent by this station.
	RejectSelf
	// RejectWeak drops datagrams below the configured signal threshold.
	RejectWeak
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case RejectEmpty:
		return "empty"
	case RejectSelf:
		return "self"
	case RejectWeak:
		return "weak"
	default:
		return "unknown"
	}
}

// Config configures a Filter.
type Config struct {
	// Self is this station's own address.
	Self core.Address
	// MinRSSI is the weakest accepted signal in dBm. RSSIUnknown disables
	// filtering. The zero value also means disabled, so a 0 dBm threshold
	// has to be set with SetMinRSSI.
	MinRSSI int
}

// Filter implements the admission decision. It is safe for concurrent use:
// Admit may run on a transport goroutine while diagnostics are read
// elsewhere.
type Filter struct {
	self     atomic.Pointer[core.Address]
	minRSSI  atomic.Int32
	lastRSSI atomic.Int32
}

// New creates a Filter.
func New(cfg Config) *Filter {
	f := &Filter{}
	self := cfg.Self
	f.self.Store(&self)
	if cfg.MinRSSI == 0 {
		cfg.MinRSSI = RSSIUnknown
	}
	f.minRSSI.Store(int32(cfg.MinRSSI))
	f.lastRSSI.Store(RSSIUnknown)
	return f
}

// Admit decides whether dg should reach the protocol.
func (f *Filter) Admit(dg *codec.Datagram) Verdict {
	if dg.HasRSSI {
		f.lastRSSI.Store(int32(dg.RSSI))
	}

	if len(dg.Data) == 0 {
		return RejectEmpty
	}
	if !dg.Source.IsZero() && dg.Source == *f.self.Load() {
		return RejectSelf
	}
	if floor := int(f.minRSSI.Load()); dg.HasRSSI && floor != RSSIUnknown && dg.RSSI < floor {
		return RejectWeak
	}
	return Accept
}

// LastRSSI returns the signal strength of the most recent datagram that
// reported one, or RSSIUnknown if none has.
func (f *Filter) LastRSSI() int {
	return int(f.lastRSSI.Load())
}

// MinRSSI returns the current acceptance threshold.
func (f *Filter) MinRSSI() int {
	return int(f.minRSSI.Load())
}

// SetMinRSSI changes the acceptance threshold. RSSIUnknown disables it;
// every other value, including 0, is used as given.
func (f *Filter) SetMinRSSI(dbm int) {
	f.minRSSI.Store(int32(dbm))
}

// Self returns the address used for loop suppression.
func (f *Filter) Self() core.Address {
	return *f.self.Load()
}

// SetSelf updates the address used for loop suppression, for transports
// that only learn it after starting.
func (f *Filter) SetSelf(addr core.Address) {
	f.self.Store(&addr)
}
