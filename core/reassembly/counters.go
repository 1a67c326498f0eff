package reassembly

import "sync/atomic"

// Counters tracks reassembly statistics using atomic counters. The engine
// writes them from its owning goroutine; any goroutine may read them.
type Counters struct {
	Started    atomic.Uint32 // Sessions created
	Completed  atomic.Uint32 // Messages delivered
	Preempted  atomic.Uint32 // Incomplete sessions displaced by another transmission
	Expired    atomic.Uint32 // Incomplete sessions dropped for inactivity
	Duplicates atomic.Uint32 // Fragments whose index was already stored
	Rejected   atomic.Uint32 // Fragments that did not fit their session
}

// CountersSnapshot is a plain-value copy of Counters.
type CountersSnapshot struct {
	Started    uint32
	Completed  uint32
	Preempted  uint32
	Expired    uint32
	Duplicates uint32
	Rejected   uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Started:    c.Started.Load(),
		Completed:  c.Completed.Load(),
		Preempted:  c.Preempted.Load(),
		Expired:    c.Expired.Load(),
		Duplicates: c.Duplicates.Load(),
		Rejected:   c.Rejected.Load(),
	}
}
