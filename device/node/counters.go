package node

import "sync/atomic"

// Counters tracks node traffic statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	DatagramsRecv atomic.Uint32 // Datagrams handed up by the transport
	DatagramsSent atomic.Uint32 // Datagrams accepted by the transport
	SendErrors    atomic.Uint32 // Datagrams the transport refused
	MessagesRecv  atomic.Uint32 // Messages delivered (fast path and reassembled)
	MessagesSent  atomic.Uint32 // Messages queued for transmission
	RejectedEmpty atomic.Uint32 // Empty datagrams
	RejectedSelf  atomic.Uint32 // Datagrams carrying our own address
	RejectedWeak  atomic.Uint32 // Datagrams below the RSSI floor
	RxDropped     atomic.Uint32 // Admitted datagrams lost to a full receive queue
	Malformed     atomic.Uint32 // Chunks with an invalid header
	Unknown       atomic.Uint32 // Datagrams with neither tag byte
	NeighborsLost atomic.Uint32 // Neighbors dropped for inactivity
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	DatagramsRecv uint32
	DatagramsSent uint32
	SendErrors    uint32
	MessagesRecv  uint32
	MessagesSent  uint32
	RejectedEmpty uint32
	RejectedSelf  uint32
	RejectedWeak  uint32
	RxDropped     uint32
	Malformed     uint32
	Unknown       uint32
	NeighborsLost uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		DatagramsRecv: c.DatagramsRecv.Load(),
		DatagramsSent: c.DatagramsSent.Load(),
		SendErrors:    c.SendErrors.Load(),
		MessagesRecv:  c.MessagesRecv.Load(),
		MessagesSent:  c.MessagesSent.Load(),
		RejectedEmpty: c.RejectedEmpty.Load(),
		RejectedSelf:  c.RejectedSelf.Load(),
		RejectedWeak:  c.RejectedWeak.Load(),
		RxDropped:     c.RxDropped.Load(),
		Malformed:     c.Malformed.Load(),
		Unknown:       c.Unknown.Load(),
		NeighborsLost: c.NeighborsLost.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.DatagramsRecv.Store(0)
	c.DatagramsSent.Store(0)
	c.SendErrors.Store(0)
	c.MessagesRecv.Store(0)
	c.MessagesSent.Store(0)
	c.RejectedEmpty.Store(0)
	c.RejectedSelf.Store(0)
	c.RejectedWeak.Store(0)
	c.RxDropped.Store(0)
	c.Malformed.Store(0)
	c.Unknown.Store(0)
	c.NeighborsLost.Store(0)
}
