package codec

import (
	"math"

	"github.com/kabili207/ledlink-go/core"
)

// RSSIUnknown is the sentinel signal strength meaning "not reported".
// As a threshold it means "filtering disabled".
const RSSIUnknown = math.MinInt8

// Datagram is one raw unit received from the broadcast medium.
type Datagram struct {
	Source  core.Address // Sender station; zero if the transport cannot tell
	Data    []byte       // Raw datagram bytes (chunk or unframed message)
	RSSI    int          // Received signal strength in dBm, valid if HasRSSI
	HasRSSI bool         // False when the transport cannot report signal strength
}

// Kind classifies the datagram by its first byte.
func (d *Datagram) Kind() Kind {
	return Classify(d.Data)
}

// SignalStrength returns the RSSI, or RSSIUnknown if it was not reported.
func (d *Datagram) SignalStrength() int {
	if !d.HasRSSI {
		return RSSIUnknown
	}
	return d.RSSI
}

// Clone returns a deep copy of the datagram.
func (d *Datagram) Clone() *Datagram {
	clone := *d
	if len(d.Data) > 0 {
		clone.Data = make([]byte, len(d.Data))
		copy(clone.Data, d.Data)
	}
	return &clone
}
