package codec

import (
	"errors"
	"fmt"

	"github.com/kabili207/ledlink-go/core"
)

// Record kinds exchanged between the host and a radio bridge.
const (
	RecordRX        = 0x01 // Radio -> host: a datagram heard on air
	RecordTX        = 0x02 // Host -> radio: broadcast a datagram
	RecordHello     = 0x03 // Radio -> host: self address, channel, init status
	RecordConfigure = 0x04 // Host -> radio: select channel and start the radio
)

const (
	// RecordHeaderSize is kind(1) + address(6) + rssi(1) + flags(1).
	RecordHeaderSize = 1 + core.AddressSize + 1 + 1

	// recordFlagRSSI marks the rssi byte as valid.
	recordFlagRSSI = 0x01

	// HelloStatusOK is the hello status reported by a radio that started.
	HelloStatusOK = 0x00
)

var (
	ErrInvalidRecord = errors.New("invalid bridge record")
)

// Record is the envelope used by bridged transports (serial co-processor,
// MQTT) to carry a datagram together with its sender and signal strength.
type Record struct {
	Kind    uint8
	Addr    core.Address // Sender for RX, self for Hello, destination for TX
	RSSI    int8
	HasRSSI bool
	Data    []byte
}

// MarshalBinary encodes the record.
func (r *Record) MarshalBinary() ([]byte, error) {
	if len(r.Data) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d data bytes", ErrPayloadTooLarge, len(r.Data))
	}
	out := make([]byte, RecordHeaderSize, RecordHeaderSize+len(r.Data))
	out[0] = r.Kind
	copy(out[1:1+core.AddressSize], r.Addr[:])
	out[7] = byte(r.RSSI)
	if r.HasRSSI {
		out[8] |= recordFlagRSSI
	}
	return append(out, r.Data...), nil
}

// ParseRecord decodes a bridge record. Data is copied out of b.
func ParseRecord(b []byte) (*Record, error) {
	if len(b) < RecordHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidRecord, len(b))
	}
	switch b[0] {
	case RecordRX, RecordTX, RecordHello, RecordConfigure:
	default:
		return nil, fmt.Errorf("%w: unknown kind 0x%02x", ErrInvalidRecord, b[0])
	}
	if len(b)-RecordHeaderSize > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d data bytes", ErrPayloadTooLarge, len(b)-RecordHeaderSize)
	}

	r := &Record{
		Kind:    b[0],
		RSSI:    int8(b[7]),
		HasRSSI: b[8]&recordFlagRSSI != 0,
	}
	copy(r.Addr[:], b[1:1+core.AddressSize])
	r.Data = make([]byte, len(b)-RecordHeaderSize)
	copy(r.Data, b[RecordHeaderSize:])
	return r, nil
}

// Datagram converts an RX record into a Datagram.
func (r *Record) Datagram() *Datagram {
	return &Datagram{
		Source:  r.Addr,
		Data:    r.Data,
		RSSI:    int(r.RSSI),
		HasRSSI: r.HasRSSI,
	}
}

// NewRXRecord wraps a received datagram.
func NewRXRecord(dg *Datagram) *Record {
	r := &Record{Kind: RecordRX, Addr: dg.Source, Data: dg.Data}
	if dg.HasRSSI {
		r.RSSI = clampInt8(dg.RSSI)
		r.HasRSSI = true
	}
	return r
}

// NewTXRecord asks the radio to broadcast data.
func NewTXRecord(data []byte) *Record {
	return &Record{Kind: RecordTX, Addr: core.Broadcast, Data: data}
}

// NewConfigureRecord asks the radio to start on the given channel.
func NewConfigureRecord(channel uint8) *Record {
	return &Record{Kind: RecordConfigure, Data: []byte{channel}}
}

// NewHelloRecord reports the radio's own address, channel and start status.
func NewHelloRecord(self core.Address, channel, status uint8) *Record {
	return &Record{Kind: RecordHello, Addr: self, Data: []byte{channel, status}}
}

// Hello extracts channel and status from a Hello record.
func (r *Record) Hello() (channel, status uint8, err error) {
	if r.Kind != RecordHello || len(r.Data) < 2 {
		return 0, 0, fmt.Errorf("%w: not a hello record", ErrInvalidRecord)
	}
	return r.Data[0], r.Data[1], nil
}

func clampInt8(v int) int8 {
	switch {
	case v < -128:
		return -128
	case v > 127:
		return 127
	default:
		return int8(v)
	}
}
