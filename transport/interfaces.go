// Package transport defines the broadcast datagram binding the protocol core
// is built on.
//
// A Transport owns the physical medium: channel selection, peer
// registration, discovery of this station's own address and the primitive
// send/receive of datagrams. The protocol core only ever sees it through
// this interface.
package transport

import (
	"context"
	"errors"

	"github.com/kabili207/ledlink-go/core"
	"github.com/kabili207/ledlink-go/core/codec"
)

// ErrNotConnected is returned by SendBroadcast before Start succeeds or
// after the link is lost.
var ErrNotConnected = errors.New("not connected")

// Transport is the base interface for all transport implementations.
type Transport interface {
	// Start brings the medium up. A non-nil error means the radio could not
	// be started and messaging is unavailable; it must not be ignored.
	// The provided context controls the transport's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the transport.
	Stop() error
	// IsConnected returns true if the transport can currently send.
	IsConnected() bool
	// SelfAddress returns this station's address on the medium. It is only
	// meaningful after Start returns.
	SelfAddress() core.Address
	// SetDatagramHandler sets the callback for incoming datagrams.
	SetDatagramHandler(fn DatagramHandler)
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
	// SendBroadcast transmits one datagram to every station on the medium.
	SendBroadcast(data []byte) error
}

// DatagramHandler is called when a datagram is received. It runs on a
// transport-owned goroutine and must not block for long. The datagram is
// owned by the handler once delivered.
type DatagramHandler func(dg *codec.Datagram)

// StateHandler is called when the transport state changes.
type StateHandler func(transport Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}
