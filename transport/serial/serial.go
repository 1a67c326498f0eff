// Package serial binds the protocol to a radio co-processor attached over a
// serial line.
//
// The co-processor (an ESP32 running a thin ESP-NOW bridge) owns the radio:
// it selects the channel, registers the broadcast peer and reports its own
// station address. Host and radio exchange codec.Record values, each wrapped
// in a Fletcher-16 checked serial frame (see codec.EncodeFrame).
//
// Start sends a Configure record carrying the channel and waits for the
// radio's Hello. A Hello with a non-zero status, or no Hello at all, means
// the radio stack refused to start and Start fails with ErrRadioInit.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/kabili207/ledlink-go/core"
	"github.com/kabili207/ledlink-go/core/codec"
	"github.com/kabili207/ledlink-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate of the bridge firmware.
	DefaultBaudRate = 115200

	// DefaultChannel is the default Wi-Fi channel used for ESP-NOW.
	DefaultChannel = 6

	// DefaultHelloTimeout bounds how long Start waits for the radio.
	DefaultHelloTimeout = 5 * time.Second

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// ErrRadioInit is returned by Start when the radio does not come up.
var ErrRadioInit = errors.New("radio initialization failed")

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Channel is the radio channel (1-14). Defaults to 6.
	Channel uint8
	// HelloTimeout bounds the wait for the radio's Hello. Defaults to 5s.
	HelloTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// opener opens the underlying byte stream. Replaced in tests.
type opener func(name string, baud int) (io.ReadWriteCloser, error)

func openSerial(name string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baud})
}

// Transport implements transport.Transport over a serial radio bridge.
type Transport struct {
	cfg    Config
	open   opener
	log    *slog.Logger
	hello  chan *codec.Record
	writeM sync.Mutex

	mu              sync.RWMutex
	port            io.ReadWriteCloser
	connected       bool
	self            core.Address
	cancel          context.CancelFunc
	done            chan struct{}
	datagramHandler transport.DatagramHandler
	stateHandler    transport.StateHandler
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Channel == 0 {
		cfg.Channel = DefaultChannel
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = DefaultHelloTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:   cfg,
		open:  openSerial,
		log:   cfg.Logger.WithGroup("serial"),
		hello: make(chan *codec.Record, 1),
	}
}

// Start opens the serial port, configures the radio and waits for it to
// report its address.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	port, err := t.open(t.cfg.Port, t.cfg.BaudRate)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.port = port
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.readLoop(readCtx, port, done)

	if err := t.handshake(ctx); err != nil {
		t.shutdown()
		return err
	}

	t.mu.Lock()
	t.connected = true
	self := t.self
	handler := t.stateHandler
	t.mu.Unlock()

	t.log.Info("radio bridge ready",
		"port", t.cfg.Port, "baud", t.cfg.BaudRate, "channel", t.cfg.Channel, "self", self.String())

	if handler != nil {
		handler(t, transport.EventConnected)
	}
	return nil
}

// handshake sends Configure and waits for a successful Hello.
func (t *Transport) handshake(ctx context.Context) error {
	if err := t.writeRecord(codec.NewConfigureRecord(t.cfg.Channel)); err != nil {
		return fmt.Errorf("%w: %w", ErrRadioInit, err)
	}

	timer := time.NewTimer(t.cfg.HelloTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: no hello within %s", ErrRadioInit, t.cfg.HelloTimeout)
	case rec := <-t.hello:
		channel, status, err := rec.Hello()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRadioInit, err)
		}
		if status != codec.HelloStatusOK {
			return fmt.Errorf("%w: radio reported status %d", ErrRadioInit, status)
		}
		if channel != t.cfg.Channel {
			t.log.Warn("radio started on a different channel",
				"requested", t.cfg.Channel, "actual", channel)
		}
		t.mu.Lock()
		t.self = rec.Addr
		t.mu.Unlock()
		return nil
	}
}

// Stop closes the serial port and stops the read loop.
func (t *Transport) Stop() error {
	t.mu.RLock()
	handler := t.stateHandler
	wasConnected := t.connected
	t.mu.RUnlock()

	err := t.shutdown()

	if handler != nil && wasConnected {
		handler(t, transport.EventDisconnected)
	}
	return err
}

func (t *Transport) shutdown() error {
	t.mu.Lock()
	cancel := t.cancel
	port := t.port
	done := t.done
	t.connected = false
	t.port = nil
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if port != nil {
		err = port.Close()
	}

	// Wait for read loop to finish
	if done != nil {
		<-done
	}
	return err
}

// IsConnected returns true once the radio has reported in.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SelfAddress returns the station address reported by the radio.
func (t *Transport) SelfAddress() core.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// SetDatagramHandler sets the callback for incoming datagrams.
func (t *Transport) SetDatagramHandler(fn transport.DatagramHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.datagramHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// SendBroadcast asks the radio to broadcast one datagram.
func (t *Transport) SendBroadcast(data []byte) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}
	return t.writeRecord(codec.NewTXRecord(data))
}

func (t *Transport) writeRecord(rec *codec.Record) error {
	payload, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	frame, err := codec.EncodeFrame(payload)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	t.mu.RLock()
	port := t.port
	t.mu.RUnlock()
	if port == nil {
		return transport.ErrNotConnected
	}

	t.writeM.Lock()
	defer t.writeM.Unlock()
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}
	return nil
}

// readLoop continuously reads from the serial port and assembles frames.
func (t *Transport) readLoop(ctx context.Context, port io.Reader, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // context cancelled, clean shutdown
			}
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processFrames(assemblyBuf)
	}
}

// processFrames extracts complete frames from the buffer and dispatches
// their records. Returns any trailing bytes that do not yet form a frame.
func (t *Transport) processFrames(data []byte) []byte {
	for len(data) >= codec.MinFrameSize {
		payload, remaining, err := codec.DecodeFrame(data)
		if err != nil {
			if errors.Is(err, codec.ErrIncompleteFrame) {
				return data // wait for more data
			}
			// Bad frame: resynchronize on the next magic
			if idx := codec.FindFrameStart(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			return nil
		}
		data = remaining

		rec, err := codec.ParseRecord(payload)
		if err != nil {
			t.log.Debug("failed to parse bridge record", "error", err)
			continue
		}
		t.dispatch(rec)
	}
	return data
}

func (t *Transport) dispatch(rec *codec.Record) {
	switch rec.Kind {
	case codec.RecordRX:
		t.mu.RLock()
		handler := t.datagramHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(rec.Datagram())
		}
	case codec.RecordHello:
		select {
		case t.hello <- rec:
		default:
			// Radio rebooted after start: keep tracking its address.
			t.mu.Lock()
			t.self = rec.Addr
			t.mu.Unlock()
			t.log.Warn("unsolicited hello from radio", "self", rec.Addr.String())
		}
	default:
		t.log.Debug("ignoring record from radio", "kind", rec.Kind)
	}
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	if err != nil && !errors.Is(err, io.EOF) {
		t.log.Error("serial disconnected", "error", err)
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}
