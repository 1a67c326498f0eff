// Package mqtt provides an MQTT transport that emulates a broadcast radio
// channel through a broker.
//
// Every station on a channel publishes to and subscribes from the topic
// "{prefix}/ch{channel}". Each message is a base64-encoded RX record (see
// codec.Record) carrying the sender's address and the datagram. There is no
// radio, so received datagrams never carry a signal strength. The broker
// echoes a station's own publications back to it; rejecting those is left
// to the admission filter, exactly as on air.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kabili207/ledlink-go/core"
	"github.com/kabili207/ledlink-go/core/codec"
	"github.com/kabili207/ledlink-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "ledlink"

	// DefaultChannel is the default emulated channel.
	DefaultChannel = 6
)

// Config holds the configuration for an MQTT transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "ledlink").
	TopicPrefix string
	// Channel selects the emulated radio channel. Defaults to 6.
	Channel uint8
	// Self is this station's address. If zero, a random locally
	// administered address is generated.
	Self core.Address
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg             Config
	client          paho.Client
	log             *slog.Logger
	mu              sync.RWMutex
	connected       bool
	datagramHandler transport.DatagramHandler
	stateHandler    transport.StateHandler
}

// New creates a new MQTT transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Channel == 0 {
		cfg.Channel = DefaultChannel
	}
	if cfg.Self.IsZero() {
		cfg.Self = randomAddress()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// Start connects to the MQTT broker and begins listening for datagrams.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "ledlink-" + uuid.NewString()
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	client := paho.NewClient(opts)
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected returns true if the transport is connected to the broker.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

// SelfAddress returns the address this station publishes under.
func (t *Transport) SelfAddress() core.Address {
	return t.cfg.Self
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

// SendBroadcast publishes one datagram to the channel topic.
func (t *Transport) SendBroadcast(data []byte) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}

	payload, err := encodePayload(t.cfg.Self, data)
	if err != nil {
		return err
	}

	token := t.client.Publish(t.topic(), 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (t *Transport) topic() string {
	return fmt.Sprintf("%s/ch%d", t.cfg.TopicPrefix, t.cfg.Channel)
}

func (t *Transport) subscribe() {
	topic := t.topic()
	t.client.Subscribe(topic, 0, t.handleMessage)
	t.log.Debug("subscribed to channel topic", "topic", topic)
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	t.deliver(message.Payload())
}

func (t *Transport) deliver(payload []byte) {
	t.mu.RLock()
	handler := t.datagramHandler
	t.mu.RUnlock()

	if handler == nil {
		return
	}

	dg, err := decodePayload(payload)
	if err != nil {
		t.log.Debug("dropping MQTT message", "error", err)
		return
	}
	handler(dg)
}

// encodePayload wraps data in a base64 RX record sent from self.
func encodePayload(self core.Address, data []byte) (string, error) {
	raw, err := codec.NewRXRecord(&codec.Datagram{Source: self, Data: data}).MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// decodePayload parses a message published by encodePayload.
func decodePayload(payload []byte) (*codec.Datagram, error) {
	raw, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	rec, err := codec.ParseRecord(raw)
	if err != nil {
		return nil, err
	}
	if rec.Kind != codec.RecordRX {
		return nil, fmt.Errorf("%w: unexpected kind 0x%02x", codec.ErrInvalidRecord, rec.Kind)
	}
	dg := rec.Datagram()
	dg.RSSI = codec.RSSIUnknown
	dg.HasRSSI = false
	return dg, nil
}

// randomAddress returns a unicast, locally administered address.
func randomAddress() core.Address {
	u := uuid.New()
	var a core.Address
	copy(a[:], u[:core.AddressSize])
	a[0] = (a[0] | 0x02) &^ 0x01
	return a
}

func (t *Transport) onConnected(_ paho.Client) {
	t.mu.Lock()
	t.connected = true
	handler := t.stateHandler
	t.mu.Unlock()

	t.subscribe()
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker, "self", t.cfg.Self.String())

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()

	t.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(t, transport.EventReconnecting)
	}
}
