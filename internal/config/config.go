// Package config loads the ledlinkd daemon configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kabili207/ledlink-go/core"
	"github.com/kabili207/ledlink-go/core/codec"
	"github.com/kabili207/ledlink-go/core/reassembly"
	"github.com/kabili207/ledlink-go/device/neighbor"
	"github.com/kabili207/ledlink-go/device/node"
	"github.com/kabili207/ledlink-go/transport/mqtt"
	"github.com/kabili207/ledlink-go/transport/serial"
)

// Transport kinds.
const (
	TransportSerial = "serial"
	TransportMQTT   = "mqtt"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the daemon configuration.
type Config struct {
	LogLevel  slog.Level
	Transport string
	Channel   uint8
	Serial    SerialConfig
	MQTT      MQTTConfig
	Node      NodeConfig
}

// SerialConfig selects the radio co-processor.
type SerialConfig struct {
	Port         string
	BaudRate     int
	HelloTimeout time.Duration
}

// MQTTConfig selects the broker standing in for the radio.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	UseTLS      bool
	ClientID    string
	TopicPrefix string
	Self        core.Address
}

// NodeConfig tunes the protocol.
type NodeConfig struct {
	MinRSSI           int
	Timeout           time.Duration
	Slots             int
	ChunkGap          time.Duration
	RxQueueSize       int
	SweepInterval     time.Duration
	NeighborExpiry    time.Duration
	RequireMessageTag bool
}

type fileConfig struct {
	LogLevel  string     `toml:"log_level"`
	Transport string     `toml:"transport"`
	Channel   int        `toml:"channel"`
	Serial    fileSerial `toml:"serial"`
	MQTT      fileMQTT   `toml:"mqtt"`
	Node      fileNode   `toml:"node"`
}

type fileSerial struct {
	Port         string `toml:"port"`
	BaudRate     int    `toml:"baud_rate"`
	HelloTimeout string `toml:"hello_timeout"`
}

type fileMQTT struct {
	Broker      string `toml:"broker"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	UseTLS      bool   `toml:"use_tls"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
	Self        string `toml:"self"`
}

type fileNode struct {
	MinRSSI           int    `toml:"min_rssi"`
	Timeout           string `toml:"timeout"`
	Slots             int    `toml:"slots"`
	ChunkGap          string `toml:"chunk_gap"`
	RxQueueSize       int    `toml:"rx_queue_size"`
	SweepInterval     string `toml:"sweep_interval"`
	NeighborExpiry    string `toml:"neighbor_expiry"`
	RequireMessageTag bool   `toml:"require_message_tag"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() Config {
	return Config{
		LogLevel:  slog.LevelInfo,
		Transport: TransportSerial,
		Channel:   serial.DefaultChannel,
		Serial: SerialConfig{
			BaudRate:     serial.DefaultBaudRate,
			HelloTimeout: serial.DefaultHelloTimeout,
		},
		MQTT: MQTTConfig{
			TopicPrefix: mqtt.DefaultTopicPrefix,
		},
		Node: NodeConfig{
			MinRSSI:        codec.RSSIUnknown,
			Timeout:        reassembly.DefaultTimeout,
			Slots:          reassembly.DefaultSlots,
			ChunkGap:       node.DefaultChunkGap,
			RxQueueSize:    node.DefaultRxQueueSize,
			NeighborExpiry: neighbor.DefaultExpiry,
		},
	}
}

// Load reads path, applies it over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return Config{}, fmt.Errorf("parse log_level: %w", err)
		}
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("channel") {
		if raw.Channel < 1 || raw.Channel > 14 {
			return Config{}, fmt.Errorf("%w: channel %d out of range 1-14", ErrInvalid, raw.Channel)
		}
		cfg.Channel = uint8(raw.Channel)
	}

	if meta.IsDefined("serial", "port") {
		cfg.Serial.Port = strings.TrimSpace(raw.Serial.Port)
	}
	if meta.IsDefined("serial", "baud_rate") {
		cfg.Serial.BaudRate = raw.Serial.BaudRate
	}
	if err := parseDuration(meta, raw.Serial.HelloTimeout, &cfg.Serial.HelloTimeout, "serial", "hello_timeout"); err != nil {
		return Config{}, err
	}

	if meta.IsDefined("mqtt", "broker") {
		cfg.MQTT.Broker = strings.TrimSpace(raw.MQTT.Broker)
	}
	if meta.IsDefined("mqtt", "username") {
		cfg.MQTT.Username = raw.MQTT.Username
	}
	if meta.IsDefined("mqtt", "password") {
		cfg.MQTT.Password = raw.MQTT.Password
	}
	if meta.IsDefined("mqtt", "use_tls") {
		cfg.MQTT.UseTLS = raw.MQTT.UseTLS
	}
	if meta.IsDefined("mqtt", "client_id") {
		cfg.MQTT.ClientID = strings.TrimSpace(raw.MQTT.ClientID)
	}
	if meta.IsDefined("mqtt", "topic_prefix") {
		cfg.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(raw.MQTT.TopicPrefix), "/")
	}
	if meta.IsDefined("mqtt", "self") {
		addr, err := core.ParseAddress(raw.MQTT.Self)
		if err != nil {
			return Config{}, fmt.Errorf("parse mqtt.self: %w", err)
		}
		cfg.MQTT.Self = addr
	}

	if meta.IsDefined("node", "min_rssi") {
		cfg.Node.MinRSSI = raw.Node.MinRSSI
	}
	if meta.IsDefined("node", "slots") {
		cfg.Node.Slots = raw.Node.Slots
	}
	if meta.IsDefined("node", "rx_queue_size") {
		cfg.Node.RxQueueSize = raw.Node.RxQueueSize
	}
	if meta.IsDefined("node", "require_message_tag") {
		cfg.Node.RequireMessageTag = raw.Node.RequireMessageTag
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{raw.Node.Timeout, &cfg.Node.Timeout, "timeout"},
		{raw.Node.ChunkGap, &cfg.Node.ChunkGap, "chunk_gap"},
		{raw.Node.SweepInterval, &cfg.Node.SweepInterval, "sweep_interval"},
		{raw.Node.NeighborExpiry, &cfg.Node.NeighborExpiry, "neighbor_expiry"},
	} {
		if err := parseDuration(meta, d.raw, d.dst, "node", d.key); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(meta toml.MetaData, raw string, dst *time.Duration, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
	}
	*dst = d
	return nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportSerial:
		if c.Serial.Port == "" {
			return fmt.Errorf("%w: serial.port is required", ErrInvalid)
		}
		if c.Serial.BaudRate <= 0 {
			return fmt.Errorf("%w: serial.baud_rate must be positive", ErrInvalid)
		}
		if c.Serial.HelloTimeout <= 0 {
			return fmt.Errorf("%w: serial.hello_timeout must be positive", ErrInvalid)
		}
	case TransportMQTT:
		if c.MQTT.Broker == "" {
			return fmt.Errorf("%w: mqtt.broker is required", ErrInvalid)
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("%w: mqtt.topic_prefix must not be empty", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: transport %q is not one of %q, %q", ErrInvalid, c.Transport, TransportSerial, TransportMQTT)
	}

	if c.Channel < 1 || c.Channel > 14 {
		return fmt.Errorf("%w: channel %d out of range 1-14", ErrInvalid, c.Channel)
	}
	if c.Node.MinRSSI != codec.RSSIUnknown && (c.Node.MinRSSI < -127 || c.Node.MinRSSI > 0) {
		return fmt.Errorf("%w: node.min_rssi %d out of range -127..0", ErrInvalid, c.Node.MinRSSI)
	}
	if c.Node.Timeout <= 0 {
		return fmt.Errorf("%w: node.timeout must be positive", ErrInvalid)
	}
	if c.Node.Slots < 1 {
		return fmt.Errorf("%w: node.slots must be at least 1", ErrInvalid)
	}
	if c.Node.ChunkGap <= 0 {
		return fmt.Errorf("%w: node.chunk_gap must be positive", ErrInvalid)
	}
	if c.Node.RxQueueSize < 1 {
		return fmt.Errorf("%w: node.rx_queue_size must be at least 1", ErrInvalid)
	}
	if c.Node.SweepInterval < 0 {
		return fmt.Errorf("%w: node.sweep_interval must not be negative", ErrInvalid)
	}
	if c.Node.NeighborExpiry <= 0 {
		return fmt.Errorf("%w: node.neighbor_expiry must be positive", ErrInvalid)
	}
	return nil
}

// SerialTransport returns the serial transport configuration.
func (c Config) SerialTransport(logger *slog.Logger) serial.Config {
	return serial.Config{
		Port:         c.Serial.Port,
		BaudRate:     c.Serial.BaudRate,
		Channel:      c.Channel,
		HelloTimeout: c.Serial.HelloTimeout,
		Logger:       logger,
	}
}

// MQTTTransport returns the MQTT transport configuration.
func (c Config) MQTTTransport(logger *slog.Logger) mqtt.Config {
	return mqtt.Config{
		Broker:      c.MQTT.Broker,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
		UseTLS:      c.MQTT.UseTLS,
		ClientID:    c.MQTT.ClientID,
		TopicPrefix: c.MQTT.TopicPrefix,
		Channel:     c.Channel,
		Self:        c.MQTT.Self,
		Logger:      logger,
	}
}

// NodeSettings returns the node configuration without a transport or
// admission threshold. Apply Node.MinRSSI with node.Node.SetMinRSSI, which
// accepts a 0 dBm threshold.
func (c Config) NodeSettings(logger *slog.Logger) node.Config {
	return node.Config{
		Timeout:           c.Node.Timeout,
		Slots:             c.Node.Slots,
		ChunkGap:          c.Node.ChunkGap,
		RxQueueSize:       c.Node.RxQueueSize,
		SweepInterval:     c.Node.SweepInterval,
		NeighborExpiry:    c.Node.NeighborExpiry,
		RequireMessageTag: c.Node.RequireMessageTag,
		Logger:            logger,
	}
}
