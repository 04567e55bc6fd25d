// Package config loads and validates the daemon's JSON configuration,
// generalized from the original project's setting.json/Rule shape into the
// mesh stream transport's own fields. Environment variables named by each
// field's env tag, without a prefix (WINDOW_SIZE, LOG_LEVEL, ...), fill any
// field the file leaves unset and take precedence over the built-in
// defaults; they do not replace a value the file itself sets.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// LogConfig mirrors the original project's log block, trimmed of the
// version/date fields it never read back out of anywhere.
type LogConfig struct {
	Level string `json:"level" env:"LOG_LEVEL"`
	Path  string `json:"path" env:"LOG_PATH"`
}

// AckMethod selects which ackpolicy.Policy a stream manager constructs for
// its streams.
type AckMethod string

const (
	AckMethodBasic AckMethod = "basic"
	AckMethodSmart AckMethod = "smart"
)

// SmartAckConfig carries the Smart policy's coalescing/debounce knobs,
// expressed in the config file's millisecond-integer style rather than
// time.Duration, matching how the original project expresses its own
// Rule.Timeout field.
type SmartAckConfig struct {
	AckEveryN      int `json:"ack_every_n" env:"ACK_EVERY_N"`
	AckIntervalMs  int `json:"ack_interval_ms" env:"ACK_INTERVAL_MS"`
	NackIntervalMs int `json:"nack_interval_ms" env:"NACK_INTERVAL_MS"`
}

// RadioConfig describes how to reach the attached mesh radio.
type RadioConfig struct {
	// SerialDevice, when non-empty, selects the real serial transport and
	// names the device path to open (e.g. "/dev/ttyUSB0"). Empty means run
	// against the in-process loopback transport, useful for dry runs and
	// tests.
	SerialDevice string `json:"serial_device" env:"RADIO_SERIAL_DEVICE"`
	BytesPerSec  int    `json:"bytes_per_sec" env:"RADIO_BYTES_PER_SEC"`
}

// Config is the top-level daemon configuration, loaded from JSON and then
// overlaid with environment variables.
type Config struct {
	NodeID uint32 `json:"node_id" env:"NODE_ID"`
	Role   string `json:"role" env:"ROLE"` // "client" or "gateway"

	Log   LogConfig   `json:"log"`
	Radio RadioConfig `json:"radio"`

	ListenAddr string `json:"listen_addr" env:"LISTEN_ADDR"` // client: local HTTP CONNECT listener

	// GatewayNodeID is the mesh node id of the gateway a client tunnels
	// every stream through. Required for role "client".
	GatewayNodeID uint32 `json:"gateway_node_id" env:"GATEWAY_NODE_ID"`

	// GatewayAllowlist restricts which "host:port" targets a gateway will
	// dial on behalf of an incoming CONNECT, empty means allow any.
	GatewayAllowlist []string `json:"gateway_allowlist" env:"GATEWAY_ALLOWLIST,delimiter=,"`

	WindowSize          int       `json:"window_size" env:"WINDOW_SIZE"`
	ChunkPayloadSize    int       `json:"chunk_payload_size" env:"CHUNK_PAYLOAD_SIZE"`
	RetransmitTimeoutMs int       `json:"retransmit_timeout_ms" env:"RETRANSMIT_TIMEOUT_MS"`
	MaxRetransmits      int       `json:"max_retransmits" env:"MAX_RETRANSMITS"`
	StreamTimeoutS      int       `json:"stream_timeout_s" env:"STREAM_TIMEOUT_S"`
	RetransmitTickMs    int       `json:"retransmit_tick_ms" env:"RETRANSMIT_TICK_MS"`
	AckMethod           AckMethod `json:"ack_method" env:"ACK_METHOD"`
	SmartAck            SmartAckConfig `json:"smart_ack"`

	MetricsAddr string `json:"metrics_addr" env:"METRICS_ADDR"` // empty disables the Prometheus exporter
}

// defaults fills zero-valued tunables the way the original project's
// Rule.verify defaulted Timeout for regex mode.
func (c *Config) defaults() {
	if c.WindowSize == 0 {
		c.WindowSize = 4
	}
	if c.ChunkPayloadSize == 0 {
		c.ChunkPayloadSize = 180
	}
	if c.RetransmitTimeoutMs == 0 {
		c.RetransmitTimeoutMs = 5000
	}
	if c.MaxRetransmits == 0 {
		c.MaxRetransmits = 5
	}
	if c.StreamTimeoutS == 0 {
		c.StreamTimeoutS = 300
	}
	if c.RetransmitTickMs == 0 {
		c.RetransmitTickMs = 1000
	}
	if c.AckMethod == "" {
		c.AckMethod = AckMethodSmart
	}
	if c.SmartAck.AckEveryN == 0 {
		c.SmartAck.AckEveryN = 4
	}
	if c.SmartAck.AckIntervalMs == 0 {
		c.SmartAck.AckIntervalMs = 500
	}
	if c.SmartAck.NackIntervalMs == 0 {
		c.SmartAck.NackIntervalMs = 500
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// RetransmitTimeout returns RetransmitTimeoutMs as a time.Duration.
func (c *Config) RetransmitTimeout() time.Duration {
	return time.Duration(c.RetransmitTimeoutMs) * time.Millisecond
}

// StreamTimeout returns StreamTimeoutS as a time.Duration.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutS) * time.Second
}

// RetransmitTick returns RetransmitTickMs as a time.Duration.
func (c *Config) RetransmitTick() time.Duration {
	return time.Duration(c.RetransmitTickMs) * time.Millisecond
}

// verify validates a loaded config, mirroring the original project's
// Rule.verify: specific, actionable errors rather than a generic failure.
func (c *Config) verify() error {
	if c.NodeID == 0 {
		return fmt.Errorf("node_id is required and must be nonzero")
	}
	if c.Role != "client" && c.Role != "gateway" {
		return fmt.Errorf("role must be \"client\" or \"gateway\", got %q", c.Role)
	}
	if c.Role == "client" && c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required for role \"client\"")
	}
	if c.Role == "client" && c.GatewayNodeID == 0 {
		return fmt.Errorf("gateway_node_id is required for role \"client\"")
	}
	if c.WindowSize < 1 || c.WindowSize > 32 {
		return fmt.Errorf("window_size must be a positive integer <= 32")
	}
	if c.ChunkPayloadSize < 1 || c.ChunkPayloadSize > 180 {
		return fmt.Errorf("chunk_payload_size must be in [1, 180]")
	}
	if c.MaxRetransmits < 1 {
		return fmt.Errorf("max_retransmits must be >= 1")
	}
	switch c.AckMethod {
	case AckMethodBasic, AckMethodSmart:
	default:
		return fmt.Errorf("ack_method must be \"basic\" or \"smart\", got %q", c.AckMethod)
	}
	return nil
}

// Load reads path, fills fields the file leaves unset from environment
// variables, applies defaults to whatever is still unset, and validates the
// result.
func Load(ctx context.Context, path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("config: apply environment overrides: %w", err)
	}
	cfg.defaults()
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// PathFromEnv resolves the config file path the way the original project's
// MOTO_CONFIG did: an env var with a fixed fallback.
func PathFromEnv(envVar, fallback string) string {
	if p := os.Getenv(envVar); p != "" {
		return p
	}
	return fallback
}
