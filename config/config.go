// Package config loads daemon configuration from TOML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Config is the daemon configuration.
type Config struct {
	HTTP      HTTPConfig      `toml:"http"`
	Market    MarketConfig    `toml:"market"`
	Canvas    CanvasConfig    `toml:"canvas"`
	Verify    VerifyConfig    `toml:"verify"`
	Store     StoreConfig     `toml:"store"`
	Bus       BusConfig       `toml:"bus"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
}

// HTTPConfig configures the HTTP front end.
type HTTPConfig struct {
	Listen          string   `toml:"listen"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// MarketConfig holds marketplace rules.
type MarketConfig struct {
	ReservationWindow Duration        `toml:"reservation_window"`
	MinimumPay        decimal.Decimal `toml:"minimum_pay"`
	ListingLimit      int             `toml:"listing_limit"`
	TokenMaxLength    int             `toml:"token_max_length"`

	// PrivilegedSeed is the starting balance of the privileged account.
	// The privileged token itself is a secret and lives in credentials.toml.
	PrivilegedSeed decimal.Decimal `toml:"privileged_seed"`
}

// CanvasConfig points at the external canvas.
type CanvasConfig struct {
	BaseURL     string   `toml:"base_url"`
	Timeout     Duration `toml:"timeout"`
	SizeTTL     Duration `toml:"size_ttl"`
	MinInterval Duration `toml:"min_interval"`
}

// VerifyConfig bounds submission verification.
type VerifyConfig struct {
	MaxAttempts  int      `toml:"max_attempts"`
	RetryBackoff Duration `toml:"retry_backoff"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "memory", "sqlite" or "nats".
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	Bucket  string `toml:"bucket"`
}

// BusConfig configures the message bus used for events and shared cooldowns.
type BusConfig struct {
	// Backend is "none", "memory" or "nats".
	Backend         string `toml:"backend"`
	URL             string `toml:"url"`
	NodeID          string `toml:"node_id"`
	PublishEvents   bool   `toml:"publish_events"`
	ShareCooldowns  bool   `toml:"share_cooldowns"`
	EventBufferSize int    `toml:"event_buffer_size"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"`
	Insecure    bool   `toml:"insecure"`

	// SampleRatio is the fraction of root spans kept. 0 keeps all.
	SampleRatio float64 `toml:"sample_ratio"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`

	// EventsFile, when set, receives marketplace events as JSON lines.
	EventsFile string `toml:"events_file"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Listen:          ":8000",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Market: MarketConfig{
			ReservationWindow: Duration(30 * time.Second),
			MinimumPay:        decimal.RequireFromString("0.01"),
			ListingLimit:      10,
			TokenMaxLength:    30,
			PrivilegedSeed:    decimal.NewFromInt(1000),
		},
		Canvas: CanvasConfig{
			Timeout: Duration(10 * time.Second),
			SizeTTL: Duration(time.Minute),
		},
		Verify: VerifyConfig{
			MaxAttempts:  5,
			RetryBackoff: Duration(500 * time.Millisecond),
		},
		Store: StoreConfig{
			Backend: "memory",
			Path:    "pixelmarket.db",
			Bucket:  "pixelmarket",
		},
		Bus: BusConfig{
			Backend:         "none",
			EventBufferSize: 256,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "pixelmarket",
			Protocol:    "grpc",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFile reads and parses a TOML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse parses TOML content on top of the defaults and validates the result.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Market.ReservationWindow.D() <= 0 {
		return fmt.Errorf("market.reservation_window must be positive")
	}
	if !c.Market.MinimumPay.IsPositive() {
		return fmt.Errorf("market.minimum_pay must be positive")
	}
	if c.Market.ListingLimit <= 0 {
		return fmt.Errorf("market.listing_limit must be positive")
	}
	if c.Market.TokenMaxLength <= 0 {
		return fmt.Errorf("market.token_max_length must be positive")
	}
	if c.Market.PrivilegedSeed.IsNegative() {
		return fmt.Errorf("market.privileged_seed must not be negative")
	}
	if c.Verify.MaxAttempts <= 0 {
		return fmt.Errorf("verify.max_attempts must be positive")
	}
	if c.Canvas.MinInterval.D() < 0 {
		return fmt.Errorf("canvas.min_interval must not be negative")
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path required for sqlite backend")
		}
	case "nats":
		if c.Bus.Backend != "nats" {
			return fmt.Errorf("store backend nats requires bus backend nats")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Bus.Backend {
	case "none", "memory", "nats":
	default:
		return fmt.Errorf("unknown bus.backend %q", c.Bus.Backend)
	}
	if c.Bus.Backend == "none" && (c.Bus.PublishEvents || c.Bus.ShareCooldowns) {
		return fmt.Errorf("bus.publish_events and bus.share_cooldowns need a bus backend")
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("unknown telemetry.protocol %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
		}
	}
	return nil
}
