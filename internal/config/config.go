package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"framesock/internal/logging"
)

type Config struct {
	Endpoint EndpointConfig `toml:"endpoint"`
	Codec    CodecConfig    `toml:"codec"`
	Poll     PollConfig     `toml:"poll"`
	Store    StoreConfig    `toml:"store"`
	Logging  LoggingConfig  `toml:"logging"`
}

type EndpointConfig struct {
	Network  string   `toml:"network"` // "udp" or "tcp"
	Listen   string   `toml:"listen"`
	Connect  string   `toml:"connect"`
	Timeout  Duration `toml:"timeout"`
	MaxChunk int      `toml:"max_chunk"`
	Blocked  []string `toml:"blocked"`
	// ConnectRate caps new sessions per second per host; 0 disables the cap.
	ConnectRate float64 `toml:"connect_rate"`
}

type CodecConfig struct {
	Passes int `toml:"passes"`
	Level  int `toml:"level"`
}

type PollConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  Duration `toml:"interval"`
	QueueSize int      `toml:"queue_size"`
}

type StoreConfig struct {
	DataDir      string `toml:"data_dir"` // empty disables persistence
	HistoryLimit int    `toml:"history_limit"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration decodes TOML strings such as "500ms" or "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns a Config matching the behaviour of a freshly created socket:
// UDP, 0.5s timeout, 65535-byte chunks, single-pass zlib at level 6.
func Defaults() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Network:  "udp",
			Timeout:  Duration{500 * time.Millisecond},
			MaxChunk: 65535,
		},
		Codec: CodecConfig{
			Passes: 1,
			Level:  6,
		},
		Poll: PollConfig{
			Interval:  Duration{450 * time.Millisecond},
			QueueSize: 256,
		},
		Store: StoreConfig{
			HistoryLimit: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML config file over Defaults. If path is empty the default
// location is tried and a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = ExpandHome("~/.framesock/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	add := func(field string, err error) {
		errs = append(errs, fmt.Errorf("%s: %w", field, err))
	}

	switch strings.ToLower(c.Endpoint.Network) {
	case "udp", "tcp":
	default:
		add("endpoint.network", fmt.Errorf("must be udp or tcp, got %q", c.Endpoint.Network))
	}
	if c.Endpoint.Listen != "" {
		if err := validateAddr(c.Endpoint.Listen, true); err != nil {
			add("endpoint.listen", err)
		}
	}
	if c.Endpoint.Connect != "" {
		if err := validateAddr(c.Endpoint.Connect, false); err != nil {
			add("endpoint.connect", err)
		}
	}
	if c.Endpoint.Timeout.Duration < 0 {
		add("endpoint.timeout", fmt.Errorf("must not be negative, got %s", c.Endpoint.Timeout))
	}
	if c.Endpoint.MaxChunk <= 0 {
		add("endpoint.max_chunk", fmt.Errorf("must be positive, got %d", c.Endpoint.MaxChunk))
	}
	if c.Endpoint.ConnectRate < 0 {
		add("endpoint.connect_rate", fmt.Errorf("must not be negative, got %g", c.Endpoint.ConnectRate))
	}
	for i, host := range c.Endpoint.Blocked {
		if strings.TrimSpace(host) == "" {
			add(fmt.Sprintf("endpoint.blocked[%d]", i), errors.New("empty host"))
		}
	}

	if c.Codec.Passes < 1 || c.Codec.Passes > 2 {
		add("codec.passes", fmt.Errorf("must be 1 or 2, got %d", c.Codec.Passes))
	}
	if c.Codec.Level < -2 || c.Codec.Level > 9 {
		add("codec.level", fmt.Errorf("must be -2..9, got %d", c.Codec.Level))
	}

	if c.Poll.Interval.Duration < 0 {
		add("poll.interval", fmt.Errorf("must not be negative, got %s", c.Poll.Interval))
	}
	if c.Poll.QueueSize <= 0 {
		add("poll.queue_size", fmt.Errorf("must be positive, got %d", c.Poll.QueueSize))
	}

	if c.Store.HistoryLimit < 0 {
		add("store.history_limit", fmt.Errorf("must not be negative, got %d", c.Store.HistoryLimit))
	}

	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		add("logging.level", fmt.Errorf("unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "text", "json":
	default:
		add("logging.format", fmt.Errorf("must be text or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// validateAddr checks a host:port string. Listen addresses may use a wildcard
// host; peer addresses may not, since nothing can be dialed at 0.0.0.0.
func validateAddr(addr string, listen bool) error {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "" {
		return fmt.Errorf("missing port in %q", addr)
	}
	if host == "" {
		return fmt.Errorf("missing host in %q", addr)
	}
	if !listen && (host == "0.0.0.0" || host == "::") {
		return fmt.Errorf("wildcard host not allowed in %q", addr)
	}
	return nil
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
