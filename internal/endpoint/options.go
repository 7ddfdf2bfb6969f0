package endpoint

import (
	"fmt"
	"strings"
	"time"

	"framesock/internal/codec"
	"framesock/internal/config"
	"framesock/internal/control"
	"framesock/internal/frame"
	"framesock/internal/store"
	"framesock/internal/transport"
	"framesock/internal/transport/tcp"
	"framesock/internal/transport/udp"
)

// Options configure an Endpoint. Zero fields take the defaults of
// DefaultOptions.
type Options struct {
	Factory      transport.Factory // nil means UDP
	Timeout      time.Duration     // receive timeout; negative means block
	MaxChunk     int
	Codec        *codec.Codec
	Store        store.Store // nil keeps the block list and history in memory
	HistoryLimit int
	PollInterval time.Duration
	QueueSize    int
	Blocked      []string
	// ConnectRate caps new sessions per second per host; 0 means unlimited.
	ConnectRate float64
	Hooks       control.Hooks
}

const (
	DefaultTimeout      = 500 * time.Millisecond
	DefaultPollInterval = 450 * time.Millisecond
	DefaultQueueSize    = 256
	DefaultHistoryLimit = 1024
)

// DefaultOptions returns options for a UDP endpoint with a 0.5s timeout and
// 65535-byte chunks.
func DefaultOptions() Options {
	return Options{
		Factory:      udp.Factory,
		Timeout:      DefaultTimeout,
		MaxChunk:     frame.DefaultMaxChunk,
		Codec:        codec.Default(),
		HistoryLimit: DefaultHistoryLimit,
		PollInterval: DefaultPollInterval,
		QueueSize:    DefaultQueueSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Factory == nil {
		o.Factory = d.Factory
	}
	if o.Timeout == 0 {
		o.Timeout = d.Timeout
	} else if o.Timeout < 0 {
		o.Timeout = 0
	}
	if o.MaxChunk <= 0 {
		o.MaxChunk = d.MaxChunk
	}
	if o.Codec == nil {
		o.Codec = d.Codec
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	return o
}

// Network returns the primitive factory for a network name.
func Network(name string) (transport.Factory, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "udp":
		return udp.Factory, nil
	case "tcp":
		return tcp.Factory, nil
	}
	return nil, fmt.Errorf("endpoint: unknown network %q", name)
}

// OptionsFromConfig maps a validated Config onto Options. st may be nil.
func OptionsFromConfig(cfg *config.Config, st store.Store) (Options, error) {
	factory, err := Network(cfg.Endpoint.Network)
	if err != nil {
		return Options{}, err
	}
	c, err := codec.New(cfg.Codec.Passes, cfg.Codec.Level)
	if err != nil {
		return Options{}, err
	}
	timeout := cfg.Endpoint.Timeout.Duration
	if timeout == 0 {
		timeout = -1
	}
	return Options{
		Factory:      factory,
		Timeout:      timeout,
		MaxChunk:     cfg.Endpoint.MaxChunk,
		Codec:        c,
		Store:        st,
		HistoryLimit: cfg.Store.HistoryLimit,
		PollInterval: cfg.Poll.Interval.Duration,
		QueueSize:    cfg.Poll.QueueSize,
		Blocked:      cfg.Endpoint.Blocked,
		ConnectRate:  cfg.Endpoint.ConnectRate,
	}, nil
}
