package network

import (
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sharding-experiment/shardexec/config"
	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// DelayConfig specifies latency simulation parameters
type DelayConfig struct {
	Enabled  bool          `json:"enabled"`
	MinDelay time.Duration `json:"min_delay"` // e.g., 10ms
	MaxDelay time.Duration `json:"max_delay"` // e.g., 100ms
}

// DelayConfigFrom converts the millisecond based network config
func DelayConfigFrom(cfg config.NetworkConfig) DelayConfig {
	return DelayConfig{
		Enabled:  cfg.DelayEnabled,
		MinDelay: time.Duration(cfg.MinDelayMs) * time.Millisecond,
		MaxDelay: time.Duration(cfg.MaxDelayMs) * time.Millisecond,
	}
}

// delayer draws random delays within a DelayConfig range
type delayer struct {
	config DelayConfig
	mu     sync.Mutex
	rng    *rand.Rand
}

func newDelayer(config DelayConfig) *delayer {
	return &delayer{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *delayer) sleep() {
	if d.config.Enabled {
		time.Sleep(d.next())
	}
}

// next returns a random delay within the configured range
func (d *delayer) next() time.Duration {
	min := d.config.MinDelay
	max := d.config.MaxDelay
	if max > min {
		d.mu.Lock()
		defer d.mu.Unlock()
		return min + time.Duration(d.rng.Int63n(int64(max-min)))
	}
	return min
}

// DelayedOutbound wraps an Outbound with configurable latency. Sends are
// serialized so per-channel FIFO order is kept.
type DelayedOutbound struct {
	mu    sync.Mutex
	base  Outbound
	delay *delayer
}

func NewDelayedOutbound(base Outbound, config DelayConfig) *DelayedOutbound {
	return &DelayedOutbound{base: base, delay: newDelayer(config)}
}

func (d *DelayedOutbound) Send(msg protocol.CrossShardMsg) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay.sleep()
	return d.base.Send(msg)
}

// DelayedRoundTripper wraps http.RoundTripper with configurable delays
type DelayedRoundTripper struct {
	base  http.RoundTripper
	delay *delayer
}

// NewDelayedRoundTripper creates a new DelayedRoundTripper.
// If base is nil, http.DefaultTransport is used.
func NewDelayedRoundTripper(base http.RoundTripper, config DelayConfig) *DelayedRoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DelayedRoundTripper{base: base, delay: newDelayer(config)}
}

// RoundTrip implements http.RoundTripper by adding a delay before the actual request
func (d *DelayedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	d.delay.sleep()
	return d.base.RoundTrip(req)
}
