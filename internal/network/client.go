package network

import (
	"net/http"
	"time"

	"github.com/sharding-experiment/shardexec/config"
)

// NewHTTPClient creates an HTTP client with optional latency simulation.
// If config.DelayEnabled is true, the client will add random delays to simulate network latency.
func NewHTTPClient(cfg config.NetworkConfig, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport
	if cfg.DelayEnabled {
		transport = NewDelayedRoundTripper(transport, DelayConfigFrom(cfg))
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
