package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sharding-experiment/shardexec/config"
	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// TestDelayedRoundTripper_Disabled verifies that no delay is added when disabled
func TestDelayedRoundTripper_Disabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := NewDelayedRoundTripper(nil, DelayConfig{
		Enabled:  false,
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 200 * time.Millisecond,
	})
	client := &http.Client{Transport: transport}

	start := time.Now()
	resp, err := client.Get(server.URL)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if elapsed > 50*time.Millisecond {
		t.Errorf("Request took too long with disabled delay: %v", elapsed)
	}
}

// TestNewHTTPClient_WithDelay verifies factory creates delayed client
func TestNewHTTPClient_WithDelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(config.NetworkConfig{
		DelayEnabled: true,
		MinDelayMs:   30,
		MaxDelayMs:   60,
	}, 5*time.Second)

	start := time.Now()
	resp, err := client.Get(server.URL)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if elapsed < 30*time.Millisecond {
		t.Errorf("Request too fast: %v (expected >= 30ms)", elapsed)
	}
}

// TestDelayedOutbound_DelayRange verifies each send waits within the configured range
func TestDelayedOutbound_DelayRange(t *testing.T) {
	ch := NewLocalChannel()
	minDelay := 10 * time.Millisecond
	maxDelay := 20 * time.Millisecond
	out := NewDelayedOutbound(ch, DelayConfig{Enabled: true, MinDelay: minDelay, MaxDelay: maxDelay})

	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := out.Send(protocol.NewStopMsg(uint64(i), 0)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		elapsed := time.Since(start)
		if elapsed < minDelay {
			t.Errorf("Send %d too fast: %v (expected >= %v)", i, elapsed, minDelay)
		}
		if elapsed > maxDelay+50*time.Millisecond {
			t.Errorf("Send %d too slow: %v", i, elapsed)
		}
	}
}

// TestDelayedOutbound_PreservesOrder verifies concurrent-looking delayed sends from one
// sender still arrive in FIFO order
func TestDelayedOutbound_PreservesOrder(t *testing.T) {
	ch := NewLocalChannel()
	out := NewDelayedOutbound(ch, DelayConfig{Enabled: true, MinDelay: 0, MaxDelay: 3 * time.Millisecond})

	const n = 20
	for i := 0; i < n; i++ {
		write := protocol.WriteOp{Key: common.BigToHash(common.Big1), Value: []byte{byte(i)}}
		if err := out.Send(protocol.NewValueMsg(1, 0, write)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		msg, err := ch.Recv(context.Background())
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if msg.Value[0] != byte(i) {
			t.Fatalf("message %d out of order: got %d", i, msg.Value[0])
		}
	}
}

func TestDelayConfigFrom(t *testing.T) {
	cfg := DelayConfigFrom(config.NetworkConfig{DelayEnabled: true, MinDelayMs: 5, MaxDelayMs: 7})
	if !cfg.Enabled || cfg.MinDelay != 5*time.Millisecond || cfg.MaxDelay != 7*time.Millisecond {
		t.Errorf("unexpected delay config: %+v", cfg)
	}
}
