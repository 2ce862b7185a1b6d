package network

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sharding-experiment/shardexec/config"
	"github.com/sharding-experiment/shardexec/internal/protocol"
)

const (
	// HTTPClientTimeout bounds a single cross-shard POST
	HTTPClientTimeout = 10 * time.Second

	// MaxMessageBytes caps the body of a cross-shard POST
	MaxMessageBytes = 1 << 20

	crossShardPath = "/crossshard/{round}"
)

// CrossShardURL returns the endpoint of a peer shard's channel for round
func CrossShardURL(baseURL string, round int) string {
	return fmt.Sprintf("%s/crossshard/%d", baseURL, round)
}

// HTTPOutbound sends messages to a shard running in another process.
// Each Send returns only after the peer has queued the message, so FIFO
// order holds for sends made one after another.
type HTTPOutbound struct {
	url    string
	client *http.Client
}

func NewHTTPOutbound(baseURL string, round int, client *http.Client) *HTTPOutbound {
	return &HTTPOutbound{url: CrossShardURL(baseURL, round), client: client}
}

func (h *HTTPOutbound) Send(msg protocol.CrossShardMsg) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	resp, err := h.client.Post(h.url, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post %s: %w", h.url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusGone:
		return fmt.Errorf("post %s: %w", h.url, ErrChannelClosed)
	default:
		return fmt.Errorf("post %s: unexpected status %d", h.url, resp.StatusCode)
	}
}

// HTTPOutboundMatrix builds a [destination][round] send matrix for peers.
// Entries for localShard use local instead of HTTP so the self stop
// message never leaves the process.
func HTTPOutboundMatrix(peers []string, localShard int, local []*LocalChannel, cfg config.NetworkConfig) [][]Outbound {
	client := NewHTTPClient(cfg, HTTPClientTimeout)
	matrix := make([][]Outbound, len(peers))
	for shard, peer := range peers {
		matrix[shard] = make([]Outbound, protocol.MaxAllowedPartitioningRounds)
		for round := range matrix[shard] {
			if shard == localShard {
				matrix[shard][round] = local[round]
			} else {
				matrix[shard][round] = NewHTTPOutbound(peer, round, client)
			}
		}
	}
	return matrix
}

// Handler accepts cross-shard messages for the local shard's channels
type Handler struct {
	inbound []*LocalChannel
	log     *zap.Logger
}

// NewHandler registers the cross-shard route on router
func NewHandler(router *mux.Router, inbound []*LocalChannel, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{inbound: inbound, log: log}
	router.HandleFunc(crossShardPath, h.handleMessage).Methods(http.MethodPost)
	return h
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.Atoi(mux.Vars(r)["round"])
	if err != nil || round < 0 || round >= len(h.inbound) {
		http.Error(w, "invalid round", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxMessageBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := protocol.DecodeCrossShardMsg(body)
	if err != nil {
		h.log.Warn("Dropping malformed cross-shard message", zap.Int("round", round), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.inbound[round].Send(msg); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusOK)
}
