package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sharding-experiment/shardexec/internal/network"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/state"
	"github.com/sharding-experiment/shardexec/internal/vm"
)

// SessionConfig configures an in-process execution session
type SessionConfig struct {
	NumShards int
	// NumThreads per shard; 0 splits the CPUs evenly
	NumThreads     int
	MergeLastRound bool
	// Executor defaults to vm.ParallelExecutor
	Executor vm.Executor
	Metrics  *Metrics
	Logger   *zap.Logger
	// Delay injects latency on every cross-shard send
	Delay network.DelayConfig
}

// LocalSession runs one client per shard in this process. It is built once
// and reused for many blocks; every channel is created up front.
type LocalSession struct {
	id       uuid.UUID
	clients  []*Client
	channels *network.ChannelSet
	log      *zap.Logger
}

func NewLocalSession(cfg SessionConfig) (*LocalSession, error) {
	if cfg.NumShards < 1 {
		return nil, fmt.Errorf("invalid number of shards %d", cfg.NumShards)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Executor == nil {
		cfg.Executor = vm.NewParallelExecutor(cfg.Logger.Named("vm"))
	}
	threads := cfg.NumThreads
	if threads < 1 {
		threads = DefaultNumThreads(cfg.NumShards)
	}

	id := uuid.New()
	log := cfg.Logger.With(zap.String("session", id.String()))
	channels := network.NewChannelSet(cfg.NumShards, protocol.MaxAllowedPartitioningRounds)

	clients := make([]*Client, cfg.NumShards)
	for shardID := range clients {
		outbound := channels.Outbound()
		if cfg.Delay.Enabled {
			outbound = channels.OutboundWith(func(out network.Outbound) network.Outbound {
				return network.NewDelayedOutbound(out, cfg.Delay)
			})
		}
		client, err := NewClient(ClientConfig{
			NumShards:  cfg.NumShards,
			ShardID:    shardID,
			NumThreads: ShardThreads(shardID, cfg.NumShards, threads, cfg.MergeLastRound),
			Inbound:    channels.Inbound(shardID),
			Outbound:   outbound,
			Executor:   cfg.Executor,
			Policy:     ConcurrencyPolicy{MergeLastRound: cfg.MergeLastRound},
			Metrics:    cfg.Metrics,
			Logger:     log,
		})
		if err != nil {
			channels.Close()
			return nil, fmt.Errorf("create client for shard %d: %w", shardID, err)
		}
		clients[shardID] = client
	}

	log.Info("Created execution session",
		zap.Int("shards", cfg.NumShards),
		zap.Int("threads_per_shard", threads),
		zap.Bool("merge_last_round", cfg.MergeLastRound))

	return &LocalSession{
		id:       id,
		clients:  clients,
		channels: channels,
		log:      log,
	}, nil
}

func (s *LocalSession) ID() uuid.UUID {
	return s.id
}

func (s *LocalSession) NumShards() int {
	return len(s.clients)
}

func (s *LocalSession) Client(shardID int) *Client {
	return s.clients[shardID]
}

// Channels exposes the session's channels, indexed by [shard][round]
func (s *LocalSession) Channels() *network.ChannelSet {
	return s.channels
}

// ExecuteBlock runs every shard of block concurrently and returns the
// outputs indexed by [shard][round]. On failure the root cause is
// returned: a shard's own failure is preferred over the aborts it caused.
func (s *LocalSession) ExecuteBlock(ctx context.Context, block *protocol.PartitionedBlock, base state.View, concurrency int, gasLimit *uint64) ([][][]protocol.TransactionOutput, error) {
	if block.NumShards() != len(s.clients) {
		return nil, fmt.Errorf("block has %d shards, session has %d", block.NumShards(), len(s.clients))
	}
	if err := block.Validate(); err != nil {
		return nil, err
	}

	outputs := make([][][]protocol.TransactionOutput, len(s.clients))
	errs := make([]error, len(s.clients))
	var wg sync.WaitGroup
	for shardID, client := range s.clients {
		shardID, client := shardID, client
		wg.Add(1)
		go func() {
			defer wg.Done()
			outputs[shardID], errs[shardID] = client.ExecuteBlock(ctx, &block.Shards[shardID], base, concurrency, gasLimit)
		}()
	}
	wg.Wait()

	if err := rootCause(errs); err != nil {
		return nil, err
	}
	return outputs, nil
}

func rootCause(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrCrossShardAbort) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// Close tears down every channel. Blocked receivers fail with ErrChannelProtocol.
func (s *LocalSession) Close() {
	s.channels.Close()
}
