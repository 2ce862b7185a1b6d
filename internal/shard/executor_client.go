package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sharding-experiment/shardexec/internal/network"
	"github.com/sharding-experiment/shardexec/internal/pool"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/state"
	"github.com/sharding-experiment/shardexec/internal/vm"
)

// ClientConfig wires an executor client for one shard
type ClientConfig struct {
	NumShards int
	ShardID   int
	// NumThreads is the number of execution threads; the pool gets two more
	NumThreads int
	// Inbound holds this shard's receive ends, indexed by round
	Inbound []network.Inbound
	// Outbound holds the send ends, indexed by [destination shard][round]
	Outbound [][]network.Outbound
	Executor vm.Executor
	Policy   ConcurrencyPolicy
	Metrics  *Metrics
	Logger   *zap.Logger
}

// Client executes the sub-blocks of one shard, round by round, exchanging
// cross-shard values with the other shards' clients.
type Client struct {
	numShards int
	shardID   int
	pool      *pool.Pool
	receivers []*CommitReceiver
	outbound  [][]network.Outbound
	executor  vm.Executor
	policy    ConcurrencyPolicy
	metrics   *Metrics
	log       *zap.Logger

	mu    sync.Mutex // one block at a time
	epoch uint64
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.NumShards < 1 || cfg.ShardID < 0 || cfg.ShardID >= cfg.NumShards {
		return nil, fmt.Errorf("invalid shard %d of %d", cfg.ShardID, cfg.NumShards)
	}
	if len(cfg.Outbound) != cfg.NumShards {
		return nil, fmt.Errorf("outbound matrix has %d shards, want %d", len(cfg.Outbound), cfg.NumShards)
	}
	for shard, row := range cfg.Outbound {
		if len(row) < len(cfg.Inbound) {
			return nil, fmt.Errorf("outbound row of shard %d has %d rounds, want %d", shard, len(row), len(cfg.Inbound))
		}
	}
	if cfg.Executor == nil {
		return nil, errors.New("no transaction executor")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NumThreads < 1 {
		cfg.NumThreads = 1
	}

	log := cfg.Logger.With(zap.Int("shard", cfg.ShardID))
	receivers := make([]*CommitReceiver, len(cfg.Inbound))
	for round, in := range cfg.Inbound {
		receivers[round] = NewCommitReceiver(cfg.ShardID, round, in, log)
	}

	return &Client{
		numShards: cfg.NumShards,
		shardID:   cfg.ShardID,
		pool:      pool.New(PoolSize(cfg.NumThreads)),
		receivers: receivers,
		outbound:  cfg.Outbound,
		executor:  cfg.Executor,
		policy:    cfg.Policy,
		metrics:   cfg.Metrics,
		log:       log,
	}, nil
}

func (c *Client) ShardID() int {
	return c.shardID
}

func (c *Client) PoolSize() int {
	return c.pool.Size()
}

// ExecuteBlock executes every round of sub in order and returns the outputs
// per round. The first failing round stops the block: the other shards are
// told to abort and a *BlockError is returned without partial outputs.
func (c *Client) ExecuteBlock(ctx context.Context, sub *protocol.SubBlocksForShard, base state.View, concurrency int, gasLimit *uint64) ([][]protocol.TransactionOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	epoch := c.epoch

	numRounds := sub.NumRounds()
	if numRounds > len(c.receivers) {
		return nil, newBlockError(c.shardID, len(c.receivers),
			fmt.Errorf("%w: block has %d rounds, channels exist for %d", ErrChannelProtocol, numRounds, len(c.receivers)))
	}

	result := make([][]protocol.TransactionOutput, 0, numRounds)
	for round := range sub.SubBlocks {
		timer := c.metrics.blockRoundTimer(c.shardID, round)
		level := c.policy.Effective(round, numRounds, c.shardID, c.numShards, concurrency)
		c.log.Info("Executing sub block",
			zap.Int("round", round),
			zap.Int("txns", sub.SubBlocks[round].NumTxns()),
			zap.Int("concurrency", level))

		outputs, err := c.executeSubBlock(ctx, epoch, round, &sub.SubBlocks[round], base, level, gasLimit)
		timer.ObserveDuration()
		if err != nil {
			blockErr := newBlockError(c.shardID, round, err)
			c.log.Error("Sub block failed", zap.Int("round", round), zap.Error(blockErr))
			c.broadcastAbort(epoch, round, numRounds)
			return nil, blockErr
		}
		result = append(result, outputs)
	}
	return result, nil
}

type executionResult struct {
	outputs []protocol.TransactionOutput
	err     error
}

func (c *Client) executeSubBlock(
	ctx context.Context,
	epoch uint64,
	round int,
	subBlock *protocol.SubBlock,
	base state.View,
	concurrency int,
	gasLimit *uint64,
) ([]protocol.TransactionOutput, error) {
	c.metrics.addSubBlockSize(c.shardID, round, subBlock.NumTxns())
	timer := c.metrics.subBlockTimer(c.shardID, round)
	defer timer.ObserveDuration()

	sender, err := NewCommitSender(c.shardID, round, epoch, c.outbound, subBlock, c.metrics)
	if err != nil {
		return nil, err
	}
	view := NewCrossShardStateView(ctx, c.shardID, CrossShardKeys(subBlock), base)
	if round == 0 && view.NumRemoteKeys() > 0 {
		return nil, fmt.Errorf("%w: round 0 requires %d keys from earlier rounds", ErrChannelProtocol, view.NumRemoteKeys())
	}
	c.log.Debug("Built cross-shard state view",
		zap.Int("round", round),
		zap.Int("remote_keys", view.NumRemoteKeys()),
		zap.Int("pool_size", c.pool.Size()))

	result := NewPromise[executionResult]()
	scopeErr := c.pool.Scope(func(s *pool.Scope) {
		// Round 0 never depends on earlier rounds
		if round != 0 {
			s.Go(func() error {
				return c.receivers[round].Start(ctx, view, epoch)
			})
		}
		s.Go(func() (err error) {
			res := executionResult{err: fmt.Errorf("%w: executor did not return", ErrExecutionFailure)}
			// Runs on the panic path too: the receiver only exits on the stop,
			// and the caller only on the promise.
			defer func() {
				if res.err == nil && view.AbortErr() == nil {
					if flushErr := sender.Flush(); flushErr != nil {
						res = executionResult{err: flushErr}
					}
				}
				if round != 0 {
					// The stop lands after every value this round published
					if sendErr := c.outbound[c.shardID][round].Send(protocol.NewStopMsg(epoch, c.shardID)); sendErr != nil {
						err = fmt.Errorf("%w: send stop to own round %d: %v", ErrChannelProtocol, round, sendErr)
					} else {
						c.metrics.messageSent(c.shardID, protocol.MsgStop)
					}
				}
				result.Resolve(res)
			}()

			res.outputs, res.err = c.executor.ExecuteBlock(vm.DisableSpeculativeLogging(ctx), c.pool, subBlock.Txns(), view, concurrency, gasLimit, sender)
			return nil
		})
	})
	res := result.Wait()

	c.log.Debug("Finished executing sub block", zap.Int("round", round))
	switch {
	case scopeErr != nil:
		return nil, scopeErr
	case res.err != nil:
		return nil, res.err
	}
	if abortErr := view.AbortErr(); abortErr != nil {
		return nil, abortErr
	}
	return res.outputs, nil
}

// broadcastAbort tells every other shard that rounds after round will not
// receive this shard's values
func (c *Client) broadcastAbort(epoch uint64, round, numRounds int) {
	msg := protocol.NewAbortMsg(epoch, c.shardID)
	for shard, row := range c.outbound {
		if shard == c.shardID {
			continue
		}
		for r := round + 1; r < numRounds && r < len(row); r++ {
			if err := row[r].Send(msg); err != nil {
				c.log.Warn("Failed to send abort",
					zap.Int("to_shard", shard),
					zap.Int("to_round", r),
					zap.Error(err))
				continue
			}
			c.metrics.messageSent(c.shardID, protocol.MsgAbort)
		}
	}
}
