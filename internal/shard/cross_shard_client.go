package shard

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	bloomfilter "github.com/holiman/bloomfilter/v2"
	"go.uber.org/zap"

	"github.com/sharding-experiment/shardexec/internal/network"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/vm"
)

const (
	dependentFilterBitsPerKey = 16
	dependentFilterHashes     = 4
)

// keyHasher feeds a storage key to the bloom filter. Keys are keccak
// hashes, so their leading bytes are already uniformly distributed.
type keyHasher protocol.StorageKey

func (h keyHasher) Write(p []byte) (n int, err error) { panic("not implemented") }
func (h keyHasher) Sum(b []byte) []byte               { panic("not implemented") }
func (h keyHasher) Reset()                            { panic("not implemented") }
func (h keyHasher) BlockSize() int                    { panic("not implemented") }
func (h keyHasher) Size() int                         { return 8 }
func (h keyHasher) Sum64() uint64                     { return binary.BigEndian.Uint64(h[:8]) }

// dependentTarget is a (shard, round) that reads some of a transaction's writes
type dependentTarget struct {
	shard int
	round int
	keys  map[protocol.StorageKey]struct{}
}

var _ vm.CommitSink = (*CommitSender)(nil)

// CommitSender publishes committed writes to the shards that depend on them
// in later rounds.
type CommitSender struct {
	shardID  int
	round    int
	epoch    uint64
	outbound [][]network.Outbound
	// local transaction index -> readers of its writes
	dependents map[int][]dependentTarget
	filter     *bloomfilter.Filter
	metrics    *Metrics
	// value messages held until the round succeeds
	pending []pendingValue
}

type pendingValue struct {
	shard int
	round int
	msg   protocol.CrossShardMsg
}

// NewCommitSender inverts the dependent edges of subBlock. Edges pointing at
// a shard or round without a channel, or at a round not after the current
// one, are a wiring error.
func NewCommitSender(shardID, round int, epoch uint64, outbound [][]network.Outbound, subBlock *protocol.SubBlock, metrics *Metrics) (*CommitSender, error) {
	s := &CommitSender{
		shardID:    shardID,
		round:      round,
		epoch:      epoch,
		outbound:   outbound,
		dependents: make(map[int][]dependentTarget),
		metrics:    metrics,
	}

	allKeys := make(map[protocol.StorageKey]struct{})
	for i := range subBlock.Transactions {
		for _, edge := range subBlock.Transactions[i].Deps.Dependent {
			dst := edge.Txn
			if dst.ShardID < 0 || dst.ShardID >= len(outbound) ||
				dst.Round < 0 || dst.Round >= len(outbound[dst.ShardID]) {
				return nil, fmt.Errorf("%w: no channel to shard %d round %d", ErrChannelProtocol, dst.ShardID, dst.Round)
			}
			if dst.Round <= round {
				return nil, fmt.Errorf("%w: dependent edge from round %d to round %d", ErrChannelProtocol, round, dst.Round)
			}
			s.dependents[i] = addTarget(s.dependents[i], dst.ShardID, dst.Round, edge.Locations, allKeys)
		}
	}

	if len(allKeys) > 0 {
		filter, err := bloomfilter.New(uint64(max(64, len(allKeys)*dependentFilterBitsPerKey)), dependentFilterHashes)
		if err != nil {
			return nil, fmt.Errorf("create dependent key filter: %w", err)
		}
		for key := range allKeys {
			filter.Add(keyHasher(key))
		}
		s.filter = filter
	}
	return s, nil
}

func addTarget(targets []dependentTarget, shard, round int, locs []protocol.StorageLocation, all map[protocol.StorageKey]struct{}) []dependentTarget {
	idx := -1
	for i := range targets {
		if targets[i].shard == shard && targets[i].round == round {
			idx = i
			break
		}
	}
	if idx < 0 {
		targets = append(targets, dependentTarget{shard: shard, round: round, keys: make(map[protocol.StorageKey]struct{})})
		idx = len(targets) - 1
	}
	for _, loc := range locs {
		key := loc.StateKey()
		targets[idx].keys[key] = struct{}{}
		all[key] = struct{}{}
	}
	return targets
}

// OnCommit queues every write of transaction index that a later round reads.
// Nothing leaves the shard until Flush, so a round that fails after some
// commits publishes no values.
func (s *CommitSender) OnCommit(index int, writes []protocol.WriteOp) error {
	targets := s.dependents[index]
	if len(targets) == 0 {
		return nil
	}
	for _, w := range writes {
		if s.filter == nil || !s.filter.Contains(keyHasher(w.Key)) {
			continue
		}
		for _, t := range targets {
			if _, ok := t.keys[w.Key]; !ok {
				continue
			}
			s.pending = append(s.pending, pendingValue{
				shard: t.shard,
				round: t.round,
				msg:   protocol.NewValueMsg(s.epoch, s.shardID, w),
			})
		}
	}
	return nil
}

// Pending returns the number of queued value messages
func (s *CommitSender) Pending() int {
	return len(s.pending)
}

// Flush sends the queued values in commit order
func (s *CommitSender) Flush() error {
	for i, p := range s.pending {
		if err := s.outbound[p.shard][p.round].Send(p.msg); err != nil {
			s.pending = s.pending[i:]
			return fmt.Errorf("%w: send %s to shard %d round %d: %v", ErrChannelProtocol, p.msg.Key.Hex(), p.shard, p.round, err)
		}
		s.metrics.messageSent(s.shardID, protocol.MsgValue)
	}
	s.pending = nil
	return nil
}

// CommitReceiver drains one round's inbound channel of a shard into that
// round's CrossShardStateView. Messages of a later block that arrive early
// are kept for the next Start.
type CommitReceiver struct {
	shardID  int
	round    int
	inbound  network.Inbound
	deferred []protocol.CrossShardMsg
	log      *zap.Logger
}

func NewCommitReceiver(shardID, round int, inbound network.Inbound, log *zap.Logger) *CommitReceiver {
	return &CommitReceiver{shardID: shardID, round: round, inbound: inbound, log: log}
}

// Start blocks, feeding values of block epoch into view, until a stop or
// abort message arrives. On any error the view is aborted so blocked reads
// fail instead of hanging.
func (r *CommitReceiver) Start(ctx context.Context, view *CrossShardStateView, epoch uint64) error {
	err := r.run(ctx, view, epoch)
	if err != nil {
		view.Abort(err)
	}
	return err
}

func (r *CommitReceiver) run(ctx context.Context, view *CrossShardStateView, epoch uint64) error {
	pending := r.deferred
	r.deferred = nil

	for {
		var msg protocol.CrossShardMsg
		if len(pending) > 0 {
			msg, pending = pending[0], pending[1:]
		} else {
			var err error
			msg, err = r.inbound.Recv(ctx)
			if err != nil {
				r.deferred = append(r.deferred, pending...)
				if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
					return fmt.Errorf("%w: receiver shard %d round %d: %v", ErrRoundTimeout, r.shardID, r.round, err)
				}
				return fmt.Errorf("%w: receiver shard %d round %d: %v", ErrChannelProtocol, r.shardID, r.round, err)
			}
		}

		switch {
		case msg.Epoch < epoch:
			r.log.Debug("Dropping stale cross-shard message",
				zap.Stringer("kind", msg.Kind),
				zap.Uint64("epoch", msg.Epoch),
				zap.Uint64("current_epoch", epoch))
			continue
		case msg.Epoch > epoch:
			r.deferred = append(r.deferred, msg)
			continue
		}

		switch msg.Kind {
		case protocol.MsgValue:
			value := msg.Value
			if msg.Deletion {
				value = nil
			}
			if err := view.SetValue(msg.Key, value); err != nil {
				r.deferred = append(r.deferred, pending...)
				return err
			}
		case protocol.MsgStop:
			r.deferred = append(r.deferred, pending...)
			return nil
		case protocol.MsgAbort:
			r.log.Warn("Received abort from shard",
				zap.Uint64("from", msg.From),
				zap.Int("round", r.round))
			view.Abort(fmt.Errorf("%w: shard %d", ErrCrossShardAbort, msg.From))
			r.deferred = append(r.deferred, pending...)
			return nil
		default:
			r.deferred = append(r.deferred, pending...)
			return fmt.Errorf("%w: unknown message kind %d", ErrChannelProtocol, msg.Kind)
		}
	}
}
