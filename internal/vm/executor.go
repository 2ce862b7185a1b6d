// Package vm contains the parallel transaction executor sharded execution
// runs each sub-block with.
package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/sharding-experiment/shardexec/internal/pool"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/state"
)

const (
	GasBase     = 1000
	GasPerRead  = 100
	GasPerWrite = 200
)

// ErrInvariantViolation is the fatal status for a sub-block that cannot be executed
var ErrInvariantViolation = errors.New("vm invariant violation")

// CommitSink is called synchronously, in transaction order, as each
// transaction commits and before ExecuteBlock returns. writes holds the
// final value of every location the transaction declared: its write set
// when kept, the unchanged prior values otherwise.
type CommitSink interface {
	OnCommit(index int, writes []protocol.WriteOp) error
}

// Executor runs a list of transactions against a view
type Executor interface {
	ExecuteBlock(
		ctx context.Context,
		workers *pool.Pool,
		txns []protocol.Transaction,
		view state.View,
		concurrency int,
		gasLimit *uint64,
		sink CommitSink,
	) ([]protocol.TransactionOutput, error)
}

var _ Executor = (*ParallelExecutor)(nil)

// ParallelExecutor executes transactions concurrently on a worker pool and
// commits them in order. Transactions wait for earlier local writers of the
// locations they read, so the outputs equal those of sequential execution.
type ParallelExecutor struct {
	log *zap.Logger
}

func NewParallelExecutor(log *zap.Logger) *ParallelExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	return &ParallelExecutor{log: log}
}

type txnResult struct {
	output protocol.TransactionOutput
	// declared write locations, resolved to keys
	keys []protocol.StorageKey
}

type blockRun struct {
	txns    []protocol.Transaction
	view    state.View
	results []txnResult
	done    []chan struct{}
	// writers maps a key to the ascending indices of transactions writing it
	writers map[protocol.StorageKey][]int
	log     *zap.Logger
}

func (e *ParallelExecutor) ExecuteBlock(
	ctx context.Context,
	workers *pool.Pool,
	txns []protocol.Transaction,
	view state.View,
	concurrency int,
	gasLimit *uint64,
	sink CommitSink,
) ([]protocol.TransactionOutput, error) {
	n := len(txns)
	if n == 0 {
		return []protocol.TransactionOutput{}, nil
	}
	concurrency = max(1, min(concurrency, n))

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	run := &blockRun{
		txns:    txns,
		view:    view,
		results: make([]txnResult, n),
		done:    make([]chan struct{}, n),
		writers: make(map[protocol.StorageKey][]int),
		log:     SpeculativeLogger(ctx, e.log),
	}
	for i := range txns {
		run.done[i] = make(chan struct{})
		keys := make([]protocol.StorageKey, len(txns[i].Writes))
		for j, loc := range txns[i].Writes {
			keys[j] = loc.StateKey()
			run.writers[keys[j]] = append(run.writers[keys[j]], i)
		}
		run.results[i].keys = keys
	}

	c := &committer{
		run:      run,
		finished: make([]bool, n),
		outputs:  make([]protocol.TransactionOutput, n),
		sink:     sink,
		gasLimit: gasLimit,
	}

	var next atomic.Int64
	err := workers.Scope(func(s *pool.Scope) {
		for w := 0; w < concurrency; w++ {
			s.Go(func() error {
				for {
					i := int(next.Add(1) - 1)
					if i >= n {
						return nil
					}
					if err := run.execute(ctx, i); err != nil {
						cancel(err)
						return err
					}
					if err := c.finish(i); err != nil {
						cancel(err)
						return err
					}
				}
			})
		}
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("Executed block",
		zap.Int("txns", n),
		zap.Int("concurrency", concurrency),
		zap.Uint64("gas_used", c.gasUsed),
		zap.Bool("gas_limit_reached", c.halted))
	return c.outputs, nil
}

// earlierWriters returns the indices below i that write key, latest first
func (r *blockRun) earlierWriters(key protocol.StorageKey, i int) []int {
	all := r.writers[key]
	var out []int
	for k := len(all) - 1; k >= 0; k-- {
		if all[k] < i {
			out = append(out, all[k])
		}
	}
	return out
}

func (r *blockRun) execute(ctx context.Context, i int) error {
	tx := &r.txns[i]

	// Wait for every earlier local writer of a location we read
	for _, loc := range tx.Reads {
		for _, j := range r.earlierWriters(loc.StateKey(), i) {
			select {
			case <-r.done[j]:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
	}

	if tx.Op == protocol.OpFail {
		return fmt.Errorf("%w: transaction %d (%s)", ErrInvariantViolation, i, tx.Hash().Hex())
	}

	sum := new(uint256.Int)
	overflow := false
	for _, loc := range tx.Reads {
		value, err := r.read(loc.StateKey(), i)
		if err != nil {
			return fmt.Errorf("transaction %d read %s: %w", i, loc.StateKey().Hex(), err)
		}
		var of bool
		sum, of = sum.AddOverflow(sum, new(uint256.Int).SetBytes(value))
		overflow = overflow || of
	}

	amount := tx.Amount
	if amount == nil {
		amount = new(uint256.Int)
	}
	result := new(uint256.Int)
	status := protocol.TxKeep
	switch tx.Op {
	case protocol.OpSet:
		result.Set(amount)
	case protocol.OpAdd:
		var of bool
		result, of = result.AddOverflow(sum, amount)
		if of || overflow {
			status = protocol.TxDiscard
		}
	case protocol.OpSub:
		var uf bool
		result, uf = result.SubOverflow(sum, amount)
		if uf || overflow {
			status = protocol.TxDiscard
		}
	default:
		return fmt.Errorf("%w: transaction %d has unknown op %d", ErrInvariantViolation, i, tx.Op)
	}

	output := protocol.TransactionOutput{
		GasUsed: GasBase + GasPerRead*uint64(len(tx.Reads)) + GasPerWrite*uint64(len(tx.Writes)),
		Status:  status,
	}
	if status == protocol.TxKeep {
		output.WriteSet = make([]protocol.WriteOp, 0, len(tx.Writes))
		for _, key := range r.results[i].keys {
			output.WriteSet = append(output.WriteSet, encodeWrite(key, result))
		}
	}

	r.log.Debug("Executed transaction speculatively",
		zap.Int("index", i),
		zap.Stringer("op", tx.Op),
		zap.String("status", string(status)))

	r.results[i].output = output
	close(r.done[i])
	return nil
}

// read returns the value of key as seen by transaction i: the latest kept
// write of an earlier local transaction, otherwise the view
func (r *blockRun) read(key protocol.StorageKey, i int) ([]byte, error) {
	for _, j := range r.earlierWriters(key, i) {
		out := &r.results[j].output
		if out.Status != protocol.TxKeep {
			continue
		}
		return lookupWrite(out.WriteSet, key), nil
	}
	return r.view.Get(key)
}

func lookupWrite(writes []protocol.WriteOp, key protocol.StorageKey) []byte {
	for _, w := range writes {
		if w.Key == key {
			if w.Deletion {
				return nil
			}
			return w.Value
		}
	}
	return nil
}

// encodeWrite stores values as 32 byte big endian words; zero deletes the key
func encodeWrite(key protocol.StorageKey, value *uint256.Int) protocol.WriteOp {
	if value.IsZero() {
		return protocol.WriteOp{Key: key, Deletion: true}
	}
	word := value.Bytes32()
	return protocol.WriteOp{Key: key, Value: word[:]}
}

// committer commits finished transactions strictly in index order
type committer struct {
	mu       sync.Mutex
	run      *blockRun
	next     int
	finished []bool
	outputs  []protocol.TransactionOutput
	sink     CommitSink
	gasLimit *uint64
	gasUsed  uint64
	halted   bool
}

func (c *committer) finish(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finished[i] = true
	for c.next < len(c.finished) && c.finished[c.next] {
		idx := c.next
		out := c.run.results[idx].output
		if c.halted {
			out = protocol.TransactionOutput{Status: protocol.TxRetry}
		} else {
			c.gasUsed += out.GasUsed
			if c.gasLimit != nil && c.gasUsed >= *c.gasLimit {
				c.halted = true
			}
		}
		c.outputs[idx] = out

		if c.sink != nil {
			writes, err := c.committedWrites(idx)
			if err != nil {
				return err
			}
			if err := c.sink.OnCommit(idx, writes); err != nil {
				return fmt.Errorf("commit transaction %d: %w", idx, err)
			}
		}
		c.next++
	}
	return nil
}

// committedWrites returns the final value of every location transaction idx
// declared as written
func (c *committer) committedWrites(idx int) ([]protocol.WriteOp, error) {
	out := &c.outputs[idx]
	if out.Status == protocol.TxKeep {
		return out.WriteSet, nil
	}

	keys := c.run.results[idx].keys
	writes := make([]protocol.WriteOp, 0, len(keys))
	for _, key := range keys {
		value, err := c.visible(key, idx)
		if err != nil {
			return nil, fmt.Errorf("resolve unchanged %s of transaction %d: %w", key.Hex(), idx, err)
		}
		if value == nil {
			writes = append(writes, protocol.WriteOp{Key: key, Deletion: true})
		} else {
			writes = append(writes, protocol.WriteOp{Key: key, Value: value})
		}
	}
	return writes, nil
}

// visible resolves key against committed outputs below idx, then the view
func (c *committer) visible(key protocol.StorageKey, idx int) ([]byte, error) {
	for _, j := range c.run.earlierWriters(key, idx) {
		if c.outputs[j].Status == protocol.TxKeep {
			return lookupWrite(c.outputs[j].WriteSet, key), nil
		}
	}
	return c.run.view.Get(key)
}
