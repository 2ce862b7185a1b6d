package vm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sharding-experiment/shardexec/internal/pool"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/state"
)

func loc(b byte) protocol.StorageLocation {
	return protocol.StorageLocation{Address: common.BytesToAddress([]byte{b}), Slot: common.Hash{}}
}

func word(v uint64) []byte {
	w := uint256.NewInt(v).Bytes32()
	return w[:]
}

func txn(op protocol.TxOp, amount uint64, reads, writes []protocol.StorageLocation) protocol.Transaction {
	return protocol.Transaction{Op: op, Amount: uint256.NewInt(amount), Reads: reads, Writes: writes}
}

type recordingSink struct {
	mu      sync.Mutex
	indices []int
	writes  [][]protocol.WriteOp
	err     error
}

func (s *recordingSink) OnCommit(index int, writes []protocol.WriteOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices = append(s.indices, index)
	s.writes = append(s.writes, writes)
	return s.err
}

// chainBlock makes a block where every transaction reads the previous one's write
func chainBlock(n int) []protocol.Transaction {
	txns := []protocol.Transaction{txn(protocol.OpSet, 1, nil, []protocol.StorageLocation{loc(0)})}
	for i := 1; i < n; i++ {
		txns = append(txns, txn(protocol.OpAdd, 1, []protocol.StorageLocation{loc(byte(i - 1))}, []protocol.StorageLocation{loc(byte(i))}))
	}
	return txns
}

func TestParallelExecutor_MatchesSequential(t *testing.T) {
	defer goleak.VerifyNone(t)

	txns := chainBlock(40)
	// independent transactions mixed in
	for i := 0; i < 20; i++ {
		txns = append(txns, txn(protocol.OpSet, uint64(i+1), nil, []protocol.StorageLocation{loc(byte(100 + i))}))
	}

	e := NewParallelExecutor(nil)
	sequential, err := e.ExecuteBlock(context.Background(), pool.New(1), txns, state.NewMemoryView(), 1, nil, nil)
	require.NoError(t, err)

	for _, concurrency := range []int{2, 4, 16, 64} {
		parallel, err := e.ExecuteBlock(context.Background(), pool.New(8), txns, state.NewMemoryView(), concurrency, nil, nil)
		require.NoError(t, err)
		require.Equal(t, sequential, parallel, "concurrency %d", concurrency)
	}
	require.Equal(t, word(40), sequential[39].WriteSet[0].Value)
}

func TestParallelExecutor_ReadsBaseView(t *testing.T) {
	view := state.NewMemoryView()
	view.Put(loc(1).StateKey(), word(10))
	view.Put(loc(2).StateKey(), word(5))

	txns := []protocol.Transaction{
		txn(protocol.OpAdd, 1, []protocol.StorageLocation{loc(1), loc(2)}, []protocol.StorageLocation{loc(3)}),
		txn(protocol.OpSub, 16, []protocol.StorageLocation{loc(3)}, []protocol.StorageLocation{loc(3)}),
	}
	outputs, err := NewParallelExecutor(nil).ExecuteBlock(context.Background(), pool.New(4), txns, view, 2, nil, nil)
	require.NoError(t, err)
	require.Equal(t, word(16), outputs[0].WriteSet[0].Value)
	// 16 - 16 = 0 deletes the key
	require.True(t, outputs[1].WriteSet[0].Deletion)
	require.Equal(t, uint64(GasBase+GasPerRead*2+GasPerWrite), outputs[0].GasUsed)
}

func TestParallelExecutor_UnderflowDiscards(t *testing.T) {
	sink := &recordingSink{}
	view := state.NewMemoryView()
	view.Put(loc(1).StateKey(), word(3))

	txns := []protocol.Transaction{
		txn(protocol.OpSub, 5, []protocol.StorageLocation{loc(1)}, []protocol.StorageLocation{loc(1)}),
		txn(protocol.OpAdd, 0, []protocol.StorageLocation{loc(1)}, []protocol.StorageLocation{loc(2)}),
	}
	outputs, err := NewParallelExecutor(nil).ExecuteBlock(context.Background(), pool.New(4), txns, view, 2, nil, sink)
	require.NoError(t, err)
	require.Equal(t, protocol.TxDiscard, outputs[0].Status)
	require.Empty(t, outputs[0].WriteSet)
	// the discarded write is invisible to the next transaction
	require.Equal(t, word(3), outputs[1].WriteSet[0].Value)

	// the sink still sees the unchanged value of the declared location
	require.Equal(t, []int{0, 1}, sink.indices)
	require.Equal(t, []protocol.WriteOp{{Key: loc(1).StateKey(), Value: word(3)}}, sink.writes[0])
}

func TestParallelExecutor_FailIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{}
	txns := chainBlock(10)
	txns[5] = txn(protocol.OpFail, 0, nil, nil)

	outputs, err := NewParallelExecutor(nil).ExecuteBlock(context.Background(), pool.New(6), txns, state.NewMemoryView(), 4, nil, sink)
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.Nil(t, outputs)
	for _, idx := range sink.indices {
		require.Less(t, idx, 5)
	}
}

func TestParallelExecutor_GasLimit(t *testing.T) {
	sink := &recordingSink{}
	txns := chainBlock(6)
	// the first transaction has no reads; the limit is reached exactly at txn 2
	limit := uint64(GasBase+GasPerWrite) + 2*uint64(GasBase+GasPerRead+GasPerWrite)

	outputs, err := NewParallelExecutor(nil).ExecuteBlock(context.Background(), pool.New(4), txns, state.NewMemoryView(), 3, &limit, sink)
	require.NoError(t, err)
	for i, out := range outputs {
		if i < 3 {
			require.Equal(t, protocol.TxKeep, out.Status, "txn %d", i)
		} else {
			require.Equal(t, protocol.TxRetry, out.Status, "txn %d", i)
			require.Empty(t, out.WriteSet)
		}
	}
	require.Len(t, sink.indices, 6)
	// retried transactions publish the value left by the last kept one
	require.Equal(t, protocol.WriteOp{Key: loc(4).StateKey(), Deletion: true}, sink.writes[4][0])
}

func TestParallelExecutor_SinkErrorIsFatal(t *testing.T) {
	boom := errors.New("channel gone")
	sink := &recordingSink{err: boom}
	_, err := NewParallelExecutor(nil).ExecuteBlock(context.Background(), pool.New(2), chainBlock(4), state.NewMemoryView(), 2, nil, sink)
	require.ErrorIs(t, err, boom)
}

type failingView struct{ err error }

func (f failingView) Get(protocol.StorageKey) ([]byte, error) { return nil, f.err }

func TestParallelExecutor_ViewErrorPropagates(t *testing.T) {
	viewErr := errors.New("view aborted")
	txns := []protocol.Transaction{txn(protocol.OpAdd, 1, []protocol.StorageLocation{loc(1)}, []protocol.StorageLocation{loc(2)})}
	_, err := NewParallelExecutor(nil).ExecuteBlock(context.Background(), pool.New(2), txns, failingView{viewErr}, 1, nil, nil)
	require.ErrorIs(t, err, viewErr)
}

func TestParallelExecutor_Empty(t *testing.T) {
	outputs, err := NewParallelExecutor(nil).ExecuteBlock(context.Background(), pool.New(1), nil, state.NewMemoryView(), 4, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, outputs)
	require.Empty(t, outputs)
}

func TestSpeculativeLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e := NewParallelExecutor(zap.New(core))
	txns := chainBlock(3)

	_, err := e.ExecuteBlock(context.Background(), pool.New(2), txns, state.NewMemoryView(), 1, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 3, logs.FilterMessage("Executed transaction speculatively").Len())

	ctx := DisableSpeculativeLogging(context.Background())
	require.False(t, SpeculativeLoggingEnabled(ctx))
	_, err = e.ExecuteBlock(ctx, pool.New(2), txns, state.NewMemoryView(), 1, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 3, logs.FilterMessage("Executed transaction speculatively").Len())
	require.Equal(t, 2, logs.FilterMessage("Executed block").Len())
}
