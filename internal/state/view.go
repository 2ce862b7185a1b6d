// Package state holds the base state views sharded execution reads from.
package state

import (
	"maps"
	"sync"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// View is a read-only view of state. A nil value with a nil error means the
// key is absent.
type View interface {
	Get(key protocol.StorageKey) ([]byte, error)
}

// MemoryView is a map backed View
type MemoryView struct {
	mu     sync.RWMutex
	values map[protocol.StorageKey][]byte
}

func NewMemoryView() *MemoryView {
	return &MemoryView{values: make(map[protocol.StorageKey][]byte)}
}

func (m *MemoryView) Get(key protocol.StorageKey) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

func (m *MemoryView) Put(key protocol.StorageKey, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Apply commits the write sets of kept outputs, in order
func (m *MemoryView) Apply(outputs []protocol.TransactionOutput) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range outputs {
		if outputs[i].Status != protocol.TxKeep {
			continue
		}
		for _, w := range outputs[i].WriteSet {
			if w.Deletion {
				delete(m.values, w.Key)
			} else {
				m.values[w.Key] = w.Value
			}
		}
	}
}

// Snapshot returns a copy of the current contents
func (m *MemoryView) Snapshot() map[protocol.StorageKey][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values)
}

// ApplyBlock applies a [shard][round] output matrix. Keys are written by a
// single shard per block, so shard order does not matter; rounds are
// applied in order.
func ApplyBlock(apply func([]protocol.TransactionOutput) error, outputs [][][]protocol.TransactionOutput) error {
	maxRounds := 0
	for _, rounds := range outputs {
		maxRounds = max(maxRounds, len(rounds))
	}
	for round := 0; round < maxRounds; round++ {
		for _, rounds := range outputs {
			if round >= len(rounds) {
				continue
			}
			if err := apply(rounds[round]); err != nil {
				return err
			}
		}
	}
	return nil
}
