package state

import (
	"fmt"
	"os"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"go.uber.org/zap"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

const (
	// DBCacheMB is the LevelDB block cache size in MB
	DBCacheMB = 64

	// DBHandles is the maximum number of open file handles for LevelDB
	DBHandles = 64

	// ReadCacheBytes sizes the in-memory read cache in front of the database
	ReadCacheBytes = 32 * 1024 * 1024
)

var storagePrefix = []byte("s")

// DBView is a View backed by a key-value database with a read cache.
// Writes go through Put and Apply only, never during execution.
type DBView struct {
	mu     sync.RWMutex
	db     ethdb.Database
	cache  *fastcache.Cache
	closed bool
}

// NewDBView opens a LevelDB database at path. An empty path gives an
// in-memory database.
func NewDBView(path string, log *zap.Logger) (*DBView, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var db ethdb.Database
	if path == "" {
		db = rawdb.NewMemoryDatabase()
		log.Info("Using in-memory state storage")
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir %s: %w", path, err)
		}
		ldb, err := leveldb.New(path, DBCacheMB, DBHandles, "shardexec/state", false)
		if err != nil {
			return nil, fmt.Errorf("open state db %s: %w", path, err)
		}
		db = rawdb.NewDatabase(ldb)
		log.Info("Opened persistent state storage", zap.String("path", path))
	}

	return &DBView{
		db:    db,
		cache: fastcache.New(ReadCacheBytes),
	}, nil
}

func storageKey(key protocol.StorageKey) []byte {
	return append(append([]byte{}, storagePrefix...), key.Bytes()...)
}

func (v *DBView) Get(key protocol.StorageKey) ([]byte, error) {
	if value, ok := v.cache.HasGet(nil, key.Bytes()); ok {
		return value, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, fmt.Errorf("state db closed")
	}

	dbKey := storageKey(key)
	ok, err := v.db.Has(dbKey)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key.Hex(), err)
	}
	if !ok {
		return nil, nil
	}
	value, err := v.db.Get(dbKey)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key.Hex(), err)
	}
	v.cache.Set(key.Bytes(), value)
	return value, nil
}

func (v *DBView) Put(key protocol.StorageKey, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("state db closed")
	}
	if err := v.db.Put(storageKey(key), value); err != nil {
		return err
	}
	v.cache.Set(key.Bytes(), value)
	return nil
}

// Apply writes the write sets of kept outputs in one batch
func (v *DBView) Apply(outputs []protocol.TransactionOutput) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("state db closed")
	}

	batch := v.db.NewBatch()
	for i := range outputs {
		if outputs[i].Status != protocol.TxKeep {
			continue
		}
		for _, w := range outputs[i].WriteSet {
			var err error
			if w.Deletion {
				err = batch.Delete(storageKey(w.Key))
			} else {
				err = batch.Put(storageKey(w.Key), w.Value)
			}
			if err != nil {
				return fmt.Errorf("stage write %s: %w", w.Key.Hex(), err)
			}
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	for i := range outputs {
		if outputs[i].Status != protocol.TxKeep {
			continue
		}
		for _, w := range outputs[i].WriteSet {
			if w.Deletion {
				v.cache.Del(w.Key.Bytes())
			} else {
				v.cache.Set(w.Key.Bytes(), w.Value)
			}
		}
	}
	return nil
}

func (v *DBView) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.cache.Reset()
	return v.db.Close()
}
