package shard

import (
	"context"
	"fmt"
	"sync"

	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/state"
)

// remoteValue is a value written in an earlier round, set exactly once
type remoteValue struct {
	once  sync.Once
	ready chan struct{}
	value []byte
}

// CrossShardStateView answers reads of keys written in earlier rounds from
// values delivered by the commit receiver, and every other read from the
// base view. Reads of a remote key block until its value arrives.
type CrossShardStateView struct {
	ctx     context.Context
	shardID int
	base    state.View
	remote  map[protocol.StorageKey]*remoteValue

	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  error
}

// NewCrossShardStateView creates a view expecting exactly keys from other
// shards. Blocked reads give up with ErrRoundTimeout once ctx is done.
func NewCrossShardStateView(ctx context.Context, shardID int, keys map[protocol.StorageKey]struct{}, base state.View) *CrossShardStateView {
	remote := make(map[protocol.StorageKey]*remoteValue, len(keys))
	for key := range keys {
		remote[key] = &remoteValue{ready: make(chan struct{})}
	}
	return &CrossShardStateView{
		ctx:     ctx,
		shardID: shardID,
		base:    base,
		remote:  remote,
		aborted: make(chan struct{}),
	}
}

// CrossShardKeys returns the keys any transaction of subBlock requires
// from a transaction written in an earlier round, on this shard or another.
// All of them arrive over the round's channel.
func CrossShardKeys(subBlock *protocol.SubBlock) map[protocol.StorageKey]struct{} {
	keys := make(map[protocol.StorageKey]struct{})
	for i := range subBlock.Transactions {
		for _, edge := range subBlock.Transactions[i].Deps.Required {
			for _, loc := range edge.Locations {
				keys[loc.StateKey()] = struct{}{}
			}
		}
	}
	return keys
}

func (v *CrossShardStateView) Get(key protocol.StorageKey) ([]byte, error) {
	rv, ok := v.remote[key]
	if !ok {
		return v.base.Get(key)
	}

	// A delivered value wins over a later abort
	select {
	case <-rv.ready:
		return rv.value, nil
	default:
	}

	select {
	case <-rv.ready:
		return rv.value, nil
	case <-v.aborted:
		return nil, v.abortErr
	case <-v.ctx.Done():
		return nil, fmt.Errorf("%w: shard %d waiting for %s: %v", ErrRoundTimeout, v.shardID, key.Hex(), context.Cause(v.ctx))
	}
}

// SetValue delivers the value of a remote key. A nil value means the key
// was deleted. The first delivery is final.
func (v *CrossShardStateView) SetValue(key protocol.StorageKey, value []byte) error {
	rv, ok := v.remote[key]
	if !ok {
		return fmt.Errorf("%w: shard %d received unexpected key %s", ErrChannelProtocol, v.shardID, key.Hex())
	}
	rv.once.Do(func() {
		rv.value = value
		close(rv.ready)
	})
	return nil
}

// Abort fails every pending and future read of a remote key with err
func (v *CrossShardStateView) Abort(err error) {
	v.abortOnce.Do(func() {
		v.abortErr = err
		close(v.aborted)
	})
}

// AbortErr returns the abort cause, or nil if the view was not aborted
func (v *CrossShardStateView) AbortErr() error {
	select {
	case <-v.aborted:
		return v.abortErr
	default:
		return nil
	}
}

func (v *CrossShardStateView) NumRemoteKeys() int {
	return len(v.remote)
}

// NumPending returns how many remote keys have not been delivered yet
func (v *CrossShardStateView) NumPending() int {
	n := 0
	for _, rv := range v.remote {
		select {
		case <-rv.ready:
		default:
			n++
		}
	}
	return n
}
