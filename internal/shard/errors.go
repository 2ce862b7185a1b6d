package shard

import (
	"context"
	"errors"
	"fmt"

	"github.com/sharding-experiment/shardexec/internal/network"
	"github.com/sharding-experiment/shardexec/internal/pool"
)

var (
	// ErrExecutionFailure means the transaction executor returned a fatal status
	ErrExecutionFailure = errors.New("sub-block execution failed")

	// ErrChannelProtocol means a cross-shard channel was closed, mis-wired or
	// carried a message the protocol does not allow
	ErrChannelProtocol = errors.New("cross-shard channel protocol violation")

	// ErrCrossShardAbort means another shard failed and aborted the block
	ErrCrossShardAbort = errors.New("block aborted by another shard")

	// ErrRoundTimeout means the caller's context ended while a round was
	// waiting for cross-shard data
	ErrRoundTimeout = errors.New("round timed out")
)

// BlockError is the single failure ExecuteBlock returns. Kind is one of the
// sentinel errors above; both Kind and Err match errors.Is.
type BlockError struct {
	Shard int
	Round int
	Kind  error
	Err   error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("shard %d round %d: %v: %v", e.Shard, e.Round, e.Kind, e.Err)
}

func (e *BlockError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newBlockError(shard, round int, err error) *BlockError {
	return &BlockError{Shard: shard, Round: round, Kind: classify(err), Err: err}
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrChannelProtocol),
		errors.Is(err, network.ErrChannelClosed),
		errors.Is(err, pool.ErrTaskPanic):
		return ErrChannelProtocol
	case errors.Is(err, ErrCrossShardAbort):
		return ErrCrossShardAbort
	case errors.Is(err, ErrRoundTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrRoundTimeout
	default:
		return ErrExecutionFailure
	}
}

var kindNames = map[error]string{
	ErrExecutionFailure: "execution_failure",
	ErrChannelProtocol:  "channel_protocol",
	ErrCrossShardAbort:  "cross_shard_abort",
	ErrRoundTimeout:     "round_timeout",
}

// KindName returns the wire name of a BlockError kind
func KindName(kind error) string {
	if name, ok := kindNames[kind]; ok {
		return name
	}
	return "unknown"
}

// KindByName is the inverse of KindName. Unknown names map to ErrExecutionFailure.
func KindByName(name string) error {
	for kind, n := range kindNames {
		if n == name {
			return kind
		}
	}
	return ErrExecutionFailure
}
