package shard

import (
	"runtime"
)

// OptimalBlockSTMConcurrencyLevel is the concurrency level above which the
// parallel executor stops scaling
const OptimalBlockSTMConcurrencyLevel = 32

// ConcurrencyPolicy decides the concurrency level of each round. With
// MergeLastRound the last shard runs the final round with the aggregate
// concurrency of all shards and every other shard runs it sequentially.
type ConcurrencyPolicy struct {
	MergeLastRound bool
}

// Effective returns the concurrency level for round of numRounds on shardID
func (p ConcurrencyPolicy) Effective(round, numRounds, shardID, numShards, base int) int {
	if !p.MergeLastRound || round != numRounds-1 {
		return base
	}
	return MergedLastRoundConcurrency(shardID, numShards, base)
}

// MergedLastRoundConcurrency is the last-round concurrency under the merge heuristic
func MergedLastRoundConcurrency(shardID, numShards, base int) int {
	if shardID == numShards-1 {
		return min(base*numShards, OptimalBlockSTMConcurrencyLevel)
	}
	return 1
}

// DefaultNumThreads splits the machine's CPUs evenly across shards, rounding up
func DefaultNumThreads(numShards int) int {
	if numShards < 1 {
		numShards = 1
	}
	return (runtime.NumCPU() + numShards - 1) / numShards
}

// ShardThreads returns the execution threads of shardID. The designated
// last shard gets the threads of every shard when the merge heuristic is on.
func ShardThreads(shardID, numShards, threads int, mergeLastRound bool) int {
	if mergeLastRound && shardID == numShards-1 {
		return threads * numShards
	}
	return threads
}

// PoolSize is the worker pool size needed for a number of execution
// threads: one extra worker for the commit receiver and one so the waiting
// caller never starves execution.
func PoolSize(executionThreads int) int {
	return executionThreads + 2
}
