// Package shardtest builds partitioned blocks with consistent cross-shard
// dependency edges for tests and load generation.
package shardtest

import (
	"fmt"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

type position struct {
	shard, round, local int
}

type writer struct {
	index protocol.ShardedTxnIndex
	pos   position
}

// Build partitions layout, indexed by [shard][round], into a block. Global
// transaction indices run round by round, shard by shard. Every location a
// transaction reads or writes gets a required edge to its latest writer in
// an earlier round, on any shard, and the writer gets the matching
// dependent edge. A location written in a round may not be touched by
// another shard in the same round.
func Build(layout [][][]protocol.Transaction) (*protocol.PartitionedBlock, error) {
	numShards := len(layout)
	if numShards == 0 {
		return &protocol.PartitionedBlock{}, nil
	}
	numRounds := len(layout[0])
	for s := range layout {
		if len(layout[s]) != numRounds {
			return nil, fmt.Errorf("shard %d has %d rounds, shard 0 has %d", s, len(layout[s]), numRounds)
		}
	}
	if numRounds > protocol.MaxAllowedPartitioningRounds {
		return nil, fmt.Errorf("%d rounds exceed the maximum of %d", numRounds, protocol.MaxAllowedPartitioningRounds)
	}

	block := &protocol.PartitionedBlock{Shards: make([]protocol.SubBlocksForShard, numShards)}
	for s := range block.Shards {
		block.Shards[s] = protocol.SubBlocksForShard{ShardID: s, SubBlocks: make([]protocol.SubBlock, numRounds)}
	}

	latest := make(map[protocol.StorageKey]writer)
	next := 0
	for r := 0; r < numRounds; r++ {
		if err := checkRoundConflicts(layout, r); err != nil {
			return nil, err
		}

		roundWrites := make(map[protocol.StorageKey]writer)
		for s := 0; s < numShards; s++ {
			sub := &block.Shards[s].SubBlocks[r]
			sub.StartIndex = next
			for local, txn := range layout[s][r] {
				self := protocol.ShardedTxnIndex{TxnIndex: next, ShardID: s, Round: r}
				sub.Transactions = append(sub.Transactions, protocol.AnalyzedTransaction{Txn: txn})
				analyzed := &sub.Transactions[local]

				for _, loc := range touched(&txn) {
					w, ok := latest[loc.StateKey()]
					if !ok {
						continue
					}
					analyzed.Deps.AddRequiredEdge(w.index, loc)
					src := &block.Shards[w.pos.shard].SubBlocks[w.pos.round].Transactions[w.pos.local]
					src.Deps.AddDependentEdge(self, loc)
				}
				for _, loc := range txn.Writes {
					roundWrites[loc.StateKey()] = writer{index: self, pos: position{s, r, local}}
				}
				next++
			}
		}
		for key, w := range roundWrites {
			latest[key] = w
		}
	}
	return block, nil
}

// touched returns the read and write locations of txn without duplicates.
// Writes count as reads: a transaction that is not kept republishes the
// prior value of what it would have written.
func touched(txn *protocol.Transaction) []protocol.StorageLocation {
	seen := make(map[protocol.StorageLocation]struct{}, len(txn.Reads)+len(txn.Writes))
	var out []protocol.StorageLocation
	for _, locs := range [][]protocol.StorageLocation{txn.Reads, txn.Writes} {
		for _, loc := range locs {
			if _, ok := seen[loc]; ok {
				continue
			}
			seen[loc] = struct{}{}
			out = append(out, loc)
		}
	}
	return out
}

func checkRoundConflicts(layout [][][]protocol.Transaction, round int) error {
	writtenBy := make(map[protocol.StorageKey]int)
	for s := range layout {
		for _, txn := range layout[s][round] {
			for _, loc := range txn.Writes {
				key := loc.StateKey()
				if other, ok := writtenBy[key]; ok && other != s {
					return fmt.Errorf("round %d: %s written by shards %d and %d", round, key.Hex(), other, s)
				}
				writtenBy[key] = s
			}
		}
	}
	for s := range layout {
		for _, txn := range layout[s][round] {
			for _, loc := range txn.Reads {
				if other, ok := writtenBy[loc.StateKey()]; ok && other != s {
					return fmt.Errorf("round %d: shard %d reads %s written by shard %d", round, s, loc.StateKey().Hex(), other)
				}
			}
		}
	}
	return nil
}

// Flatten returns the transactions of block in global index order
func Flatten(block *protocol.PartitionedBlock) []protocol.Transaction {
	var txns []protocol.Transaction
	numRounds := 0
	for s := range block.Shards {
		numRounds = max(numRounds, block.Shards[s].NumRounds())
	}
	for r := 0; r < numRounds; r++ {
		for s := range block.Shards {
			if r >= block.Shards[s].NumRounds() {
				continue
			}
			txns = append(txns, block.Shards[s].SubBlocks[r].Txns()...)
		}
	}
	return txns
}

// Split cuts outputs in global index order into the [shard][round] shape of block
func Split(block *protocol.PartitionedBlock, outputs []protocol.TransactionOutput) ([][][]protocol.TransactionOutput, error) {
	result := make([][][]protocol.TransactionOutput, len(block.Shards))
	for s := range block.Shards {
		result[s] = make([][]protocol.TransactionOutput, block.Shards[s].NumRounds())
		for r := range block.Shards[s].SubBlocks {
			sub := &block.Shards[s].SubBlocks[r]
			if sub.EndIndex() > len(outputs) {
				return nil, fmt.Errorf("shard %d round %d ends at %d, only %d outputs", s, r, sub.EndIndex(), len(outputs))
			}
			result[s][r] = outputs[sub.StartIndex:sub.EndIndex()]
		}
	}
	return result, nil
}

// Location returns the storage location used for key number k
func Location(k int) protocol.StorageLocation {
	return protocol.StorageLocation{
		Address: common.BigToAddress(big.NewInt(int64(k) + 1)),
		Slot:    common.BigToHash(big.NewInt(int64(k))),
	}
}

// Txn is shorthand for a transaction over numbered keys
func Txn(op protocol.TxOp, amount uint64, reads, writes []int) protocol.Transaction {
	txn := protocol.Transaction{
		Sender: common.BigToAddress(big.NewInt(int64(len(reads)*31 + len(writes)))),
		Op:     op,
		Amount: uint256.NewInt(amount),
	}
	for _, k := range reads {
		txn.Reads = append(txn.Reads, Location(k))
	}
	for _, k := range writes {
		txn.Writes = append(txn.Writes, Location(k))
	}
	return txn
}

// RandomLayout generates a conflict free layout of shards x rounds with up
// to txnsPerSubBlock transactions over numKeys keys. Key k belongs to shard
// (k+r) mod shards in round r, so ownership rotates and rounds depend on
// each other across shards.
func RandomLayout(rng *rand.Rand, shards, rounds, txnsPerSubBlock, numKeys int) [][][]protocol.Transaction {
	layout := make([][][]protocol.Transaction, shards)
	for s := range layout {
		layout[s] = make([][]protocol.Transaction, rounds)
	}
	for r := 0; r < rounds; r++ {
		owned := make([][]int, shards)
		for k := 0; k < numKeys; k++ {
			s := (k + r) % shards
			owned[s] = append(owned[s], k)
		}
		for s := 0; s < shards; s++ {
			if len(owned[s]) == 0 {
				continue
			}
			n := rng.Intn(txnsPerSubBlock + 1)
			for i := 0; i < n; i++ {
				layout[s][r] = append(layout[s][r], randomTxn(rng, owned[s]))
			}
		}
	}
	return layout
}

func randomTxn(rng *rand.Rand, keys []int) protocol.Transaction {
	pick := func(n int) []int {
		out := make([]int, n)
		for i := range out {
			out[i] = keys[rng.Intn(len(keys))]
		}
		return out
	}
	switch rng.Intn(4) {
	case 0:
		return Txn(protocol.OpSet, uint64(rng.Intn(1000)), nil, pick(1))
	case 1:
		return Txn(protocol.OpSub, uint64(rng.Intn(50)), pick(1+rng.Intn(2)), pick(1))
	default:
		return Txn(protocol.OpAdd, uint64(rng.Intn(100)), pick(1+rng.Intn(2)), pick(1+rng.Intn(2)))
	}
}
