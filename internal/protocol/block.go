package protocol

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SubBlock is the ordered list of transactions assigned to one (shard, round).
// StartIndex is the global index of the first transaction.
type SubBlock struct {
	StartIndex   int                   `json:"start_index"`
	Transactions []AnalyzedTransaction `json:"transactions"`
}

func (b *SubBlock) NumTxns() int {
	return len(b.Transactions)
}

// EndIndex is one past the global index of the last transaction
func (b *SubBlock) EndIndex() int {
	return b.StartIndex + len(b.Transactions)
}

// Txns returns the plain transactions without dependency metadata
func (b *SubBlock) Txns() []Transaction {
	txns := make([]Transaction, len(b.Transactions))
	for i := range b.Transactions {
		txns[i] = b.Transactions[i].Txn
	}
	return txns
}

// Hash commits to the ordered transaction hashes of the sub-block
func (b *SubBlock) Hash() common.Hash {
	hashes := make([][]byte, 0, len(b.Transactions))
	for i := range b.Transactions {
		h := b.Transactions[i].Txn.Hash()
		hashes = append(hashes, h.Bytes())
	}
	return crypto.Keccak256Hash(hashes...)
}

// SubBlocksForShard holds one sub-block per round for a shard
type SubBlocksForShard struct {
	ShardID   int        `json:"shard_id"`
	SubBlocks []SubBlock `json:"sub_blocks"`
}

func (s *SubBlocksForShard) NumRounds() int {
	return len(s.SubBlocks)
}

func (s *SubBlocksForShard) NumTxns() int {
	n := 0
	for i := range s.SubBlocks {
		n += s.SubBlocks[i].NumTxns()
	}
	return n
}

// PartitionedBlock is a block split by the partitioner, indexed by shard
type PartitionedBlock struct {
	Shards []SubBlocksForShard `json:"shards"`
}

func (p *PartitionedBlock) NumShards() int {
	return len(p.Shards)
}

// Validate checks the structural invariants the executor relies on
func (p *PartitionedBlock) Validate() error {
	for i := range p.Shards {
		s := &p.Shards[i]
		if s.ShardID != i {
			return fmt.Errorf("shard %d has shard_id %d", i, s.ShardID)
		}
		if s.NumRounds() > MaxAllowedPartitioningRounds {
			return fmt.Errorf("shard %d has %d rounds, max %d", i, s.NumRounds(), MaxAllowedPartitioningRounds)
		}
	}
	return nil
}

// LoadPartitionedBlock reads a JSON encoded partitioned block
func LoadPartitionedBlock(path string) (*PartitionedBlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read block file: %w", err)
	}

	block := &PartitionedBlock{}
	if err := json.Unmarshal(data, block); err != nil {
		return nil, fmt.Errorf("failed to parse block file: %w", err)
	}
	if err := block.Validate(); err != nil {
		return nil, fmt.Errorf("invalid block: %w", err)
	}
	return block, nil
}
