package protocol

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// MaxAllowedPartitioningRounds bounds the number of rounds a partitioned
// block may have. Channels are allocated for every round up to this limit.
const MaxAllowedPartitioningRounds = 8

// StorageKey is the unit of state addressed by reads and writes
type StorageKey = common.Hash

// StorageLocation identifies a storage slot of an account
type StorageLocation struct {
	Address common.Address `json:"address"`
	Slot    common.Hash    `json:"slot"`
}

// StateKey resolves the location to the key used by state views
func (l StorageLocation) StateKey() StorageKey {
	return crypto.Keccak256Hash(l.Address.Bytes(), l.Slot.Bytes())
}

// ShardedTxnIndex identifies a transaction within a partitioned block
type ShardedTxnIndex struct {
	TxnIndex int `json:"txn_index"`
	ShardID  int `json:"shard_id"`
	Round    int `json:"round"`
}

// CrossShardEdge links a transaction to another one on a different shard
// through the listed storage locations.
type CrossShardEdge struct {
	Txn       ShardedTxnIndex   `json:"txn"`
	Locations []StorageLocation `json:"locations"`
}

// CrossShardDependencies holds both directions of a transaction's edges.
// Required edges point at the writers this transaction reads from;
// dependent edges point at the readers of what this transaction writes.
type CrossShardDependencies struct {
	Required  []CrossShardEdge `json:"required,omitempty"`
	Dependent []CrossShardEdge `json:"dependent,omitempty"`
}

// AddRequiredEdge records that this transaction reads loc as written by src
func (d *CrossShardDependencies) AddRequiredEdge(src ShardedTxnIndex, loc StorageLocation) {
	d.Required = addEdge(d.Required, src, loc)
}

// AddDependentEdge records that dst reads loc as written by this transaction
func (d *CrossShardDependencies) AddDependentEdge(dst ShardedTxnIndex, loc StorageLocation) {
	d.Dependent = addEdge(d.Dependent, dst, loc)
}

func addEdge(edges []CrossShardEdge, txn ShardedTxnIndex, loc StorageLocation) []CrossShardEdge {
	for i := range edges {
		if edges[i].Txn == txn {
			for _, existing := range edges[i].Locations {
				if existing == loc {
					return edges
				}
			}
			edges[i].Locations = append(edges[i].Locations, loc)
			return edges
		}
	}
	return append(edges, CrossShardEdge{Txn: txn, Locations: []StorageLocation{loc}})
}

// TxOp is the state transition a transaction applies to its write set
type TxOp uint8

const (
	// OpSet writes Amount to every write location
	OpSet TxOp = iota
	// OpAdd writes sum(reads) + Amount to every write location
	OpAdd
	// OpSub writes sum(reads) - Amount; an underflow discards the transaction
	OpSub
	// OpFail makes the executor abort the whole sub-block with a fatal status
	OpFail
)

func (o TxOp) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Transaction is a user transaction with declared read and write locations
type Transaction struct {
	Sender common.Address    `json:"sender"`
	Op     TxOp              `json:"op"`
	Amount *uint256.Int      `json:"amount"`
	Reads  []StorageLocation `json:"reads,omitempty"`
	Writes []StorageLocation `json:"writes,omitempty"`
}

// Hash returns the keccak256 hash of the transaction's RLP encoding
func (tx *Transaction) Hash() common.Hash {
	amount := tx.Amount
	if amount == nil {
		amount = new(uint256.Int)
	}
	enc, _ := rlp.EncodeToBytes(&struct {
		Sender common.Address
		Op     uint8
		Amount []byte
		Reads  []StorageLocation
		Writes []StorageLocation
	}{tx.Sender, uint8(tx.Op), amount.Bytes(), tx.Reads, tx.Writes})
	return crypto.Keccak256Hash(enc)
}

// AnalyzedTransaction is a transaction annotated by the partitioner
type AnalyzedTransaction struct {
	Txn  Transaction            `json:"txn"`
	Deps CrossShardDependencies `json:"deps"`
}

// TxStatus is the outcome of a single transaction
type TxStatus string

const (
	TxKeep    TxStatus = "keep"
	TxDiscard TxStatus = "discard"
	TxRetry   TxStatus = "retry"
)

// WriteOp is a single committed write. Deletion marks the key as removed.
type WriteOp struct {
	Key      StorageKey `json:"key"`
	Value    []byte     `json:"value,omitempty"`
	Deletion bool       `json:"deletion,omitempty"`
}

// TransactionOutput is what the executor produces per transaction
type TransactionOutput struct {
	WriteSet []WriteOp `json:"write_set,omitempty"`
	GasUsed  uint64    `json:"gas_used"`
	Status   TxStatus  `json:"status"`
}
