package protocol

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func testLocation(addr byte, slot byte) StorageLocation {
	return StorageLocation{
		Address: common.BytesToAddress([]byte{addr}),
		Slot:    common.BytesToHash([]byte{slot}),
	}
}

func TestStorageLocation_StateKey(t *testing.T) {
	a := testLocation(1, 1)
	b := testLocation(1, 2)

	require.Equal(t, a.StateKey(), testLocation(1, 1).StateKey())
	require.NotEqual(t, a.StateKey(), b.StateKey())
	require.NotEqual(t, common.Hash{}, a.StateKey())
}

func TestCrossShardDependencies_EdgesAreSets(t *testing.T) {
	var deps CrossShardDependencies
	src := ShardedTxnIndex{TxnIndex: 3, ShardID: 1, Round: 0}
	loc := testLocation(7, 1)

	deps.AddRequiredEdge(src, loc)
	deps.AddRequiredEdge(src, loc)
	deps.AddRequiredEdge(src, testLocation(7, 2))
	deps.AddRequiredEdge(ShardedTxnIndex{TxnIndex: 4, ShardID: 1, Round: 0}, loc)

	require.Len(t, deps.Required, 2)
	require.Len(t, deps.Required[0].Locations, 2)
	require.Empty(t, deps.Dependent)
}

func TestTransaction_Hash(t *testing.T) {
	tx := Transaction{Op: OpAdd, Amount: uint256.NewInt(5), Writes: []StorageLocation{testLocation(1, 1)}}
	same := tx
	other := tx
	other.Amount = uint256.NewInt(6)

	require.Equal(t, tx.Hash(), same.Hash())
	require.NotEqual(t, tx.Hash(), other.Hash())

	// nil amount hashes like zero
	zero := Transaction{Op: OpSet, Amount: new(uint256.Int)}
	nilAmount := Transaction{Op: OpSet}
	require.Equal(t, zero.Hash(), nilAmount.Hash())
}

func TestCrossShardMsg_EncodeDecode(t *testing.T) {
	key := testLocation(2, 3).StateKey()
	msgs := []CrossShardMsg{
		NewValueMsg(4, 1, WriteOp{Key: key, Value: []byte{0xaa, 0xbb}}),
		NewValueMsg(4, 1, WriteOp{Key: key, Deletion: true}),
		NewStopMsg(9, 0),
		NewAbortMsg(2, 3),
	}
	for _, msg := range msgs {
		enc, err := msg.Encode()
		require.NoError(t, err)

		got, err := DecodeCrossShardMsg(enc)
		require.NoError(t, err)
		require.Equal(t, msg.Kind, got.Kind, msg.Kind.String())
		require.Equal(t, msg.Epoch, got.Epoch)
		require.Equal(t, msg.From, got.From)
		require.Equal(t, msg.Key, got.Key)
		require.Equal(t, msg.Deletion, got.Deletion)
		require.Equal(t, len(msg.Value), len(got.Value))
	}
}

func TestDecodeCrossShardMsg_Garbage(t *testing.T) {
	_, err := DecodeCrossShardMsg([]byte{0x01, 0x02})
	require.Error(t, err)

	bad := CrossShardMsg{Kind: MsgKind(9)}
	enc, err := bad.Encode()
	require.NoError(t, err)
	_, err = DecodeCrossShardMsg(enc)
	require.ErrorContains(t, err, "unknown message kind")
}

func TestPartitionedBlock_Validate(t *testing.T) {
	block := &PartitionedBlock{Shards: []SubBlocksForShard{{ShardID: 0}, {ShardID: 1}}}
	require.NoError(t, block.Validate())

	block.Shards[1].ShardID = 5
	require.Error(t, block.Validate())

	block.Shards[1].ShardID = 1
	block.Shards[1].SubBlocks = make([]SubBlock, MaxAllowedPartitioningRounds+1)
	require.Error(t, block.Validate())
}

func TestLoadPartitionedBlock(t *testing.T) {
	block := PartitionedBlock{Shards: []SubBlocksForShard{{
		ShardID: 0,
		SubBlocks: []SubBlock{{
			StartIndex: 0,
			Transactions: []AnalyzedTransaction{{
				Txn: Transaction{Op: OpSet, Amount: uint256.NewInt(42), Writes: []StorageLocation{testLocation(1, 1)}},
			}},
		}},
	}}}
	data, err := json.Marshal(block)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "block.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := LoadPartitionedBlock(path)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.NumShards())
	require.Equal(t, 1, loaded.Shards[0].NumTxns())
	require.Equal(t, block.Shards[0].SubBlocks[0].Hash(), loaded.Shards[0].SubBlocks[0].Hash())

	_, err = LoadPartitionedBlock(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
