package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// MsgKind tags a cross-shard message
type MsgKind uint8

const (
	// MsgValue carries a committed value for a key another shard depends on
	MsgValue MsgKind = iota
	// MsgStop tells a receiver no more values arrive for its round
	MsgStop
	// MsgAbort tells a receiver the sending shard failed and the block is dead
	MsgAbort
)

func (k MsgKind) String() string {
	switch k {
	case MsgValue:
		return "value"
	case MsgStop:
		return "stop"
	case MsgAbort:
		return "abort"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// CrossShardMsg is exchanged over the per (destination, round) channels.
// Epoch identifies the block execution the message belongs to.
type CrossShardMsg struct {
	Kind     MsgKind
	Epoch    uint64
	From     uint64
	Key      StorageKey
	Value    []byte
	Deletion bool
}

func NewValueMsg(epoch uint64, from int, write WriteOp) CrossShardMsg {
	return CrossShardMsg{
		Kind:     MsgValue,
		Epoch:    epoch,
		From:     uint64(from),
		Key:      write.Key,
		Value:    write.Value,
		Deletion: write.Deletion,
	}
}

func NewStopMsg(epoch uint64, from int) CrossShardMsg {
	return CrossShardMsg{Kind: MsgStop, Epoch: epoch, From: uint64(from)}
}

func NewAbortMsg(epoch uint64, from int) CrossShardMsg {
	return CrossShardMsg{Kind: MsgAbort, Epoch: epoch, From: uint64(from)}
}

// Encode returns the RLP encoding used on the wire
func (m *CrossShardMsg) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(m)
}

// DecodeCrossShardMsg parses a message produced by Encode
func DecodeCrossShardMsg(data []byte) (CrossShardMsg, error) {
	var m CrossShardMsg
	if err := rlp.DecodeBytes(data, &m); err != nil {
		return CrossShardMsg{}, fmt.Errorf("decode cross-shard message: %w", err)
	}
	if m.Kind > MsgAbort {
		return CrossShardMsg{}, fmt.Errorf("unknown message kind %d", m.Kind)
	}
	return m, nil
}
