package shard

import (
	"sync"

	"go.uber.org/zap"
)

// BlockBuffer releases blocks strictly in height order. Every node of a
// multi-process session must execute the same block sequence, so a block
// that arrives ahead of its predecessors is held until the gap is filled.
type BlockBuffer struct {
	mu        sync.Mutex
	expected  uint64                   // Next expected block height
	buffered  map[uint64]*BlockRequest // Out-of-order blocks waiting to be executed
	maxBuffer int
	log       *zap.Logger
}

// NewBlockBuffer creates a new BlockBuffer.
// startHeight is the first block height expected.
// maxBuffer limits memory usage by capping buffered blocks.
func NewBlockBuffer(startHeight uint64, maxBuffer int, log *zap.Logger) *BlockBuffer {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlockBuffer{
		expected:  startHeight,
		buffered:  make(map[uint64]*BlockRequest),
		maxBuffer: maxBuffer,
		log:       log,
	}
}

// ProcessBlock handles an incoming block and returns the blocks ready to be
// executed in order. Returns nil if the block was buffered or ignored.
//
// Behavior:
// - If req.Height == expected: release it, then drain any buffered successors
// - If req.Height > expected: buffer for later (if within maxBuffer limit)
// - If req.Height < expected: ignore (duplicate or already executed)
func (b *BlockBuffer) ProcessBlock(req *BlockRequest) []*BlockRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.Height == b.expected {
		result := []*BlockRequest{req}
		b.expected++

		for {
			next, ok := b.buffered[b.expected]
			if !ok {
				break
			}
			result = append(result, next)
			delete(b.buffered, b.expected)
			b.expected++
			b.log.Debug("Released buffered block", zap.Uint64("height", b.expected-1))
		}
		return result
	}

	if req.Height > b.expected {
		if len(b.buffered) >= b.maxBuffer {
			b.log.Warn("Block buffer full, dropping block",
				zap.Int("buffered", len(b.buffered)),
				zap.Uint64("height", req.Height),
				zap.Uint64("expected", b.expected))
			return nil
		}
		if _, exists := b.buffered[req.Height]; exists {
			b.log.Warn("Block already buffered", zap.Uint64("height", req.Height))
			return nil
		}

		b.buffered[req.Height] = req
		b.log.Info("Buffered out-of-order block",
			zap.Uint64("height", req.Height),
			zap.Uint64("expected", b.expected),
			zap.Int("buffered", len(b.buffered)))
		return nil
	}

	b.log.Warn("Ignoring old block", zap.Uint64("height", req.Height), zap.Uint64("expected", b.expected))
	return nil
}

// Expected returns the next expected block height.
func (b *BlockBuffer) Expected() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expected
}

// BufferedCount returns the number of currently buffered blocks.
func (b *BlockBuffer) BufferedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffered)
}

// IsBuffered reports whether height is waiting in the buffer.
func (b *BlockBuffer) IsBuffered(height uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.buffered[height]
	return ok
}
