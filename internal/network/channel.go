package network

import (
	"context"
	"errors"
	"sync"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

var (
	// ErrChannelClosed is returned on a channel that was torn down
	ErrChannelClosed = errors.New("cross-shard channel closed")
)

// Outbound is the send end of a cross-shard channel
type Outbound interface {
	Send(msg protocol.CrossShardMsg) error
}

// Inbound is the receive end of a cross-shard channel
type Inbound interface {
	// Recv blocks until a message is available, the channel is closed and
	// drained, or ctx is done.
	Recv(ctx context.Context) (protocol.CrossShardMsg, error)
}

// LocalChannel is an unbounded in-process FIFO channel. Send never blocks,
// so a commit callback can publish from inside the executor without
// waiting on the destination shard.
type LocalChannel struct {
	mu     sync.Mutex
	queue  []protocol.CrossShardMsg
	notify chan struct{} // closed and replaced whenever the queue grows
	closed bool
}

func NewLocalChannel() *LocalChannel {
	return &LocalChannel{notify: make(chan struct{})}
}

func (c *LocalChannel) Send(msg protocol.CrossShardMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.queue = append(c.queue, msg)
	close(c.notify)
	c.notify = make(chan struct{})
	return nil
}

func (c *LocalChannel) Recv(ctx context.Context) (protocol.CrossShardMsg, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue[0] = protocol.CrossShardMsg{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return msg, nil
		}
		if c.closed {
			c.mu.Unlock()
			return protocol.CrossShardMsg{}, ErrChannelClosed
		}
		wait := c.notify
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return protocol.CrossShardMsg{}, ctx.Err()
		}
	}
}

// Len returns the number of queued messages
func (c *LocalChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close makes further sends fail. Queued messages can still be received.
func (c *LocalChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.notify)
	c.notify = make(chan struct{})
}

// ChannelSet holds every channel of an in-process session, indexed by
// [destination shard][round]. All channels are created up front.
type ChannelSet struct {
	channels [][]*LocalChannel
}

func NewChannelSet(numShards, numRounds int) *ChannelSet {
	channels := make([][]*LocalChannel, numShards)
	for shard := range channels {
		channels[shard] = make([]*LocalChannel, numRounds)
		for round := range channels[shard] {
			channels[shard][round] = NewLocalChannel()
		}
	}
	return &ChannelSet{channels: channels}
}

func (s *ChannelSet) Channel(shard, round int) *LocalChannel {
	return s.channels[shard][round]
}

// Inbound returns the receive ends of shard, indexed by round
func (s *ChannelSet) Inbound(shard int) []Inbound {
	row := make([]Inbound, len(s.channels[shard]))
	for round, ch := range s.channels[shard] {
		row[round] = ch
	}
	return row
}

// Outbound returns the full send matrix, indexed by [destination][round]
func (s *ChannelSet) Outbound() [][]Outbound {
	return s.OutboundWith(func(out Outbound) Outbound { return out })
}

// OutboundWith is Outbound with every send end passed through wrap
func (s *ChannelSet) OutboundWith(wrap func(Outbound) Outbound) [][]Outbound {
	matrix := make([][]Outbound, len(s.channels))
	for shard, row := range s.channels {
		matrix[shard] = make([]Outbound, len(row))
		for round, ch := range row {
			matrix[shard][round] = wrap(ch)
		}
	}
	return matrix
}

// Close closes every channel
func (s *ChannelSet) Close() {
	for _, row := range s.channels {
		for _, ch := range row {
			ch.Close()
		}
	}
}
