package shard

import "sync"

// Promise is a one-shot, single-result handoff from a producer task to a
// waiting consumer.
type Promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve sets the result. Only the first call has an effect; it reports
// whether this call resolved the promise.
func (p *Promise[T]) Resolve(value T) bool {
	resolved := false
	p.once.Do(func() {
		p.value = value
		close(p.done)
		resolved = true
	})
	return resolved
}

// Wait blocks until the promise is resolved
func (p *Promise[T]) Wait() T {
	<-p.done
	return p.value
}

func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}
