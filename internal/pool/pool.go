// Package pool provides a bounded worker pool whose tasks are always joined
// by the scope that spawned them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrTaskPanic is returned by Scope when one of its tasks panicked
var ErrTaskPanic = errors.New("pool task panicked")

// Pool bounds the number of tasks running at once across all scopes
type Pool struct {
	size int
	sem  *semaphore.Weighted
}

func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

func (p *Pool) Size() int {
	return p.size
}

// Scope runs fn and waits for every task it spawned. The first task error
// (or panic) is returned.
func (p *Pool) Scope(fn func(s *Scope)) error {
	s := &Scope{pool: p}
	fn(s)
	return s.group.Wait()
}

// Scope spawns tasks on a pool. It is only valid inside Pool.Scope.
type Scope struct {
	pool  *Pool
	group errgroup.Group
}

// Go acquires a worker slot, blocking the caller until one is free, and
// runs task on it. Slots are handed out in call order.
func (s *Scope) Go(task func() error) {
	// Background context: a scope never abandons a task it was asked to run.
	_ = s.pool.sem.Acquire(context.Background(), 1)
	s.group.Go(func() (err error) {
		defer s.pool.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v\n%s", ErrTaskPanic, r, debug.Stack())
			}
		}()
		return task()
	})
}
