package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPool_MinimumSize(t *testing.T) {
	require.Equal(t, 1, New(0).Size())
	require.Equal(t, 5, New(5).Size())
}

func TestScope_JoinsAllTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(4)
	var done atomic.Int32
	err := p.Scope(func(s *Scope) {
		for i := 0; i < 20; i++ {
			s.Go(func() error {
				time.Sleep(time.Millisecond)
				done.Add(1)
				return nil
			})
		}
	})
	require.NoError(t, err)
	require.Equal(t, int32(20), done.Load())
}

func TestScope_BoundsConcurrency(t *testing.T) {
	p := New(3)
	var running, peak atomic.Int32
	err := p.Scope(func(s *Scope) {
		for i := 0; i < 12; i++ {
			s.Go(func() error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}
	})
	require.NoError(t, err)
	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestScope_NestedScopesShareSlots(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(3)
	var inner atomic.Int32
	err := p.Scope(func(s *Scope) {
		s.Go(func() error {
			return p.Scope(func(s2 *Scope) {
				for i := 0; i < 6; i++ {
					s2.Go(func() error {
						inner.Add(1)
						return nil
					})
				}
			})
		})
	})
	require.NoError(t, err)
	require.Equal(t, int32(6), inner.Load())
}

func TestScope_ReturnsTaskError(t *testing.T) {
	p := New(2)
	boom := errors.New("boom")
	err := p.Scope(func(s *Scope) {
		s.Go(func() error { return nil })
		s.Go(func() error { return boom })
	})
	require.ErrorIs(t, err, boom)
}

func TestScope_RecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(2)
	var wg sync.WaitGroup
	wg.Add(1)
	err := p.Scope(func(s *Scope) {
		s.Go(func() error {
			defer wg.Done()
			panic("receiver exploded")
		})
	})
	wg.Wait()
	require.ErrorIs(t, err, ErrTaskPanic)
	require.ErrorContains(t, err, "receiver exploded")

	// the slot held by the panicking task was released
	require.NoError(t, p.Scope(func(s *Scope) {
		s.Go(func() error { return nil })
		s.Go(func() error { return nil })
	}))
}
