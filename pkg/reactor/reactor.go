// Package reactor provides the cooperative loop that drives the SPI
// connector and the completion handles it resolves for its callers.
package reactor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common errors
var (
	ErrCancelled = errors.New("reactor: operation cancelled")
	ErrTimeout   = errors.New("reactor: operation timed out")
)

// Completion represents an async operation that will complete with a result
// or an error. It is resolved at most once; later calls are ignored.
type Completion[T any] struct {
	result T
	err    error
	done   chan struct{}
	once   sync.Once
}

// NewCompletion creates an unresolved completion
func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Test returns true if the completion has a result.
func (c *Completion[T]) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete sets the result and wakes any waiters. It reports whether this
// call resolved the completion.
func (c *Completion[T]) Complete(result T) bool {
	resolved := false
	c.once.Do(func() {
		c.result = result
		close(c.done)
		resolved = true
	})
	return resolved
}

// Fail resolves the completion with an error.
func (c *Completion[T]) Fail(err error) bool {
	resolved := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the completion is resolved
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome without blocking. ok is false while the
// completion is still pending.
func (c *Completion[T]) Result() (result T, err error, ok bool) {
	if !c.Test() {
		return result, nil, false
	}
	return c.result, c.err, true
}

// Wait blocks until the completion is done or ctx ends.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout blocks until the completion is done or the timeout expires.
func (c *Completion[T]) WaitTimeout(timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return c.result, c.err
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	}
}

// CycleFunc performs one iteration of a Loop. A non-nil error stops the loop.
type CycleFunc func(ctx context.Context) error

// Loop calls a cycle function repeatedly with a fixed pause in between. The
// pause can be cut short with Wake. Cancellation is only observed between
// cycles, so a cycle in progress always runs to completion.
type Loop struct {
	interval time.Duration
	cycle    CycleFunc
	wake     chan struct{}

	mu     sync.Mutex
	cycles uint64
}

// NewLoop creates a loop running cycle every interval
func NewLoop(interval time.Duration, cycle CycleFunc) *Loop {
	return &Loop{
		interval: interval,
		cycle:    cycle,
		wake:     make(chan struct{}, 1),
	}
}

// Wake makes a sleeping loop start its next cycle immediately
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Cycles returns the number of completed cycles
func (l *Loop) Cycles() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cycles
}

// Run executes cycles until ctx is cancelled or a cycle fails. It returns
// the cycle error, or ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := l.cycle(ctx); err != nil {
			return err
		}
		l.mu.Lock()
		l.cycles++
		l.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
