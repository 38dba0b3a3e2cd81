// Package pool runs render tasks on a process-wide bounded set of slots.
package pool

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool is the global render worker pool. Every job submits its segment tasks
// here, so concurrent jobs compete for the same slots.
type Pool struct {
	slots  *semaphore.Weighted
	size   int
	active atomic.Int64
	queued atomic.Int64
}

// New creates a pool with size slots (minimum 1).
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{slots: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Active is the number of tasks currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Queued is the number of tasks waiting for a slot.
func (p *Pool) Queued() int { return int(p.queued.Load()) }

// Group is the set of tasks of one job. The first failing task aborts the
// tasks that have not started yet; tasks already running are left to finish.
type Group struct {
	pool   *Pool
	eg     errgroup.Group
	gate   context.Context
	cancel context.CancelCauseFunc
	runCtx context.Context
}

// Group starts a task group bound to ctx.
func (p *Pool) Group(ctx context.Context) *Group {
	gate, cancel := context.WithCancelCause(ctx)
	return &Group{
		pool:   p,
		gate:   gate,
		cancel: cancel,
		runCtx: context.WithoutCancel(ctx),
	}
}

// Go submits a task. fn receives a context that keeps the caller's values but
// is never canceled by a sibling failure.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.pool.queued.Add(1)
	g.eg.Go(func() error {
		err := g.pool.slots.Acquire(g.gate, 1)
		g.pool.queued.Add(-1)
		if err != nil {
			return context.Cause(g.gate)
		}
		defer g.pool.slots.Release(1)

		// Acquire may succeed on an already canceled context.
		if g.gate.Err() != nil {
			return context.Cause(g.gate)
		}

		g.pool.active.Add(1)
		defer g.pool.active.Add(-1)

		if err := safeCall(g.runCtx, fn); err != nil {
			// cancel before the slot is released so no waiter slips through
			g.cancel(err)
			return err
		}
		return nil
	})
}

// Wait blocks until every submitted task has finished or been skipped and
// returns the first error.
func (g *Group) Wait() error {
	err := g.eg.Wait()
	g.cancel(nil)
	return err
}

// safeCall turns a panicking task into an error.
func safeCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}
