// Package sched runs bulk per-element work as divide-and-conquer tasks on
// a fixed-size worker pool.
//
// A Pool is entered with Run; ForEach and Transform find the pool on the
// context they are given and fail with ErrIllegalState when there is none.
// Calls block until every forked task has finished. There is no
// cancellation: a scheduled task always runs to completion.
package sched

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/talgya/ecosim/internal/simerr"
)

// Pool bounds how many forked tasks execute concurrently.
type Pool struct {
	workers int
	slots   *semaphore.Weighted
}

// NewPool creates a pool with the given number of workers. Zero or a
// negative count sizes the pool to the available hardware parallelism.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		workers: workers,
		slots:   semaphore.NewWeighted(int64(workers)),
	}
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return p.workers
}

type poolKey struct{}

// Run executes fn inside the pool's execution context.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, poolKey{}, p))
}

// FromContext returns the pool whose execution context ctx belongs to.
func FromContext(ctx context.Context) (*Pool, error) {
	p, ok := ctx.Value(poolKey{}).(*Pool)
	if !ok || p == nil {
		return nil, fmt.Errorf("sched: no active worker pool on context: %w", simerr.ErrIllegalState)
	}
	return p, nil
}

// join is one fork level. Forked tasks take a free pool slot when there
// is one; otherwise they run inline on the forking goroutine, so nested
// fork/join on a saturated pool cannot deadlock.
type join struct {
	pool *Pool
	g    errgroup.Group

	mu  sync.Mutex
	err error
}

func (j *join) fork(fn func() error) {
	if j.pool.slots.TryAcquire(1) {
		j.g.Go(func() error {
			defer j.pool.slots.Release(1)
			return guard(fn)
		})
		return
	}
	j.record(guard(fn))
}

func (j *join) record(err error) {
	if err == nil {
		return
	}
	j.mu.Lock()
	if j.err == nil {
		j.err = err
	}
	j.mu.Unlock()
}

// wait blocks until every task forked at this level is done and then
// returns the first failure, if any.
func (j *join) wait() error {
	if err := j.g.Wait(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sched: task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
