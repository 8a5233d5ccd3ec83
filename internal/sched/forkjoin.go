package sched

import (
	"context"
	"fmt"

	"github.com/talgya/ecosim/internal/simerr"
)

// ForEach applies op to every element exactly once. Below threshold the
// elements are processed sequentially in order; otherwise they are split
// into contiguous chunks of threshold elements that run concurrently.
// No ordering is guaranteed across chunks.
func ForEach[T any](ctx context.Context, elements []T, op func(context.Context, T) error, threshold int) error {
	pool, err := FromContext(ctx)
	if err != nil {
		return err
	}
	if threshold < 1 {
		return fmt.Errorf("sched: threshold must be >= 1, got %d: %w", threshold, simerr.ErrInvalidArgument)
	}
	if len(elements) == 0 {
		return nil
	}
	if len(elements) < threshold {
		return sequential(ctx, elements, op)
	}

	j := &join{pool: pool}
	for start := 0; start < len(elements); start += threshold {
		end := min(start+threshold, len(elements))
		chunk := elements[start:end]
		j.fork(func() error {
			return sequential(ctx, chunk, op)
		})
	}
	return j.wait()
}

func sequential[T any](ctx context.Context, elements []T, op func(context.Context, T) error) error {
	for _, e := range elements {
		if err := op(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Transform maps fn over elements[lo:hi]. Ranges longer than threshold
// are split at the midpoint; the left half is forked and the right half
// computed inline. The result is in input order.
func Transform[T, R any](ctx context.Context, elements []T, lo, hi, threshold int, fn func(context.Context, T) (R, error)) ([]R, error) {
	pool, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if threshold < 1 {
		return nil, fmt.Errorf("sched: threshold must be >= 1, got %d: %w", threshold, simerr.ErrInvalidArgument)
	}
	if lo < 0 || hi > len(elements) || lo > hi {
		return nil, fmt.Errorf("sched: range [%d,%d) outside [0,%d): %w", lo, hi, len(elements), simerr.ErrInvalidArgument)
	}

	out := make([]R, hi-lo)
	if err := transform(ctx, pool, elements[lo:hi], out, threshold, fn); err != nil {
		return nil, err
	}
	return out, nil
}

func transform[T, R any](ctx context.Context, pool *Pool, in []T, out []R, threshold int, fn func(context.Context, T) (R, error)) error {
	if len(in) <= threshold {
		for i, e := range in {
			r, err := fn(ctx, e)
			if err != nil {
				return err
			}
			out[i] = r
		}
		return nil
	}

	mid := len(in) / 2
	j := &join{pool: pool}
	j.fork(func() error {
		return transform(ctx, pool, in[:mid], out[:mid], threshold, fn)
	})
	j.record(guard(func() error {
		return transform(ctx, pool, in[mid:], out[mid:], threshold, fn)
	}))
	return j.wait()
}
