// Package cache holds per-agent derived values that are recomputed lazily
// according to a step-aware expiry policy.
package cache

import (
	"fmt"
	"sync"

	"github.com/talgya/ecosim/internal/simerr"
)

// StepSource reports the owner's current simulation step. attached is
// false until the owner joins a simulation.
type StepSource interface {
	CurrentStep() (step uint64, attached bool)
}

// Value is a single-slot memo bound to an owner and an expiry policy.
//
// Value is built for one writer: the agent that owns it, evaluated by at
// most one worker per step. The fields are guarded, but the supplier runs
// outside the lock, so an Invalidate racing a Get can lead to more than
// one supplier call for the same step. That is accepted; callers needing
// exactly-once semantics must serialise access themselves.
type Value[T any] struct {
	owner    StepSource
	supplier func() (T, error)
	policy   Policy

	mu       sync.Mutex
	value    T
	step     uint64
	computed bool
}

// New binds supplier and policy to owner. Nothing is computed until Get.
func New[T any](owner StepSource, supplier func() (T, error), policy Policy) *Value[T] {
	return &Value[T]{
		owner:    owner,
		supplier: supplier,
		policy:   policy,
	}
}

// Policy returns the expiry policy.
func (v *Value[T]) Policy() Policy {
	return v.policy
}

// Get returns the cached value, recomputing it first when nothing has been
// computed yet or the policy reports it stale. Supplier errors are
// returned and leave the previous state untouched.
func (v *Value[T]) Get() (T, error) {
	var zero T
	if v.owner == nil {
		return zero, fmt.Errorf("cache: value has no owner: %w", simerr.ErrIllegalState)
	}
	current, attached := v.owner.CurrentStep()
	if !attached {
		return zero, fmt.Errorf("cache: owner not attached to a simulation: %w", simerr.ErrIllegalState)
	}

	v.mu.Lock()
	if v.computed && !v.policy.Stale(v.step, current) {
		val := v.value
		v.mu.Unlock()
		return val, nil
	}
	v.mu.Unlock()

	val, err := v.supplier()
	if err != nil {
		return zero, err
	}

	v.mu.Lock()
	v.value = val
	v.step = current
	v.computed = true
	v.mu.Unlock()
	return val, nil
}

// Invalidate forces the next Get to recompute regardless of policy.
func (v *Value[T]) Invalidate() {
	v.mu.Lock()
	v.computed = false
	v.mu.Unlock()
}
