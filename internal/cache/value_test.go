package cache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/ecosim/internal/simerr"
)

type fakeClock struct {
	step     uint64
	attached bool
}

func (c *fakeClock) CurrentStep() (uint64, bool) { return c.step, c.attached }

func counting(calls *int, val func() float64) func() (float64, error) {
	return func() (float64, error) {
		*calls++
		return val(), nil
	}
}

func TestExpiresAtBirthComputesOnce(t *testing.T) {
	clock := &fakeClock{step: 3, attached: true}
	calls := 0
	v := New(clock, counting(&calls, func() float64 { return 1.5 }), ExpiresAtBirth)

	for i := 0; i < 2; i++ {
		got, err := v.Get()
		require.NoError(t, err)
		assert.Equal(t, 1.5, got)
	}
	assert.Equal(t, 1, calls)

	clock.step = 99
	_, err := v.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "birth values survive later steps")
}

func TestExpiresEveryStepRecomputesPerStep(t *testing.T) {
	clock := &fakeClock{step: 1, attached: true}
	calls := 0
	v := New(clock, counting(&calls, func() float64 { return float64(clock.step) }), ExpiresEveryStep)

	got, err := v.Get()
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	_, err = v.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "same step reuses the value")

	clock.step = 2
	got, err = v.Get()
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)
	assert.Equal(t, 2, calls)
}

func TestInvalidateForcesRecompute(t *testing.T) {
	clock := &fakeClock{step: 1, attached: true}
	calls := 0
	v := New(clock, counting(&calls, func() float64 { return 0 }), ExpiresAtBirth)

	_, err := v.Get()
	require.NoError(t, err)
	v.Invalidate()
	_, err = v.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestUnattachedOwnerIsIllegalState(t *testing.T) {
	calls := 0
	v := New(&fakeClock{}, counting(&calls, func() float64 { return 0 }), ExpiresAtBirth)
	_, err := v.Get()
	require.ErrorIs(t, err, simerr.ErrIllegalState)
	assert.Zero(t, calls)

	orphan := New[int](nil, func() (int, error) { return 1, nil }, ExpiresAtBirth)
	_, err = orphan.Get()
	require.ErrorIs(t, err, simerr.ErrIllegalState)
}

func TestSupplierErrorIsNotCached(t *testing.T) {
	clock := &fakeClock{step: 1, attached: true}
	fail := true
	v := New(clock, func() (string, error) {
		if fail {
			return "", errors.New("not yet")
		}
		return "ok", nil
	}, ExpiresAtBirth)

	_, err := v.Get()
	require.Error(t, err)

	fail = false
	got, err := v.Get()
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("expiresAtBirth")
	require.NoError(t, err)
	assert.Equal(t, ExpiresAtBirth, p)

	p, err = ParsePolicy("expiresEveryStep")
	require.NoError(t, err)
	assert.Equal(t, ExpiresEveryStep, p)
	assert.Equal(t, "expiresEveryStep", p.String())

	_, err = ParsePolicy("expiresNever")
	require.ErrorIs(t, err, simerr.ErrInvalidArgument)

	var decoded Policy
	require.NoError(t, decoded.UnmarshalText([]byte("expiresEveryStep")))
	assert.Equal(t, ExpiresEveryStep, decoded)
}
