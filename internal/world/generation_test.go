package world

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/ecosim/internal/simerr"
)

func TestNewHabitatValidates(t *testing.T) {
	_, err := NewHabitat(HabitatConfig{Dimensions: 0, Size: 10, Scale: 0.1})
	require.ErrorIs(t, err, simerr.ErrInvalidArgument)

	_, err = NewHabitat(HabitatConfig{Dimensions: 2, Size: 0, Scale: 0.1})
	require.ErrorIs(t, err, simerr.ErrInvalidArgument)

	_, err = NewHabitat(HabitatConfig{Dimensions: 2, Size: 10})
	require.ErrorIs(t, err, simerr.ErrInvalidArgument)
}

func TestQualityInRangeAndDeterministic(t *testing.T) {
	for dims := 1; dims <= 5; dims++ {
		a, err := NewHabitat(HabitatConfig{Dimensions: dims, Size: 50, Scale: 0.1, Seed: 9})
		require.NoError(t, err)
		b, err := NewHabitat(HabitatConfig{Dimensions: dims, Size: 50, Scale: 0.1, Seed: 9})
		require.NoError(t, err)

		rng := rand.New(rand.NewSource(int64(dims)))
		for i := 0; i < 200; i++ {
			pos := a.Place(rng)
			require.Len(t, pos, dims)
			q := a.Quality(pos)
			assert.GreaterOrEqual(t, q, 0.0)
			assert.LessOrEqual(t, q, 1.0)
			assert.Equal(t, q, b.Quality(pos))
		}
	}
}

func TestContain(t *testing.T) {
	wrap, err := NewHabitat(HabitatConfig{Dimensions: 3, Size: 10, Scale: 0.1, Wrap: true, Seed: 1})
	require.NoError(t, err)
	pos := []float64{-1, 12.5, 5}
	wrap.Contain(pos)
	assert.InDeltaSlice(t, []float64{9, 2.5, 5}, pos, 1e-12)

	clamp, err := NewHabitat(HabitatConfig{Dimensions: 2, Size: 10, Scale: 0.1, Seed: 1})
	require.NoError(t, err)
	pos = []float64{-1, 12.5}
	clamp.Contain(pos)
	assert.Equal(t, 0.0, pos[0])
	assert.Less(t, pos[1], 10.0)
	assert.InDelta(t, 10.0, pos[1], 1e-9)
}

func TestPlaceWithinBounds(t *testing.T) {
	h, err := NewHabitat(HabitatConfig{Dimensions: 2, Size: 20, Scale: 0.05, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(3), h.Seed())

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 500; i++ {
		for _, v := range h.Place(rng) {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.Less(t, v, 20.0)
		}
	}
}
