package entropy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveSeed(t *testing.T) {
	assert.Equal(t, int64(17), ResolveSeed(17))
	assert.NotZero(t, ResolveSeed(0))
}

func TestStreamIsDeterministicAndDistinct(t *testing.T) {
	a := Stream(1, 0, 5, 9).Float64()
	b := Stream(1, 0, 5, 9).Float64()
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, Stream(1, 0, 5, 10).Float64())
	assert.NotEqual(t, a, Stream(1, 0, 6, 9).Float64())
	assert.NotEqual(t, a, Stream(1, 1, 5, 9).Float64())
	assert.NotEqual(t, a, Stream(2, 0, 5, 9).Float64())
}
