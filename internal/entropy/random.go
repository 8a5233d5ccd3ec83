// Package entropy supplies random sources for the simulation.
// Experiment seeds come from crypto/rand when none is configured; every
// agent then draws from its own deterministic stream derived from the
// seed, its id and the step, so results do not depend on which worker
// evaluates which agent.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
)

// ResolveSeed returns seed, or a fresh non-zero random seed when seed is 0.
func ResolveSeed(seed int64) int64 {
	for seed == 0 {
		seed = int64(cryptoUint64() >> 1)
	}
	return seed
}

// Stream returns a random source unique to (seed, run, agent, step).
func Stream(seed int64, run int, agent, step uint64) *mrand.Rand {
	h := mix(uint64(seed))
	h = mix(h ^ uint64(run))
	h = mix(h ^ agent)
	h = mix(h ^ step)
	return mrand.New(mrand.NewSource(int64(h)))
}

// mix is the splitmix64 finaliser.
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func cryptoUint64() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// This should never happen; fall back to the global source.
		return mrand.Uint64()
	}
	return binary.LittleEndian.Uint64(buf[:])
}
