// Habitat generation using layered simplex noise.
// The habitat is a bounded k-dimensional box with a quality field in [0,1]
// that agents can sense and that biases where founders are placed.
package world

import (
	"fmt"
	"math"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/ecosim/internal/simerr"
)

// HabitatConfig holds habitat generation parameters.
type HabitatConfig struct {
	Dimensions int     // Number of spatial axes (>= 1)
	Size       float64 // Edge length of the box [0, Size) on every axis
	Scale      float64 // Base noise frequency
	Wrap       bool    // Positions wrap around edges instead of clamping
	Seed       int64   // Random seed (0 = random)
	Octaves    int     // Noise octaves (0 = 3)
}

// Habitat is immutable after construction and safe for concurrent reads.
type Habitat struct {
	cfg   HabitatConfig
	noise opensimplex.Noise
}

// NewHabitat validates cfg and builds the quality field.
func NewHabitat(cfg HabitatConfig) (*Habitat, error) {
	if cfg.Dimensions < 1 {
		return nil, fmt.Errorf("habitat: dimensions must be >= 1, got %d: %w", cfg.Dimensions, simerr.ErrInvalidArgument)
	}
	if !(cfg.Size > 0) || math.IsInf(cfg.Size, 0) {
		return nil, fmt.Errorf("habitat: size must be positive and finite, got %g: %w", cfg.Size, simerr.ErrInvalidArgument)
	}
	if !(cfg.Scale > 0) {
		return nil, fmt.Errorf("habitat: scale must be positive, got %g: %w", cfg.Scale, simerr.ErrInvalidArgument)
	}
	if cfg.Octaves <= 0 {
		cfg.Octaves = 3
	}
	if cfg.Seed == 0 {
		cfg.Seed = rand.Int63()
	}
	return &Habitat{cfg: cfg, noise: opensimplex.NewNormalized(cfg.Seed)}, nil
}

// Dimensions returns the number of axes.
func (h *Habitat) Dimensions() int { return h.cfg.Dimensions }

// Size returns the edge length of the box.
func (h *Habitat) Size() float64 { return h.cfg.Size }

// Seed returns the seed the noise field was built from.
func (h *Habitat) Seed() int64 { return h.cfg.Seed }

// Quality samples the habitat at pos. Only the first four axes contribute.
func (h *Habitat) Quality(pos []float64) float64 {
	var c [4]float64
	copy(c[:], pos)
	q := octaveNoise(h.noise, c, min(len(pos), 4), h.cfg.Octaves, h.cfg.Scale, 0.5)
	return math.Max(0, math.Min(1, q))
}

// Contain brings pos back inside the box in place, wrapping or clamping
// per configuration.
func (h *Habitat) Contain(pos []float64) {
	size := h.cfg.Size
	upper := math.Nextafter(size, 0)
	for i, v := range pos {
		if h.cfg.Wrap {
			v = math.Mod(v, size)
			if v < 0 {
				v += size
			}
			// -tiny + size rounds to size.
			if v >= size {
				v = 0
			}
		} else {
			v = math.Max(0, math.Min(v, upper))
		}
		pos[i] = v
	}
}

// Place picks a position, preferring good habitat: candidates are drawn
// uniformly and accepted with probability equal to their quality.
func (h *Habitat) Place(rng *rand.Rand) []float64 {
	const attempts = 32
	pos := make([]float64, h.cfg.Dimensions)
	for try := 0; try < attempts; try++ {
		for i := range pos {
			pos[i] = rng.Float64() * h.cfg.Size
		}
		if rng.Float64() < h.Quality(pos) {
			break
		}
	}
	return pos
}

// octaveNoise generates fractal noise by layering multiple frequencies.
func octaveNoise(noise opensimplex.Noise, c [4]float64, dims, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		var v float64
		switch dims {
		case 1, 2:
			v = noise.Eval2(c[0]*frequency, c[1]*frequency)
		case 3:
			v = noise.Eval3(c[0]*frequency, c[1]*frequency, c[2]*frequency)
		default:
			v = noise.Eval4(c[0]*frequency, c[1]*frequency, c[2]*frequency, c[3]*frequency)
		}
		total += v * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
