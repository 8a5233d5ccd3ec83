// Agent spawning: founders cloned from prototypes, offspring cloned from
// their parents, and id assignment.
package agents

import (
	"fmt"
	"math/rand"

	"github.com/talgya/ecosim/internal/simerr"
)

// Placer chooses a starting position for a new founder.
type Placer interface {
	Place(rng *rand.Rand) []float64
}

// Spawner creates founders and issues agent ids. It is used only by the
// coordinating goroutine.
type Spawner struct {
	rng    *rand.Rand
	nextID AgentID
}

// NewSpawner creates an agent spawner with the given seed.
func NewSpawner(seed int64) *Spawner {
	return &Spawner{
		rng:    rand.New(rand.NewSource(seed + 300)),
		nextID: 1,
	}
}

// NextID returns the id the next Assign call will issue.
func (s *Spawner) NextID() AgentID {
	return s.nextID
}

// Assign gives a an id.
func (s *Spawner) Assign(a *Agent) AgentID {
	a.ID = s.nextID
	s.nextID++
	return a.ID
}

// Rand exposes the spawner's random source for coordinator-side sampling.
func (s *Spawner) Rand() *rand.Rand {
	return s.rng
}

// SpawnPopulation clones count founders from proto and places each one.
// Founders have no id until the simulation admits them.
func (s *Spawner) SpawnPopulation(proto *Agent, count int, placer Placer) ([]*Agent, error) {
	if proto == nil || !proto.Prototype {
		return nil, fmt.Errorf("spawn: source is not a prototype: %w", simerr.ErrInvalidArgument)
	}
	if count < 0 {
		return nil, fmt.Errorf("spawn: negative count %d: %w", count, simerr.ErrInvalidArgument)
	}

	out := make([]*Agent, 0, count)
	for i := 0; i < count; i++ {
		a := Clone(proto)
		if placer != nil {
			a.Position = placer.Place(s.rng)
		}
		out = append(out, a)
	}
	return out, nil
}

// SpawnChild clones parent into an offspring displaced by up to spread on
// every axis. Trait values are inherited unchanged.
func SpawnChild(parent *Agent, rng *rand.Rand, spread float64) *Agent {
	child := Clone(parent)
	child.ParentID = parent.ID
	for i := range child.Position {
		child.Position[i] += (rng.Float64()*2 - 1) * spread
	}
	return child
}
