// Simulation holds one run's live agents and advances them step by step.
package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/talgya/ecosim/internal/agents"
	"github.com/talgya/ecosim/internal/entropy"
	"github.com/talgya/ecosim/internal/eventlog"
	"github.com/talgya/ecosim/internal/sched"
	"github.com/talgya/ecosim/internal/spatial"
	"github.com/talgya/ecosim/internal/world"
)

// Effect states. An action entering one of these states acts on the
// simulation; every other state is inert.
const (
	StateMove      = "move"
	StateReproduce = "reproduce"
	StateDie       = "die"
)

// Simulation owns the live agent set, the step counter and the two staging
// queues through which agents join or leave. Agents are evaluated against
// a snapshot of the set; staged changes are applied only at the step
// boundary by the coordinating goroutine.
type Simulation struct {
	Run   int
	RunID string

	agents  []*agents.Agent // ordered by id
	byID    map[agents.AgentID]*agents.Agent
	step    uint64
	spatial *spatial.Index[agents.AgentID]

	habitat  *world.Habitat
	spawner  *agents.Spawner
	settings Settings
	env      *Env

	mu            sync.Mutex
	pendingAdd    []pendingAddition
	pendingRemove map[agents.AgentID]struct{}
	spawnSeq      map[agents.AgentID]int
	stageSeq      int

	births int
	deaths int
}

type pendingAddition struct {
	parent agents.AgentID
	seq    int
	agent  *agents.Agent
}

// NewSimulation creates an empty simulation at step 0.
func NewSimulation(run int, runID string, habitat *world.Habitat, spawner *agents.Spawner, settings Settings, env *Env) *Simulation {
	if env == nil {
		env = &Env{}
	}
	return &Simulation{
		Run:           run,
		RunID:         runID,
		byID:          make(map[agents.AgentID]*agents.Agent),
		habitat:       habitat,
		spawner:       spawner,
		settings:      settings.withDefaults(),
		env:           env,
		pendingRemove: make(map[agents.AgentID]struct{}),
		spawnSeq:      make(map[agents.AgentID]int),
	}
}

// Now implements agents.Clock.
func (s *Simulation) Now() uint64 {
	return s.step
}

// Population returns the number of live agents.
func (s *Simulation) Population() int {
	return len(s.agents)
}

// Agents returns the live agents ordered by id. The slice is a copy.
func (s *Simulation) Agents() []*agents.Agent {
	return slices.Clone(s.agents)
}

// Agent looks up a live agent.
func (s *Simulation) Agent(id agents.AgentID) (*agents.Agent, bool) {
	a, ok := s.byID[id]
	return a, ok
}

// Index returns the spatial index built at the start of the current step.
func (s *Simulation) Index() *spatial.Index[agents.AgentID] {
	return s.spatial
}

// Births and Deaths count agents added and removed by steps so far.
func (s *Simulation) Births() int { return s.births }
func (s *Simulation) Deaths() int { return s.deaths }

// Stage queues an agent for admission at the next flush. It is meant for
// the coordinator, before stepping begins.
func (s *Simulation) Stage(a *agents.Agent) {
	s.mu.Lock()
	s.pendingAdd = append(s.pendingAdd, pendingAddition{seq: s.stageSeq, agent: a})
	s.stageSeq++
	s.mu.Unlock()
}

// Spawn queues child, created by parent during evaluation. Safe for
// concurrent use.
func (s *Simulation) Spawn(parent, child *agents.Agent) {
	s.mu.Lock()
	seq := s.spawnSeq[parent.ID]
	s.spawnSeq[parent.ID] = seq + 1
	s.pendingAdd = append(s.pendingAdd, pendingAddition{parent: parent.ID, seq: seq, agent: child})
	s.mu.Unlock()
}

// Remove queues an agent for removal at the step boundary. Safe for
// concurrent use; removing twice is harmless.
func (s *Simulation) Remove(id agents.AgentID) {
	s.mu.Lock()
	s.pendingRemove[id] = struct{}{}
	s.mu.Unlock()
}

// Flush drains the staging queues into the live set: removals first, then
// additions in (parent id, creation order) order. Newcomers get ids, are
// attached and are born at the current step.
func (s *Simulation) Flush() (added, removed []*agents.Agent) {
	s.mu.Lock()
	adds := s.pendingAdd
	removes := s.pendingRemove
	s.pendingAdd = nil
	s.pendingRemove = make(map[agents.AgentID]struct{})
	clear(s.spawnSeq)
	s.mu.Unlock()

	if len(removes) > 0 {
		kept := make([]*agents.Agent, 0, len(s.agents))
		for _, a := range s.agents {
			if _, gone := removes[a.ID]; gone {
				a.Detach()
				delete(s.byID, a.ID)
				removed = append(removed, a)
				continue
			}
			kept = append(kept, a)
		}
		s.agents = kept
	}

	slices.SortStableFunc(adds, func(a, b pendingAddition) int {
		if c := cmp.Compare(a.parent, b.parent); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	for _, p := range adds {
		a := p.agent
		s.spawner.Assign(a)
		a.Attach(s, s.step)
		s.agents = append(s.agents, a)
		s.byID[a.ID] = a
		added = append(added, a)
	}

	for _, a := range added {
		s.env.Metrics.Born(a.Species)
		s.env.events().Log(eventlog.Event{
			Kind: eventlog.KindBirth, RunID: s.RunID, Run: s.Run, Step: s.step,
			AgentID: uint64(a.ID), Species: a.Species,
		})
	}
	for _, a := range removed {
		s.env.Metrics.Died(a.Species)
		s.env.events().Log(eventlog.Event{
			Kind: eventlog.KindDeath, RunID: s.RunID, Run: s.Run, Step: s.step,
			AgentID: uint64(a.ID), Species: a.Species,
		})
	}
	return added, removed
}

// Step advances the simulation by one step: rebuild the spatial index,
// evaluate every live agent, then apply the staged changes. Per-agent
// errors fail the step.
func (s *Simulation) Step(ctx context.Context) error {
	start := time.Now()
	s.step++

	if err := s.rebuildIndex(); err != nil {
		return fmt.Errorf("step %d: %w", s.step, err)
	}

	live := s.agents
	population := len(live)
	eval := func(_ context.Context, a *agents.Agent) error {
		return s.evaluate(a, population)
	}

	var err error
	if s.env.Pool != nil {
		err = sched.ForEach(ctx, live, eval, s.env.threshold())
	} else {
		for _, a := range live {
			if err = eval(ctx, a); err != nil {
				break
			}
		}
	}
	if err != nil {
		return fmt.Errorf("step %d: %w", s.step, err)
	}

	added, removed := s.Flush()
	s.births += len(added)
	s.deaths += len(removed)

	s.env.Metrics.ObserveStep(time.Since(start).Seconds(), len(s.agents))
	s.env.events().Log(eventlog.Event{
		Kind: eventlog.KindStep, RunID: s.RunID, Run: s.Run, Step: s.step,
		Detail: fmt.Sprintf("population=%d", len(s.agents)),
	})
	s.env.logger().Debug("step complete",
		"run", s.Run, "step", s.step, "population", len(s.agents),
		"born", len(added), "died", len(removed))
	return nil
}

func (s *Simulation) rebuildIndex() error {
	points := make(map[agents.AgentID][]float64, len(s.agents))
	for _, a := range s.agents {
		points[a.ID] = a.Position
	}
	idx, err := spatial.Build(s.dimensions(), points)
	if err != nil {
		return err
	}
	s.spatial = idx
	return nil
}

func (s *Simulation) dimensions() int {
	if s.habitat != nil {
		return s.habitat.Dimensions()
	}
	if len(s.agents) > 0 {
		return max(1, len(s.agents[0].Position))
	}
	return 1
}

// evaluate runs one agent's step. It reads shared state (the index and
// habitat) and writes only to the agent itself and the staging queues.
func (s *Simulation) evaluate(a *agents.Agent, population int) error {
	rng := entropy.Stream(s.settings.Seed, s.Run, uint64(a.ID), s.step)

	obs, err := s.observe(a, population)
	if err != nil {
		return fmt.Errorf("agent %s: %w", a, err)
	}
	a.Observe(obs)

	env, err := a.Env()
	if err != nil {
		return err
	}
	for _, act := range a.Actions {
		state, err := act.Advance(env, rng)
		if err != nil {
			return fmt.Errorf("agent %s: %w", a, err)
		}
		switch state {
		case StateMove:
			s.move(a, rng)
		case StateReproduce:
			child := agents.SpawnChild(a, rng, s.settings.Spread)
			s.contain(child.Position)
			s.Spawn(a, child)
		case StateDie:
			s.Remove(a.ID)
			return nil
		}
	}
	return nil
}

func (s *Simulation) observe(a *agents.Agent, population int) (agents.Observation, error) {
	obs := agents.Observation{Step: s.step, Nearest: -1, Population: population}

	within, err := s.spatial.Within(a.Position, s.settings.NeighborRadius)
	if err != nil {
		return obs, err
	}
	for _, n := range within {
		if n.ID != a.ID {
			obs.Neighbors++
		}
	}

	nearest, err := s.spatial.Nearest(a.Position, 2)
	if err != nil {
		return obs, err
	}
	for _, n := range nearest {
		if n.ID != a.ID {
			obs.Nearest = n.Distance
			break
		}
	}

	if s.habitat != nil {
		obs.Habitat = s.habitat.Quality(a.Position)
	}
	return obs, nil
}

func (s *Simulation) move(a *agents.Agent, rng *rand.Rand) {
	speed, ok := a.Trait("speed")
	if !ok {
		speed = 1
	}
	for i := range a.Position {
		a.Position[i] += (rng.Float64()*2 - 1) * speed
	}
	s.contain(a.Position)
}

func (s *Simulation) contain(pos []float64) {
	if s.habitat != nil {
		s.habitat.Contain(pos)
	}
}

// Settings tunes a simulation's built-in behaviour.
type Settings struct {
	// Seed drives every agent's random stream.
	Seed int64
	// NeighborRadius bounds the "neighbors" count agents observe.
	NeighborRadius float64
	// Spread is the maximum per-axis offset of offspring from their parent.
	Spread float64
}

func (s Settings) withDefaults() Settings {
	if s.Spread <= 0 {
		s.Spread = 1
	}
	if s.NeighborRadius < 0 {
		s.NeighborRadius = 0
	}
	return s
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) events() eventlog.Logger {
	if e.Events == nil {
		return eventlog.Nop{}
	}
	return e.Events
}

func (e *Env) threshold() int {
	if e.Threshold < 1 {
		return 1
	}
	return e.Threshold
}
