package agents

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/ecosim/internal/cache"
	"github.com/talgya/ecosim/internal/config"
	"github.com/talgya/ecosim/internal/expression"
	"github.com/talgya/ecosim/internal/simerr"
)

type stepClock struct{ step uint64 }

func (c *stepClock) Now() uint64 { return c.step }

func grazerConfig() config.PrototypeConfig {
	return config.PrototypeConfig{
		Name:  "grazer",
		Count: 3,
		Traits: map[string]float64{
			"speed":     1.5,
			"fertility": 0.2,
		},
		Properties: []config.PropertyConfig{
			{Name: "vigor", Expr: "fertility * 10", Expiry: "expiresAtBirth"},
			{Name: "crowding", Expr: "neighbors / 2.0", Expiry: "expiresEveryStep"},
		},
		Actions: []config.ActionConfig{
			{Name: "roam", Chain: "idle -> walk : speed; walk -> idle : 1", Traits: []string{"speed"}},
			{Name: "breed", Chain: "idle -> mate : fertility", Traits: []string{"speed", "fertility"}},
			{Name: "graze", Initial: "eat", Chain: "idle -> eat : 1; eat -> idle : 1", Traits: []string{"speed"}},
		},
	}
}

func newGrazer(t *testing.T) *Agent {
	t.Helper()
	p, err := NewPrototype(grazerConfig(), expression.NewExprEvaluator())
	require.NoError(t, err)
	return p
}

// nodes collects every pointer reachable from a.
func nodes(a *Agent) map[any]bool {
	seen := make(map[any]bool)
	var walk func(*Agent)
	walk = func(a *Agent) {
		if a == nil || seen[a] {
			return
		}
		seen[a] = true
		if len(a.Position) > 0 {
			seen[&a.Position[0]] = true
		}
		for _, t := range a.Traits {
			seen[t] = true
		}
		for _, p := range a.Properties {
			seen[p] = true
			walk(p.Owner)
		}
		for _, act := range a.Actions {
			seen[act] = true
			for _, t := range act.Traits {
				seen[t] = true
			}
			walk(act.Owner)
		}
	}
	walk(a)
	return seen
}

func TestNewPrototype(t *testing.T) {
	p := newGrazer(t)

	assert.True(t, p.Prototype)
	assert.Equal(t, "grazer", p.Species)
	require.Len(t, p.Properties, 2)
	assert.Equal(t, cache.ExpiresAtBirth, p.Properties[0].Expiry)
	assert.Equal(t, cache.ExpiresEveryStep, p.Properties[1].Expiry)
	require.Len(t, p.Actions, 3)
	assert.Equal(t, "idle", p.Actions[0].Initial, "defaults to the first state")
	assert.Equal(t, "eat", p.Actions[2].State)
	assert.Same(t, p.Traits["speed"], p.Actions[1].Traits[0])
}

func TestNewPrototypeErrors(t *testing.T) {
	ev := expression.NewExprEvaluator()

	cfg := grazerConfig()
	cfg.Actions[0].Traits = []string{"wings"}
	_, err := NewPrototype(cfg, ev)
	require.ErrorIs(t, err, simerr.ErrInvalidArgument)

	cfg = grazerConfig()
	cfg.Actions[1].Chain = "idle -> : 1"
	_, err = NewPrototype(cfg, ev)
	require.ErrorIs(t, err, simerr.ErrParse)

	cfg = grazerConfig()
	cfg.Properties[0].Expiry = "expiresSometimes"
	_, err = NewPrototype(cfg, ev)
	require.ErrorIs(t, err, simerr.ErrInvalidArgument)
}

func TestCloneSharedTraitClonedOnce(t *testing.T) {
	p := newGrazer(t)
	c := Clone(p)

	speed := c.Traits["speed"]
	require.NotNil(t, speed)
	assert.NotSame(t, p.Traits["speed"], speed)
	for _, act := range c.Actions {
		assert.Same(t, speed, act.Traits[0], "action %s", act.Name)
	}
	assert.Same(t, c.Traits["fertility"], c.Actions[1].Traits[1])

	speed.Value = 9
	assert.Equal(t, 1.5, p.Traits["speed"].Value, "prototype untouched")
}

func TestCloneHasNoEdgesIntoSource(t *testing.T) {
	p := newGrazer(t)
	p.Position = []float64{1, 2}
	c := Clone(p)

	src := nodes(p)
	dst := nodes(c)
	for n := range dst {
		assert.False(t, src[n], "clone references source node %T", n)
	}
	for _, prop := range c.Properties {
		assert.Same(t, c, prop.Owner)
	}
	for _, act := range c.Actions {
		assert.Same(t, c, act.Owner)
		assert.Same(t, p.Actions[0].Chain, c.Actions[0].Chain, "chains are shared immutable values")
	}
	assert.False(t, c.Prototype)
	assert.False(t, c.Attached())
	assert.Zero(t, c.ID)
}

func TestCloneTerminatesOnCycles(t *testing.T) {
	a := &Agent{Species: "a"}
	b := &Agent{Species: "b"}
	shared := &Trait{Name: "t", Value: 1}
	a.Actions = []*Action{{Name: "to-b", Owner: b, Traits: []*Trait{shared}}}
	b.Actions = []*Action{{Name: "to-a", Owner: a, Traits: []*Trait{shared}}}

	c := Clone(a)
	require.Len(t, c.Actions, 1)
	cb := c.Actions[0].Owner
	require.NotNil(t, cb)
	assert.Equal(t, "b", cb.Species)
	assert.Same(t, c, cb.Actions[0].Owner)
	assert.Same(t, c.Actions[0].Traits[0], cb.Actions[0].Traits[0])
	assert.NotSame(t, shared, c.Actions[0].Traits[0])
}

func TestCloneResetsActionState(t *testing.T) {
	p := newGrazer(t)
	c := Clone(p)
	c.Actions[0].State = "walk"

	again := Clone(c)
	assert.Equal(t, "idle", again.Actions[0].State)
}

func TestPrototypePropertyIsIllegalState(t *testing.T) {
	p := newGrazer(t)
	_, err := p.Properties[0].Value()
	require.ErrorIs(t, err, simerr.ErrIllegalState)

	_, err = p.Env()
	require.ErrorIs(t, err, simerr.ErrIllegalState)
}

func TestClonedPropertiesFollowExpiry(t *testing.T) {
	c := Clone(newGrazer(t))
	clock := &stepClock{step: 4}
	c.Attach(clock, 4)

	c.Observe(Observation{Step: 4, Neighbors: 6})
	crowding, err := c.Property("crowding").Value()
	require.NoError(t, err)
	assert.Equal(t, 3.0, crowding)

	c.Observe(Observation{Step: 4, Neighbors: 2})
	crowding, err = c.Property("crowding").Value()
	require.NoError(t, err)
	assert.Equal(t, 3.0, crowding, "same step keeps the value")

	clock.step = 5
	crowding, err = c.Property("crowding").Value()
	require.NoError(t, err)
	assert.Equal(t, 1.0, crowding)

	vigor, err := c.Property("vigor").Value()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, vigor, 1e-9)
}

func TestEnv(t *testing.T) {
	c := Clone(newGrazer(t))
	c.Position = []float64{3, 4}
	c.Attach(&stepClock{step: 10}, 7)
	c.Observe(Observation{Neighbors: 4, Nearest: 0.5, Habitat: 0.25, Population: 12})

	env, err := c.Env()
	require.NoError(t, err)
	assert.Equal(t, 10, env["step"])
	assert.Equal(t, 3, env["age"])
	assert.Equal(t, 3.0, env["x"])
	assert.Equal(t, 4.0, env["y"])
	assert.NotContains(t, env, "z")
	assert.Equal(t, 1.5, env["speed"])
	assert.Equal(t, 2.0, env["crowding"])
	assert.Equal(t, 12, env["population"])
	assert.Equal(t, 0.25, env["habitat"])
}

func TestActionAdvance(t *testing.T) {
	c := Clone(newGrazer(t))
	next, err := c.Action("graze").Advance(nil, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, "idle", next)
	assert.Equal(t, "idle", c.Action("graze").State)
}

func TestSnapshotRoundTripKeepsSharing(t *testing.T) {
	ev := expression.NewExprEvaluator()
	c := Clone(newGrazer(t))
	c.ID = 42
	c.ParentID = 7
	c.Position = []float64{1.5, 2.5}
	c.Actions[0].State = "walk"

	data, err := json.Marshal(Encode(c))
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Len(t, snap.Traits, 2, "shared traits stored once")

	back, err := Decode(snap, ev)
	require.NoError(t, err)
	assert.Equal(t, AgentID(42), back.ID)
	assert.Equal(t, AgentID(7), back.ParentID)
	assert.Equal(t, []float64{1.5, 2.5}, back.Position)
	assert.Equal(t, "walk", back.Actions[0].State)
	assert.Equal(t, cache.ExpiresEveryStep, back.Property("crowding").Expiry)
	for _, act := range back.Actions {
		assert.Same(t, back.Traits["speed"], act.Traits[0])
		assert.Same(t, back, act.Owner)
	}
}

type fixedPlacer struct{}

func (fixedPlacer) Place(*rand.Rand) []float64 { return []float64{5, 5} }

func TestSpawner(t *testing.T) {
	p := newGrazer(t)
	s := NewSpawner(1)

	founders, err := s.SpawnPopulation(p, 3, fixedPlacer{})
	require.NoError(t, err)
	require.Len(t, founders, 3)
	for _, f := range founders {
		assert.Equal(t, []float64{5, 5}, f.Position)
		assert.Zero(t, f.ID)
		s.Assign(f)
	}
	assert.Equal(t, AgentID(1), founders[0].ID)
	assert.Equal(t, AgentID(3), founders[2].ID)
	assert.Equal(t, AgentID(4), s.NextID())

	_, err = s.SpawnPopulation(founders[0], 1, nil)
	require.ErrorIs(t, err, simerr.ErrInvalidArgument)

	child := SpawnChild(founders[1], rand.New(rand.NewSource(3)), 1)
	assert.Equal(t, founders[1].ID, child.ParentID)
	assert.InDelta(t, 5, child.Position[0], 1)
	assert.NotSame(t, &founders[1].Position[0], &child.Position[0])
}
