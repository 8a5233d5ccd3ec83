// Package agents provides the agent graph, the prototype cloner and the
// factories that turn configuration into prototype templates.
package agents

import (
	"fmt"

	"github.com/talgya/ecosim/internal/cache"
	"github.com/talgya/ecosim/internal/chain"
	"github.com/talgya/ecosim/internal/expression"
	"github.com/talgya/ecosim/internal/simerr"
)

// AgentID is a unique identifier for an agent within a run. Zero means
// not yet assigned.
type AgentID uint64

// Clock reports the current step of the simulation an agent lives in.
type Clock interface {
	Now() uint64
}

// Agent is the root of an agent graph. Properties and actions point back
// to their owner, and traits may be shared between the agent and any
// number of actions.
type Agent struct {
	ID        AgentID
	Species   string
	Prototype bool

	Position []float64
	BornStep uint64
	ParentID AgentID

	Traits     map[string]*Trait
	Properties []*Property
	Actions    []*Action

	clock Clock
	obs   Observation
}

// Trait is a named numeric parameter.
type Trait struct {
	Name  string
	Value float64
}

// Property is a derived value computed from an expression over the agent's
// environment and cached according to Expiry.
type Property struct {
	Name   string
	Expiry cache.Policy
	Owner  *Agent

	expr  expression.Compiled
	value *cache.Value[float64]
}

// Action is a state machine advanced by a transition chain once per step.
type Action struct {
	Name    string
	Initial string
	State   string
	Chain   *chain.Chain
	Owner   *Agent
	Traits  []*Trait
}

// Observation is what an agent perceived at the start of its evaluation
// in the current step.
type Observation struct {
	Step       uint64
	Neighbors  int
	Nearest    float64
	Habitat    float64
	Population int
}

// Attach binds the agent to a simulation clock. Cached properties can only
// be read while attached.
func (a *Agent) Attach(clock Clock, born uint64) {
	a.clock = clock
	a.BornStep = born
}

// Detach unbinds the agent from its simulation.
func (a *Agent) Detach() {
	a.clock = nil
}

// Attached reports whether the agent belongs to a simulation.
func (a *Agent) Attached() bool {
	return a != nil && a.clock != nil
}

// CurrentStep implements cache.StepSource.
func (a *Agent) CurrentStep() (uint64, bool) {
	if a == nil || a.clock == nil {
		return 0, false
	}
	return a.clock.Now(), true
}

// Observe records the agent's perception for the current step.
func (a *Agent) Observe(obs Observation) {
	a.obs = obs
}

// Observation returns the last recorded perception.
func (a *Agent) Observation() Observation {
	return a.obs
}

// Trait returns the value of a named trait.
func (a *Agent) Trait(name string) (float64, bool) {
	t, ok := a.Traits[name]
	if !ok {
		return 0, false
	}
	return t.Value, true
}

// Property returns a property by name.
func (a *Agent) Property(name string) *Property {
	for _, p := range a.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Action returns an action by name.
func (a *Agent) Action(name string) *Action {
	for _, act := range a.Actions {
		if act.Name == name {
			return act
		}
	}
	return nil
}

func (a *Agent) String() string {
	return fmt.Sprintf("%s#%d", a.Species, a.ID)
}

func newProperty(owner *Agent, name string, expr expression.Compiled, expiry cache.Policy) *Property {
	p := &Property{Name: name, Expiry: expiry, Owner: owner, expr: expr}
	p.bind()
	return p
}

// bind gives the property a fresh cache slot tied to its current owner.
func (p *Property) bind() {
	p.value = cache.New(p.Owner, p.compute, p.Expiry)
}

func (p *Property) compute() (float64, error) {
	res, err := p.expr.Evaluate(p.Owner.baseEnv())
	if err != nil {
		return 0, fmt.Errorf("property %s: %w", p.Name, err)
	}
	v, err := res.AsFloat()
	if err != nil {
		return 0, fmt.Errorf("property %s: %w", p.Name, err)
	}
	return v, nil
}

// Expression returns the compiled source of the property.
func (p *Property) Expression() expression.Compiled {
	return p.expr
}

// Value returns the cached value, computing it when the expiry policy
// requires. Prototype and detached owners report ErrIllegalState.
func (p *Property) Value() (float64, error) {
	if p.Owner == nil {
		return 0, fmt.Errorf("property %s has no owner: %w", p.Name, simerr.ErrIllegalState)
	}
	return p.value.Get()
}

// Invalidate forces the next Value call to recompute.
func (p *Property) Invalidate() {
	p.value.Invalidate()
}

// Advance moves the action one transition along its chain.
func (a *Action) Advance(env map[string]any, rng chain.Source) (string, error) {
	next, err := a.Chain.Apply(a.State, env, rng)
	if err != nil {
		return a.State, fmt.Errorf("action %s: %w", a.Name, err)
	}
	a.State = next
	return next, nil
}
