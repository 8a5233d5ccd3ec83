package agents

import (
	"fmt"
	"sort"

	"github.com/talgya/ecosim/internal/cache"
	"github.com/talgya/ecosim/internal/chain"
	"github.com/talgya/ecosim/internal/expression"
)

// Snapshot is a flat, serialisable form of an agent graph. Traits are
// stored once in a node table and referenced by index, so sharing between
// the agent and its actions survives a round trip.
type Snapshot struct {
	ID         AgentID          `json:"id"`
	Species    string           `json:"species"`
	Position   []float64        `json:"position"`
	BornStep   uint64           `json:"born_step"`
	ParentID   AgentID          `json:"parent_id,omitempty"`
	Traits     []TraitRecord    `json:"traits"`
	TraitKeys  map[string]int   `json:"trait_keys"`
	Properties []PropertyRecord `json:"properties,omitempty"`
	Actions    []ActionRecord   `json:"actions,omitempty"`
}

// TraitRecord is one trait node.
type TraitRecord struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// PropertyRecord keeps the expression source, not the cached value.
type PropertyRecord struct {
	Name   string       `json:"name"`
	Expr   string       `json:"expr"`
	Expiry cache.Policy `json:"expiry"`
}

// ActionRecord references its traits by node index.
type ActionRecord struct {
	Name    string `json:"name"`
	Initial string `json:"initial"`
	State   string `json:"state"`
	Chain   string `json:"chain"`
	Traits  []int  `json:"traits,omitempty"`
}

// Encode flattens a.
func Encode(a *Agent) Snapshot {
	s := Snapshot{
		ID:        a.ID,
		Species:   a.Species,
		Position:  append([]float64(nil), a.Position...),
		BornStep:  a.BornStep,
		ParentID:  a.ParentID,
		TraitKeys: make(map[string]int, len(a.Traits)),
	}

	index := make(map[*Trait]int)
	ref := func(t *Trait) int {
		if i, ok := index[t]; ok {
			return i
		}
		index[t] = len(s.Traits)
		s.Traits = append(s.Traits, TraitRecord{Name: t.Name, Value: t.Value})
		return index[t]
	}

	names := make([]string, 0, len(a.Traits))
	for name := range a.Traits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.TraitKeys[name] = ref(a.Traits[name])
	}

	for _, p := range a.Properties {
		s.Properties = append(s.Properties, PropertyRecord{
			Name:   p.Name,
			Expr:   p.expr.Source(),
			Expiry: p.Expiry,
		})
	}
	for _, act := range a.Actions {
		rec := ActionRecord{
			Name:    act.Name,
			Initial: act.Initial,
			State:   act.State,
			Chain:   act.Chain.Source(),
		}
		for _, t := range act.Traits {
			rec.Traits = append(rec.Traits, ref(t))
		}
		s.Actions = append(s.Actions, rec)
	}
	return s
}

// Decode rebuilds an unattached agent graph from s, compiling expressions
// and chains with ev.
func Decode(s Snapshot, ev expression.Evaluator) (*Agent, error) {
	a := &Agent{
		ID:       s.ID,
		Species:  s.Species,
		Position: append([]float64(nil), s.Position...),
		BornStep: s.BornStep,
		ParentID: s.ParentID,
		Traits:   make(map[string]*Trait, len(s.TraitKeys)),
	}

	nodes := make([]*Trait, len(s.Traits))
	for i, rec := range s.Traits {
		nodes[i] = &Trait{Name: rec.Name, Value: rec.Value}
	}
	node := func(i int) (*Trait, error) {
		if i < 0 || i >= len(nodes) {
			return nil, fmt.Errorf("decode agent %d: trait ref %d out of range", s.ID, i)
		}
		return nodes[i], nil
	}

	for name, i := range s.TraitKeys {
		t, err := node(i)
		if err != nil {
			return nil, err
		}
		a.Traits[name] = t
	}

	for _, rec := range s.Properties {
		expr, err := ev.Compile(rec.Expr)
		if err != nil {
			return nil, fmt.Errorf("decode agent %d: property %s: %w", s.ID, rec.Name, err)
		}
		a.Properties = append(a.Properties, newProperty(a, rec.Name, expr, rec.Expiry))
	}

	chains := make(map[string]*chain.Chain)
	for _, rec := range s.Actions {
		ch, ok := chains[rec.Chain]
		if !ok {
			var err error
			if ch, err = chain.Parse(rec.Chain, ev); err != nil {
				return nil, fmt.Errorf("decode agent %d: action %s: %w", s.ID, rec.Name, err)
			}
			chains[rec.Chain] = ch
		}
		act := &Action{
			Name:    rec.Name,
			Initial: rec.Initial,
			State:   rec.State,
			Chain:   ch,
			Owner:   a,
		}
		for _, i := range rec.Traits {
			t, err := node(i)
			if err != nil {
				return nil, err
			}
			act.Traits = append(act.Traits, t)
		}
		a.Actions = append(a.Actions, act)
	}
	return a, nil
}
