// Package chain implements weighted probabilistic state transitions for
// agent actions. Edge weights are expressions evaluated at apply time.
package chain

import (
	"fmt"
	"math"

	"github.com/talgya/ecosim/internal/expression"
	"github.com/talgya/ecosim/internal/simerr"
)

// Rule is one weighted edge.
type Rule struct {
	From   string
	To     string
	Weight expression.Compiled
}

// Source of uniform draws in [0,1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Chain is an immutable set of rules grouped by source state. It is safe
// for concurrent use.
type Chain struct {
	source   string
	rules    []Rule
	bySource map[string][]Rule
	states   []string
}

func newChain(source string, rules []Rule) *Chain {
	c := &Chain{
		source:   source,
		rules:    rules,
		bySource: make(map[string][]Rule),
	}
	seen := make(map[string]bool)
	for _, r := range rules {
		c.bySource[r.From] = append(c.bySource[r.From], r)
		for _, s := range []string{r.From, r.To} {
			if !seen[s] {
				seen[s] = true
				c.states = append(c.states, s)
			}
		}
	}
	return c
}

// Source returns the text the chain was parsed from.
func (c *Chain) Source() string { return c.source }

// Rules returns all rules in declaration order.
func (c *Chain) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// States returns every state named by the chain, in first-mention order.
func (c *Chain) States() []string {
	return append([]string(nil), c.states...)
}

// Outgoing returns the rules leaving state in declaration order.
func (c *Chain) Outgoing(state string) []Rule {
	return append([]Rule(nil), c.bySource[state]...)
}

// Apply picks the next state. A state without outgoing rules, or whose
// weights sum to zero, maps to itself. Otherwise one value r is drawn from
// rng and the first rule whose cumulative normalised weight reaches r wins.
// Negative or non-finite weights are rejected.
func (c *Chain) Apply(state string, env map[string]any, rng Source) (string, error) {
	out := c.bySource[state]
	if len(out) == 0 {
		return state, nil
	}
	if rng == nil {
		return "", fmt.Errorf("chain: nil random source: %w", simerr.ErrInvalidArgument)
	}

	weights := make([]float64, len(out))
	sum := 0.0
	for i, r := range out {
		res, err := r.Weight.Evaluate(env)
		if err != nil {
			return "", fmt.Errorf("chain: %s -> %s: %w", r.From, r.To, err)
		}
		w, err := res.AsFloat()
		if err != nil {
			return "", fmt.Errorf("chain: %s -> %s: %w", r.From, r.To, err)
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return "", fmt.Errorf("chain: %s -> %s: weight %v: %w", r.From, r.To, w, simerr.ErrInvalidArgument)
		}
		weights[i] = w
		sum += w
	}
	if sum == 0 {
		return state, nil
	}

	draw := rng.Float64()
	cumulative := 0.0
	last := -1
	for i, w := range weights {
		if w == 0 {
			continue
		}
		last = i
		cumulative += w / sum
		if cumulative >= draw {
			return out[i].To, nil
		}
	}
	// Rounding can leave the running total a hair below the draw.
	return out[last].To, nil
}
