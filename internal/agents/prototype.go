package agents

import (
	"fmt"

	"github.com/talgya/ecosim/internal/cache"
	"github.com/talgya/ecosim/internal/chain"
	"github.com/talgya/ecosim/internal/config"
	"github.com/talgya/ecosim/internal/expression"
	"github.com/talgya/ecosim/internal/simerr"
)

// NewPrototype builds a read-only template agent from configuration.
// Expressions and chains are compiled here so a bad definition fails
// before any run starts.
func NewPrototype(cfg config.PrototypeConfig, ev expression.Evaluator) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("prototype needs a name: %w", simerr.ErrInvalidArgument)
	}

	a := &Agent{
		Species:   cfg.Name,
		Prototype: true,
		Traits:    make(map[string]*Trait, len(cfg.Traits)),
	}
	for name, v := range cfg.Traits {
		a.Traits[name] = &Trait{Name: name, Value: v}
	}

	for _, pc := range cfg.Properties {
		expr, err := ev.Compile(pc.Expr)
		if err != nil {
			return nil, fmt.Errorf("prototype %s: property %s: %w", cfg.Name, pc.Name, err)
		}
		policy := cache.ExpiresAtBirth
		if pc.Expiry != "" {
			if policy, err = cache.ParsePolicy(pc.Expiry); err != nil {
				return nil, fmt.Errorf("prototype %s: property %s: %w", cfg.Name, pc.Name, err)
			}
		}
		a.Properties = append(a.Properties, newProperty(a, pc.Name, expr, policy))
	}

	for _, ac := range cfg.Actions {
		ch, err := chain.Parse(ac.Chain, ev)
		if err != nil {
			return nil, fmt.Errorf("prototype %s: action %s: %w", cfg.Name, ac.Name, err)
		}
		initial := ac.Initial
		if initial == "" {
			initial = ch.States()[0]
		}
		act := &Action{
			Name:    ac.Name,
			Initial: initial,
			State:   initial,
			Chain:   ch,
			Owner:   a,
		}
		for _, name := range ac.Traits {
			t, ok := a.Traits[name]
			if !ok {
				return nil, fmt.Errorf("prototype %s: action %s: unknown trait %q: %w", cfg.Name, ac.Name, name, simerr.ErrInvalidArgument)
			}
			act.Traits = append(act.Traits, t)
		}
		a.Actions = append(a.Actions, act)
	}
	return a, nil
}

// NewPrototypes builds every configured prototype in configuration order.
func NewPrototypes(cfgs []config.PrototypeConfig, ev expression.Evaluator) ([]*Agent, error) {
	out := make([]*Agent, 0, len(cfgs))
	for _, c := range cfgs {
		p, err := NewPrototype(c, ev)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
