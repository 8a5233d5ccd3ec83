// Package engine provides the step loop and the multi-run experiment
// driver.
package engine

import (
	"fmt"

	"github.com/talgya/ecosim/internal/expression"
)

// Hooks are optional callbacks invoked by the coordinating goroutine.
type Hooks struct {
	OnRunStart func(sim *Simulation)  // After founders and carried agents are admitted
	OnStep     func(sim *Simulation)  // After every step
	OnRunEnd   func(result RunResult) // After the run is sampled and recorded
}

// ContinueFunc decides, before each step, whether the run goes on.
type ContinueFunc func(sim *Simulation) (bool, error)

// MaxSteps continues until the simulation has taken n steps.
func MaxSteps(n int) ContinueFunc {
	return func(sim *Simulation) (bool, error) {
		return sim.Now() < uint64(max(n, 0)), nil
	}
}

// ContinueWhile continues while fewer than maxSteps steps have run and,
// when cond is non-nil, cond evaluates to true. cond sees step, run and
// population.
func ContinueWhile(maxSteps int, cond expression.Compiled) ContinueFunc {
	limit := MaxSteps(maxSteps)
	return func(sim *Simulation) (bool, error) {
		ok, err := limit(sim)
		if err != nil || !ok || cond == nil {
			return ok, err
		}
		res, err := cond.Evaluate(map[string]any{
			"step":       int(sim.Now()),
			"run":        sim.Run,
			"population": sim.Population(),
		})
		if err != nil {
			return false, err
		}
		b, err := res.AsBool()
		if err != nil {
			return false, fmt.Errorf("continue_while %q: %w", cond.Source(), err)
		}
		return b, nil
	}
}
