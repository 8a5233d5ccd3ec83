package agents

import (
	"fmt"
	"slices"
)

var axisNames = []string{"x", "y", "z"}

// baseEnv holds everything an expression can see except property values:
// step, age, position, the current observation and traits.
func (a *Agent) baseEnv() map[string]any {
	env := make(map[string]any, 10+len(a.Traits))
	for name, t := range a.Traits {
		env[name] = t.Value
	}

	step, _ := a.CurrentStep()
	env["step"] = int(step)
	env["age"] = int(step - min(step, a.BornStep))
	env["species"] = a.Species
	env["pos"] = slices.Clone(a.Position)
	for i, axis := range axisNames {
		if i < len(a.Position) {
			env[axis] = a.Position[i]
		}
	}
	env["neighbors"] = a.obs.Neighbors
	env["nearest"] = a.obs.Nearest
	env["habitat"] = a.obs.Habitat
	env["population"] = a.obs.Population
	return env
}

// Env returns the evaluation environment for transition weights: the base
// variables plus every property value by name.
func (a *Agent) Env() (map[string]any, error) {
	env := a.baseEnv()
	for _, p := range a.Properties {
		v, err := p.Value()
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a, err)
		}
		env[p.Name] = v
	}
	return env, nil
}
