package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/ecosim/internal/agents"
	"github.com/talgya/ecosim/internal/eventlog"
	"github.com/talgya/ecosim/internal/metrics"
	"github.com/talgya/ecosim/internal/sched"
	"github.com/talgya/ecosim/internal/simerr"
	"github.com/talgya/ecosim/internal/world"
)

// Env is the explicit set of collaborators a Scheme runs with. Nothing in
// the engine is global, so independent engines can run side by side.
type Env struct {
	// Pool enables parallel agent evaluation; nil evaluates sequentially.
	Pool      *sched.Pool
	Threshold int

	Logger   *slog.Logger
	Events   eventlog.Logger
	Metrics  *metrics.Collectors
	Recorder Recorder
	Monitor  *Monitor
	Hooks    Hooks
}

// Recorder persists the outcome of each run together with the agents
// carried out of it.
type Recorder interface {
	RecordRun(ctx context.Context, result RunResult, carried []*agents.Agent) error
}

// Founder seeds Count clones of Prototype into every run.
type Founder struct {
	Prototype *agents.Agent
	Count     int
}

// RunResult summarises one completed run.
type RunResult struct {
	Run             int       `json:"run"`
	RunID           string    `json:"run_id"`
	Steps           uint64    `json:"steps"`
	FinalPopulation int       `json:"final_population"`
	Births          int       `json:"births"`
	Deaths          int       `json:"deaths"`
	Carried         int       `json:"carried"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Scheme drives a multi-run experiment.
type Scheme struct {
	name     string
	founders []Founder
	habitat  *world.Habitat
	settings Settings
	env      Env
	initial  []*agents.Agent
}

// NewScheme validates its inputs and returns a ready scheme.
func NewScheme(name string, founders []Founder, habitat *world.Habitat, settings Settings, env Env) (*Scheme, error) {
	if habitat == nil {
		return nil, fmt.Errorf("scheme: habitat is required: %w", simerr.ErrInvalidArgument)
	}
	for i, f := range founders {
		if f.Prototype == nil || !f.Prototype.Prototype {
			return nil, fmt.Errorf("scheme: founder %d is not a prototype: %w", i, simerr.ErrInvalidArgument)
		}
		if f.Count < 0 {
			return nil, fmt.Errorf("scheme: founder %s has negative count: %w", f.Prototype.Species, simerr.ErrInvalidArgument)
		}
	}
	return &Scheme{
		name:     name,
		founders: slices.Clone(founders),
		habitat:  habitat,
		settings: settings,
		env:      env,
	}, nil
}

// Carry seeds the first run with agents, as if a previous run had carried
// them over. The agents are cloned when the run starts.
func (s *Scheme) Carry(carried []*agents.Agent) {
	s.initial = slices.Clone(carried)
}

// RunExperiment executes nRuns runs. Each run gets a fresh simulation
// seeded with the founders plus the agents carried from the previous run,
// steps while cont holds, and then carries a sample of sampleSize live
// agents, drawn without replacement, into the next run. Any error aborts
// the experiment; results of the runs completed so far are returned with
// it.
func (s *Scheme) RunExperiment(ctx context.Context, nRuns, sampleSize int, cont ContinueFunc) ([]RunResult, error) {
	if nRuns < 1 {
		return nil, fmt.Errorf("scheme: runs must be >= 1, got %d: %w", nRuns, simerr.ErrInvalidArgument)
	}
	if sampleSize < 0 {
		return nil, fmt.Errorf("scheme: sample size must be >= 0, got %d: %w", sampleSize, simerr.ErrInvalidArgument)
	}
	if cont == nil {
		return nil, fmt.Errorf("scheme: nil continue predicate: %w", simerr.ErrInvalidArgument)
	}

	var results []RunResult
	experiment := func(ctx context.Context) error {
		carried := s.initial
		for run := 0; run < nRuns; run++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, sample, err := s.runOnce(ctx, run, nRuns, carried, sampleSize, cont)
			if err != nil {
				return fmt.Errorf("run %d: %w", run, err)
			}
			results = append(results, res)
			carried = sample
		}
		return nil
	}

	s.env.Monitor.begin(s.name, nRuns)
	var err error
	if s.env.Pool != nil {
		err = s.env.Pool.Run(ctx, experiment)
	} else {
		err = experiment(ctx)
	}
	s.env.Monitor.end(err)
	return results, err
}

func (s *Scheme) runOnce(ctx context.Context, run, nRuns int, carried []*agents.Agent, sampleSize int, cont ContinueFunc) (RunResult, []*agents.Agent, error) {
	log := s.env.logger()
	res := RunResult{Run: run, RunID: uuid.NewString(), StartedAt: time.Now().UTC()}

	settings := s.settings
	spawner := agents.NewSpawner(settings.Seed + int64(run))
	sim := NewSimulation(run, res.RunID, s.habitat, spawner, settings, &s.env)

	for _, f := range s.founders {
		founders, err := spawner.SpawnPopulation(f.Prototype, f.Count, s.habitat)
		if err != nil {
			return res, nil, err
		}
		for _, a := range founders {
			sim.Stage(a)
		}
	}
	incoming := make([]*agents.Agent, 0, len(carried))
	for _, c := range carried {
		a := agents.Clone(c)
		a.ParentID = c.ID
		s.habitat.Contain(a.Position)
		sim.Stage(a)
		incoming = append(incoming, a)
	}
	sim.Flush()
	for _, a := range incoming {
		s.env.events().Log(eventlog.Event{
			Kind: eventlog.KindCarried, RunID: res.RunID, Run: run,
			AgentID: uint64(a.ID), Species: a.Species,
			Detail: fmt.Sprintf("from=%d", a.ParentID),
		})
	}

	s.env.events().Log(eventlog.Event{
		Kind: eventlog.KindRunStart, RunID: res.RunID, Run: run,
		Detail: fmt.Sprintf("population=%d carried=%d", sim.Population(), len(carried)),
	})
	log.Info("run started", "run", run, "run_id", res.RunID, "population", sim.Population(), "carried", len(carried))
	s.env.Monitor.observe(sim, nRuns)
	if h := s.env.Hooks.OnRunStart; h != nil {
		h(sim)
	}

	for {
		ok, err := cont(sim)
		if err != nil {
			return res, nil, fmt.Errorf("continue predicate: %w", err)
		}
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, nil, err
		}
		if err := sim.Step(ctx); err != nil {
			return res, nil, err
		}
		s.env.Monitor.observe(sim, nRuns)
		if h := s.env.Hooks.OnStep; h != nil {
			h(sim)
		}
	}

	live := sim.Agents()
	sample, err := Sample(live, sampleSize, spawner.Rand())
	if err != nil {
		return res, nil, fmt.Errorf("carry over: %w", err)
	}

	res.Steps = sim.Now()
	res.FinalPopulation = len(live)
	res.Births = sim.Births()
	res.Deaths = sim.Deaths()
	res.Carried = len(sample)
	res.FinishedAt = time.Now().UTC()

	s.env.events().Log(eventlog.Event{
		Kind: eventlog.KindRunEnd, RunID: res.RunID, Run: run, Step: res.Steps,
		Detail: fmt.Sprintf("population=%d carried=%d", res.FinalPopulation, res.Carried),
	})
	if s.env.Recorder != nil {
		if err := s.env.Recorder.RecordRun(ctx, res, sample); err != nil {
			return res, nil, fmt.Errorf("record run: %w", err)
		}
	}
	s.env.Metrics.RunFinished()
	log.Info("run finished", "run", run, "steps", res.Steps, "population", res.FinalPopulation,
		"births", res.Births, "deaths", res.Deaths, "carried", res.Carried)
	s.env.Monitor.finishRun(res)
	if h := s.env.Hooks.OnRunEnd; h != nil {
		h(res)
	}
	return res, sample, nil
}

// Sample draws n agents without replacement using a partial Fisher-Yates
// shuffle. Asking for more agents than exist is ErrInvalidArgument.
func Sample(population []*agents.Agent, n int, rng interface{ Intn(int) int }) ([]*agents.Agent, error) {
	if n < 0 || n > len(population) {
		return nil, fmt.Errorf("sample %d of %d agents: %w", n, len(population), simerr.ErrInvalidArgument)
	}
	pool := slices.Clone(population)
	for i := 0; i < n; i++ {
		j := i + rng.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n:n], nil
}

// IsInvalid reports whether err stems from bad input rather than a
// runtime failure.
func IsInvalid(err error) bool {
	return errors.Is(err, simerr.ErrInvalidArgument) || errors.Is(err, simerr.ErrParse)
}
