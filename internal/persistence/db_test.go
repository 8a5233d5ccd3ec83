package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/ecosim/internal/agents"
	"github.com/talgya/ecosim/internal/config"
	"github.com/talgya/ecosim/internal/engine"
	"github.com/talgya/ecosim/internal/eventlog"
	"github.com/talgya/ecosim/internal/expression"
	"github.com/talgya/ecosim/internal/world"
)

func testHabitat(t *testing.T) *world.Habitat {
	t.Helper()
	h, err := world.NewHabitat(world.HabitatConfig{Dimensions: 2, Size: 20, Scale: 0.1, Wrap: true, Seed: 7})
	require.NoError(t, err)
	return h
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ecosim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testAgents(t *testing.T, ev expression.Evaluator, n int) []*agents.Agent {
	t.Helper()
	proto, err := agents.NewPrototype(config.PrototypeConfig{
		Name:   "grazer",
		Traits: map[string]float64{"speed": 2, "fertility": 0.3},
		Properties: []config.PropertyConfig{
			{Name: "vigor", Expr: "speed * 2"},
		},
		Actions: []config.ActionConfig{
			{Name: "life", Chain: "idle -> move : 1; move -> idle : 1", Traits: []string{"speed"}},
		},
	}, ev)
	require.NoError(t, err)

	out := make([]*agents.Agent, n)
	for i := range out {
		a := agents.Clone(proto)
		a.ID = agents.AgentID(i + 1)
		a.Position = []float64{float64(i), 1}
		out[i] = a
	}
	return out
}

func testResult(runID string, run int, finished time.Time) engine.RunResult {
	return engine.RunResult{
		Run: run, RunID: runID, Steps: 40, FinalPopulation: 12,
		Births: 9, Deaths: 3, Carried: 2,
		StartedAt: finished.Add(-time.Second), FinishedAt: finished,
	}
}

func TestSaveRunAndLoadCarried(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ev := expression.NewExprEvaluator()
	carried := testAgents(t, ev, 2)

	require.NoError(t, db.SaveRun(ctx, "meadow", testResult("run-a", 0, time.Now().UTC()), carried))

	got, err := db.LoadCarried(ctx, "run-a", ev)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, a := range got {
		assert.Equal(t, carried[i].ID, a.ID)
		assert.Equal(t, "grazer", a.Species)
		assert.Equal(t, carried[i].Position, a.Position)
		speed, ok := a.Trait("speed")
		require.True(t, ok)
		assert.Equal(t, 2.0, speed)
		require.Len(t, a.Actions, 1)
		require.Len(t, a.Actions[0].Traits, 1)
		assert.Same(t, a.Traits["speed"], a.Actions[0].Traits[0])
	}
}

func TestLoadCarriedUnknownRun(t *testing.T) {
	db := openTestDB(t)
	_, err := db.LoadCarried(context.Background(), "missing", expression.NewExprEvaluator())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadCarriedEmptySample(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.SaveRun(ctx, "meadow", testResult("run-empty", 0, time.Now().UTC()), nil))

	got, err := db.LoadCarried(ctx, "run-empty", expression.NewExprEvaluator())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.SaveRun(ctx, "meadow", testResult("run-0", 0, base), nil))
	require.NoError(t, db.SaveRun(ctx, "meadow", testResult("run-1", 1, base.Add(time.Minute)), nil))

	rows, err := db.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "run-1", rows[0].RunID)
	assert.Equal(t, "run-0", rows[1].RunID)
	assert.Equal(t, "meadow", rows[0].Experiment)
	assert.EqualValues(t, 40, rows[0].Steps)
	assert.Equal(t, 12, rows[0].FinalPopulation)

	latest, err := db.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", latest.RunID)
}

func TestLatestRunEmpty(t *testing.T) {
	_, err := openTestDB(t).LatestRun(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMeta(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.GetMeta(ctx, "seed")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.SaveMeta(ctx, "seed", "42"))
	require.NoError(t, db.SaveMeta(ctx, "seed", "43"))
	v, err := db.GetMeta(ctx, "seed")
	require.NoError(t, err)
	assert.Equal(t, "43", v)
}

func TestEventSinkFlush(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	sink := NewEventSink(db)

	sink.Log(eventlog.Event{Kind: eventlog.KindRunStart, RunID: "r", Run: 0})
	sink.Log(eventlog.Event{Kind: eventlog.KindBirth, RunID: "r", Run: 0, Step: 3, AgentID: 7, Species: "grazer"})
	assert.Equal(t, 2, sink.Pending())

	require.NoError(t, sink.Flush(ctx))
	assert.Zero(t, sink.Pending())
	require.NoError(t, sink.Flush(ctx))

	events, err := db.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, eventlog.KindBirth, events[0].Kind)
	assert.EqualValues(t, 7, events[0].AgentID)
	assert.EqualValues(t, 3, events[0].Step)
	assert.Equal(t, "grazer", events[0].Species)
	assert.Equal(t, eventlog.KindRunStart, events[1].Kind)
}

func TestRecorderRecordsRunAndFlushes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	sink := NewEventSink(db)
	rec := NewRecorder(db, "meadow", sink)
	ev := expression.NewExprEvaluator()

	sink.Log(eventlog.Event{Kind: eventlog.KindRunEnd, RunID: "run-r"})
	require.NoError(t, rec.RecordRun(ctx, testResult("run-r", 0, time.Now().UTC()), testAgents(t, ev, 3)))
	assert.Zero(t, sink.Pending())

	id, err := db.GetMeta(ctx, "last_run_id")
	require.NoError(t, err)
	assert.Equal(t, "run-r", id)

	carried, err := db.LoadCarried(ctx, id, ev)
	require.NoError(t, err)
	assert.Len(t, carried, 3)
}

func TestRecorderDrivesExperiment(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	sink := NewEventSink(db)
	ev := expression.NewExprEvaluator()

	proto, err := agents.NewPrototype(config.PrototypeConfig{
		Name:    "grazer",
		Actions: []config.ActionConfig{{Name: "life", Chain: "idle -> rest : 1"}},
	}, ev)
	require.NoError(t, err)

	habitat := testHabitat(t)
	scheme, err := engine.NewScheme("meadow", []engine.Founder{{Prototype: proto, Count: 4}}, habitat,
		engine.Settings{Seed: 3, NeighborRadius: 2},
		engine.Env{Events: sink, Recorder: NewRecorder(db, "meadow", sink)})
	require.NoError(t, err)

	results, err := scheme.RunExperiment(ctx, 2, 2, engine.MaxSteps(3))
	require.NoError(t, err)
	require.Len(t, results, 2)

	rows, err := db.Runs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	carried, err := db.LoadCarried(ctx, results[1].RunID, ev)
	require.NoError(t, err)
	assert.Len(t, carried, 2)

	events, err := db.RecentEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.KindRunEnd, events[0].Kind)
}
