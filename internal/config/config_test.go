package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/ecosim/internal/simerr"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Prototypes = []PrototypeConfig{{
		Name:   "grazer",
		Count:  10,
		Traits: map[string]float64{"speed": 1},
		Properties: []PropertyConfig{
			{Name: "crowding", Expr: "neighbors / 2.0", Expiry: "expiresEveryStep"},
		},
		Actions: []ActionConfig{
			{Name: "life", Chain: "idle -> move : speed", Traits: []string{"speed"}},
		},
	}}
	return cfg
}

func TestDefaultNeedsPrototypes(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, simerr.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "at least one prototype")

	require.NoError(t, validConfig().Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
experiment:
  name: trial
  runs: 7
  continue_while: "population > 0"
space:
  dimensions: 3
prototypes:
  - name: grazer
    count: 4
    traits: {speed: 2}
    actions:
      - name: life
        chain: "idle -> move : speed"
`))
	require.NoError(t, err)
	assert.Equal(t, "trial", cfg.Experiment.Name)
	assert.Equal(t, 7, cfg.Experiment.Runs)
	assert.Equal(t, 10, cfg.Experiment.SampleSize)
	assert.Equal(t, "population > 0", cfg.Experiment.ContinueWhile)
	assert.Equal(t, 3, cfg.Space.Dimensions)
	assert.Equal(t, 100.0, cfg.Space.Size)
	require.Len(t, cfg.Prototypes, 1)
	assert.Equal(t, 2.0, cfg.Prototypes[0].Traits["speed"])
	require.NoError(t, cfg.Validate())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("experiment:\n  rnus: 3\n"))
	assert.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  db_path: file.db\n"), 0o644))

	t.Setenv("ECOSIM_DB_PATH", "env.db")
	t.Setenv("ECOSIM_LOG_LEVEL", "debug")
	t.Setenv("ECOSIM_API_ADDR", ":9000")
	t.Setenv("ECOSIM_WORKERS", "3")
	t.Setenv("ECOSIM_SEED", "77")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Storage.DBPath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9000", cfg.API.Addr)
	assert.Equal(t, 3, cfg.Scheduler.Workers)
	assert.Equal(t, int64(77), cfg.Experiment.Seed)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Experiment.Runs = 0
	cfg.Space.Size = -1
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "experiment.runs")
	assert.Contains(t, msg, "space.size")
	assert.Contains(t, msg, "logging.level")
}

func TestValidatePrototypes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PrototypeConfig)
		want   string
	}{
		{"missing name", func(p *PrototypeConfig) { p.Name = "" }, "name is required"},
		{"negative count", func(p *PrototypeConfig) { p.Count = -1 }, "count must be >= 0"},
		{"property clashes with trait", func(p *PrototypeConfig) {
			p.Properties = append(p.Properties, PropertyConfig{Name: "speed", Expr: "1"})
		}, "clashes"},
		{"bad expiry", func(p *PrototypeConfig) { p.Properties[0].Expiry = "sometimes" }, "crowding"},
		{"action without chain", func(p *PrototypeConfig) { p.Actions[0].Chain = "" }, "needs a name and a chain"},
		{"duplicate action", func(p *PrototypeConfig) { p.Actions = append(p.Actions, p.Actions[0]) }, "duplicate action"},
		{"unknown action trait", func(p *PrototypeConfig) { p.Actions[0].Traits = []string{"size"} }, "unknown trait"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg.Prototypes[0])
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateDuplicatePrototypes(t *testing.T) {
	cfg := validConfig()
	cfg.Prototypes = append(cfg.Prototypes, cfg.Prototypes[0])
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestValidateNoFounders(t *testing.T) {
	cfg := validConfig()
	cfg.Prototypes[0].Count = 0
	cfg.Experiment.SampleSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no founders")
}
