// Package config loads experiment configuration from YAML files and
// ECOSIM_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/talgya/ecosim/internal/cache"
	"github.com/talgya/ecosim/internal/simerr"
)

// Config is the complete set of recognised options. Unknown keys in a
// YAML document are rejected.
type Config struct {
	Experiment ExperimentConfig  `yaml:"experiment"`
	Space      SpaceConfig       `yaml:"space"`
	Scheduler  SchedulerConfig   `yaml:"scheduler"`
	Storage    StorageConfig     `yaml:"storage"`
	Logging    LoggingConfig     `yaml:"logging"`
	API        APIConfig         `yaml:"api"`
	Prototypes []PrototypeConfig `yaml:"prototypes"`
}

// ExperimentConfig controls the multi-run driver.
type ExperimentConfig struct {
	Name       string `yaml:"name"`
	Runs       int    `yaml:"runs"`
	SampleSize int    `yaml:"sample_size"`
	MaxSteps   int    `yaml:"max_steps"`

	// ContinueWhile is an optional boolean expression checked before each
	// step in addition to MaxSteps. It sees step, population and run.
	ContinueWhile string `yaml:"continue_while"`

	// Seed drives founder placement and per-agent random streams. Zero
	// picks a random seed at startup.
	Seed int64 `yaml:"seed"`
}

// SpaceConfig describes the continuous habitat agents live in.
type SpaceConfig struct {
	Dimensions     int     `yaml:"dimensions"`
	Size           float64 `yaml:"size"`
	NeighborRadius float64 `yaml:"neighbor_radius"`
	HabitatScale   float64 `yaml:"habitat_scale"`
	Wrap           bool    `yaml:"wrap"`
}

// SchedulerConfig sizes the worker pool used for per-agent evaluation.
type SchedulerConfig struct {
	Parallel bool `yaml:"parallel"`
	// Workers <= 0 means one per available CPU.
	Workers   int `yaml:"workers"`
	Threshold int `yaml:"threshold"`
}

// StorageConfig points at the SQLite database. An empty path disables
// persistence.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// LoggingConfig sets log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// APIConfig enables the read-only status server when Addr is set.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// PrototypeConfig defines one species template and how many founders are
// cloned from it at the start of every run.
type PrototypeConfig struct {
	Name       string             `yaml:"name"`
	Count      int                `yaml:"count"`
	Traits     map[string]float64 `yaml:"traits"`
	Properties []PropertyConfig   `yaml:"properties"`
	Actions    []ActionConfig     `yaml:"actions"`
}

// PropertyConfig is a derived value computed from an expression and
// cached according to Expiry ("expiresAtBirth" or "expiresEveryStep").
type PropertyConfig struct {
	Name   string `yaml:"name"`
	Expr   string `yaml:"expr"`
	Expiry string `yaml:"expiry"`
}

// ActionConfig is a state machine driven by a transition chain. Traits
// lists prototype traits the action reads; listed traits are shared with
// the agent rather than copied.
type ActionConfig struct {
	Name    string   `yaml:"name"`
	Initial string   `yaml:"initial"`
	Chain   string   `yaml:"chain"`
	Traits  []string `yaml:"traits"`
}

// Default returns a configuration with sensible defaults and no
// prototypes.
func Default() *Config {
	return &Config{
		Experiment: ExperimentConfig{
			Name:       "default",
			Runs:       3,
			SampleSize: 10,
			MaxSteps:   100,
		},
		Space: SpaceConfig{
			Dimensions:     2,
			Size:           100,
			NeighborRadius: 5,
			HabitatScale:   0.05,
			Wrap:           true,
		},
		Scheduler: SchedulerConfig{
			Parallel:  true,
			Workers:   0,
			Threshold: 64,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (when non-empty) over the defaults and then applies
// environment overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Parse decodes a YAML document over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ECOSIM_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("ECOSIM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ECOSIM_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("ECOSIM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("ECOSIM_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Experiment.Seed = n
		}
	}
}

var validLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate checks every option. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Experiment.Runs < 1 {
		bad("experiment.runs must be >= 1, got %d", c.Experiment.Runs)
	}
	if c.Experiment.SampleSize < 0 {
		bad("experiment.sample_size must be >= 0, got %d", c.Experiment.SampleSize)
	}
	if c.Experiment.MaxSteps < 1 {
		bad("experiment.max_steps must be >= 1, got %d", c.Experiment.MaxSteps)
	}
	if c.Space.Dimensions < 1 {
		bad("space.dimensions must be >= 1, got %d", c.Space.Dimensions)
	}
	if c.Space.Size <= 0 {
		bad("space.size must be > 0, got %g", c.Space.Size)
	}
	if c.Space.NeighborRadius < 0 {
		bad("space.neighbor_radius must be >= 0, got %g", c.Space.NeighborRadius)
	}
	if c.Space.HabitatScale <= 0 {
		bad("space.habitat_scale must be > 0, got %g", c.Space.HabitatScale)
	}
	if c.Scheduler.Threshold < 1 {
		bad("scheduler.threshold must be >= 1, got %d", c.Scheduler.Threshold)
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		bad("invalid logging.level %q (valid: debug, info, warn, error)", c.Logging.Level)
	}

	if len(c.Prototypes) == 0 {
		bad("at least one prototype is required")
	}
	seen := make(map[string]bool)
	founders := 0
	for i, p := range c.Prototypes {
		if err := p.validate(); err != nil {
			bad("prototypes[%d]: %w", i, err)
		}
		if seen[p.Name] {
			bad("prototypes[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		founders += p.Count
	}
	if len(c.Prototypes) > 0 && founders == 0 && c.Experiment.SampleSize == 0 {
		bad("no founders: set a prototype count or a sample size")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w: %w", simerr.ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

func (p PrototypeConfig) validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if p.Count < 0 {
		return fmt.Errorf("count must be >= 0, got %d", p.Count)
	}

	names := make(map[string]bool)
	for name := range p.Traits {
		names[name] = true
	}
	for _, prop := range p.Properties {
		if prop.Name == "" || prop.Expr == "" {
			return fmt.Errorf("property %q needs a name and an expr", prop.Name)
		}
		if names[prop.Name] {
			return fmt.Errorf("property %q clashes with another trait or property", prop.Name)
		}
		names[prop.Name] = true
		if prop.Expiry != "" {
			if _, err := cache.ParsePolicy(prop.Expiry); err != nil {
				return fmt.Errorf("property %q: %w", prop.Name, err)
			}
		}
	}

	actions := make(map[string]bool)
	for _, a := range p.Actions {
		if a.Name == "" || a.Chain == "" {
			return fmt.Errorf("action %q needs a name and a chain", a.Name)
		}
		if actions[a.Name] {
			return fmt.Errorf("duplicate action %q", a.Name)
		}
		actions[a.Name] = true
		for _, t := range a.Traits {
			if _, ok := p.Traits[t]; !ok {
				return fmt.Errorf("action %q references unknown trait %q", a.Name, t)
			}
		}
	}
	return nil
}
