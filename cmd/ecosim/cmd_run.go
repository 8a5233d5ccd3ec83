package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/talgya/ecosim/internal/api"
	"github.com/talgya/ecosim/internal/config"
	"github.com/talgya/ecosim/internal/engine"
	"github.com/talgya/ecosim/internal/entropy"
	"github.com/talgya/ecosim/internal/eventlog"
	"github.com/talgya/ecosim/internal/expression"
	"github.com/talgya/ecosim/internal/logging"
	"github.com/talgya/ecosim/internal/metrics"
	"github.com/talgya/ecosim/internal/persistence"
	"github.com/talgya/ecosim/internal/sched"
	"github.com/talgya/ecosim/internal/world"
)

type runOptions struct {
	resumeFrom string
	hold       bool
	jsonOut    bool
	logOut     io.Writer

	// progressEvery logs a progress line every N steps; 0 disables it.
	progressEvery int
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an experiment",
		Long: `Runs the configured experiment. Flags override the matching
configuration options. With --resume-from the first run starts from the
agents a recorded run carried out ("latest" picks the newest run).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg)

			var opts runOptions
			opts.resumeFrom, _ = cmd.Flags().GetString("resume-from")
			opts.hold, _ = cmd.Flags().GetBool("hold")
			opts.jsonOut, _ = cmd.Flags().GetBool("json")
			opts.logOut = cmd.ErrOrStderr()
			opts.progressEvery, _ = cmd.Flags().GetInt("progress")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runExperiment(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int("runs", 0, "Number of runs (overrides experiment.runs)")
	cmd.Flags().Int("sample", -1, "Agents carried between runs (overrides experiment.sample_size)")
	cmd.Flags().Int("steps", 0, "Maximum steps per run (overrides experiment.max_steps)")
	cmd.Flags().Int64("seed", 0, "Random seed (overrides experiment.seed)")
	cmd.Flags().String("db", "", "SQLite database path (overrides storage.db_path)")
	cmd.Flags().String("api", "", "Listen address for the status API (overrides api.addr)")
	cmd.Flags().Bool("sequential", false, "Evaluate agents on the calling goroutine only")
	cmd.Flags().String("resume-from", "", "Seed the first run from a recorded run's carried agents")
	cmd.Flags().Bool("hold", false, "Keep serving the API after the experiment finishes")
	cmd.Flags().Bool("json", false, "Print run results as JSON")
	cmd.Flags().Int("progress", 50, "Log progress every N steps (0 disables)")
	return cmd
}

func progressHooks(logger *slog.Logger, every int) engine.Hooks {
	var started time.Time
	return engine.Hooks{
		OnRunStart: func(sim *engine.Simulation) {
			started = time.Now()
		},
		OnStep: func(sim *engine.Simulation) {
			if every <= 0 || sim.Now()%uint64(every) != 0 {
				return
			}
			logger.Info("progress", "run", sim.Run, "step", sim.Now(),
				"population", sim.Population(), "births", sim.Births(), "deaths", sim.Deaths())
		},
		OnRunEnd: func(res engine.RunResult) {
			logger.Debug("run wall time", "run", res.Run, "elapsed", time.Since(started).Round(time.Millisecond))
		},
	}
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("runs") {
		cfg.Experiment.Runs, _ = flags.GetInt("runs")
	}
	if flags.Changed("sample") {
		cfg.Experiment.SampleSize, _ = flags.GetInt("sample")
	}
	if flags.Changed("steps") {
		cfg.Experiment.MaxSteps, _ = flags.GetInt("steps")
	}
	if flags.Changed("seed") {
		cfg.Experiment.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Changed("db") {
		cfg.Storage.DBPath, _ = flags.GetString("db")
	}
	if flags.Changed("api") {
		cfg.API.Addr, _ = flags.GetString("api")
	}
	if seq, _ := flags.GetBool("sequential"); seq {
		cfg.Scheduler.Parallel = false
	}
}

func runExperiment(ctx context.Context, cfg *config.Config, opts runOptions, out io.Writer) (err error) {
	if opts.logOut == nil {
		opts.logOut = os.Stderr
	}
	logger := logging.New(cfg.Logging.Level, opts.logOut)
	slog.SetDefault(logger)

	ev := expression.NewExprEvaluator()
	protos, err := compileConfig(cfg, ev)
	if err != nil {
		return err
	}

	exp := cfg.Experiment
	seed := entropy.ResolveSeed(exp.Seed)
	habitat, err := world.NewHabitat(world.HabitatConfig{
		Dimensions: cfg.Space.Dimensions,
		Size:       cfg.Space.Size,
		Scale:      cfg.Space.HabitatScale,
		Wrap:       cfg.Space.Wrap,
		Seed:       seed,
	})
	if err != nil {
		return err
	}

	founders := make([]engine.Founder, len(protos))
	for i, p := range protos {
		founders[i] = engine.Founder{Prototype: p, Count: cfg.Prototypes[i].Count}
	}

	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	env := engine.Env{
		Threshold: cfg.Scheduler.Threshold,
		Logger:    logger,
		Metrics:   collectors,
		Monitor:   engine.NewMonitor(),
		Hooks:     progressHooks(logger, opts.progressEvery),
	}
	if cfg.Scheduler.Parallel {
		env.Pool = sched.NewPool(cfg.Scheduler.Workers)
	}
	events := eventlog.Multi{eventlog.Slog{Logger: logger}}

	// ── Database ──────────────────────────────────────────────────────
	var db *persistence.DB
	var sink *persistence.EventSink
	if cfg.Storage.DBPath != "" {
		db, err = persistence.Open(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("database opened", "path", cfg.Storage.DBPath)

		sink = persistence.NewEventSink(db)
		defer func() {
			if ferr := sink.Flush(context.Background()); ferr != nil && err == nil {
				err = ferr
			}
		}()
		events = append(events, sink)
		env.Recorder = persistence.NewRecorder(db, exp.Name, sink)

		if err := db.SaveMeta(ctx, "experiment", exp.Name); err != nil {
			return err
		}
		if err := db.SaveMeta(ctx, "seed", strconv.FormatInt(seed, 10)); err != nil {
			return err
		}
	}
	env.Events = events

	scheme, err := engine.NewScheme(exp.Name, founders, habitat, engine.Settings{
		Seed:           seed,
		NeighborRadius: cfg.Space.NeighborRadius,
	}, env)
	if err != nil {
		return err
	}

	if opts.resumeFrom != "" {
		if db == nil {
			return errors.New("--resume-from needs a database")
		}
		runID := opts.resumeFrom
		if runID == "latest" {
			row, err := db.LatestRun(ctx)
			if err != nil {
				return err
			}
			runID = row.RunID
		}
		carried, err := db.LoadCarried(ctx, runID, ev)
		if err != nil {
			return fmt.Errorf("resume from %s: %w", runID, err)
		}
		scheme.Carry(carried)
		logger.Info("resuming", "from", runID, "carried", len(carried))
	}

	var cont engine.ContinueFunc = engine.MaxSteps(exp.MaxSteps)
	if exp.ContinueWhile != "" {
		cond, err := ev.Compile(exp.ContinueWhile)
		if err != nil {
			return fmt.Errorf("continue_while: %w", err)
		}
		cont = engine.ContinueWhile(exp.MaxSteps, cond)
	}

	logger.Info("experiment starting",
		"name", exp.Name, "runs", exp.Runs, "sample_size", exp.SampleSize,
		"max_steps", exp.MaxSteps, "seed", seed, "parallel", env.Pool != nil)

	apiCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()
	g, gctx := errgroup.WithContext(apiCtx)
	if cfg.API.Addr != "" {
		srv := &api.Server{
			Monitor:  env.Monitor,
			Gatherer: reg,
			Addr:     cfg.API.Addr,
			Logger:   logger,
			Limiter:  api.NewRateLimiter(120, time.Minute),
		}
		if db != nil {
			srv.DB = db
		}
		g.Go(func() error { return srv.Serve(gctx) })
	}

	var results []engine.RunResult
	g.Go(func() error {
		var runErr error
		results, runErr = scheme.RunExperiment(ctx, exp.Runs, exp.SampleSize, cont)
		if runErr == nil && opts.hold && cfg.API.Addr != "" {
			logger.Info("experiment finished, holding API open")
			<-ctx.Done()
		}
		stopAPI()
		return runErr
	})
	err = g.Wait()

	if werr := writeResults(out, results, opts.jsonOut); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return err
	}
	logger.Info("experiment finished", "runs", len(results))
	return nil
}

func writeResults(out io.Writer, results []engine.RunResult, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if results == nil {
			results = []engine.RunResult{}
		}
		return enc.Encode(results)
	}
	if len(results) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tRUN ID\tSTEPS\tPOPULATION\tBIRTHS\tDEATHS\tCARRIED")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.Run, r.RunID, r.Steps, r.FinalPopulation, r.Births, r.Deaths, r.Carried)
	}
	return tw.Flush()
}
