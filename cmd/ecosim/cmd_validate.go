package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/talgya/ecosim/internal/agents"
	"github.com/talgya/ecosim/internal/config"
	"github.com/talgya/ecosim/internal/expression"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check an experiment configuration",
		Long: `Loads the configuration, checks every option and compiles every
property expression and transition chain without running anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			protos, err := compileConfig(cfg, expression.NewExprEvaluator())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "experiment %q is valid\n", cfg.Experiment.Name)
			for i, p := range protos {
				fmt.Fprintf(out, "  %-12s count=%d traits=%d properties=%d actions=%d\n",
					p.Species, cfg.Prototypes[i].Count, len(p.Traits), len(p.Properties), len(p.Actions))
			}
			return nil
		},
	}
}

// compileConfig validates cfg and builds its prototypes and continuation
// expression with ev.
func compileConfig(cfg *config.Config, ev expression.Evaluator) ([]*agents.Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	protos, err := agents.NewPrototypes(cfg.Prototypes, ev)
	if err != nil {
		return nil, err
	}
	if src := cfg.Experiment.ContinueWhile; src != "" {
		if _, err := ev.Compile(src); err != nil {
			return nil, fmt.Errorf("continue_while: %w", err)
		}
	}
	return protos, nil
}
