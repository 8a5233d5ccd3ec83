package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/talgya/ecosim/internal/config"
	"github.com/talgya/ecosim/internal/persistence"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("db"); v != "" {
				cfg.Storage.DBPath = v
			}
			if cfg.Storage.DBPath == "" {
				return errors.New("no database configured (set storage.db_path or --db)")
			}

			db, err := persistence.Open(cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			rows, err := db.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tEXPERIMENT\tRUN\tSTEPS\tPOPULATION\tBIRTHS\tDEATHS\tCARRIED\tFINISHED")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
					r.RunID, r.Experiment, r.Run, r.Steps, r.FinalPopulation,
					r.Births, r.Deaths, r.Carried, r.FinishedAt)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().String("db", "", "SQLite database path (overrides config)")
	cmd.Flags().Int("limit", 20, "Maximum runs to list")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}
