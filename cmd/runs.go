package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing runs and showing per-stage execution history.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.EnsureSchema(ctx, cfg.Pipeline.Name); err != nil {
			return err
		}

		counts, err := st.RunsInTable(ctx, warehouse.TableStageRuns)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(counts) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunCounts(os.Stdout, counts)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show per-stage history of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.EnsureSchema(ctx, cfg.Pipeline.Name); err != nil {
			return err
		}

		runs, err := st.StageRuns(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		if len(runs) == 0 {
			fmt.Fprintf(os.Stderr, "No stage runs recorded for %s.\n", args[0])
			return nil
		}

		formatStageRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunCounts writes a tabular list of runs to w.
func formatRunCounts(out io.Writer, counts []model.RunCount) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN_ID\tSTAGES\tSTARTED")
	_, _ = fmt.Fprintln(w, "------\t------\t-------")

	for _, c := range counts {
		started := ""
		if !c.Earliest.IsZero() {
			started = c.Earliest.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", c.RunID, c.Rows, started)
	}
	_ = w.Flush()
}
