package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/preflight"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

var preflightStrict bool

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check sources, staging, warehouse and credentials before a run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		// The warehouse check is best effort; a store that cannot open is
		// itself a finding, not a reason to skip the rest.
		var st warehouse.Store
		if s, err := initStore(ctx); err == nil {
			st = s
			defer st.Close() //nolint:errcheck
			if err := st.EnsureSchema(ctx, cfg.Pipeline.Name); err != nil {
				zap.L().Warn("schema init failed", zap.Error(err))
			}
		} else {
			zap.L().Warn("warehouse unavailable", zap.Error(err))
		}

		result := preflight.New(cfg, st).Run(ctx)
		formatPreflight(os.Stdout, result)

		if result.Failed(preflightStrict) {
			return eris.New("preflight failed")
		}
		fmt.Println("Preflight passed.")
		return nil
	},
}

func init() {
	preflightCmd.Flags().BoolVar(&preflightStrict, "strict", false, "treat warnings as failures")
	rootCmd.AddCommand(preflightCmd)
}

func formatPreflight(out io.Writer, r *preflight.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHECK\tSTATUS\tDETAIL")
	_, _ = fmt.Fprintln(w, "-----\t------\t------")
	for _, c := range r.Checks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.Status, c.Detail)
	}
	_ = w.Flush()

	for _, c := range r.Checks {
		if c.Advice != "" && c.Status != preflight.StatusOK {
			_, _ = fmt.Fprintf(out, "\n%s: %s\n", c.Name, c.Advice)
		}
	}
}
