package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/truth-forge/forge-cli/internal/verify"
)

var verifyRunID string

var verifyCmd = &cobra.Command{
	Use:   "verify [stage]",
	Short: "Check a run's warehouse state without changing it",
	Long:  "Reads every stage table for a run and reports, in plain language, whether each looks healthy. Pass a stage name to check only that stage.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, verifyRunID)
		if err != nil {
			return err
		}
		defer env.Close()

		v := verify.New(cfg, env.Store, env.Pipeline)

		var report *verify.Report
		if len(args) == 1 {
			st, ok := env.Pipeline.StageByName(args[0])
			if !ok {
				return eris.Errorf("unknown stage %q", args[0])
			}
			findings, err := v.Stage(ctx, st, verifyRunID)
			if err != nil {
				return eris.Wrap(err, "verify stage")
			}
			report = &verify.Report{RunID: verifyRunID, Pipeline: cfg.Pipeline.Name, Findings: findings}
		} else {
			report, err = v.Run(ctx, verifyRunID)
			if err != nil {
				return eris.Wrap(err, "verify run")
			}
		}

		formatReport(os.Stdout, report)

		if report.Failed() {
			return eris.Errorf("verification failed for run %s", verifyRunID)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyRunID, "run-id", "", "run identifier (required)")
	_ = verifyCmd.MarkFlagRequired("run-id")
	rootCmd.AddCommand(verifyCmd)
}

// formatReport writes the findings table plus plain-language notes for
// anything that is not OK.
func formatReport(out io.Writer, r *verify.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tCHECK\tSTATUS\tDETAIL")
	_, _ = fmt.Fprintln(w, "-----\t-----\t------\t------")
	for _, f := range r.Findings {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Stage, f.Check, f.Status, f.Detail)
	}
	_ = w.Flush()

	for _, f := range r.Findings {
		if f.Status == verify.StatusOK {
			continue
		}
		_, _ = fmt.Fprintf(out, "\n[%s] %s / %s\n", f.Status, f.Stage, f.Check)
		if f.Meaning != "" {
			_, _ = fmt.Fprintf(out, "  What this means: %s\n", f.Meaning)
		}
		if f.Advice != "" {
			_, _ = fmt.Fprintf(out, "  What to do: %s\n", f.Advice)
		}
	}

	ok, warn, fail := r.Counts()
	_, _ = fmt.Fprintf(out, "\n%d ok, %d warnings, %d failures\n", ok, warn, fail)
}
