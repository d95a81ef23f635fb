package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/truth-forge/forge-cli/internal/review"
	"github.com/truth-forge/forge-cli/internal/verify"
	"github.com/truth-forge/forge-cli/internal/warehouse"
	anthropicpkg "github.com/truth-forge/forge-cli/pkg/anthropic"
)

var reviewRunIDs []string

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Have the model review verification reports concurrently",
	Long:  "Verifies each run, sends every stage's findings to the configured Anthropic model as its own review, and streams approve/reject verdicts as they come back. With no --run-id flags, every known run is reviewed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("review"); err != nil {
			return err
		}

		env, err := initPipeline(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		runIDs := reviewRunIDs
		if len(runIDs) == 0 {
			counts, err := env.Store.RunsInTable(ctx, warehouse.TableStageRuns)
			if err != nil {
				return eris.Wrap(err, "list runs")
			}
			for _, c := range counts {
				runIDs = append(runIDs, c.RunID)
			}
		}
		if len(runIDs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs to review.")
			return nil
		}

		verifier := verify.New(cfg, env.Store, env.Pipeline)
		var subs []review.Submission
		for _, id := range runIDs {
			report, err := verifier.Run(ctx, id)
			if err != nil {
				return eris.Wrapf(err, "verify run %s", id)
			}
			subs = append(subs, review.SubmissionsForRun(id, report)...)
		}

		pool := review.New(cfg, anthropicpkg.NewClient(cfg.Anthropic.Key))
		verdicts, err := pool.Review(ctx, subs)
		if err != nil {
			return err
		}

		var failed int
		for v := range verdicts {
			if v.Err != nil {
				failed++
				fmt.Printf("%s %s: review error: %v\n", v.RunID, v.Stage, v.Err)
				continue
			}
			fmt.Printf("%s %s: %s (%.1fs)\n", v.RunID, v.Stage, v.Decision, v.Elapsed.Seconds())
			if v.Rationale != "" {
				fmt.Printf("  %s\n", v.Rationale)
			}
			if v.Decision != review.DecisionApprove {
				failed++
			}
		}

		if failed > 0 {
			return eris.Errorf("%d of %d stage reviews were not approved", failed, len(subs))
		}
		return nil
	},
}

func init() {
	reviewCmd.Flags().StringArrayVar(&reviewRunIDs, "run-id", nil, "run to review (repeatable; default all runs)")
	rootCmd.AddCommand(reviewCmd)
}
