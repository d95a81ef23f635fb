package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/rollback"
)

var (
	rollbackRunID    string
	rollbackConfirm  bool
	rollbackListRuns bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <stage>",
	Short: "Delete one stage's rows for a run",
	Long:  "Plans and executes deletion of a single stage's output for one run. Refuses to delete while downstream stages still hold rows derived from it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, rollbackRunID)
		if err != nil {
			return err
		}
		defer env.Close()

		rb := rollback.New(cfg, env.Store, env.Pipeline)

		if rollbackListRuns {
			counts, err := rb.ListRuns(ctx, args[0])
			if err != nil {
				return err
			}
			if len(counts) == 0 {
				fmt.Printf("No runs found for stage %s.\n", args[0])
				return nil
			}
			formatRunCounts(os.Stdout, counts)
			return nil
		}

		if rollbackRunID == "" {
			return eris.New("--run-id is required (or use --list-runs)")
		}

		plan, err := rb.PlanStage(ctx, args[0], rollbackRunID)
		if err != nil {
			return err
		}

		fmt.Printf("Rollback plan for stage %s, run %s:\n", plan.Stage, plan.RunID)
		for _, table := range plan.Tables {
			fmt.Printf("  - %s\n", table)
		}
		fmt.Printf("Rows to delete: %d\n", plan.Rows)

		if plan.Blocked() {
			for _, b := range plan.Blockers {
				fmt.Printf("BLOCKED: downstream stage %s still holds %d rows in %s\n", b.Stage, b.Rows, b.Table)
			}
			return eris.New("rollback blocked; roll back the downstream stages first")
		}

		if plan.Rows == 0 {
			fmt.Println("Nothing to delete.")
			return nil
		}

		if !rollbackConfirm && !promptYes(fmt.Sprintf("Delete %d rows? [y/N]: ", plan.Rows)) {
			fmt.Println("Aborted.")
			return nil
		}

		deleted, err := rb.Execute(ctx, plan)
		if err != nil {
			return eris.Wrap(err, "rollback execute")
		}

		zap.L().Info("rollback complete",
			zap.String("stage", plan.Stage),
			zap.String("run_id", plan.RunID),
			zap.Int64("deleted", deleted),
		)
		fmt.Printf("Deleted %d rows.\n", deleted)
		return nil
	},
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackRunID, "run-id", "", "run identifier")
	rollbackCmd.Flags().BoolVar(&rollbackConfirm, "confirm", false, "skip the interactive confirmation prompt")
	rollbackCmd.Flags().BoolVar(&rollbackListRuns, "list-runs", false, "list runs present in the stage's table and exit")
	rootCmd.AddCommand(rollbackCmd)
}

// promptYes asks on stdin and accepts only an explicit yes.
func promptYes(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
