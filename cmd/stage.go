package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/pipeline"
)

var (
	stageRunID      string
	stageDryRun     bool
	stageStrict     bool
	stageWarnings   bool
	stageSourceName string
	stageBatchSize  int
)

var stageCmd = &cobra.Command{
	Use:   "stage <name-or-number>",
	Short: "Run a single transformer",
	Long:  "Runs one transformer by name (discover, parse, clean, ...) or number (0-16). The auxiliary transformers spans, turns and words run by name only.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if stageRunID == "" {
			return eris.New("--run-id is required; single stages resume an existing run")
		}

		env, err := initPipeline(ctx, stageRunID)
		if err != nil {
			return err
		}
		defer env.Close()

		st, ok := env.Pipeline.StageByName(args[0])
		if !ok {
			return eris.Errorf("unknown stage %q", args[0])
		}

		opts := pipeline.Options{
			RunID:           env.RunID,
			DryRun:          stageDryRun,
			BatchSize:       stageBatchSize,
			Strict:          stageStrict,
			IncludeWarnings: stageWarnings,
			SourceName:      stageSourceName,
		}

		summary, err := env.Pipeline.RunStage(ctx, st, opts)
		if err != nil {
			return eris.Wrapf(err, "stage %s", st.Name)
		}

		zap.L().Info("stage finished",
			zap.String("stage", st.Name),
			zap.String("run_id", env.RunID),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	stageCmd.Flags().StringVar(&stageRunID, "run-id", "", "run identifier (required)")
	stageCmd.Flags().BoolVar(&stageDryRun, "dry-run", false, "compute the stage but write nothing")
	stageCmd.Flags().BoolVar(&stageStrict, "strict", false, "treat validation warnings as failures")
	stageCmd.Flags().BoolVar(&stageWarnings, "include-warnings", false, "promote rows that validated with warnings")
	stageCmd.Flags().StringVar(&stageSourceName, "source-name", "", "source tag for emitted entities")
	stageCmd.Flags().IntVar(&stageBatchSize, "batch-size", 0, "insert batch size (default from config)")
	_ = stageCmd.MarkFlagRequired("run-id")
	rootCmd.AddCommand(stageCmd)
}
