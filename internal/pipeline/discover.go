package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/model"
)

// ManifestFile is the stage 0 output file name under the staging dir.
const ManifestFile = "discovery_manifest.json"

// Go/no-go verdicts stage 0 can reach. Only a GO-prefixed verdict clears
// stage 1 to run.
const (
	GoNoGoReady       = "GO: Data ready for processing"
	GoNoGoNoFiles     = "NO-GO: No source files"
	GoNoGoNoMessages  = "NO-GO: No messages found"
	GoNoGoParseErrors = "NO-GO: Too many parse errors"
	GoNoGoCaution     = "CAUTION: Some parse errors, review before proceeding"
)

// ManifestPath returns where stage 0 writes and stage 1 reads the manifest.
func (p *Pipeline) ManifestPath() string {
	return filepath.Join(p.cfg.Staging.Dir, ManifestFile)
}

// runDiscover is stage 0: scan the source directories, count what is there,
// and decide whether the corpus is fit to process. No warehouse writes.
func (p *Pipeline) runDiscover(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "discover"

	files, err := discoverSourceFiles(p.cfg.Staging.SourceDirs)
	if err != nil {
		return nil, NewStageError(KindInputMissing, stage, opts.RunID, err,
			"check staging.source_dirs in the configuration")
	}

	manifest := &model.Manifest{
		AssessmentTimestamp: time.Now().UTC(),
		RunID:               opts.RunID,
		Pipeline:            p.cfg.Pipeline.Name,
		Source:              model.ManifestSource{Path: joinPaths(p.cfg.Staging.SourceDirs)},
		Discovery: model.ManifestDiscovery{
			MessageTypes:   map[string]int{},
			ToolsUsed:      map[string]int{},
			FilesPerFolder: map[string]int{},
		},
	}

	models := map[string]bool{}
	totalLines := 0
	parseErrs := 0
	var earliest, latest string

	for _, path := range files {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "pipeline: discover cancelled")
		}
		scan, err := scanSessionFile(path)
		if err != nil {
			manifest.Discovery.FilesWithErrors++
			zap.L().Warn("discover: unreadable source file", zap.String("path", path), zap.Error(err))
			continue
		}

		manifest.Discovery.FilesProcessed++
		manifest.Discovery.FilesPerFolder[filepath.Dir(path)]++
		totalLines += scan.TotalLines
		parseErrs += scan.ParseErrs
		if scan.ParseErrs > 0 {
			manifest.Discovery.FilesWithErrors++
		}

		for _, msg := range scan.Messages {
			manifest.Discovery.MessagesProcessed++
			manifest.Discovery.MessageTypes[msg.Type]++
			manifest.Discovery.TotalCostUSD += msg.CostUSD
			manifest.Discovery.Counts.ThinkingBlocks += msg.Counts.Thinking
			manifest.Discovery.Counts.TextBlocks += msg.Counts.Text
			manifest.Discovery.Counts.ToolCalls += msg.Counts.ToolCalls
			manifest.Discovery.Counts.ToolResults += msg.Counts.ToolResults
			if msg.Model != "" {
				models[msg.Model] = true
			}
			if msg.ToolName != "" {
				manifest.Discovery.ToolsUsed[msg.ToolName]++
			}
			if msg.Timestamp != "" {
				if earliest == "" || msg.Timestamp < earliest {
					earliest = msg.Timestamp
				}
				if latest == "" || msg.Timestamp > latest {
					latest = msg.Timestamp
				}
			}
		}
	}

	for m := range models {
		manifest.Discovery.ModelsUsed = append(manifest.Discovery.ModelsUsed, m)
	}
	sort.Strings(manifest.Discovery.ModelsUsed)
	manifest.Discovery.DateRange = model.ManifestDateRange{Earliest: earliest, Latest: latest}

	manifest.GoNoGo, manifest.Recommendations = p.assess(manifest, totalLines, parseErrs)

	summary := &model.StageSummary{
		InputRows:  manifest.Discovery.FilesProcessed,
		OutputRows: manifest.Discovery.MessagesProcessed,
		Errors:     parseErrs,
		DryRun:     opts.DryRun,
	}
	if opts.DryRun {
		return summary, nil
	}

	if err := p.gateWrite(stage, opts.RunID, p.ManifestPath()); err != nil {
		return nil, err
	}
	if err := p.writeManifest(manifest); err != nil {
		return nil, NewStageError(KindValidationFailed, stage, opts.RunID, err,
			"check the staging directory is writable")
	}
	return summary, nil
}

// assess computes the go/no-go verdict from the scan totals using the
// configured parse-error ratios.
func (p *Pipeline) assess(m *model.Manifest, totalLines, parseErrs int) (string, []string) {
	var recs []string

	if m.Discovery.FilesProcessed == 0 {
		return GoNoGoNoFiles, []string{"point staging.source_dirs at a directory containing .jsonl session files"}
	}
	if m.Discovery.MessagesProcessed == 0 {
		return GoNoGoNoMessages, []string{"source files contained no parseable messages"}
	}

	ratio := 0.0
	if totalLines > 0 {
		ratio = float64(parseErrs) / float64(totalLines)
	}
	switch {
	case ratio > p.cfg.Pipeline.ParseErrorNoGo:
		recs = append(recs, fmt.Sprintf("%.0f%% of lines failed to parse; inspect the source files before re-running", ratio*100))
		return GoNoGoParseErrors, recs
	case ratio > p.cfg.Pipeline.ParseErrorCaution:
		recs = append(recs, fmt.Sprintf("%.0f%% of lines failed to parse; affected records will be skipped", ratio*100))
		return GoNoGoCaution, recs
	}

	if m.Discovery.FilesWithErrors > 0 {
		recs = append(recs, fmt.Sprintf("%d file(s) had parse errors", m.Discovery.FilesWithErrors))
	}
	return GoNoGoReady, recs
}

func (p *Pipeline) writeManifest(m *model.Manifest) error {
	if err := os.MkdirAll(p.cfg.Staging.Dir, 0o755); err != nil {
		return eris.Wrap(err, "pipeline: create staging dir")
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return eris.Wrap(err, "pipeline: encode manifest")
	}
	if err := os.WriteFile(p.ManifestPath(), data, 0o644); err != nil {
		return eris.Wrap(err, "pipeline: write manifest")
	}
	return nil
}

// ReadManifest loads the stage 0 manifest for tooling outside the stage
// loop (verification, the query API).
func (p *Pipeline) ReadManifest() (*model.Manifest, error) {
	return p.readManifest()
}

// readManifest loads the stage 0 manifest for stage 1's precondition.
func (p *Pipeline) readManifest() (*model.Manifest, error) {
	data, err := os.ReadFile(p.ManifestPath())
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read manifest %s", p.ManifestPath())
	}
	var m model.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "pipeline: decode manifest")
	}
	return &m, nil
}

func joinPaths(dirs []string) string {
	if len(dirs) == 1 {
		return dirs[0]
	}
	out := ""
	for i, d := range dirs {
		if i > 0 {
			out += string(os.PathListSeparator)
		}
		out += d
	}
	return out
}
