package pipeline

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

var whitespaceRun = regexp.MustCompile(`[ \t]+`)

// runClean is stage 2: normalize content and timestamps and mark duplicate
// messages within each session by content fingerprint.
func (p *Pipeline) runClean(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "clean"

	input := p.table(warehouse.TableStage1)
	raw, err := p.store.RawRecords(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(raw), DryRun: opts.DryRun}
	now := time.Now().UTC()
	seen := map[string]map[string]bool{} // session -> fingerprint set
	var rows []model.CleanRecord

	for _, r := range raw {
		cleaned := CleanText(r.Content)
		fp := fingerprint(cleaned)

		if seen[r.SessionID] == nil {
			seen[r.SessionID] = map[string]bool{}
		}
		dup := seen[r.SessionID][fp]
		seen[r.SessionID][fp] = true

		ts, tsErr := parseTimestamp(r.Timestamp)
		if tsErr != nil {
			summary.Errors++
		}

		rec := model.CleanRecord{
			RawRecord:      r,
			ContentCleaned: cleaned,
			TimestampUTC:   ts,
			IsDuplicate:    dup,
			Fingerprint:    fp,
		}
		rec.RunID = opts.RunID
		rec.CreatedAt = now
		rows = append(rows, rec)
	}

	if opts.DryRun {
		summary.OutputRows = len(rows)
		return summary, nil
	}

	table := p.table(warehouse.TableStage2)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertCleanRecords(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	summary.Skipped = len(rows) - summary.OutputRows
	return summary, nil
}

// CleanText normalizes message content: NFC form, control characters
// stripped (newlines and tabs survive as whitespace), horizontal
// whitespace runs collapsed, leading/trailing space trimmed.
func CleanText(s string) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteRune('\n')
		case r == '\t':
			b.WriteRune(' ')
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}

	s = whitespaceRun.ReplaceAllString(b.String(), " ")
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(ln, " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// parseTimestamp accepts the timestamp shapes seen in session logs and
// returns UTC. Empty input is not an error; it yields the zero time.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("pipeline: unparseable timestamp %q", s)
}
