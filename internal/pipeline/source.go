package pipeline

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// sourceLine is one decoded line of a session JSONL file. Content may be a
// string, an object, or a list of content blocks; non-string content is
// carried through as raw JSON.
type sourceLine struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
	Model     string          `json:"model"`
	SessionID string          `json:"session_id"`
	CostUSD   float64         `json:"cost_usd"`
}

// contentBlock is one element of a list-valued content field.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

// blockCounts tallies content blocks by kind across a scan.
type blockCounts struct {
	Thinking    int
	Text        int
	ToolCalls   int
	ToolResults int
}

// parsedMessage is one usable message from a session file, with content
// flattened per the stage 1 contract: strings pass through, everything
// else is stored as its JSON text.
type parsedMessage struct {
	Type      string
	Content   string
	Timestamp string
	Model     string
	SessionID string
	ToolName  string
	CostUSD   float64
	Counts    blockCounts
}

// fileScan is the result of reading one session file.
type fileScan struct {
	Path       string
	Messages   []parsedMessage
	ParseErrs  int
	TotalLines int
}

// discoverSourceFiles walks the source directories for .jsonl session
// files, sorted for deterministic processing order.
func discoverSourceFiles(dirs []string) ([]string, error) {
	var files []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: walk source dir %s", dir)
		}
	}
	sort.Strings(files)
	return files, nil
}

// scanSessionFile reads one JSONL file into usable messages. Invalid lines
// are counted, logged by the caller, and skipped. A type=summary line sets
// the session for the records that follow it and is not itself emitted;
// records with no session fall back to the file's base name.
func scanSessionFile(path string) (*fileScan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: open source file %s", path)
	}
	defer f.Close()

	defaultSession := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	session := defaultSession

	scan := &fileScan{Path: path}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		scan.TotalLines++

		var line sourceLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			scan.ParseErrs++
			continue
		}

		if line.SessionID != "" {
			session = line.SessionID
		}
		if line.Type == "summary" {
			continue
		}
		if line.Type == "" || len(line.Content) == 0 {
			scan.ParseErrs++
			continue
		}

		msg := parsedMessage{
			Type:      line.Type,
			Timestamp: line.Timestamp,
			Model:     line.Model,
			SessionID: session,
			CostUSD:   line.CostUSD,
		}
		msg.Content, msg.ToolName, msg.Counts = flattenContent(line.Content)
		scan.Messages = append(scan.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "pipeline: scan source file %s", path)
	}
	return scan, nil
}

// flattenContent turns a content value into storable text. String content
// passes through; list content is tallied by block kind and stored as its
// JSON text so nothing is lost.
func flattenContent(raw json.RawMessage) (string, string, blockCounts) {
	var counts blockCounts

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		counts.Text++
		return s, "", counts
	}

	var blocks []contentBlock
	toolName := ""
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, b := range blocks {
			switch b.Type {
			case "thinking":
				counts.Thinking++
			case "text":
				counts.Text++
			case "tool_use":
				counts.ToolCalls++
				if toolName == "" {
					toolName = b.Name
				}
			case "tool_result":
				counts.ToolResults++
			}
		}
	}
	return string(raw), toolName, counts
}
