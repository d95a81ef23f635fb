// Package preflight checks that a run can plausibly succeed before any
// stage writes anything: source data present, warehouse reachable, staging
// writable, and the credentials the enabled features need actually set.
// Missing credentials are never substituted or defaulted; they fail.
package preflight

import (
	"context"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/config"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// Status grades one check.
type Status string

const (
	StatusOK   Status = "OK"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

// Check is one preflight result.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
	Advice string `json:"advice,omitempty"`
}

// Result is the full preflight report.
type Result struct {
	Checks []Check `json:"checks"`
}

// Failed reports whether the run should be refused. Warnings only fail
// under strict.
func (r *Result) Failed(strict bool) bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return true
		}
		if strict && c.Status == StatusWarn {
			return true
		}
	}
	return false
}

// Runner executes the preflight checks.
type Runner struct {
	cfg   *config.Config
	store warehouse.Store

	// probe tests TCP reachability of an external endpoint. Swappable for
	// tests; nil means the default dialer.
	probe func(ctx context.Context, hostport string) error
}

// New builds a preflight runner. store may be nil when only source and
// credential checks are wanted.
func New(cfg *config.Config, store warehouse.Store) *Runner {
	return &Runner{cfg: cfg, store: store}
}

// Run executes every check and returns the report. Run itself only errors
// on programming mistakes; operational problems become findings.
func (r *Runner) Run(ctx context.Context) *Result {
	res := &Result{}
	res.Checks = append(res.Checks, r.checkSources()...)
	res.Checks = append(res.Checks, r.checkStaging())
	if r.store != nil {
		res.Checks = append(res.Checks, r.checkWarehouse(ctx))
	}
	res.Checks = append(res.Checks, r.checkCredentials()...)
	res.Checks = append(res.Checks, r.checkReachability(ctx)...)

	for _, c := range res.Checks {
		if c.Status != StatusOK {
			zap.L().Warn("preflight finding",
				zap.String("check", c.Name),
				zap.String("status", string(c.Status)),
				zap.String("detail", c.Detail),
			)
		}
	}
	return res
}

func (r *Runner) checkSources() []Check {
	if len(r.cfg.Staging.SourceDirs) == 0 {
		return []Check{{
			Name:   "source directories",
			Status: StatusFail,
			Detail: "no source directories configured",
			Advice: "set staging.source_dirs (or FORGE_STAGING_SOURCE_DIRS)",
		}}
	}

	var checks []Check
	for _, dir := range r.cfg.Staging.SourceDirs {
		c := Check{Name: "source directory " + dir}
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			c.Status = StatusFail
			c.Detail = "directory does not exist or is unreadable"
			c.Advice = "create it or point staging.source_dirs elsewhere"
		case !info.IsDir():
			c.Status = StatusFail
			c.Detail = "path exists but is not a directory"
		case !hasSessionFiles(dir):
			c.Status = StatusWarn
			c.Detail = "directory contains no .jsonl session files"
			c.Advice = "stage 0 will report NO-GO until session files arrive"
		default:
			c.Status = StatusOK
			c.Detail = "readable, session files present"
		}
		checks = append(checks, c)
	}
	return checks
}

func hasSessionFiles(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func (r *Runner) checkStaging() Check {
	c := Check{Name: "staging directory"}
	if r.cfg.Staging.Dir == "" {
		c.Status = StatusFail
		c.Detail = "staging.dir is empty"
		return c
	}
	if err := os.MkdirAll(r.cfg.Staging.Dir, 0o755); err != nil {
		c.Status = StatusFail
		c.Detail = "cannot create staging directory: " + err.Error()
		c.Advice = "fix permissions on the staging path"
		return c
	}
	probe := filepath.Join(r.cfg.Staging.Dir, ".preflight")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		c.Status = StatusFail
		c.Detail = "staging directory is not writable: " + err.Error()
		return c
	}
	_ = os.Remove(probe)
	c.Status = StatusOK
	c.Detail = r.cfg.Staging.Dir + " is writable"
	return c
}

func (r *Runner) checkWarehouse(ctx context.Context) Check {
	c := Check{Name: "warehouse"}
	_, err := r.store.TableExists(ctx, warehouse.TableStageRuns)
	if err != nil {
		c.Status = StatusFail
		c.Detail = "warehouse query failed: " + err.Error()
		c.Advice = "check warehouse.driver and its connection settings"
		return c
	}
	c.Status = StatusOK
	c.Detail = r.cfg.Warehouse.Driver + " warehouse responds to queries"
	return c
}

// checkCredentials verifies the keys the enabled features need. A missing
// key is a failure; preflight never substitutes placeholder secrets.
func (r *Runner) checkCredentials() []Check {
	var checks []Check

	gemini := Check{Name: "gemini credentials"}
	if r.cfg.Gemini.Key == "" {
		gemini.Status = StatusFail
		gemini.Detail = "no API key configured"
		gemini.Advice = "set GEMINI_API_KEY or GOOGLE_API_KEY; stages 9 and 10 cannot run without it"
	} else {
		gemini.Status = StatusOK
		gemini.Detail = "API key present"
	}
	checks = append(checks, gemini)

	anthropic := Check{Name: "anthropic credentials"}
	switch {
	case r.cfg.Anthropic.Key != "":
		anthropic.Status = StatusOK
		anthropic.Detail = "API key present"
	case r.cfg.Pipeline.CorrectionEnabled:
		anthropic.Status = StatusFail
		anthropic.Detail = "text correction is enabled but no API key is configured"
		anthropic.Advice = "set ANTHROPIC_API_KEY or disable pipeline.correction_enabled"
	default:
		anthropic.Status = StatusOK
		anthropic.Detail = "not needed: text correction is disabled"
	}
	checks = append(checks, anthropic)

	sentiment := Check{Name: "sentiment credentials"}
	if r.cfg.Sentiment.Key == "" {
		sentiment.Status = StatusFail
		sentiment.Detail = "no API key configured"
		sentiment.Advice = "set HF_API_KEY; stage 11 cannot run without it"
	} else {
		sentiment.Status = StatusOK
		sentiment.Detail = "API key present"
	}
	checks = append(checks, sentiment)

	return checks
}

// checkReachability probes the configured model endpoints over TCP. A dead
// endpoint is a warning, not a failure: it may be transient, and strict
// mode promotes warnings anyway.
func (r *Runner) checkReachability(ctx context.Context) []Check {
	endpoints := map[string]string{
		"gemini endpoint":    r.cfg.Gemini.BaseURL,
		"sentiment endpoint": r.cfg.Sentiment.BaseURL,
	}

	var checks []Check
	for name, raw := range endpoints {
		if raw == "" {
			continue
		}
		c := Check{Name: name}
		hostport, err := hostPort(raw)
		if err != nil {
			c.Status = StatusWarn
			c.Detail = "unparseable base URL: " + raw
			checks = append(checks, c)
			continue
		}
		if err := r.dial(ctx, hostport); err != nil {
			c.Status = StatusWarn
			c.Detail = hostport + " is unreachable: " + err.Error()
			c.Advice = "check network access; external stages will fail until it recovers"
		} else {
			c.Status = StatusOK
			c.Detail = hostport + " accepts connections"
		}
		checks = append(checks, c)
	}
	return checks
}

func (r *Runner) dial(ctx context.Context, hostport string) error {
	if r.probe != nil {
		return r.probe(ctx, hostport)
	}
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return eris.Wrap(err, "preflight: dial")
	}
	return conn.Close()
}

func hostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", eris.Errorf("preflight: bad url %q", raw)
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	return host, nil
}
