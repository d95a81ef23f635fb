package governance

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/truth-forge/forge-cli/internal/model"
)

// CostAction is what the enforcer decided about an operation.
type CostAction string

const (
	ActionAllow    CostAction = "allow"
	ActionWarn     CostAction = "warn"
	ActionDeny     CostAction = "deny"
	ActionThrottle CostAction = "throttle"
)

// Budget is the per-service session budget. Zero values disable the
// corresponding limit.
type Budget struct {
	MaxCalls        int           `yaml:"max_calls" mapstructure:"max_calls"`
	MaxTokens       int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxCostUSD      float64       `yaml:"max_cost_usd" mapstructure:"max_cost_usd"`
	MinCallInterval time.Duration `yaml:"min_call_interval" mapstructure:"min_call_interval"`
	WarnFraction    float64       `yaml:"warn_fraction" mapstructure:"warn_fraction"`
}

// BudgetExceededError is returned by Check when an operation may not
// proceed. Failing loud is deliberate: callers that want a boolean can
// test for nil, but nobody can ignore an over-budget call by accident.
type BudgetExceededError struct {
	Service   string
	Operation string
	Action    CostAction
	Reason    string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s.%s (%s): %s", e.Service, e.Operation, e.Action, e.Reason)
}

type serviceUsage struct {
	calls    int
	tokens   int
	costUSD  float64
	lastCall time.Time
}

// CostEnforcer tracks per-service spend against budgets. Counters cover the
// current process (one session); the cost ledger itself is persisted by the
// audit trail.
type CostEnforcer struct {
	budgets map[string]Budget

	mu      sync.Mutex
	usage   map[string]*serviceUsage
	records []model.CostRecord
}

// NewCostEnforcer creates an enforcer with the given per-service budgets.
func NewCostEnforcer(budgets map[string]Budget) *CostEnforcer {
	if budgets == nil {
		budgets = map[string]Budget{}
	}
	return &CostEnforcer{
		budgets: budgets,
		usage:   map[string]*serviceUsage{},
	}
}

// LoadBudgets reads per-service budgets from a YAML file keyed by service
// name.
func LoadBudgets(path string) (map[string]Budget, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "budgets: read %s", path)
	}
	budgets := map[string]Budget{}
	if err := yaml.Unmarshal(raw, &budgets); err != nil {
		return nil, eris.Wrapf(err, "budgets: parse %s", path)
	}
	return budgets, nil
}

// Check gates an operation against the service budget. A nil return means
// the operation may proceed; a *BudgetExceededError means it may not.
// Crossing the warn fraction logs but does not block.
func (c *CostEnforcer) Check(service, operation string, estimatedCostUSD float64) error {
	budget, ok := c.budgets[service]
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.usageLocked(service)

	if budget.MaxCostUSD > 0 && u.costUSD+estimatedCostUSD > budget.MaxCostUSD {
		return &BudgetExceededError{
			Service:   service,
			Operation: operation,
			Action:    ActionDeny,
			Reason:    fmt.Sprintf("estimated session cost $%.4f exceeds limit $%.4f", u.costUSD+estimatedCostUSD, budget.MaxCostUSD),
		}
	}
	if budget.MaxCalls > 0 && u.calls+1 > budget.MaxCalls {
		return &BudgetExceededError{
			Service:   service,
			Operation: operation,
			Action:    ActionDeny,
			Reason:    fmt.Sprintf("session call count %d exceeds limit %d", u.calls+1, budget.MaxCalls),
		}
	}
	if budget.MinCallInterval > 0 && !u.lastCall.IsZero() {
		if since := time.Since(u.lastCall); since < budget.MinCallInterval {
			return &BudgetExceededError{
				Service:   service,
				Operation: operation,
				Action:    ActionThrottle,
				Reason:    fmt.Sprintf("minimum call interval %s not elapsed (last call %s ago)", budget.MinCallInterval, since.Round(time.Millisecond)),
			}
		}
	}

	warnAt := budget.WarnFraction
	if warnAt <= 0 {
		warnAt = 0.8
	}
	if budget.MaxCostUSD > 0 && u.costUSD+estimatedCostUSD > budget.MaxCostUSD*warnAt {
		zap.L().Warn("cost enforcer: approaching budget limit",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Float64("session_cost_usd", u.costUSD+estimatedCostUSD),
			zap.Float64("limit_usd", budget.MaxCostUSD),
		)
	}
	return nil
}

// Record updates the service counters with an actual spend.
func (c *CostEnforcer) Record(rec model.CostRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.usageLocked(rec.Service)
	u.calls++
	u.tokens += rec.TokensIn + rec.TokensOut
	u.costUSD += rec.CostUSD
	u.lastCall = rec.Timestamp
	c.records = append(c.records, rec)

	budget, ok := c.budgets[rec.Service]
	if ok && budget.MaxTokens > 0 && u.tokens > budget.MaxTokens {
		zap.L().Warn("cost enforcer: token budget exceeded after record",
			zap.String("service", rec.Service),
			zap.Int("session_tokens", u.tokens),
			zap.Int("limit_tokens", budget.MaxTokens),
		)
	}
}

// ServiceCost returns the accumulated session cost for a service.
func (c *CostEnforcer) ServiceCost(service string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usageLocked(service).costUSD
}

// ServiceCalls returns the accumulated session call count for a service.
func (c *CostEnforcer) ServiceCalls(service string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usageLocked(service).calls
}

// Records returns a snapshot of the session cost ledger.
func (c *CostEnforcer) Records() []model.CostRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.CostRecord, len(c.records))
	copy(out, c.records)
	return out
}

func (c *CostEnforcer) usageLocked(service string) *serviceUsage {
	u, ok := c.usage[service]
	if !ok {
		u = &serviceUsage{}
		c.usage[service] = u
	}
	return u
}
