package gateway

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ModelRecord is the scoring/resource configuration for one model, loaded
// from models.yaml. All numeric fields default to zero when absent.
type ModelRecord struct {
	BasePriority   int
	LoadPenalty    int
	RuntimePenalty int
	AlwaysRunLast  bool
	Resources      ModelResources
}

// ModelResources is the resource descriptor consulted by ExclusiveModelRule
// and ResourceLimitRule.
type ModelResources struct {
	CPUUsage  float64
	GPUUsage  float64
	VRAMUsage float64
	Exclusive bool
}

// ModelTable looks up a ModelRecord by resolved model id; missing entries
// behave as the zero value (all penalties zero, not exclusive).
type ModelTable interface {
	ModelRecord(modelID string) ModelRecord
}

// Rule is a pure predicate over a candidate job and the current active set.
// Rules never mutate state and never block.
type Rule interface {
	Name() string
	CanRun(candidate *Job, active []*Job) bool
}

// ConcurrencyManager holds an ordered rule list; admission requires every
// rule to pass (short-circuit AND). Evaluation order does not affect
// correctness since the combinator is conjunction, but the first denying
// rule's name is reported for logging.
type ConcurrencyManager struct {
	rules  []Rule
	logger *zap.Logger
}

// NewConcurrencyManager builds a manager over the standard rule suite plus
// any additional rules supplied.
func NewConcurrencyManager(logger *zap.Logger, models ModelTable, maxConcurrency int, extra ...Rule) *ConcurrencyManager {
	rules := []Rule{
		&ExclusiveModelRule{Models: models},
		&ResourceLimitRule{Models: models},
		&MaxConcurrencyRule{Max: maxConcurrency},
	}
	rules = append(rules, extra...)
	return &ConcurrencyManager{rules: rules, logger: logger.With(zap.String("component", "concurrency"))}
}

// CanRun evaluates every rule against candidate; the first denial is logged
// and returned as false. True only if every rule admits.
func (m *ConcurrencyManager) CanRun(candidate *Job, active []*Job) bool {
	ok, _ := m.Evaluate(candidate, active)
	return ok
}

// Evaluate is CanRun plus the denying rule's name, for metrics labeling.
func (m *ConcurrencyManager) Evaluate(candidate *Job, active []*Job) (bool, string) {
	for _, r := range m.rules {
		if !r.CanRun(candidate, active) {
			m.logger.Debug("admission denied",
				zap.String("rule", r.Name()),
				zap.String("model", candidate.ResolvedModel),
				zap.String("job", candidate.ID),
			)
			return false, r.Name()
		}
	}
	return true, ""
}

// ExclusiveModelRule denies admission when either the candidate or any
// active job is flagged exclusive and the active set is non-empty —
// an exclusive model never shares the active set with anything else.
type ExclusiveModelRule struct {
	Models ModelTable
}

func (r *ExclusiveModelRule) Name() string { return "exclusive_model" }

func (r *ExclusiveModelRule) CanRun(candidate *Job, active []*Job) bool {
	if len(active) == 0 {
		return true
	}
	if r.Models.ModelRecord(candidate.ResolvedModel).Resources.Exclusive {
		return false
	}
	for _, a := range active {
		if r.Models.ModelRecord(a.ResolvedModel).Resources.Exclusive {
			return false
		}
	}
	return true
}

// ResourceLimitRule denies admission if adding the candidate's cpu/gpu usage
// to the sum already committed by the active set would strictly exceed 100
// on either axis. Models with no record contribute zero usage.
type ResourceLimitRule struct {
	Models ModelTable
}

func (r *ResourceLimitRule) Name() string { return "resource_limit" }

func (r *ResourceLimitRule) CanRun(candidate *Job, active []*Job) bool {
	var cpu, gpu float64
	for _, a := range active {
		res := r.Models.ModelRecord(a.ResolvedModel).Resources
		cpu += res.CPUUsage
		gpu += res.GPUUsage
	}
	cand := r.Models.ModelRecord(candidate.ResolvedModel).Resources
	if cpu+cand.CPUUsage > 100.0 {
		return false
	}
	if gpu+cand.GPUUsage > 100.0 {
		return false
	}
	return true
}

// MaxConcurrencyRule denies admission once the active set reaches Max.
// Max == 0 denies every admission.
type MaxConcurrencyRule struct {
	Max int
}

func (r *MaxConcurrencyRule) Name() string { return "max_concurrency" }

func (r *MaxConcurrencyRule) CanRun(_ *Job, active []*Job) bool {
	return len(active) < r.Max
}

// RateWindowRule caps dispatch frequency per resolved model using a token
// bucket, independent of the concurrency count — useful for backends that
// can run many jobs concurrently but rate-limit requests per second.
type RateWindowRule struct {
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateWindowRule builds a rule admitting at most rps dispatches per
// second per resolved model, each allowed to burst up to burst.
func NewRateWindowRule(rps float64, burst int) *RateWindowRule {
	return &RateWindowRule{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (r *RateWindowRule) Name() string { return "rate_window" }

func (r *RateWindowRule) CanRun(candidate *Job, _ []*Job) bool {
	lim, ok := r.limiters[candidate.ResolvedModel]
	if !ok {
		lim = rate.NewLimiter(r.rps, r.burst)
		r.limiters[candidate.ResolvedModel] = lim
	}
	return lim.Allow()
}
