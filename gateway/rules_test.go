package gateway

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func jobFor(model string) *Job {
	return NewJob(model, model, "", chatReq(model))
}

func TestExclusiveModelRule(t *testing.T) {
	tables := testTables(map[string]ModelRecord{
		"solo": {Resources: ModelResources{Exclusive: true}},
	})
	rule := &ExclusiveModelRule{Models: tables}

	tests := []struct {
		name      string
		candidate string
		active    []string
		want      bool
	}{
		{"empty active admits anything", "solo", nil, true},
		{"exclusive candidate vs busy set", "solo", []string{"plain"}, false},
		{"plain candidate vs exclusive active", "plain", []string{"solo"}, false},
		{"plain candidate vs plain active", "plain", []string{"other"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active := make([]*Job, 0, len(tt.active))
			for _, m := range tt.active {
				active = append(active, jobFor(m))
			}
			assert.Equal(t, tt.want, rule.CanRun(jobFor(tt.candidate), active))
		})
	}
}

func TestResourceLimitRule(t *testing.T) {
	tables := testTables(map[string]ModelRecord{
		"gpu60": {Resources: ModelResources{GPUUsage: 60}},
		"gpu40": {Resources: ModelResources{GPUUsage: 40}},
		"cpu70": {Resources: ModelResources{CPUUsage: 70}},
	})
	rule := &ResourceLimitRule{Models: tables}

	// 60 + 40 = 100: at the boundary, admitted (only strictly-over denies).
	assert.True(t, rule.CanRun(jobFor("gpu40"), []*Job{jobFor("gpu60")}))
	// 60 + 60 = 120: denied.
	assert.False(t, rule.CanRun(jobFor("gpu60"), []*Job{jobFor("gpu60")}))
	// 70 + 70 on cpu: denied.
	assert.False(t, rule.CanRun(jobFor("cpu70"), []*Job{jobFor("cpu70")}))
	// Unknown models contribute zero.
	assert.True(t, rule.CanRun(jobFor("unknown"), []*Job{jobFor("gpu60"), jobFor("mystery")}))
}

func TestMaxConcurrencyRule(t *testing.T) {
	rule := &MaxConcurrencyRule{Max: 2}
	assert.True(t, rule.CanRun(jobFor("m"), nil))
	assert.True(t, rule.CanRun(jobFor("m"), []*Job{jobFor("a")}))
	assert.False(t, rule.CanRun(jobFor("m"), []*Job{jobFor("a"), jobFor("b")}))

	zero := &MaxConcurrencyRule{Max: 0}
	assert.False(t, zero.CanRun(jobFor("m"), nil), "N=0 denies every admission")
}

func TestConcurrencyManagerConjunction(t *testing.T) {
	tables := testTables(map[string]ModelRecord{
		"solo": {Resources: ModelResources{Exclusive: true}},
	})
	m := NewConcurrencyManager(zap.NewNop(), tables, 1)

	ok, rule := m.Evaluate(jobFor("plain"), nil)
	assert.True(t, ok)
	assert.Empty(t, rule)

	ok, rule = m.Evaluate(jobFor("plain"), []*Job{jobFor("solo")})
	assert.False(t, ok)
	assert.Equal(t, "exclusive_model", rule)

	ok, rule = m.Evaluate(jobFor("plain"), []*Job{jobFor("other")})
	assert.False(t, ok)
	assert.Equal(t, "max_concurrency", rule)
}

func TestRateWindowRule(t *testing.T) {
	rule := NewRateWindowRule(1, 2)
	// Burst of 2 admits twice, then the bucket is dry.
	assert.True(t, rule.CanRun(jobFor("m1"), nil))
	assert.True(t, rule.CanRun(jobFor("m1"), nil))
	assert.False(t, rule.CanRun(jobFor("m1"), nil))
	// Buckets are per model.
	assert.True(t, rule.CanRun(jobFor("m2"), nil))
}

// Property: the resource rule never admits a candidate that would push the
// committed cpu or gpu sum strictly past 100.
func TestResourceLimitRuleProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "active_count")
		models := make(map[string]ModelRecord, n+1)
		active := make([]*Job, 0, n)
		var cpuSum, gpuSum float64
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("active-%d", i)
			cpu := rapid.Float64Range(0, 50).Draw(t, fmt.Sprintf("cpu%d", i))
			gpu := rapid.Float64Range(0, 50).Draw(t, fmt.Sprintf("gpu%d", i))
			models[id] = ModelRecord{Resources: ModelResources{CPUUsage: cpu, GPUUsage: gpu}}
			active = append(active, jobFor(id))
			cpuSum += cpu
			gpuSum += gpu
		}
		candCPU := rapid.Float64Range(0, 100).Draw(t, "cand_cpu")
		candGPU := rapid.Float64Range(0, 100).Draw(t, "cand_gpu")
		models["candidate"] = ModelRecord{Resources: ModelResources{CPUUsage: candCPU, GPUUsage: candGPU}}

		rule := &ResourceLimitRule{Models: testTables(models)}
		admitted := rule.CanRun(jobFor("candidate"), active)

		fits := cpuSum+candCPU <= 100 && gpuSum+candGPU <= 100
		if admitted != fits {
			t.Fatalf("admitted=%v but cpu=%v gpu=%v", admitted, cpuSum+candCPU, gpuSum+candGPU)
		}
	})
}

// Property: whenever the exclusive rule admits, the resulting active set
// never pairs an exclusive model with anything else.
func TestExclusiveModelRuleProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 5).Draw(t, "active_count")
		models := make(map[string]ModelRecord, n+1)
		active := make([]*Job, 0, n)
		anyActiveExclusive := false
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("active-%d", i)
			excl := rapid.Bool().Draw(t, fmt.Sprintf("excl%d", i))
			models[id] = ModelRecord{Resources: ModelResources{Exclusive: excl}}
			active = append(active, jobFor(id))
			anyActiveExclusive = anyActiveExclusive || excl
		}
		candExcl := rapid.Bool().Draw(t, "cand_excl")
		models["candidate"] = ModelRecord{Resources: ModelResources{Exclusive: candExcl}}

		rule := &ExclusiveModelRule{Models: testTables(models)}
		admitted := rule.CanRun(jobFor("candidate"), active)

		if admitted && len(active) > 0 && (candExcl || anyActiveExclusive) {
			t.Fatalf("exclusive invariant violated: candExcl=%v activeExcl=%v n=%d", candExcl, anyActiveExclusive, n)
		}
	})
}
