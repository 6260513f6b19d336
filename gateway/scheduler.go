package gateway

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/pool"
	"github.com/BaSui01/modelgate/types"
)

// PickNextStrategy selects how the non-active tier of candidate models is
// ordered within a scheduling pass.
const (
	// StrategyStickyPriority orders by base priority, descending.
	StrategyStickyPriority = "sticky_priority"
	// StrategyScoreThenAge orders by base_priority − load_penalty +
	// age × aging_bonus_per_second, the older single-active-model formula.
	StrategyScoreThenAge = "score_then_age"
)

// alwaysLastScore sinks always_run_last models below any realistic score.
const alwaysLastScore = -1000

// SchedulerMetrics is the scheduler's observability hook; a nil value
// disables recording.
type SchedulerMetrics interface {
	SetQueueDepth(model string, depth int)
	SetActiveJobs(n int)
	RecordAdmit(model string)
	RecordDeny(model, rule string)
	RecordJob(model, provider, status string, d time.Duration)
}

// SchedulerConfig carries the scheduling knobs from the main config file.
type SchedulerConfig struct {
	PickNextStrategy    string
	AgingBonusPerSecond float64
	// WarmupWait is how long an execution task pauses after starting an
	// unhealthy managed provider before issuing the chat call.
	WarmupWait time.Duration
}

// Scheduler owns the per-model FIFO queues and the active set. A single
// dispatch goroutine makes every admission decision, so the rule predicates
// always evaluate against a coherent active-set snapshot; each admitted job
// then executes on its own goroutine out of a bounded pool.
type Scheduler struct {
	cfg      SchedulerConfig
	rules    *ConcurrencyManager
	registry *Registry
	models   ModelTable
	reqLog   *RequestLog
	logger   *zap.Logger
	metrics  SchedulerMetrics

	mu     sync.Mutex
	queues map[string][]*Job
	active []*Job

	newJob      chan struct{}
	jobComplete chan struct{}
	stopCh      chan struct{}
	loopOnce    sync.Once
	execPool    *pool.GoroutinePool
	execWG      sync.WaitGroup
}

// NewScheduler wires the scheduler against its collaborators. metrics may be
// nil.
func NewScheduler(cfg SchedulerConfig, rules *ConcurrencyManager, registry *Registry, models ModelTable, reqLog *RequestLog, metrics SchedulerMetrics, logger *zap.Logger) *Scheduler {
	if cfg.WarmupWait <= 0 {
		cfg.WarmupWait = time.Second
	}
	if cfg.PickNextStrategy == "" {
		cfg.PickNextStrategy = StrategyStickyPriority
	}
	return &Scheduler{
		cfg:         cfg,
		rules:       rules,
		registry:    registry,
		models:      models,
		reqLog:      reqLog,
		logger:      logger.With(zap.String("component", "scheduler")),
		metrics:     metrics,
		queues:      make(map[string][]*Job),
		newJob:      make(chan struct{}, 1),
		jobComplete: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		execPool: pool.NewGoroutinePool(pool.GoroutinePoolConfig{
			MaxWorkers:  64,
			QueueSize:   256,
			IdleTimeout: time.Minute,
		}),
	}
}

// Enqueue appends the job to its model's queue and wakes the dispatch loop,
// lazily starting it on first use.
func (s *Scheduler) Enqueue(job *Job) {
	s.mu.Lock()
	s.queues[job.ResolvedModel] = append(s.queues[job.ResolvedModel], job)
	depth := len(s.queues[job.ResolvedModel])
	s.mu.Unlock()

	s.logger.Info("job enqueued",
		zap.String("job", job.ID),
		zap.String("model", job.ResolvedModel),
		zap.Int("queue_depth", depth),
	)
	if s.metrics != nil {
		s.metrics.SetQueueDepth(job.ResolvedModel, depth)
	}

	s.signal(s.newJob)
	s.loopOnce.Do(func() { go s.runLoop() })
}

func (s *Scheduler) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drainSignal(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// runLoop is the dispatch loop: clear signals, schedule a pass, and block on
// whichever event can change the answer — new work when idle, new work or a
// completion when jobs are in flight.
func (s *Scheduler) runLoop() {
	s.logger.Info("scheduler loop started")
	for {
		select {
		case <-s.stopCh:
			s.logger.Info("scheduler loop stopped")
			return
		default:
		}

		drainSignal(s.newJob)
		drainSignal(s.jobComplete)

		started := s.schedulePass()

		s.mu.Lock()
		activeCount := len(s.active)
		s.mu.Unlock()

		switch {
		case started > 0:
			// Something moved; try again immediately.
		case activeCount == 0:
			select {
			case <-s.newJob:
			case <-s.stopCh:
				s.logger.Info("scheduler loop stopped")
				return
			}
		default:
			select {
			case <-s.newJob:
			case <-s.jobComplete:
			case <-s.stopCh:
				s.logger.Info("scheduler loop stopped")
				return
			}
		}
	}
}

// schedulePass walks the non-empty queues in sticky-first order and admits
// every head job the rule set allows. A denied head blocks its whole queue:
// order within a queue is strict FIFO, deeper items are never considered.
func (s *Scheduler) schedulePass() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]string, 0, len(s.queues))
	for model, q := range s.queues {
		if len(q) > 0 {
			candidates = append(candidates, model)
		}
	}
	if len(candidates) == 0 {
		return 0
	}

	activeModels := make(map[string]bool, len(s.active))
	for _, j := range s.active {
		activeModels[j.ResolvedModel] = true
	}
	s.sortCandidates(candidates, activeModels)

	started := 0
	for _, model := range candidates {
		queue := s.queues[model]
		if len(queue) == 0 {
			continue
		}
		job := queue[0]

		admitted, deniedBy := s.rules.Evaluate(job, s.active)
		if !admitted {
			if s.metrics != nil {
				s.metrics.RecordDeny(model, deniedBy)
			}
			continue
		}

		s.queues[model] = queue[1:]
		s.active = append(s.active, job)
		started++

		if s.metrics != nil {
			s.metrics.RecordAdmit(model)
			s.metrics.SetQueueDepth(model, len(s.queues[model]))
			s.metrics.SetActiveJobs(len(s.active))
		}

		s.execWG.Add(1)
		j := job
		if err := s.execPool.Submit(context.Background(), func(ctx context.Context) error {
			s.execute(ctx, j)
			return nil
		}); err != nil {
			// Pool saturated; the job is already committed, run it anyway.
			go s.execute(context.Background(), j)
		}
	}
	return started
}

// sortCandidates orders models active-first (sticky), then by priority or,
// under score_then_age, by the aging score for the non-active tier.
func (s *Scheduler) sortCandidates(candidates []string, activeModels map[string]bool) {
	now := time.Now()
	scoreOf := func(model string) float64 {
		rec := s.models.ModelRecord(model)
		if s.cfg.PickNextStrategy != StrategyScoreThenAge {
			return float64(rec.BasePriority)
		}
		if rec.AlwaysRunLast {
			return alwaysLastScore
		}
		age := 0.0
		if q := s.queues[model]; len(q) > 0 {
			age = now.Sub(q[0].CreatedAt).Seconds()
		}
		return float64(rec.BasePriority) - float64(rec.LoadPenalty) + age*s.cfg.AgingBonusPerSecond
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ai, aj := activeModels[candidates[i]], activeModels[candidates[j]]
		if ai != aj {
			return ai
		}
		// The active tier always keeps base-priority order.
		if ai {
			return s.models.ModelRecord(candidates[i]).BasePriority > s.models.ModelRecord(candidates[j]).BasePriority
		}
		return scoreOf(candidates[i]) > scoreOf(candidates[j])
	})
}

// execute runs one admitted job to its terminal state. Panics are contained
// so a misbehaving adapter can never kill the dispatch path.
func (s *Scheduler) execute(ctx context.Context, job *Job) {
	defer s.execWG.Done()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("execution panic",
				zap.String("job", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			if !job.Terminal() {
				job.Fail(&types.Error{Code: types.ErrInternalError, Message: "execution panic"}, types.NormOther)
			}
			s.finish(job, start)
		}
	}()

	job.Status = JobRunning

	provider, ok := s.registry.GetProviderForModel(job.ResolvedModel)
	if !ok {
		job.Fail(&types.Error{
			Code:    types.ErrModelNotFound,
			Message: "no provider found for " + job.ResolvedModel,
		}, types.NormOther)
		s.finish(job, start)
		return
	}
	job.ProviderID = provider.ProviderID()

	if !provider.HealthCheck(ctx) {
		s.logger.Info("starting provider for job",
			zap.String("provider", job.ProviderID),
			zap.String("job", job.ID),
		)
		provider.Start(ctx)
		time.Sleep(s.cfg.WarmupWait)
	}

	s.logger.Info("executing job",
		zap.String("job", job.ID),
		zap.String("model", job.ResolvedModel),
		zap.String("provider", job.ProviderID),
	)
	resp, err := provider.ChatCompletion(ctx, job.Request)
	if err != nil {
		job.Fail(err, NormalizedFromError(err))
	} else {
		job.Complete(resp)
	}
	s.finish(job, start)
}

// finish removes the job from the active set, logs its outcome, and signals
// the dispatch loop.
func (s *Scheduler) finish(job *Job, start time.Time) {
	elapsed := time.Since(start)

	s.mu.Lock()
	for i, a := range s.active {
		if a == job {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
	activeCount := len(s.active)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetActiveJobs(activeCount)
		s.metrics.RecordJob(job.ResolvedModel, job.ProviderID, string(job.Status), elapsed)
	}

	errMsg := ""
	if job.Err != nil {
		errMsg = job.Err.Error()
	}
	s.reqLog.Log(RequestLogEntry{
		JobID:      job.ID,
		RequestID:  job.RequestID,
		Model:      job.ResolvedModel,
		Route:      job.RouteName,
		Provider:   job.ProviderID,
		Status:     string(job.Status),
		RuntimeMS:  float64(elapsed.Microseconds()) / 1000.0,
		Error:      errMsg,
		Normalized: job.Normalized,
	})

	s.logger.Info("job finished",
		zap.String("job", job.ID),
		zap.String("model", job.ResolvedModel),
		zap.String("provider", job.ProviderID),
		zap.String("status", string(job.Status)),
		zap.Duration("elapsed", elapsed),
	)

	s.signal(s.jobComplete)
}

// ActiveModels returns the resolved model ids currently executing.
func (s *Scheduler) ActiveModels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for _, j := range s.active {
		out = append(out, j.ResolvedModel)
	}
	return out
}

// ActiveProviders returns the provider ids currently executing.
func (s *Scheduler) ActiveProviders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for _, j := range s.active {
		if j.ProviderID != "" {
			out = append(out, j.ProviderID)
		}
	}
	return out
}

// QueueDepths returns a snapshot of pending jobs per model.
func (s *Scheduler) QueueDepths() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.queues))
	for model, q := range s.queues {
		if len(q) > 0 {
			out[model] = len(q)
		}
	}
	return out
}

// Shutdown stops the dispatch loop after its current pass and waits for
// in-flight execution tasks to run to completion, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}

	done := make(chan struct{})
	go func() {
		s.execWG.Wait()
		s.execPool.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
