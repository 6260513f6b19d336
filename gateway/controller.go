package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/types"
)

// ControllerConfig carries the runtime and routing flags the fallback walker
// consults.
type ControllerConfig struct {
	AutoRefreshOnMiss bool
	RefreshCooldown   time.Duration
	EnableFallback    bool
}

// Controller walks one client request across its candidate chain: resolve
// the route, enqueue a job per candidate, await its one-shot completion, and
// decide from the normalized error code whether the chain continues.
type Controller struct {
	cfg       ControllerConfig
	resolver  *RouteResolver
	registry  *Registry
	scheduler *Scheduler
	logger    *zap.Logger
	tracer    trace.Tracer

	refreshMu   sync.Mutex
	lastRefresh time.Time
}

// NewController assembles the request controller.
func NewController(cfg ControllerConfig, resolver *RouteResolver, registry *Registry, scheduler *Scheduler, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		resolver:  resolver,
		registry:  registry,
		scheduler: scheduler,
		logger:    logger.With(zap.String("component", "controller")),
		tracer:    otel.Tracer("modelgate/gateway"),
	}
}

// ChatCompletion serves one client request. On success the winning
// candidate's response is returned; on exhaustion the error lists every
// attempt, which the HTTP layer forwards as the 500 detail.
func (c *Controller) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, []Attempt, error) {
	ctx, span := c.tracer.Start(ctx, "controller.chat_completion",
		trace.WithAttributes(attribute.String("gateway.model", req.Model)))
	defer span.End()

	res := c.resolver.Resolve(req.Model)
	candidates := res.Candidates()
	attempts := make([]Attempt, 0, len(candidates))

	for i, modelID := range candidates {
		if !c.registry.HasModel(modelID) && c.cfg.AutoRefreshOnMiss {
			c.maybeRefresh(ctx)
		}
		if !c.registry.HasModel(modelID) {
			attempts = append(attempts, Attempt{
				Model:      modelID,
				Error:      fmt.Sprintf("model %s not found", modelID),
				Normalized: types.NormOther,
			})
			continue
		}

		job := NewJob(req.Model, modelID, res.RouteName, req.Defaulted())

		_, attemptSpan := c.tracer.Start(ctx, "controller.attempt",
			trace.WithAttributes(
				attribute.String("gateway.candidate", modelID),
				attribute.Int("gateway.attempt", i),
			))

		c.scheduler.Enqueue(job)
		<-job.Done()

		if job.Status == JobCompleted && job.Response != nil {
			attemptSpan.End()
			return job.Response, attempts, nil
		}

		errMsg := "unknown error"
		if job.Err != nil {
			errMsg = job.Err.Error()
		}
		normalized := job.Normalized
		if normalized == "" {
			normalized = types.NormOther
		}
		attempts = append(attempts, Attempt{Model: modelID, Error: errMsg, Normalized: normalized})
		attemptSpan.SetAttributes(attribute.String("gateway.normalized", string(normalized)))
		attemptSpan.End()

		if i < len(candidates)-1 {
			if c.cfg.EnableFallback && res.FallbackOn[string(normalized)] {
				c.logger.Warn("fallback triggered",
					zap.String("model", modelID),
					zap.String("normalized", string(normalized)),
					zap.String("next", candidates[i+1]),
				)
				continue
			}
			break
		}
	}

	return nil, attempts, &types.Error{
		Code:       types.ErrUpstreamError,
		Message:    fmt.Sprintf("request failed after %d attempt(s)", len(attempts)),
		HTTPStatus: 500,
	}
}

// maybeRefresh triggers a registry refresh unless one ran within the
// cooldown window. The cooldown is enforced here, not in the registry.
func (c *Controller) maybeRefresh(ctx context.Context) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.cfg.RefreshCooldown > 0 && time.Since(c.lastRefresh) < c.cfg.RefreshCooldown {
		c.logger.Debug("registry refresh suppressed by cooldown")
		return
	}
	c.lastRefresh = time.Now()
	c.logger.Info("refreshing registry on model miss")
	c.registry.Refresh(ctx)
}
