package gateway

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Registry loads provider records from disk, probes each backend, and
// publishes a model_id -> provider_id map. It owns no process-wide mutable
// state: it is constructed once and passed by reference.
type Registry struct {
	configDir string
	builders  map[string]BuilderFunc
	logger    *zap.Logger

	// HealthObserver, when set, is invoked with the outcome of every health
	// probe taken during DetectAndRegister (metrics wiring).
	HealthObserver func(providerID string, healthy bool)

	mu              sync.RWMutex
	providers       map[string]Provider
	records         map[string]ProviderRecord
	order           []string // provider ids in file-load order; duplicate models resolve first-wins against it
	modelMap        map[string]string
	lastRefreshedAt time.Time
}

// NewRegistry builds a registry reading provider records from configDir,
// constructing adapters through the provider_type -> BuilderFunc table.
func NewRegistry(configDir string, builders map[string]BuilderFunc, logger *zap.Logger) *Registry {
	return &Registry{
		configDir: configDir,
		builders:  builders,
		logger:    logger.With(zap.String("component", "registry")),
		providers: make(map[string]Provider),
		modelMap:  make(map[string]string),
	}
}

// Load reads every *.yaml/*.yml record in the config directory and
// constructs the matching adapter. A malformed record or an unknown
// provider_type is logged and skipped — it is fatal to that provider only,
// never to the registry.
func (r *Registry) Load() {
	entries, err := os.ReadDir(r.configDir)
	if err != nil {
		r.logger.Warn("provider config dir unreadable", zap.String("dir", r.configDir), zap.Error(err))
		return
	}

	providers := make(map[string]Provider)
	records := make(map[string]ProviderRecord)
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.configDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Error("failed to read provider record", zap.String("path", path), zap.Error(err))
			continue
		}
		var rec ProviderRecord
		if err := yaml.Unmarshal(data, &rec); err != nil {
			r.logger.Error("failed to parse provider record", zap.String("path", path), zap.Error(err))
			continue
		}
		build, ok := r.builders[rec.ProviderType]
		if !ok {
			r.logger.Error("unknown provider_type, skipping", zap.String("provider_type", rec.ProviderType), zap.String("path", path))
			continue
		}
		provider, err := build(rec)
		if err != nil {
			r.logger.Error("failed to construct provider", zap.String("provider_id", rec.ProviderID), zap.Error(err))
			continue
		}
		if _, dup := providers[rec.ProviderID]; dup {
			r.logger.Warn("duplicate provider id, keeping first record", zap.String("provider_id", rec.ProviderID), zap.String("path", path))
			continue
		}
		providers[rec.ProviderID] = provider
		records[rec.ProviderID] = rec
		order = append(order, rec.ProviderID)
	}

	r.mu.Lock()
	r.providers = providers
	r.records = records
	r.order = order
	r.mu.Unlock()
}

// DetectAndRegister probes every loaded provider and rebuilds the model
// map. Providers whose start binary cannot be located on the host path are
// skipped for a start attempt but still health-probed (they may already be
// running externally). On duplicate model id the first discovered owner
// wins; the second is logged and dropped.
func (r *Registry) DetectAndRegister(ctx context.Context) {
	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	providers := make(map[string]Provider, len(r.providers))
	for id, p := range r.providers {
		providers[id] = p
	}
	records := make(map[string]ProviderRecord, len(r.records))
	for id, rec := range r.records {
		records[id] = rec
	}
	r.mu.RUnlock()

	modelMap := make(map[string]string)

	// Probe in file-load order so duplicate model ids resolve to the same
	// owner on every refresh.
	for _, id := range order {
		p := providers[id]
		rec := records[id]
		healthy := r.probeHealth(ctx, p, rec)

		if !healthy && p.IsManaged() {
			if r.canAttemptStart(rec) {
				p.Start(ctx)
				grace := time.Duration(graceSeconds(rec)) * time.Second
				if grace <= 0 {
					grace = 5 * time.Second
				}
				time.Sleep(grace)
				healthy = r.probeHealth(ctx, p, rec)
			}
		}

		if r.HealthObserver != nil {
			r.HealthObserver(id, healthy)
		}

		if !healthy {
			r.logger.Warn("provider unhealthy, not registering models", zap.String("provider_id", id))
			continue
		}

		models := p.ListModels(ctx)
		for _, m := range models {
			if owner, exists := modelMap[m]; exists {
				r.logger.Warn("duplicate model id, keeping first owner",
					zap.String("model", m), zap.String("kept", owner), zap.String("dropped", id))
				continue
			}
			modelMap[m] = id
		}

		if p.IsManaged() && !rec.Policy.KeepWarm {
			if err := p.Stop(ctx); err != nil {
				r.logger.Warn("failed to stop provider after enumeration", zap.String("provider_id", id), zap.Error(err))
			}
		}
	}

	r.mu.Lock()
	r.modelMap = modelMap
	r.mu.Unlock()
}

func (r *Registry) probeHealth(ctx context.Context, p Provider, rec ProviderRecord) bool {
	timeout := time.Duration(rec.API.Health.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.HealthCheck(hctx)
}

func (r *Registry) canAttemptStart(rec ProviderRecord) bool {
	if rec.Start == nil || !rec.Start.Enabled {
		return false
	}
	if strings.Contains(rec.Detect.Method, "path") && rec.Detect.BinaryName != "" {
		if _, err := exec.LookPath(rec.Detect.BinaryName); err != nil {
			r.logger.Warn("managed binary not found on host path, skipping start attempt",
				zap.String("binary", rec.Detect.BinaryName))
			return false
		}
	}
	return true
}

func graceSeconds(rec ProviderRecord) int {
	if rec.Start == nil {
		return 0
	}
	return rec.Start.StartupGraceSeconds
}

// Refresh reloads every provider record, re-probes, and atomically swaps in
// a fresh model map — readers never observe a partially rebuilt map. The
// refresh timestamp is updated unconditionally; any cooldown gating a
// caller wants before invoking Refresh is the caller's responsibility (see
// Controller.maybeRefresh), matching the reference implementation where
// the registry itself enforces no cooldown.
func (r *Registry) Refresh(ctx context.Context) {
	r.Load()
	r.DetectAndRegister(ctx)
	r.mu.Lock()
	r.lastRefreshedAt = time.Now()
	r.mu.Unlock()
}

// LastRefreshedAt returns the instant of the most recent Refresh call.
func (r *Registry) LastRefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefreshedAt
}

// GetProviderForModel returns the provider owning modelID, if any.
func (r *Registry) GetProviderForModel(modelID string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.modelMap[modelID]
	if !ok {
		return nil, false
	}
	p, ok := r.providers[id]
	return p, ok
}

// HasModel reports whether modelID is currently owned by any provider.
func (r *Registry) HasModel(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modelMap[modelID]
	return ok
}

// ModelIDs returns a snapshot of every model id currently registered.
func (r *Registry) ModelIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modelMap))
	for m := range r.modelMap {
		out = append(out, m)
	}
	return out
}

// ProviderIDs returns a snapshot of every loaded provider id.
func (r *Registry) ProviderIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, id)
	}
	return out
}

// Provider returns the loaded provider for id, if any — used by admin and
// health endpoints to report per-provider status.
func (r *Registry) Provider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Record returns the on-disk record a provider was built from.
func (r *Registry) Record(id string) (ProviderRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// ModelMap returns a copy of the current model_id -> provider_id mapping.
func (r *Registry) ModelMap() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.modelMap))
	for m, p := range r.modelMap {
		out[m] = p
	}
	return out
}
