package gateway

import "context"

// Provider is the polymorphic capability set every backend adapter
// implements: health checking, model enumeration, chat completion, and
// managed-process lifecycle. The registry's builder table constructs one
// concrete Provider per provider_type string, so the scheduler and
// controller never need to know which backend family they are talking to.
type Provider interface {
	// ProviderID returns the provider's configured identifier.
	ProviderID() string

	// HealthCheck returns true iff the backend answered its health path
	// with an expected status within the configured short timeout. Never
	// panics for transport failures; those are converted to false.
	HealthCheck(ctx context.Context) bool

	// ListModels returns the model ids this provider currently serves. A
	// declared static list short-circuits network I/O; otherwise a live
	// enumeration call is made and an empty slice is returned on failure.
	ListModels(ctx context.Context) []string

	// ChatCompletion executes a chat completion against the resolved
	// model named in req.Model, translating to/from the backend's native
	// schema as needed. Failures are *types.Error carrying a normalized
	// fallback code.
	ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error)

	// Start brings the backend up if managed; a no-op returning true for
	// unmanaged providers.
	Start(ctx context.Context) bool

	// Stop tears the backend down if managed; a no-op for unmanaged
	// providers.
	Stop(ctx context.Context) error

	// IsManaged reports whether this provider owns a supervised child
	// process (as opposed to an always-on external/cloud endpoint).
	IsManaged() bool
}

// ProviderRecord is the on-disk shape of one providers/*.yaml file (see
// SPEC_FULL.md §6's configuration table).
type ProviderRecord struct {
	ProviderID   string             `yaml:"provider_id"`
	ProviderType string             `yaml:"provider_type"`
	API          ProviderAPIRecord  `yaml:"api"`
	Start        *ProviderStartSpec `yaml:"start,omitempty"`
	Stop         ProviderStopSpec   `yaml:"stop"`
	Policy       ProviderPolicy     `yaml:"policy"`
	Detect       ProviderDetectSpec `yaml:"detect"`
}

// ProviderAPIRecord describes how to reach the backend over HTTP.
type ProviderAPIRecord struct {
	BaseURL string               `yaml:"base_url"`
	Health  ProviderHealthRecord `yaml:"health"`
	Models  ProviderModelsRecord `yaml:"models"`
	APIKey  string               `yaml:"api_key,omitempty"`
}

// ProviderHealthRecord configures the liveness probe.
type ProviderHealthRecord struct {
	Path           string `yaml:"path"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	SuccessCodes   []int  `yaml:"success_codes"`
}

// ProviderModelsRecord configures model enumeration: either a live path or
// a declared static list (declared wins, no network I/O is performed).
type ProviderModelsRecord struct {
	Path           string   `yaml:"path"`
	DeclaredModels []string `yaml:"declared_models,omitempty"`
}

// ProviderStartSpec configures how a managed backend process is spawned.
type ProviderStartSpec struct {
	Command             string            `yaml:"command"`
	Args                []string          `yaml:"args,omitempty"`
	Cwd                 string            `yaml:"cwd,omitempty"`
	Env                 map[string]string `yaml:"env,omitempty"`
	Enabled             bool              `yaml:"enabled"`
	StartupGraceSeconds int               `yaml:"startup_grace_seconds"`
}

// ProviderStopSpec configures teardown behavior.
type ProviderStopSpec struct {
	Method string `yaml:"method"` // "terminate_process" or "" (no-op)
}

// ProviderPolicy carries post-probe lifecycle policy.
type ProviderPolicy struct {
	KeepWarm bool `yaml:"keep_warm"`
}

// ProviderDetectSpec configures the pre-start binary-presence check.
type ProviderDetectSpec struct {
	Method     string `yaml:"method"` // e.g. "path" to require a locatable binary
	BinaryName string `yaml:"binary_name,omitempty"`
}

// BuilderFunc constructs a Provider from its on-disk record. The registry's
// builder table maps provider_type strings to a BuilderFunc, keeping the
// adapter set open to extension without the scheduler or controller ever
// switching on a type string themselves.
type BuilderFunc func(rec ProviderRecord) (Provider, error)
