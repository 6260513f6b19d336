// Package gateway implements the admission-and-dispatch engine of the
// orchestrator: the provider registry built by probing backends, the route
// resolver, the per-model queue scheduler with its pluggable concurrency
// rules and sticky dispatch, the managed-process supervisor, and the
// per-request fallback controller.
//
// All components are explicitly constructed and wired by the caller; the
// package holds no process-wide mutable state.
package gateway
