package gateway

import "strings"

const routePrefix = "route:"

// RouteRecord is a named logical target: a primary model plus an ordered
// fallback chain and the normalized error codes that permit falling
// through to the next candidate.
type RouteRecord struct {
	Name           string
	PrimaryModel   string
	FallbackModels []string
	FallbackOn     map[string]bool
}

// RouteTable looks up a route by name.
type RouteTable interface {
	Route(name string) (RouteRecord, bool)
}

// Resolution is the outcome of resolving a client-supplied model string.
type Resolution struct {
	PrimaryModel   string
	RouteName      string // empty when the input was a concrete model id
	FallbackModels []string
	FallbackOn     map[string]bool
}

// RouteResolver translates a client-supplied model string into a primary
// model id plus its fallback chain.
type RouteResolver struct {
	routes RouteTable
}

// NewRouteResolver builds a resolver backed by the given route table.
func NewRouteResolver(routes RouteTable) *RouteResolver {
	return &RouteResolver{routes: routes}
}

// Resolve implements the resolution rule from SPEC_FULL.md §4.4: a
// "route:<name>" input expands to the named route's definition when found,
// or degrades to itself with no fallbacks (the controller then reports
// model-not-found); any other input passes through unchanged with no
// fallbacks. Resolution is idempotent on a concrete model id: resolving the
// output of a resolve on a plain model id yields the same plain result.
func (r *RouteResolver) Resolve(model string) Resolution {
	if !strings.HasPrefix(model, routePrefix) {
		return Resolution{PrimaryModel: model}
	}
	name := strings.TrimPrefix(model, routePrefix)
	route, ok := r.routes.Route(name)
	if !ok {
		return Resolution{PrimaryModel: model}
	}
	return Resolution{
		PrimaryModel:   route.PrimaryModel,
		RouteName:      route.Name,
		FallbackModels: route.FallbackModels,
		FallbackOn:     route.FallbackOn,
	}
}

// Candidates returns the ordered candidate model list: primary followed by
// fallbacks.
func (res Resolution) Candidates() []string {
	out := make([]string, 0, 1+len(res.FallbackModels))
	out = append(out, res.PrimaryModel)
	out = append(out, res.FallbackModels...)
	return out
}
