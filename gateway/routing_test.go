package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func routesFixture() *Tables {
	tables := NewTables()
	tables.Replace(map[string]RouteRecord{
		"fast": {
			Name:           "fast",
			PrimaryModel:   "m-small",
			FallbackModels: []string{"m-medium", "m-large"},
			FallbackOn:     map[string]bool{"timeout": true, "unreachable": true},
		},
	}, nil)
	return tables
}

func TestResolveConcreteModelPassesThrough(t *testing.T) {
	r := NewRouteResolver(routesFixture())

	res := r.Resolve("m-small")
	assert.Equal(t, "m-small", res.PrimaryModel)
	assert.Empty(t, res.RouteName)
	assert.Empty(t, res.FallbackModels)
	assert.Empty(t, res.FallbackOn)
}

func TestResolveRouteExpands(t *testing.T) {
	r := NewRouteResolver(routesFixture())

	res := r.Resolve("route:fast")
	assert.Equal(t, "m-small", res.PrimaryModel)
	assert.Equal(t, "fast", res.RouteName)
	assert.Equal(t, []string{"m-medium", "m-large"}, res.FallbackModels)
	assert.True(t, res.FallbackOn["timeout"])
	assert.Equal(t, []string{"m-small", "m-medium", "m-large"}, res.Candidates())
}

func TestResolveUnknownRouteDegradesToItself(t *testing.T) {
	r := NewRouteResolver(routesFixture())

	res := r.Resolve("route:nope")
	// The raw string survives so the controller reports model-not-found.
	assert.Equal(t, "route:nope", res.PrimaryModel)
	assert.Empty(t, res.RouteName)
	assert.Empty(t, res.FallbackModels)
}

func TestResolveIsIdempotentOnConcreteIDs(t *testing.T) {
	r := NewRouteResolver(routesFixture())

	first := r.Resolve("route:fast")
	second := r.Resolve(first.PrimaryModel)
	assert.Equal(t, first.PrimaryModel, second.PrimaryModel)
	assert.Empty(t, second.RouteName)
	assert.Empty(t, second.FallbackModels)
}
