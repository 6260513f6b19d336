package gateway

import "sync"

// Tables is the live route and model-score lookup the resolver, rules, and
// scheduler consult. Both maps are replaced wholesale on config reload so
// readers never see a half-applied update.
type Tables struct {
	mu     sync.RWMutex
	routes map[string]RouteRecord
	models map[string]ModelRecord
}

// NewTables creates an empty table set.
func NewTables() *Tables {
	return &Tables{
		routes: make(map[string]RouteRecord),
		models: make(map[string]ModelRecord),
	}
}

// Replace swaps in fresh route and model maps atomically.
func (t *Tables) Replace(routes map[string]RouteRecord, models map[string]ModelRecord) {
	if routes == nil {
		routes = make(map[string]RouteRecord)
	}
	if models == nil {
		models = make(map[string]ModelRecord)
	}
	t.mu.Lock()
	t.routes = routes
	t.models = models
	t.mu.Unlock()
}

// Route implements RouteTable.
func (t *Tables) Route(name string) (RouteRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[name]
	return r, ok
}

// RouteNames returns every defined route name.
func (t *Tables) RouteNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.routes))
	for name := range t.routes {
		out = append(out, name)
	}
	return out
}

// ModelRecord implements ModelTable. Unknown models behave as the zero
// record: no penalties, no resource usage, not exclusive.
func (t *Tables) ModelRecord(modelID string) ModelRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.models[modelID]
}
