// Package tenant holds the admin-configurable per-tenant settings the
// decision pipeline reads on every call: rate-limit capacity and named
// cost budgets. A missing entry means unlimited, per spec.md §4.3's
// "missing budget = unlimited" rule.
package tenant

import "sync"

// BudgetSpec is one named budget's configuration.
type BudgetSpec struct {
	Name     string
	Period   string // "day" or "week"
	LimitUSD float64
}

// Settings is one tenant's full configuration snapshot.
type Settings struct {
	CapacityQPS float64
	Budgets     map[string]BudgetSpec // by name
}

// Registry is a concurrency-safe map of tenant -> Settings, grounded on
// the same mutex-guarded-map idiom used throughout the coordinating
// store's in-memory backend.
type Registry struct {
	mu       sync.RWMutex
	settings map[string]Settings
}

// NewRegistry returns an empty registry; tenants not yet configured have
// no rate limit cap and no budgets (unlimited).
func NewRegistry() *Registry {
	return &Registry{settings: make(map[string]Settings)}
}

// Get returns the tenant's settings, or the zero value (unlimited) if
// unconfigured.
func (r *Registry) Get(tenant string) Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[tenant]
	if !ok {
		return Settings{Budgets: map[string]BudgetSpec{}}
	}
	return s
}

// SetRateLimit sets or replaces a tenant's QPS cap.
func (r *Registry) SetRateLimit(tenant string, qps float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.settings[tenant]
	if s.Budgets == nil {
		s.Budgets = map[string]BudgetSpec{}
	}
	s.CapacityQPS = qps
	r.settings[tenant] = s
}

// SetBudget creates or replaces a named budget for a tenant.
func (r *Registry) SetBudget(tenant string, spec BudgetSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.settings[tenant]
	if s.Budgets == nil {
		s.Budgets = map[string]BudgetSpec{}
	}
	s.Budgets[spec.Name] = spec
	r.settings[tenant] = s
}

// Budget looks up a named budget for a tenant, reporting whether it was
// configured at all.
func (r *Registry) Budget(tenant, name string) (BudgetSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[tenant]
	if !ok {
		return BudgetSpec{}, false
	}
	b, ok := s.Budgets[name]
	return b, ok
}
