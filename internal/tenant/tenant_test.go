package tenant

import "testing"

func TestRegistry_UnconfiguredTenantIsUnlimited(t *testing.T) {
	r := NewRegistry()
	s := r.Get("acme")
	if s.CapacityQPS != 0 {
		t.Errorf("CapacityQPS = %v, want 0 (unconfigured)", s.CapacityQPS)
	}
	if len(s.Budgets) != 0 {
		t.Errorf("expected no budgets, got %+v", s.Budgets)
	}
}

func TestRegistry_SetRateLimitAndBudget(t *testing.T) {
	r := NewRegistry()
	r.SetRateLimit("acme", 5)
	r.SetBudget("acme", BudgetSpec{Name: "default", Period: "day", LimitUSD: 15})

	s := r.Get("acme")
	if s.CapacityQPS != 5 {
		t.Errorf("CapacityQPS = %v, want 5", s.CapacityQPS)
	}
	b, ok := r.Budget("acme", "default")
	if !ok || b.LimitUSD != 15 {
		t.Fatalf("unexpected budget: %+v, ok=%v", b, ok)
	}
}

func TestRegistry_UnknownBudgetNotFound(t *testing.T) {
	r := NewRegistry()
	r.SetRateLimit("acme", 5)
	if _, ok := r.Budget("acme", "missing"); ok {
		t.Fatal("expected missing budget to report ok=false")
	}
}
