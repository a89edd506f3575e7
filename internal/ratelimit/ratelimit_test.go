package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/coordinator"
)

// Boundary: token bucket at 0 with no elapsed time rejects; after 1/qps
// seconds admits one call.
func TestLimiter_ZeroTokensRejectsThenRefills(t *testing.T) {
	ctx := context.Background()
	store := coordinator.NewMemoryStore()
	l := NewLimiter(store)

	const qps = 10.0
	// Drain the bucket.
	for i := 0; i < int(qps); i++ {
		admitted, err := l.Admit(ctx, "tenant-a", qps)
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if !admitted {
			t.Fatalf("expected call %d to be admitted while bucket has tokens", i)
		}
	}
	if admitted, _ := l.Admit(ctx, "tenant-a", qps); admitted {
		t.Fatal("expected bucket to be empty and reject")
	}

	time.Sleep(time.Duration(1e9/qps) + 5*time.Millisecond)

	admitted, err := l.Admit(ctx, "tenant-a", qps)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !admitted {
		t.Fatal("expected one token to have refilled after 1/qps seconds")
	}
}

func TestLimiter_PerTenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := coordinator.NewMemoryStore()
	l := NewLimiter(store)

	l.Admit(ctx, "tenant-a", 1)
	admitted, _ := l.Admit(ctx, "tenant-b", 1)
	if !admitted {
		t.Fatal("expected a fresh tenant to have its own full bucket")
	}
}

func TestLimiter_NeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	store := coordinator.NewMemoryStore()
	l := NewLimiter(store)

	const qps = 5.0
	time.Sleep(50 * time.Millisecond) // idle time before the first Admit, which creates the bucket full
	admitted := 0
	for i := 0; i < 20; i++ {
		if ok, _ := l.Admit(ctx, "tenant-c", qps); ok {
			admitted++
		}
	}
	if admitted > int(qps) {
		t.Fatalf("admitted %d calls, expected at most capacity %v after idle refill", admitted, qps)
	}
}
