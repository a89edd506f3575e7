// Package ratelimit implements per-tenant continuous-refill token-bucket
// admission control on top of the coordinating store, so admission is
// consistent across replicas sharing the same backend.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/toolgate/toolgate/internal/coordinator"
)

// bucketState is the value persisted under a tenant's TTL key: fractional
// tokens and the timestamp of the last refill, encoded as JSON so it can
// travel through the coordinator's opaque put_ttl/get value slots.
type bucketState struct {
	Tokens       float64 `json:"tokens"`
	LastRefillNs int64   `json:"last_refill_ns"`
}

// stateTTL bounds how long an idle tenant's bucket is retained; a tenant
// that hasn't called in this long gets a fresh full bucket on next use,
// which is equivalent to infinite retention for any tenant calling more
// often than this.
const stateTTL = 24 * time.Hour

// Limiter admits calls against a per-tenant capacity_qps token bucket.
// Refill is continuous: tokens = min(capacity, tokens + elapsed*qps),
// per spec.md §4.3 — a different algorithm from a discrete per-second
// sliding window.
type Limiter struct {
	store coordinator.Store
}

// NewLimiter constructs a Limiter backed by store.
func NewLimiter(store coordinator.Store) *Limiter {
	return &Limiter{store: store}
}

// Admit attempts to consume one token from tenant's bucket at the given
// capacity (queries per second). It returns true if the call is admitted.
// Admission occurs before policy evaluation, per spec.md §4.5 step 2.
//
// The read-refill-write sequence below is not wrapped in a store-level CAS:
// the coordinator's CASInt only covers bare integers, not the
// (tokens, last_refill) pair a continuous-refill bucket needs together. A
// race between two concurrent Admit calls for the same tenant can let one
// extra token through, which is exactly the burst tolerance the admission
// invariant already allows.
func (l *Limiter) Admit(ctx context.Context, tenant string, capacityQPS float64) (bool, error) {
	key := bucketKey(tenant)
	now := time.Now()

	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("rate limiter store read failed: %w", err)
	}

	var state bucketState
	if ok {
		if err := json.Unmarshal(raw, &state); err != nil {
			// A corrupt bucket is treated as freshly-full rather than
			// failing the call closed; refill below recomputes it.
			state = bucketState{Tokens: capacityQPS, LastRefillNs: now.UnixNano()}
		}
	} else {
		state = bucketState{Tokens: capacityQPS, LastRefillNs: now.UnixNano()}
	}

	elapsed := time.Duration(now.UnixNano() - state.LastRefillNs)
	if elapsed < 0 {
		elapsed = 0
	}
	state.Tokens += elapsed.Seconds() * capacityQPS
	if state.Tokens > capacityQPS {
		state.Tokens = capacityQPS
	}
	state.LastRefillNs = now.UnixNano()

	admitted := state.Tokens >= 1
	if admitted {
		state.Tokens -= 1
	}

	data, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("failed to encode rate limiter state: %w", err)
	}
	if err := l.store.PutTTL(ctx, key, data, int64(stateTTL.Seconds())); err != nil {
		return false, fmt.Errorf("rate limiter store write failed: %w", err)
	}

	return admitted, nil
}

func bucketKey(tenant string) string {
	return "ratelimit:" + tenant
}
