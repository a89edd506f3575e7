package policybundle

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Rollout is the single-row staged-rollout state: an active version, an
// optional canary version and percentage, a hash seed, and explicit
// tenant pins.
type Rollout struct {
	ActiveVersion string
	CanaryVersion string
	CanaryPercent int // [0, 100]
	Seed          uint64
	Pins          map[string]string // tenant -> version, explicit override
}

// StableHash is the named 64-bit non-cryptographic hash used for
// deterministic canary bucketing: stable across processes given the same
// seed and tenant.
func StableHash(seed uint64, tenant string) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%d:%s", seed, tenant))
}

// ResolveVersion picks the bundle version for a tenant: explicit pin wins;
// else canary iff stable_hash(seed, tenant) mod 100 < canary_percent and a
// canary version is configured; else active. Pure function of (Rollout,
// tenant) — rollout determinism (invariant 8).
func (r Rollout) ResolveVersion(tenant string) string {
	if v, ok := r.Pins[tenant]; ok && v != "" {
		return v
	}
	if r.CanaryVersion != "" && r.CanaryPercent > 0 {
		h := StableHash(r.Seed, tenant) % 100
		if h < uint64(r.CanaryPercent) {
			return r.CanaryVersion
		}
	}
	return r.ActiveVersion
}
