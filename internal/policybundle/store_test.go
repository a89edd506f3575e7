package policybundle

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

const minimalBundleYAML = `version: v1
defaults:
  decision: deny
rules:
  - name: allow-all
    match: net.http
    action: allow
`

// S6 — rollout determinism: identical mapping across independent calls
// given the same seed.
func TestRollout_Determinism(t *testing.T) {
	r := Rollout{ActiveVersion: "v1", CanaryVersion: "v2", CanaryPercent: 10, Seed: 42}
	tenants := []string{"alice", "bob", "carol", "dave-co", "tenant-999"}

	first := make(map[string]string, len(tenants))
	for _, tn := range tenants {
		first[tn] = r.ResolveVersion(tn)
	}
	for i := 0; i < 5; i++ {
		for _, tn := range tenants {
			if got := r.ResolveVersion(tn); got != first[tn] {
				t.Fatalf("tenant %s: resolved %q on first call, %q on repeat", tn, first[tn], got)
			}
		}
	}
}

func TestRollout_ExplicitPinWinsOverCanary(t *testing.T) {
	r := Rollout{
		ActiveVersion: "v1",
		CanaryVersion: "v2",
		CanaryPercent: 100, // would route everyone to canary
		Seed:          7,
		Pins:          map[string]string{"pinned-tenant": "v1"},
	}
	if got := r.ResolveVersion("pinned-tenant"); got != "v1" {
		t.Fatalf("expected pin to win, got %q", got)
	}
	if got := r.ResolveVersion("unpinned-tenant"); got != "v2" {
		t.Fatalf("expected unpinned tenant to take canary, got %q", got)
	}
}

func TestRollout_ZeroPercentNeverCanaries(t *testing.T) {
	r := Rollout{ActiveVersion: "v1", CanaryVersion: "v2", CanaryPercent: 0, Seed: 1}
	for _, tn := range []string{"a", "b", "c", "d", "e"} {
		if got := r.ResolveVersion(tn); got != "v1" {
			t.Fatalf("tenant %s: expected active version at 0%% canary, got %q", tn, got)
		}
	}
}

// S5 — signature tamper: a flipped byte is rejected and no bundle is
// installed for that version.
func TestStore_LoadVersion_RejectsTamperedSignature(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	data := []byte(minimalBundleYAML)
	sf := Sign(data, priv)

	tampered := append([]byte(nil), data...)
	tampered[0] ^= 0xFF // flip one byte

	if err := os.WriteFile(filepath.Join(dir, "v1.yaml"), tampered, 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	sigData, err := json.Marshal(sf)
	if err != nil {
		t.Fatalf("marshal sig: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "v1.yaml.sig"), sigData, 0o644); err != nil {
		t.Fatalf("write sig: %v", err)
	}

	store := NewStore(dir, true, pub, nil)
	if _, err := store.LoadVersion("v1"); err == nil {
		t.Fatal("expected signature verification to fail on tampered bundle")
	}
	if _, _, err := store.Resolve("any-tenant"); err == nil {
		t.Fatal("expected no bundle installed after a rejected load")
	}
}

func TestStore_LoadVersion_AcceptsValidSignature(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	data := []byte(minimalBundleYAML)
	sf := Sign(data, priv)

	if err := os.WriteFile(filepath.Join(dir, "v1.yaml"), data, 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	sigData, err := json.Marshal(sf)
	if err != nil {
		t.Fatalf("marshal sig: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "v1.yaml.sig"), sigData, 0o644); err != nil {
		t.Fatalf("write sig: %v", err)
	}

	store := NewStore(dir, true, pub, nil)
	if _, err := store.LoadVersion("v1"); err != nil {
		t.Fatalf("expected valid signature to load, got %v", err)
	}
	store.SetRollout(Rollout{ActiveVersion: "v1"})
	b, version, err := store.Resolve("any-tenant")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if version != "v1" || b == nil {
		t.Fatalf("expected v1 resolved with a compiled bundle, got version=%q bundle=%v", version, b)
	}
}
