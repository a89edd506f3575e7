// Package audit implements the append-only, hash-chained audit log: each
// entry's hash covers the canonical JSON of its fields plus the previous
// entry's hash, so the chain is verifiable by recomputation and any
// tampering or reordering is detectable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// Entry is one recorded event in the chain.
type Entry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Tenant     string         `json:"tenant"`
	RequestID  string         `json:"request_id,omitempty"`
	Event      string         `json:"event"` // allow, deny, approval_requested, rate_limited, budget_exceeded, rate_limit_changed, quota_changed, rbac_changed, bundle_applied, bundle_apply_failed
	RuleName   string         `json:"rule_name,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	ApproverID string         `json:"approver_id,omitempty"`
	PendingID  string         `json:"pending_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"-"` // computed, not part of the signed payload
}

// canonicalFields returns the subset of Entry covered by the hash: every
// field except Hash itself, rendered as RFC 8785 canonical JSON so byte
// order is deterministic regardless of map iteration or field order.
func canonicalFields(e Entry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// ComputeHash computes hash = SHA-256(prev_hash || canonical_json(fields)),
// per spec.md §4.6 / invariant 6.
func ComputeHash(e Entry) (string, error) {
	fields, err := canonicalFields(e)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize audit entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(fields)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Appender is the storage interface a Chain writes through. A single
// implementation may back many independent per-tenant chains.
type Appender interface {
	Head(chainID string) (hash string, ok bool, err error)
	Append(chainID string, e Entry) error
	Range(chainID string, from, to time.Time) ([]Entry, error)
}

// Chain serializes appends to one or more named hash chains behind a
// per-chain mutex, per spec.md §5's "single writer at a time per chain;
// other writers queue" ordering guarantee.
type Chain struct {
	store    Appender
	listener func(chainID string, e Entry)

	mu     sync.Mutex
	chains map[string]*sync.Mutex
}

// NewChain constructs a Chain backed by store.
func NewChain(store Appender) *Chain {
	return &Chain{store: store, chains: make(map[string]*sync.Mutex)}
}

// SetListener installs a callback invoked, outside any chain lock, after
// every successful Append — the hook the admin audit-stream websocket
// feed hangs off of, mirroring the teacher's post-insert BroadcastTrace
// call rather than wiring the live feed into the storage path itself.
func (c *Chain) SetListener(fn func(chainID string, e Entry)) {
	c.listener = fn
}

func (c *Chain) lockFor(chainID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.chains[chainID]
	if !ok {
		m = &sync.Mutex{}
		c.chains[chainID] = m
	}
	return m
}

// Append writes e to chainID: {lock; read head; compute hash; persist
// (entry, new_head) atomically; unlock; notify listener}, per spec.md §9's
// design note. The audit log is best-effort-never-dropped: a store failure
// here must fail the caller's request closed, not silently continue.
func (c *Chain) Append(chainID string, e Entry) (Entry, error) {
	lock := c.lockFor(chainID)
	lock.Lock()

	head, ok, err := c.store.Head(chainID)
	if err != nil {
		lock.Unlock()
		return Entry{}, fmt.Errorf("audit chain head read failed: %w", err)
	}
	if !ok {
		head = seedHash(chainID)
	}
	e.PrevHash = head

	hash, err := ComputeHash(e)
	if err != nil {
		lock.Unlock()
		return Entry{}, err
	}
	e.Hash = hash

	err = c.store.Append(chainID, e)
	lock.Unlock()
	if err != nil {
		return Entry{}, fmt.Errorf("audit append failed: %w", err)
	}
	if c.listener != nil {
		c.listener(chainID, e)
	}
	return e, nil
}

// Export returns chain entries in chain order within [from, to].
func (c *Chain) Export(chainID string, from, to time.Time) ([]Entry, error) {
	return c.store.Range(chainID, from, to)
}

// VerifyChain recomputes every entry's hash and checks linkage, per
// invariant 6. Returns (valid, brokenAtIndex); brokenAtIndex is -1 when
// valid.
func VerifyChain(entries []Entry) (bool, int) {
	for i, e := range entries {
		want, err := ComputeHash(e)
		if err != nil || e.Hash != want {
			return false, i
		}
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}

func seedHash(chainID string) string {
	sum := sha256.Sum256([]byte("genesis:" + chainID))
	return hex.EncodeToString(sum[:])
}
