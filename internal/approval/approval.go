// Package approval implements the dual-control pending-approval state
// machine: N-of-M tallying with deny precedence, TTL expiry, and a
// subscribe-then-read wait for synchronous resolution.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/toolgate/toolgate/internal/coordinator"
)

// Status is a PendingApproval's current state.
type Status string

const (
	Pending Status = "pending"
	Allow   Status = "allow"
	Deny    Status = "deny"
	Expired Status = "expired"
)

// Decision is one approver's recorded vote.
type Decision struct {
	ApproverID string    `json:"approver_id"`
	Action     string    `json:"action"` // "approve" or "deny"
	At         time.Time `json:"at"`
}

// Record is the durable state of one pending approval.
type Record struct {
	PendingID         string              `json:"pending_id"`
	Tenant            string              `json:"tenant"`
	RequestID         string              `json:"request_id"`
	RuleName          string              `json:"rule_name"`
	ActionSummary     map[string]any      `json:"action_summary"`
	RequiredApprovals int                 `json:"required_approvals"`
	ApproverGroup     string              `json:"approver_group"`
	CreatedAt         time.Time           `json:"created_at"`
	TTLSeconds        int64               `json:"ttl_seconds"`
	Status            Status              `json:"status"`
	Decisions         map[string]Decision `json:"decisions"` // approver_id -> last decision
}

func (r *Record) deadline() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TTLSeconds) * time.Second)
}

// GroupMember reports whether an approver ID belongs to a named approver
// group. Callers supply a concrete implementation (identity.RBAC's
// IsMember or a test double); approval itself has no notion of group membership storage.
type GroupMember func(group, approverID string) bool

// Store holds PendingApproval records keyed by pending_id, durable via the
// coordinating store, with in-process mutex serialization of the
// read-modify-write tally per spec.md §4.4. Concurrent creates for the
// same pending_id are idempotent (the first writer wins; later creates
// return the existing record).
type Store struct {
	coord    coordinator.Store
	isMember GroupMember
	mu       sync.Mutex // serializes RecordDecision's read-modify-write across pending_ids
	cache    map[string]*Record
}

// NewStore constructs a Store. isMember may be nil, in which case
// approver_group enforcement is skipped (any approver ID counts).
func NewStore(coord coordinator.Store, isMember GroupMember) *Store {
	if isMember == nil {
		isMember = func(string, string) bool { return true }
	}
	return &Store{
		coord:    coord,
		isMember: isMember,
		cache:    make(map[string]*Record),
	}
}

// NewPendingID generates a lexicographically sortable approval ID.
func NewPendingID() string {
	return "appr_" + ulid.Make().String()
}

// Create writes a new pending record. If a record already exists for
// pendingID, Create is a no-op and returns the existing record
// (idempotent creates, per spec.md §4.4).
func (s *Store) Create(ctx context.Context, r Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cache[r.PendingID]; ok {
		return existing, nil
	}

	if r.Decisions == nil {
		r.Decisions = make(map[string]Decision)
	}
	r.Status = Pending
	r.CreatedAt = r.CreatedAt.UTC()

	if err := s.persist(ctx, &r); err != nil {
		return nil, err
	}
	s.cache[r.PendingID] = &r
	return &r, nil
}

// Get returns the current record for pendingID.
func (s *Store) Get(ctx context.Context, pendingID string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, pendingID)
}

func (s *Store) getLocked(ctx context.Context, pendingID string) (*Record, bool, error) {
	if r, ok := s.cache[pendingID]; ok {
		return r, true, nil
	}
	raw, ok, err := s.coord.Get(ctx, recordKey(pendingID))
	if err != nil {
		return nil, false, fmt.Errorf("approval store read failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, fmt.Errorf("malformed approval record %s: %w", pendingID, err)
	}
	s.cache[pendingID] = &r
	return &r, true, nil
}

// RecordDecision applies one approver's vote atomically: at most one
// decision per approver ID, last write for that approver wins before
// terminal state. Votes from approvers outside approver_group are
// recorded (for audit) but do not count toward the tally. Re-evaluates
// status after the write and publishes the pending_id on terminal
// transition.
func (s *Store) RecordDecision(ctx context.Context, pendingID, approverID, action string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok, err := s.getLocked(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("pending approval %s not found", pendingID)
	}
	if isTerminal(r.Status) {
		// Terminal states are sticky; a late decision is a no-op.
		return r, nil
	}

	r.checkExpiry()
	if isTerminal(r.Status) {
		if err := s.persist(ctx, r); err != nil {
			return nil, err
		}
		return r, nil
	}

	r.Decisions[approverID] = Decision{ApproverID: approverID, Action: action, At: time.Now().UTC()}
	r.Status = resolve(r, s.isMember)

	if err := s.persist(ctx, r); err != nil {
		return nil, err
	}
	if isTerminal(r.Status) {
		s.coord.Publish(ctx, channelFor(pendingID), []byte(r.Status))
	}
	return r, nil
}

// WaitForResolution subscribes to the pending_id's resolution channel
// first, then re-reads state, to avoid the lost-wakeup race between "check
// status" and "subscribe". Returns the terminal status, or Pending if
// timeout elapses first (surfaced to the caller as needs_approval).
func (s *Store) WaitForResolution(ctx context.Context, pendingID string, timeout time.Duration) (Status, error) {
	msgs, unsubscribe := s.coord.Subscribe(ctx, channelFor(pendingID))
	defer unsubscribe()

	r, ok, err := s.Get(ctx, pendingID)
	if err != nil {
		return "", err
	}
	if ok {
		r.checkExpiry()
		if isTerminal(r.Status) {
			return r.Status, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-msgs:
		r, ok, err := s.Get(ctx, pendingID)
		if err != nil || !ok {
			return Pending, err
		}
		return r.Status, nil
	case <-timer.C:
		return Pending, nil
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}

// SweepExpired scans the in-process cache for pending records whose TTL
// has elapsed and transitions them to Expired. Intended to be called
// periodically from a background goroutine (see cmd/toolgated), mirroring
// the teacher's ticker-driven timeout sweep generalized to a
// coordinator-backed multi-waiter world.
func (s *Store) SweepExpired(ctx context.Context) {
	s.mu.Lock()
	var toPublish []string
	for id, r := range s.cache {
		if r.Status != Pending {
			continue
		}
		if time.Now().After(r.deadline()) {
			r.Status = Expired
			if err := s.persist(ctx, r); err == nil {
				toPublish = append(toPublish, id)
			}
		}
	}
	s.mu.Unlock()

	for _, id := range toPublish {
		s.coord.Publish(ctx, channelFor(id), []byte(Expired))
	}
}

func (r *Record) checkExpiry() {
	if r.Status == Pending && time.Now().After(r.deadline()) {
		r.Status = Expired
	}
}

// resolve computes the terminal status (or Pending) from the current
// decision tally: deny precedence, N-of-M allow, group-filtered tally.
func resolve(r *Record, isMember GroupMember) Status {
	denies := 0
	approves := 0
	for approverID, d := range r.Decisions {
		if r.ApproverGroup != "" && !isMember(r.ApproverGroup, approverID) {
			continue
		}
		switch d.Action {
		case "deny":
			denies++
		case "approve":
			approves++
		}
	}
	if denies > 0 {
		return Deny
	}
	required := r.RequiredApprovals
	if required < 1 {
		required = 1
	}
	if approves >= required {
		return Allow
	}
	return Pending
}

func isTerminal(s Status) bool {
	return s == Allow || s == Deny || s == Expired
}

func (s *Store) persist(ctx context.Context, r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode approval record: %w", err)
	}
	if err := s.coord.PutTTL(ctx, recordKey(r.PendingID), data, r.TTLSeconds+3600); err != nil {
		return fmt.Errorf("approval store write failed: %w", err)
	}
	s.cache[r.PendingID] = r
	return nil
}

func recordKey(pendingID string) string  { return "approval:" + pendingID }
func channelFor(pendingID string) string { return "approval:resolved:" + pendingID }
