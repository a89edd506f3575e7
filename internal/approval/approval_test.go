package approval

import (
	"context"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/coordinator"
)

func newTestStore() *Store {
	return NewStore(coordinator.NewMemoryStore(), nil)
}

func newTestRecord(id string, requiredApprovals int) Record {
	return Record{
		PendingID:         id,
		Tenant:            "tenant-a",
		RuleName:          "Dual-control write outside jail",
		RequiredApprovals: requiredApprovals,
		CreatedAt:         time.Now(),
		TTLSeconds:        60,
	}
}

// S2 — dual-control write outside jail: two approves reach allow.
func TestApproval_S2_TwoApprovesReachAllow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	r, err := s.Create(ctx, newTestRecord("p1", 2))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != Pending {
		t.Fatalf("expected pending, got %s", r.Status)
	}

	r, err = s.RecordDecision(ctx, "p1", "approver-a", "approve")
	if err != nil {
		t.Fatalf("record A: %v", err)
	}
	if r.Status != Pending {
		t.Fatalf("expected still pending after one approve, got %s", r.Status)
	}

	r, err = s.RecordDecision(ctx, "p1", "approver-b", "approve")
	if err != nil {
		t.Fatalf("record B: %v", err)
	}
	if r.Status != Allow {
		t.Fatalf("expected allow after N=2 approves, got %s", r.Status)
	}
}

// S3 — deny precedence: a later approve after a deny is a no-op.
func TestApproval_S3_DenyPrecedenceSticky(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.Create(ctx, newTestRecord("p2", 2))
	s.RecordDecision(ctx, "p2", "approver-a", "approve")
	r, err := s.RecordDecision(ctx, "p2", "approver-b", "deny")
	if err != nil {
		t.Fatalf("record deny: %v", err)
	}
	if r.Status != Deny {
		t.Fatalf("expected deny immediately on one deny vote, got %s", r.Status)
	}

	r, err = s.RecordDecision(ctx, "p2", "approver-c", "approve")
	if err != nil {
		t.Fatalf("record late approve: %v", err)
	}
	if r.Status != Deny {
		t.Fatalf("expected terminal deny to remain sticky, got %s", r.Status)
	}
}

func TestApproval_Create_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	r1, _ := s.Create(ctx, newTestRecord("p3", 1))
	r2, _ := s.Create(ctx, Record{PendingID: "p3", RequiredApprovals: 99, CreatedAt: time.Now(), TTLSeconds: 60})
	if r1.RequiredApprovals != r2.RequiredApprovals {
		t.Fatalf("expected second create to return the original record, got %+v vs %+v", r1, r2)
	}
}

func TestApproval_LastWritePerApproverWinsBeforeTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.Create(ctx, newTestRecord("p4", 2))
	s.RecordDecision(ctx, "p4", "approver-a", "approve")
	r, _ := s.RecordDecision(ctx, "p4", "approver-a", "approve")
	// A second vote from the same approver replaces the first rather than
	// adding to it: the tally has 1 approve, below required_approvals=2.
	if r.Status != Pending {
		t.Fatalf("expected still pending after approver voted twice, got %s", r.Status)
	}
}

func TestApproval_ApproverGroupFiltersNonMembers(t *testing.T) {
	ctx := context.Background()
	members := map[string]bool{"approver-a": true}
	s := NewStore(coordinator.NewMemoryStore(), func(group, approverID string) bool {
		return group == "security-team" && members[approverID]
	})

	r := newTestRecord("p5", 1)
	r.ApproverGroup = "security-team"
	s.Create(ctx, r)

	got, err := s.RecordDecision(ctx, "p5", "outsider", "approve")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got.Status != Pending {
		t.Fatalf("expected a non-member's approve to not count, got %s", got.Status)
	}

	got, err = s.RecordDecision(ctx, "p5", "approver-a", "approve")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got.Status != Allow {
		t.Fatalf("expected a group member's approve to resolve, got %s", got.Status)
	}
}

func TestApproval_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	r := newTestRecord("p6", 1)
	r.TTLSeconds = 0
	r.CreatedAt = time.Now().Add(-time.Second)
	s.Create(ctx, r)

	s.SweepExpired(ctx)

	got, ok, err := s.Get(ctx, "p6")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != Expired {
		t.Fatalf("expected expired after TTL elapsed, got %s", got.Status)
	}
}

func TestApproval_WaitForResolution_SubscribeThenRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.Create(ctx, newTestRecord("p7", 1))

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.RecordDecision(ctx, "p7", "approver-a", "approve")
	}()

	status, err := s.WaitForResolution(ctx, "p7", time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status != Allow {
		t.Fatalf("expected allow, got %s", status)
	}
}

func TestApproval_WaitForResolution_TimesOutAsNeedsApproval(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.Create(ctx, newTestRecord("p8", 2))

	status, err := s.WaitForResolution(ctx, "p8", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status != Pending {
		t.Fatalf("expected still-pending (needs_approval) on timeout, got %s", status)
	}
}
