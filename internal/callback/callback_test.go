package callback

import (
	"testing"
	"time"
)

func TestSigner_IssueAndVerify(t *testing.T) {
	s := NewSigner("server-secret")
	token := s.Issue("appr_1", "approver-a", "approve", time.Hour)

	got, err := s.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.PendingID != "appr_1" || got.ApproverID != "approver-a" || got.Action != "approve" {
		t.Fatalf("unexpected token: %+v", got)
	}
}

func TestSigner_RejectsTamperedPayload(t *testing.T) {
	s := NewSigner("server-secret")
	token := s.Issue("appr_1", "approver-a", "approve", time.Hour)
	tampered := "x" + token[1:]
	if _, err := s.Verify(tampered); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestSigner_RejectsWrongSecret(t *testing.T) {
	s1 := NewSigner("secret-one")
	s2 := NewSigner("secret-two")
	token := s1.Issue("appr_1", "approver-a", "approve", time.Hour)
	if _, err := s2.Verify(token); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature across secrets, got %v", err)
	}
}

func TestSigner_RejectsExpired(t *testing.T) {
	s := NewSigner("server-secret")
	token := s.Issue("appr_1", "approver-a", "approve", -time.Minute)
	if _, err := s.Verify(token); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestReplay_SecondPostIsNoOp(t *testing.T) {
	r := NewReplay()
	tok := Token{PendingID: "p1", ApproverID: "a", Action: "approve"}
	if r.SeenOrMark(tok) {
		t.Fatal("expected first call to not be a replay")
	}
	if !r.SeenOrMark(tok) {
		t.Fatal("expected second call with identical triple to be a replay")
	}
}

func TestReplay_DifferentActionIsNotAReplay(t *testing.T) {
	r := NewReplay()
	r.SeenOrMark(Token{PendingID: "p1", ApproverID: "a", Action: "approve"})
	if r.SeenOrMark(Token{PendingID: "p1", ApproverID: "a", Action: "deny"}) {
		t.Fatal("expected a different action to not be treated as a replay")
	}
}
