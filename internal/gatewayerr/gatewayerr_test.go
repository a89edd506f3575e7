package gatewayerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_RPCCodeAndHTTPStatus(t *testing.T) {
	e := New(NeedsApproval, "pending")
	if e.RPCCode() != -32005 {
		t.Errorf("RPCCode() = %d, want -32005", e.RPCCode())
	}
	if e.HTTPStatus() != 202 {
		t.Errorf("HTTPStatus() = %d, want 202", e.HTTPStatus())
	}
}

func TestIs_MatchesKindThroughWrap(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := fmt.Errorf("coordinator: %w", StoreUnavailableAsDeny(cause))
	if !Is(wrapped, StoreUnavailable) {
		t.Fatal("expected Is to match StoreUnavailable through a wrapped chain")
	}
	if Is(wrapped, Forbidden) {
		t.Fatal("expected Is to not match an unrelated kind")
	}
}

func TestStoreUnavailableAsDeny_PreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	e := StoreUnavailableAsDeny(cause)
	if !errors.Is(e, cause) {
		t.Fatal("expected Unwrap chain to reach the original cause")
	}
	if e.Reason != "store_unavailable" {
		t.Errorf("Reason = %q, want \"store_unavailable\"", e.Reason)
	}
}

func TestWithDetails_AttachesPendingID(t *testing.T) {
	e := New(NeedsApproval, "awaiting dual control").WithDetails(map[string]any{"pending_id": "appr_1"})
	if e.Details["pending_id"] != "appr_1" {
		t.Fatalf("unexpected details: %+v", e.Details)
	}
}
