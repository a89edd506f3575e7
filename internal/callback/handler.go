package callback

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/toolgate/toolgate/internal/approval"
)

// PathPattern is the Go 1.22 ServeMux pattern this handler expects to be
// registered under — a link an approver's chat client can GET directly,
// per spec.md §6.
const PathPattern = "GET /approvals/callback"

// Decider is the subset of approval.Store the callback endpoint needs:
// record one approver's decision against a pending approval.
type Decider interface {
	RecordDecision(ctx context.Context, pendingID, approverID, action string) (*approval.Record, error)
}

// Handler exposes the signed callback as an HTTP endpoint: verify the
// token, check the caller's bearer identity against the token's bound
// approver_id, then forward to the approval store's record-decision
// operation. Idempotent replay is handled by Replay before the
// decision is ever forwarded.
type Handler struct {
	Signer  *Signer
	Replay  *Replay
	Decider Decider
	// IdentitySubject extracts the verified bearer subject from a
	// request, so the handler can check it matches the token's
	// approver_id without importing the identity package directly.
	IdentitySubject func(r *http.Request) (string, error)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("t")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing t query parameter"})
		return
	}

	tok, err := h.Signer.Verify(raw)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	if h.IdentitySubject != nil {
		subject, err := h.IdentitySubject(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
			return
		}
		if subject != tok.ApproverID {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "caller does not match approver_id"})
			return
		}
	}

	if h.Replay.Seen(tok) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_recorded"})
		return
	}

	if _, err := h.Decider.RecordDecision(r.Context(), tok.PendingID, tok.ApproverID, tok.Action); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	h.Replay.Mark(tok)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
