// Package admin implements the management surface spec.md §4.10 defines:
// per-tenant rate-limit/quota configuration, RBAC assignment, and the
// policy simulator/diff/apply trio. Grounded throughout on
// api/server.go's registerRoutes/authRequired middleware idiom and
// handlers.go's writeJSON/writeError/queryInt helpers.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/identity"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/policybundle"
	"github.com/toolgate/toolgate/internal/tenant"
)

// policyChainID is the hash chain governance events that aren't scoped to
// one tenant (policy bundle applies) are recorded on.
const policyChainID = "policy"

// tenantChainID mirrors pipeline.auditChainID's per-tenant scoping, so a
// tenant's admin-surface mutations land on the same chain as its runtime
// allow/deny/approval events.
func tenantChainID(t string) string { return "tenant:" + t }

// Server exposes the admin HTTP surface. It holds references, never
// ownership, to the components it configures.
type Server struct {
	Tenants   *tenant.Registry
	RBAC      *identity.RBAC
	Bundles   *policybundle.Store
	Evaluator *policy.Evaluator
	Verifier  *identity.Verifier
	Audit     *audit.Chain
	Stream    *AuditStream
	Logger    *slog.Logger

	mux *http.ServeMux
}

// NewServer constructs a Server and registers its routes.
func NewServer(tenants *tenant.Registry, rbac *identity.RBAC, bundles *policybundle.Store, evaluator *policy.Evaluator, verifier *identity.Verifier, chain *audit.Chain, stream *AuditStream, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Tenants:   tenants,
		RBAC:      rbac,
		Bundles:   bundles,
		Evaluator: evaluator,
		Verifier:  verifier,
		Audit:     chain,
		Stream:    stream,
		Logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// auditEvent appends a governance-mutation entry, per spec.md §4.6's
// "policy bundle applies, RBAC changes, budget/quota changes" list. A
// nil chain (not wired by a caller, e.g. in a narrow unit test) makes
// this a no-op; a store failure is logged, not fatal to the response —
// the mutation it describes has already taken effect.
func (s *Server) auditEvent(chainID, tenant, event, reason string, details map[string]any) {
	if s.Audit == nil {
		return
	}
	if _, err := s.Audit.Append(chainID, audit.Entry{
		ID:        "aud_" + ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		Tenant:    tenant,
		Event:     event,
		Reason:    reason,
		Details:   details,
	}); err != nil {
		s.Logger.Error("audit append failed", "event", event, "error", err)
	}
}

// authRequired mirrors api/server.go's middleware closure: extract the
// bearer token, verify it, and check the coarse action the handler
// names against the caller's roles.
func (s *Server) authRequired(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		raw := header[len(prefix):]
		id, err := s.Verifier.Verify(r.Context(), raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if !identity.HasPermission(id.Roles, action) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("PUT /admin/tenants/{tenant}/rate-limit", s.authRequired("tenant.configure", s.handleSetRateLimit))
	s.mux.HandleFunc("PUT /admin/tenants/{tenant}/quota", s.authRequired("tenant.configure", s.handleSetQuota))
	s.mux.HandleFunc("PUT /admin/rbac/{tenant}/users/{subject}", s.authRequired("rbac.write", s.handlePutRBAC))
	s.mux.HandleFunc("GET /admin/rbac/{tenant}/users/{subject}", s.authRequired("rbac.write", s.handleGetRBAC))
	s.mux.HandleFunc("POST /v1/policy/simulate", s.authRequired("policy.simulate", s.handleSimulate))
	s.mux.HandleFunc("POST /v1/policy/diff", s.authRequired("policy.simulate", s.handleDiff))
	s.mux.HandleFunc("POST /v1/policy/apply", s.authRequired("policy.apply", s.handleApply))
	if s.Stream != nil {
		s.mux.HandleFunc("GET /v1/audit/stream", s.authRequired("metrics.read", s.Stream.HandleWebSocket))
	}
}

// Handler returns the HTTP handler for mounting onto an admin listener.
func (s *Server) Handler() http.Handler { return s.mux }

type rateLimitRequest struct {
	CapacityQPS float64 `json:"capacity_qps"`
}

func (s *Server) handleSetRateLimit(w http.ResponseWriter, r *http.Request) {
	t := r.PathValue("tenant")
	var req rateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	s.Tenants.SetRateLimit(t, req.CapacityQPS)
	s.auditEvent(tenantChainID(t), t, "rate_limit_changed", "", map[string]any{"capacity_qps": req.CapacityQPS})
	writeJSON(w, map[string]string{"status": "ok"})
}

type quotaRequest struct {
	Name     string  `json:"name"`
	Period   string  `json:"period"`
	LimitUSD float64 `json:"limit_usd"`
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	t := r.PathValue("tenant")
	var req quotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" {
		req.Name = "default"
	}
	s.Tenants.SetBudget(t, tenant.BudgetSpec{Name: req.Name, Period: req.Period, LimitUSD: req.LimitUSD})
	s.auditEvent(tenantChainID(t), t, "quota_changed", "", map[string]any{"name": req.Name, "period": req.Period, "limit_usd": req.LimitUSD})
	writeJSON(w, map[string]string{"status": "ok"})
}

type rbacRequest struct {
	Roles []string `json:"roles"`
}

func (s *Server) handlePutRBAC(w http.ResponseWriter, r *http.Request) {
	t, subject := r.PathValue("tenant"), r.PathValue("subject")
	var req rbacRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	roles := make([]identity.Role, 0, len(req.Roles))
	for _, roleName := range req.Roles {
		roles = append(roles, identity.Role(roleName))
	}
	s.RBAC.SetRoles(t, subject, roles)
	s.auditEvent(tenantChainID(t), t, "rbac_changed", "", map[string]any{"subject": subject, "roles": req.Roles})
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleGetRBAC(w http.ResponseWriter, r *http.Request) {
	t, subject := r.PathValue("tenant"), r.PathValue("subject")
	roles := s.RBAC.Roles(t, subject)
	writeJSON(w, map[string]interface{}{"tenant": t, "subject": subject, "roles": roles})
}

type simulateRequest struct {
	Rules           []policy.RuleSource    `json:"rules"`
	DefaultDecision string                 `json:"default_decision"`
	Tool            string                 `json:"tool"`
	Arguments       map[string]interface{} `json:"arguments"`
}

// handleSimulate evaluates a tool call against the rules supplied in the
// request with no side effects — no audit entry, no budget debit, no
// rate-limit consumption. The live bundle store is not consulted: a
// request with no rules evaluates to its default_decision (deny when
// empty).
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	bundle, err := policy.CompileBundle("simulate", req.DefaultDecision, req.Rules)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tc := policy.ToolCall{Tool: req.Tool, Arguments: req.Arguments}
	decision := s.Evaluator.Evaluate(bundle, tc)
	writeJSON(w, map[string]interface{}{
		"decision": decision.Decision,
		"rule":     decision.RuleName,
		"reason":   decision.Reason,
		"trace":    decision.Trace,
	})
}

type diffRequest struct {
	Before []policy.RuleSource `json:"before"`
	After  []policy.RuleSource `json:"after"`
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	var req diffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	writeJSON(w, Diff(req.Before, req.After))
}

type applyRequest struct {
	Version   string   `json:"version"`
	YAML      string   `json:"yaml"`
	Signature *policybundle.SignatureFile `json:"signature"` // nil when require_signature=false
	Strategy  string   `json:"strategy"` // "active", "canary_percent", "explicit"
	Canary    int      `json:"canary_percent"`
	Tenants   []string `json:"tenants"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	outcome, err := s.Bundles.Apply(req.Version, []byte(req.YAML), req.Signature)
	if err != nil {
		s.auditEvent(policyChainID, "", "bundle_apply_failed", string(outcome), map[string]any{"version": req.Version})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if outcome != policybundle.Applied {
		s.auditEvent(policyChainID, "", "bundle_apply_failed", string(outcome), map[string]any{"version": req.Version})
		writeJSON(w, map[string]string{"outcome": string(outcome)})
		return
	}

	rollout := s.Bundles.Rollout()
	switch req.Strategy {
	case "canary_percent":
		rollout.CanaryVersion = req.Version
		rollout.CanaryPercent = req.Canary
	case "explicit":
		if rollout.Pins == nil {
			rollout.Pins = make(map[string]string, len(req.Tenants))
		}
		for _, t := range req.Tenants {
			rollout.Pins[t] = req.Version
		}
	default:
		rollout.ActiveVersion = req.Version
	}
	s.Bundles.SetRollout(rollout)

	s.auditEvent(policyChainID, "", "bundle_applied", "", map[string]any{"version": req.Version, "strategy": req.Strategy})
	writeJSON(w, map[string]string{"outcome": string(outcome)})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
