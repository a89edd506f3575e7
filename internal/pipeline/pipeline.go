// Package pipeline implements the synchronous decision pipeline: the one
// function that strings identity, rate limiting, policy selection,
// evaluation, budget debit, approval, and audit together into the
// gateway's single Decide(ToolCall) contract. It is the orchestration
// layer — every rule of substance lives in the components it calls.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/budget"
	"github.com/toolgate/toolgate/internal/gatewayerr"
	"github.com/toolgate/toolgate/internal/identity"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/ratelimit"
	"github.com/toolgate/toolgate/internal/tenant"
)

// Result is what Decide returns to the transport layer: exactly one of
// the three branches spec.md §4.5 defines, shaped so a transport can
// translate it directly into the JSON-RPC reply shapes from §6.
type Result struct {
	Decision  string // "allow", "deny", "needs_approval"
	Reason    string
	RuleName  string
	PendingID string
	AuditID   string
}

// BundleResolver selects the compiled bundle active for a tenant. Satisfied
// by *policybundle.Store; narrowed to an interface so the pipeline can be
// exercised against a fixed bundle in tests without a bundle directory.
type BundleResolver interface {
	Resolve(tenant string) (*policy.CompiledBundle, string, error)
}

// Pipeline holds references to every component Decide orchestrates.
// Nothing here owns state beyond what its component already owns.
type Pipeline struct {
	Identity    *identity.Verifier
	RateLimiter *ratelimit.Limiter
	Bundles     BundleResolver
	Evaluator   *policy.Evaluator
	Budgets     *budget.Ledger
	Approvals   *approval.Store
	Audit       *audit.Chain
	Tenants     *tenant.Registry

	// ApprovalTTL seeds PendingApproval.TTLSeconds when a rule doesn't
	// say otherwise (rules in this bundle format don't carry a TTL
	// override, so this is always the value in effect).
	ApprovalTTL time.Duration
	// SyncWait is the bounded synchronous wait window W from spec.md
	// §4.5 step 5's approval branch. W = 0 skips the wait entirely.
	SyncWait time.Duration
}

// auditChainID scopes the hash chain per tenant: each tenant's audit
// trail is independently verifiable and independently exportable.
func auditChainID(tenant string) string { return "tenant:" + tenant }

// Decide runs the full pipeline for one ToolCall, given the caller's raw
// bearer token in rawToken, which Decide verifies first. The caller (transport) is
// responsible for mapping the returned error's Kind to its own reply
// format via gatewayerr.
func (p *Pipeline) Decide(ctx context.Context, rawToken string, tc policy.ToolCall) (Result, error) {
	id, err := p.Identity.Verify(ctx, rawToken)
	if err != nil {
		return Result{}, gatewayerr.Wrap(gatewayerr.Unauthorized, "invalid bearer token", err)
	}
	tc.Tenant = id.Tenant
	tc.Subject = id.Subject

	settings := p.Tenants.Get(tc.Tenant)
	if settings.CapacityQPS > 0 {
		admitted, err := p.RateLimiter.Admit(ctx, tc.Tenant, settings.CapacityQPS)
		if err != nil {
			return Result{}, p.failClosed(ctx, tc, "", "rate_limited", gatewayerr.StoreUnavailableAsDeny(err))
		}
		if !admitted {
			p.auditEvent(ctx, tc, "", "rate_limited", "", "")
			return Result{}, gatewayerr.New(gatewayerr.RateLimited, "rate limit exceeded")
		}
	}

	bundle, version, err := p.Bundles.Resolve(tc.Tenant)
	if err != nil {
		return Result{}, p.failClosed(ctx, tc, "", "deny", gatewayerr.Wrap(gatewayerr.PolicyInvalid, "no policy bundle available", err))
	}

	decision := p.Evaluator.Evaluate(bundle, tc)

	switch decision.Decision {
	case policy.Allow:
		return p.branchAllow(ctx, tc, decision, version)
	case policy.Approval:
		return p.branchApproval(ctx, tc, decision, version)
	default:
		auditID, _ := p.auditEvent(ctx, tc, version, "deny", decision.RuleName, decision.Reason)
		return Result{Decision: "deny", Reason: decision.Reason, RuleName: decision.RuleName, AuditID: auditID},
			gatewayerr.New(gatewayerr.PolicyDenied, decision.Reason)
	}
}

// branchAllow debits the declared cost, if any, before confirming the
// allow. A tool call carries its own estimated_cost_usd/budget_name in
// Arguments (cloud.estimate's output feeds cloud.ops's arguments this
// way); a call with neither never touches the budget ledger.
func (p *Pipeline) branchAllow(ctx context.Context, tc policy.ToolCall, decision policy.Decision, version string) (Result, error) {
	cost, budgetName, declared := declaredCost(tc.Arguments)
	if !declared {
		auditID, _ := p.auditEvent(ctx, tc, version, "allow", decision.RuleName, "")
		return Result{Decision: "allow", RuleName: decision.RuleName, AuditID: auditID}, nil
	}

	spec, ok := p.Tenants.Budget(tc.Tenant, budgetName)
	if !ok {
		auditID, _ := p.auditEvent(ctx, tc, version, "allow", decision.RuleName, "")
		return Result{Decision: "allow", RuleName: decision.RuleName, AuditID: auditID}, nil
	}

	periodKey := budget.PeriodKey(budget.Period(spec.Period), time.Now())
	if err := p.Budgets.Debit(ctx, tc.Tenant, budgetName, periodKey, cost, spec.LimitUSD); err != nil {
		auditID, _ := p.auditEvent(ctx, tc, version, "budget_exceeded", decision.RuleName, budgetName)
		return Result{Decision: "deny", RuleName: decision.RuleName, AuditID: auditID},
			gatewayerr.Wrap(gatewayerr.BudgetExceeded, fmt.Sprintf("budget %q exceeded", budgetName), err)
	}

	auditID, err := p.auditEvent(ctx, tc, version, "allow", decision.RuleName, "")
	if err != nil {
		// Audit is best-effort-never-dropped: a failed audit write fails
		// the request closed and refunds the debit it can no longer record.
		_ = p.Budgets.Refund(ctx, tc.Tenant, budgetName, periodKey, cost)
		return Result{}, gatewayerr.StoreUnavailableAsDeny(err)
	}
	return Result{Decision: "allow", RuleName: decision.RuleName, AuditID: auditID}, nil
}

// branchApproval creates a PendingApproval and optionally waits
// synchronously for its resolution, per spec.md §4.4/§4.5.
func (p *Pipeline) branchApproval(ctx context.Context, tc policy.ToolCall, decision policy.Decision, version string) (Result, error) {
	ttlSeconds := int64(p.ApprovalTTL / time.Second)
	if ttlSeconds <= 0 {
		ttlSeconds = 900
	}
	required := decision.RequiredApprovals
	if required <= 0 {
		required = 1
	}

	record, err := p.Approvals.Create(ctx, approval.Record{
		PendingID:         approval.NewPendingID(),
		Tenant:            tc.Tenant,
		RequestID:         tc.RequestID,
		RuleName:          decision.RuleName,
		ActionSummary:     map[string]any{"tool": tc.Tool, "arguments": tc.Arguments},
		RequiredApprovals: required,
		ApproverGroup:     decision.ApproverGroup,
		TTLSeconds:        ttlSeconds,
	})
	if err != nil {
		return Result{}, gatewayerr.StoreUnavailableAsDeny(err)
	}

	if _, err := p.auditEvent(ctx, tc, version, "approval_requested", decision.RuleName, record.PendingID); err != nil {
		return Result{}, gatewayerr.StoreUnavailableAsDeny(err)
	}

	if p.SyncWait > 0 {
		status, err := p.Approvals.WaitForResolution(ctx, record.PendingID, p.SyncWait)
		if err == nil {
			switch status {
			case approval.Allow:
				return p.branchAllow(ctx, tc, decision, version)
			case approval.Deny:
				auditID, _ := p.auditEvent(ctx, tc, version, "deny", decision.RuleName, "approval_denied")
				return Result{Decision: "deny", RuleName: decision.RuleName, AuditID: auditID},
					gatewayerr.New(gatewayerr.PolicyDenied, "approval denied")
			}
		}
	}

	return Result{Decision: "needs_approval", RuleName: decision.RuleName, PendingID: record.PendingID},
		gatewayerr.New(gatewayerr.NeedsApproval, "awaiting approval").WithDetails(map[string]any{"pending_id": record.PendingID})
}

// failClosed records a deny audit entry and wraps cause, used for the
// store_unavailable-as-deny conversion at every suspension point.
func (p *Pipeline) failClosed(ctx context.Context, tc policy.ToolCall, version, event string, cause *gatewayerr.Error) error {
	p.auditEvent(ctx, tc, version, event, "", cause.Reason)
	return cause
}

func (p *Pipeline) auditEvent(ctx context.Context, tc policy.ToolCall, version, event, ruleName, reason string) (string, error) {
	details := map[string]any{"tool": tc.Tool}
	if version != "" {
		details["bundle_version"] = version
	}
	entry, err := p.Audit.Append(auditChainID(tc.Tenant), audit.Entry{
		ID:        "aud_" + ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		Tenant:    tc.Tenant,
		RequestID: tc.RequestID,
		Event:     event,
		RuleName:  ruleName,
		Reason:    reason,
		Details:   details,
	})
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// declaredCost extracts estimated_cost_usd/budget_name from a tool
// call's arguments, defaulting the budget name to "default" when a cost
// is declared without naming one.
func declaredCost(args map[string]interface{}) (cost float64, budgetName string, ok bool) {
	raw, present := args["estimated_cost_usd"]
	if !present {
		return 0, "", false
	}
	switch v := raw.(type) {
	case float64:
		cost = v
	case int:
		cost = float64(v)
	default:
		return 0, "", false
	}
	budgetName = "default"
	if name, ok := args["budget_name"].(string); ok && name != "" {
		budgetName = name
	}
	return cost, budgetName, true
}
