package transport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/budget"
	"github.com/toolgate/toolgate/internal/coordinator"
	"github.com/toolgate/toolgate/internal/identity"
	"github.com/toolgate/toolgate/internal/pipeline"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/ratelimit"
	"github.com/toolgate/toolgate/internal/tenant"
)

type fixedResolver struct {
	bundle  *policy.CompiledBundle
	version string
}

func (f fixedResolver) Resolve(string) (*policy.CompiledBundle, string, error) {
	return f.bundle, f.version, nil
}

func newTestHandler(t *testing.T, rules []policy.RuleSource, defaultDecision string) (*Handler, string) {
	t.Helper()
	bundle, err := policy.CompileBundle("v1", defaultDecision, rules)
	if err != nil {
		t.Fatalf("CompileBundle: %v", err)
	}

	coord := coordinator.NewMemoryStore()
	secret := "test-secret"
	verifier := identity.NewDevVerifier("test-issuer", secret)
	token, err := identity.IssueDevToken(secret, "test-issuer", "alice", "acme", []identity.Role{identity.RoleViewer}, time.Hour)
	if err != nil {
		t.Fatalf("IssueDevToken: %v", err)
	}

	p := &pipeline.Pipeline{
		Identity:    verifier,
		RateLimiter: ratelimit.NewLimiter(coord),
		Bundles:     fixedResolver{bundle: bundle, version: "v1"},
		Evaluator:   policy.NewEvaluator(),
		Budgets:     budget.NewLedger(coord),
		Approvals:   approval.NewStore(coord, nil),
		Audit:       audit.NewChain(audit.NewMemoryAppender()),
		Tenants:     tenant.NewRegistry(),
		ApprovalTTL: 15 * time.Minute,
	}
	return NewHandler(p, slog.Default()), token
}

func postRPC(t *testing.T, mux http.Handler, token string, req rpcRequest) rpcResponse {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	httpReq.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httpReq)

	var resp rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v, body=%s", err, rec.Body.String())
	}
	return resp
}

func TestServeHTTP_Initialize(t *testing.T) {
	h, token := newTestHandler(t, nil, "deny")
	mux := NewMux(h)

	resp := postRPC(t, mux, token, rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestServeHTTP_ToolsList(t *testing.T) {
	h, token := newTestHandler(t, nil, "deny")
	mux := NewMux(h)

	resp := postRPC(t, mux, token, rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "tools/list"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	m, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result shape: %#v", resp.Result)
	}
	tools, ok := m["tools"].([]interface{})
	if !ok || len(tools) == 0 {
		t.Fatalf("expected non-empty tools list, got %#v", m["tools"])
	}
}

func TestServeHTTP_ToolsCallAllow(t *testing.T) {
	rules := []policy.RuleSource{{Name: "allow-http", Match: "net.http", Action: "allow"}}
	h, token := newTestHandler(t, rules, "deny")
	mux := NewMux(h)

	params, _ := json.Marshal(toolCallParams{Name: "net.http", Arguments: map[string]interface{}{}})
	resp := postRPC(t, mux, token, rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`3`), Method: "tools/call", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Result)
	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.IsError || result.Decision != "allow" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestServeHTTP_ToolsCallDenyByDefault(t *testing.T) {
	h, token := newTestHandler(t, nil, "deny")
	mux := NewMux(h)

	params, _ := json.Marshal(toolCallParams{Name: "fs.write", Arguments: map[string]interface{}{}})
	resp := postRPC(t, mux, token, rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`4`), Method: "tools/call", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected protocol error: %+v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Result)
	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.IsError || len(result.Content) == 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestServeHTTP_ToolsCallNeedsApproval(t *testing.T) {
	rules := []policy.RuleSource{{Name: "needs-approval", Match: "mail.send", Action: "approval", RequiredApprovals: 1}}
	h, token := newTestHandler(t, rules, "deny")
	mux := NewMux(h)

	params, _ := json.Marshal(toolCallParams{Name: "mail.send", Arguments: map[string]interface{}{}})
	resp := postRPC(t, mux, token, rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`5`), Method: "tools/call", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected protocol error: %+v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Result)
	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Decision != "approval" || result.PendingID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestServeHTTP_UnknownMethod(t *testing.T) {
	h, token := newTestHandler(t, nil, "deny")
	mux := NewMux(h)

	resp := postRPC(t, mux, token, rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`6`), Method: "bogus/method"})
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestServeHTTP_InvalidAuthToken(t *testing.T) {
	h, _ := newTestHandler(t, nil, "deny")
	mux := NewMux(h)

	params, _ := json.Marshal(toolCallParams{Name: "net.http", Arguments: map[string]interface{}{}})
	resp := postRPC(t, mux, "not-a-real-token", rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`7`), Method: "tools/call", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected protocol error: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected isError result for invalid token, got %+v", result)
	}
}
