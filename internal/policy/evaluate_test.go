package policy

import "testing"

func mustBundle(t *testing.T, version, def string, rules []RuleSource) *CompiledBundle {
	t.Helper()
	b, err := CompileBundle(version, def, rules)
	if err != nil {
		t.Fatalf("CompileBundle failed: %v", err)
	}
	return b
}

// S1 — Allow intranet HTTP.
func TestEvaluate_AllowIntranetHTTP(t *testing.T) {
	bundle := mustBundle(t, "v1", Deny, []RuleSource{
		{
			Name:   "Allow intranet HTTP",
			Match:  "net.http",
			Where:  map[string]interface{}{"host_in": []interface{}{"intranet.api"}},
			Action: Allow,
		},
	})

	d := NewEvaluator().Evaluate(bundle, ToolCall{
		Tool:      "net.http",
		Arguments: map[string]interface{}{"method": "GET", "url": "https://intranet.api/status"},
	})

	if d.Decision != Allow {
		t.Fatalf("expected allow, got %s", d.Decision)
	}
	if d.RuleName != "Allow intranet HTTP" {
		t.Fatalf("expected matching rule name, got %q", d.RuleName)
	}
	if len(d.Trace) != 1 || !d.Trace[0].Matched {
		t.Fatalf("expected one matched trace entry, got %+v", d.Trace)
	}
	found := false
	for _, e := range d.Trace[0].Explain {
		if e.OK && e.Msg == `host "intranet.api" allowed in [intranet.api]` {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an allowed-host explain entry, got %+v", d.Trace[0].Explain)
	}
}

// Invariant 1 — fail-closed default.
func TestEvaluate_FailClosedDefault(t *testing.T) {
	bundle := mustBundle(t, "v1", Deny, nil)
	d := NewEvaluator().Evaluate(bundle, ToolCall{Tool: "fs.write", Arguments: map[string]interface{}{}})
	if d.Decision != Deny {
		t.Fatalf("expected deny default, got %s", d.Decision)
	}
}

// Invariant 2 — first match wins, by file order.
func TestEvaluate_FirstMatchWins(t *testing.T) {
	bundle := mustBundle(t, "v1", Deny, []RuleSource{
		{Name: "first", Match: "net.http", Action: Allow},
		{Name: "second", Match: "net.http", Action: Deny},
	})
	d := NewEvaluator().Evaluate(bundle, ToolCall{Tool: "net.http", Arguments: map[string]interface{}{}})
	if d.RuleName != "first" || d.Decision != Allow {
		t.Fatalf("expected first rule to win, got %+v", d)
	}
}

func TestEvaluate_ExactBeforeGlob(t *testing.T) {
	bundle := mustBundle(t, "v1", Deny, []RuleSource{
		{Name: "glob-rule", Match: "fs.*", Action: Deny},
		{Name: "exact-rule", Match: "fs.read", Action: Allow},
	})
	d := NewEvaluator().Evaluate(bundle, ToolCall{Tool: "fs.read", Arguments: map[string]interface{}{}})
	if d.RuleName != "exact-rule" {
		t.Fatalf("expected exact match to take precedence over glob, got %q", d.RuleName)
	}
}

func TestEvaluate_PathNotUnderApproval(t *testing.T) {
	bundle := mustBundle(t, "v1", Deny, []RuleSource{
		{
			Name:              "Dual-control write outside jail",
			Match:             "fs.write",
			Where:             map[string]interface{}{"path_not_under": []interface{}{"/sandbox/tmp"}},
			Action:            Approval,
			RequiredApprovals: 2,
		},
	})
	d := NewEvaluator().Evaluate(bundle, ToolCall{
		Tool:      "fs.write",
		Arguments: map[string]interface{}{"path": "/etc/hosts"},
	})
	if d.Decision != Approval || d.RequiredApprovals != 2 {
		t.Fatalf("expected approval with N=2, got %+v", d)
	}
}

func TestCompileRule_RejectsUnknownPredicate(t *testing.T) {
	_, err := CompileBundle("v1", Deny, []RuleSource{
		{Name: "bad", Match: "net.http", Where: map[string]interface{}{"wildcard_bogus": "x"}, Action: Allow},
	})
	if err == nil {
		t.Fatal("expected error for unknown predicate key")
	}
}

func TestCompileRule_RejectsBadGlob(t *testing.T) {
	_, err := CompileBundle("v1", Deny, []RuleSource{
		{Name: "bad", Match: "fs.[", Action: Allow},
	})
	if err == nil {
		t.Fatal("expected error for invalid glob pattern")
	}
}

func TestEvaluate_MalformedArgumentsNeverCrash(t *testing.T) {
	bundle := mustBundle(t, "v1", Deny, []RuleSource{
		{
			Name:   "cost check",
			Match:  "cloud.ops",
			Where:  map[string]interface{}{"estimated_cost_usd_over": 10},
			Action: Approval,
		},
	})
	d := NewEvaluator().Evaluate(bundle, ToolCall{
		Tool:      "cloud.ops",
		Arguments: map[string]interface{}{"estimated_cost_usd": "not-a-number"},
	})
	if d.Decision != Deny {
		t.Fatalf("expected fail-closed default on malformed argument, got %s", d.Decision)
	}
}
