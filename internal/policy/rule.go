package policy

import (
	"fmt"

	"github.com/gobwas/glob"
)

// RuleSource is a rule as it appears in bundle YAML, before compilation.
type RuleSource struct {
	Name              string                 `yaml:"name"`
	Match             string                 `yaml:"match"`
	Where             map[string]interface{} `yaml:"where"`
	Action            string                 `yaml:"action"`
	Reason            string                 `yaml:"reason"`
	RequiredApprovals int                    `yaml:"required_approvals"`
	ApproverGroup     string                 `yaml:"approver_group"`
}

// CompiledRule is a RuleSource with its match pattern and predicates
// pre-compiled. Immutable once built.
type CompiledRule struct {
	Name              string
	matchExact        string
	matchGlob         glob.Glob
	isGlob            bool
	predicates        []namedPredicate
	Action            string
	Reason            string
	RequiredApprovals int
	ApproverGroup     string
}

type namedPredicate struct {
	key string
	p   CompiledPredicate
}

// looksLikeGlob reports whether a match pattern contains glob metacharacters.
// Exact-match tool names (the common case) never pay the glob-compile cost.
func looksLikeGlob(pattern string) bool {
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', ']', '{', '}':
			return true
		}
	}
	return false
}

// CompileRule compiles one RuleSource into a CompiledRule. It rejects
// unknown where-clause keys and unparsable match globs at this point,
// never at evaluation time, per the closed predicate DSL design.
func CompileRule(src RuleSource) (CompiledRule, error) {
	if src.Name == "" {
		return CompiledRule{}, fmt.Errorf("rule missing name")
	}
	if src.Match == "" {
		return CompiledRule{}, fmt.Errorf("rule %q missing match", src.Name)
	}
	switch src.Action {
	case Allow, Deny, Approval:
	default:
		return CompiledRule{}, fmt.Errorf("rule %q has invalid action %q", src.Name, src.Action)
	}

	cr := CompiledRule{
		Name:              src.Name,
		Action:            src.Action,
		Reason:            src.Reason,
		RequiredApprovals: src.RequiredApprovals,
		ApproverGroup:     src.ApproverGroup,
	}
	if cr.RequiredApprovals <= 0 {
		cr.RequiredApprovals = 1
	}

	if looksLikeGlob(src.Match) {
		g, err := glob.Compile(src.Match)
		if err != nil {
			return CompiledRule{}, fmt.Errorf("rule %q: invalid glob match %q: %w", src.Name, src.Match, err)
		}
		cr.isGlob = true
		cr.matchGlob = g
	} else {
		cr.matchExact = src.Match
	}

	// Deterministic predicate ordering: sort-free, iterate keys in a fixed
	// priority order so trace output is stable across runs.
	for _, k := range orderedWhereKeys(src.Where) {
		p, err := CompilePredicate(k, src.Where[k])
		if err != nil {
			return CompiledRule{}, fmt.Errorf("rule %q: %w", src.Name, err)
		}
		cr.predicates = append(cr.predicates, namedPredicate{key: k, p: p})
	}

	return cr, nil
}

var wherePriority = []string{
	"host_in", "host_not_in", "method", "body_bytes_over",
	"path_under", "path_not_under", "estimated_cost_usd_over",
	"provider", "resource", "action",
}

func orderedWhereKeys(where map[string]interface{}) []string {
	if len(where) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(where))
	ordered := make([]string, 0, len(where))
	for _, k := range wherePriority {
		if _, ok := where[k]; ok {
			ordered = append(ordered, k)
			seen[k] = true
		}
	}
	for k := range where {
		if !seen[k] {
			ordered = append(ordered, k)
		}
	}
	return ordered
}

// MatchesTool reports whether this rule's match pattern matches the tool
// name. Exact matches are checked by the caller before any glob rule is
// consulted (Open Question: exact before glob).
func (r CompiledRule) MatchesTool(tool string) bool {
	if r.isGlob {
		return r.matchGlob.Match(tool)
	}
	return r.matchExact == tool
}

// IsGlob reports whether this rule uses glob matching rather than exact.
func (r CompiledRule) IsGlob() bool { return r.isGlob }

// evaluateWhere ANDs all predicates in this rule's where clause, returning
// the overall match result and the per-predicate explain trace.
func (r CompiledRule) evaluateWhere(tc ToolCall) (bool, []PredicateExplain) {
	if len(r.predicates) == 0 {
		return true, nil
	}
	vars := argVars(tc.Arguments)
	explain := make([]PredicateExplain, 0, len(r.predicates))
	matched := true
	for _, np := range r.predicates {
		e := np.p.Evaluate(vars)
		explain = append(explain, e)
		if !e.OK {
			matched = false
		}
	}
	return matched, explain
}
