package policy

import "fmt"

// CompiledBundle is an ordered set of compiled rules plus a fail-closed
// default. Bundles are immutable once built; a new version replaces the
// active pointer atomically (see internal/policybundle).
type CompiledBundle struct {
	Version         string
	DefaultDecision string
	exact           map[string][]CompiledRule
	globs           []CompiledRule // preserves file order
	order           []string       // tool names in first-seen file order, for exact lookups
}

// CompileBundle compiles an ordered list of rule sources into a
// CompiledBundle, preserving file order for first-match semantics and
// separating exact-match rules (keyed by tool name) from glob rules
// (consulted only after an exact-name miss).
func CompileBundle(version string, defaultDecision string, rules []RuleSource) (*CompiledBundle, error) {
	switch defaultDecision {
	case Allow, Deny, Approval:
	case "":
		defaultDecision = Deny
	default:
		return nil, fmt.Errorf("invalid defaults.decision %q", defaultDecision)
	}

	cb := &CompiledBundle{
		Version:         version,
		DefaultDecision: defaultDecision,
		exact:           make(map[string][]CompiledRule),
	}

	for _, src := range rules {
		cr, err := CompileRule(src)
		if err != nil {
			return nil, err
		}
		if cr.IsGlob() {
			cb.globs = append(cb.globs, cr)
			continue
		}
		if _, ok := cb.exact[cr.matchExact]; !ok {
			cb.order = append(cb.order, cr.matchExact)
		}
		cb.exact[cr.matchExact] = append(cb.exact[cr.matchExact], cr)
	}

	return cb, nil
}

// RuleCount returns the total number of compiled rules in the bundle,
// exact-match and glob combined. Used for startup/reload logging.
func (cb *CompiledBundle) RuleCount() int {
	n := len(cb.globs)
	for _, rs := range cb.exact {
		n += len(rs)
	}
	return n
}

// rulesForTool returns candidate rules for a tool name in file order: all
// exact-match rules for that name first, then all glob rules in file
// order. Exact-before-glob is the documented precedence (Open Question).
func (cb *CompiledBundle) rulesForTool(tool string) []CompiledRule {
	var candidates []CompiledRule
	candidates = append(candidates, cb.exact[tool]...)
	for _, g := range cb.globs {
		if g.MatchesTool(tool) {
			candidates = append(candidates, g)
		}
	}
	return candidates
}
