package admin

import (
	"reflect"

	"github.com/toolgate/toolgate/internal/policy"
)

// RuleChange categorizes one named rule's change between two bundles.
type RuleChange struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"` // "added", "removed", "tightened", "loosened", "changed"
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// BundleDiff is the structural diff result for /v1/policy/diff.
type BundleDiff struct {
	Changes []RuleChange `json:"changes"`
	Summary string       `json:"summary"`
}

// severity ranks actions from least to most restrictive, so a diff can
// tell a tightened rule (moved toward deny) from a loosened one.
func severity(action string) int {
	switch action {
	case policy.Allow:
		return 0
	case policy.Approval:
		return 1
	case policy.Deny:
		return 2
	default:
		return -1
	}
}

// Diff computes a structural diff between two rule sets, matching rules
// by name and categorizing each change as added/removed/tightened/
// loosened/changed. "Tightened" is an action moving toward deny or a
// predicate set gaining constraints under an unchanged action;
// "loosened" is the reverse.
func Diff(before, after []policy.RuleSource) BundleDiff {
	beforeByName := make(map[string]policy.RuleSource, len(before))
	for _, r := range before {
		beforeByName[r.Name] = r
	}
	afterByName := make(map[string]policy.RuleSource, len(after))
	for _, r := range after {
		afterByName[r.Name] = r
	}

	var changes []RuleChange
	for name, a := range afterByName {
		b, existed := beforeByName[name]
		if !existed {
			changes = append(changes, RuleChange{Name: name, Kind: "added", After: a.Action})
			continue
		}
		if reflect.DeepEqual(a, b) {
			continue
		}
		changes = append(changes, RuleChange{Name: name, Kind: classify(b, a), Before: b.Action, After: a.Action})
	}
	for name, b := range beforeByName {
		if _, stillPresent := afterByName[name]; !stillPresent {
			changes = append(changes, RuleChange{Name: name, Kind: "removed", Before: b.Action})
		}
	}

	return BundleDiff{Changes: changes, Summary: summarize(changes)}
}

func classify(before, after policy.RuleSource) string {
	bSev, aSev := severity(before.Action), severity(after.Action)
	if aSev > bSev {
		return "tightened"
	}
	if aSev < bSev {
		return "loosened"
	}
	// Same action: a predicate set gaining constraints tightens the rule
	// (fewer calls match, i.e. more calls fall through to the next rule
	// or default, which is exactly as restrictive or more so for deny
	// and exactly as restrictive or less so for allow — scope narrowing
	// is reported as tightened either way, matching the spec's framing
	// of "gained constraints").
	if len(after.Where) > len(before.Where) {
		return "tightened"
	}
	if len(after.Where) < len(before.Where) {
		return "loosened"
	}
	return "changed"
}

func summarize(changes []RuleChange) string {
	var added, removed, tightened, loosened int
	for _, c := range changes {
		switch c.Kind {
		case "added":
			added++
		case "removed":
			removed++
		case "tightened":
			tightened++
		case "loosened":
			loosened++
		}
	}
	if tightened > 0 && loosened == 0 {
		return "net tightening"
	}
	if loosened > 0 && tightened == 0 {
		return "net loosening"
	}
	if added == 0 && removed == 0 && tightened == 0 && loosened == 0 {
		return "no material change"
	}
	return "mixed changes"
}
