package policy

// Evaluator runs a ToolCall against a CompiledBundle. Evaluation is a pure,
// non-blocking function: no I/O, no locks, safe for concurrent use across
// goroutines sharing the same bundle snapshot.
type Evaluator struct{}

// NewEvaluator constructs an Evaluator. It holds no state; the bundle is
// passed explicitly to Evaluate so callers can evaluate against a
// tenant-resolved snapshot without any shared mutable state.
func NewEvaluator() *Evaluator { return &Evaluator{} }

// Evaluate implements §4.2: first rule whose match and where both hold
// wins, ties broken by file order (exact-match rules before glob rules,
// per the documented Open Question resolution). If no rule matches, the
// bundle's fail-closed default applies. A trace entry is recorded for
// every rule attempted up to and including the match.
func (e *Evaluator) Evaluate(bundle *CompiledBundle, tc ToolCall) Decision {
	candidates := bundle.rulesForTool(tc.Tool)

	var trace []RuleTrace
	for _, rule := range candidates {
		matched, explain := rule.evaluateWhere(tc)
		trace = append(trace, RuleTrace{Rule: rule.Name, Matched: matched, Explain: explain})
		if matched {
			return Decision{
				Decision:          rule.Action,
				RuleName:          rule.Name,
				Reason:            rule.Reason,
				RequiredApprovals: rule.RequiredApprovals,
				ApproverGroup:     rule.ApproverGroup,
				Trace:             trace,
			}
		}
	}

	return Decision{
		Decision: bundle.DefaultDecision,
		Reason:   "no rule matched; fail-closed default",
		Trace:    trace,
	}
}
