package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
)

// predicateKind enumerates the closed DSL from the where clause. Any key
// outside this set is rejected at bundle load time, never at evaluation
// time.
type predicateKind string

const (
	kindHostIn       predicateKind = "host_in"
	kindHostNotIn    predicateKind = "host_not_in"
	kindMethod       predicateKind = "method"
	kindBodyBytesOver predicateKind = "body_bytes_over"
	kindPathUnder    predicateKind = "path_under"
	kindPathNotUnder predicateKind = "path_not_under"
	kindCostOver     predicateKind = "estimated_cost_usd_over"
	kindProvider     predicateKind = "provider"
	kindResource     predicateKind = "resource"
	kindAction       predicateKind = "action"
)

// env is the single shared CEL environment every predicate compiles
// against. Declared once; reused by every CompiledPredicate's program.
var env = mustNewPredicateEnv()

func mustNewPredicateEnv() *cel.Env {
	e, err := cel.NewEnv(
		cel.Variable("arg.url_host", cel.StringType),
		cel.Variable("arg.method", cel.StringType),
		cel.Variable("arg.body_bytes", cel.IntType),
		cel.Variable("arg.path", cel.StringType),
		cel.Variable("arg.estimated_cost_usd", cel.DoubleType),
		cel.Variable("arg.provider", cel.StringType),
		cel.Variable("arg.resource", cel.StringType),
		cel.Variable("arg.action", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("policy: failed to build predicate CEL environment: %v", err))
	}
	return e
}

// CompiledPredicate wraps a single tagged-variant predicate: a pre-compiled
// CEL program for its boolean test plus the payload needed to render a
// human-readable explain message. Compiled once at bundle load time;
// evaluation is lock-free.
type CompiledPredicate struct {
	kind    predicateKind
	program cel.Program
	describe func(vars map[string]interface{}, ok bool) string
}

// CompilePredicate compiles one where-clause key/value pair. An unrecognized
// key returns an error the caller should treat as PolicyInvalid.
func CompilePredicate(key string, value interface{}) (CompiledPredicate, error) {
	switch predicateKind(key) {
	case kindHostIn:
		hosts, err := toStringSlice(value)
		if err != nil {
			return CompiledPredicate{}, fmt.Errorf("host_in: %w", err)
		}
		return compileSimple(kindHostIn, celInExpr("arg.url_host", hosts), func(vars map[string]interface{}, ok bool) string {
			return fmt.Sprintf("host %q %s in %s", vars["arg.url_host"], verdict(ok, "allowed", "not allowed"), hosts)
		})
	case kindHostNotIn:
		hosts, err := toStringSlice(value)
		if err != nil {
			return CompiledPredicate{}, fmt.Errorf("host_not_in: %w", err)
		}
		return compileSimple(kindHostNotIn, "!("+celInExpr("arg.url_host", hosts)+")", func(vars map[string]interface{}, ok bool) string {
			return fmt.Sprintf("host %q %s excluded from %s", vars["arg.url_host"], verdict(ok, "is", "is not"), hosts)
		})
	case kindMethod:
		m, ok := value.(string)
		if !ok {
			return CompiledPredicate{}, fmt.Errorf("method: expected string, got %T", value)
		}
		return compileSimple(kindMethod, fmt.Sprintf("arg.method == %s", strconv.Quote(m)), func(vars map[string]interface{}, ok bool) string {
			return fmt.Sprintf("method %q %s %q", vars["arg.method"], verdict(ok, "equals", "does not equal"), m)
		})
	case kindBodyBytesOver:
		n, err := toInt(value)
		if err != nil {
			return CompiledPredicate{}, fmt.Errorf("body_bytes_over: %w", err)
		}
		return compileSimple(kindBodyBytesOver, fmt.Sprintf("arg.body_bytes > %d", n), func(vars map[string]interface{}, ok bool) string {
			return fmt.Sprintf("body_bytes %v %s %d", vars["arg.body_bytes"], verdict(ok, "is over", "is not over"), n)
		})
	case kindPathUnder:
		prefixes, err := toStringSlice(value)
		if err != nil {
			return CompiledPredicate{}, fmt.Errorf("path_under: %w", err)
		}
		return compileSimple(kindPathUnder, celPrefixExpr("arg.path", prefixes), func(vars map[string]interface{}, ok bool) string {
			return fmt.Sprintf("path %q %s under %s", vars["arg.path"], verdict(ok, "is", "is not"), prefixes)
		})
	case kindPathNotUnder:
		prefixes, err := toStringSlice(value)
		if err != nil {
			return CompiledPredicate{}, fmt.Errorf("path_not_under: %w", err)
		}
		return compileSimple(kindPathNotUnder, "!("+celPrefixExpr("arg.path", prefixes)+")", func(vars map[string]interface{}, ok bool) string {
			return fmt.Sprintf("path %q %s excluded from %s", vars["arg.path"], verdict(ok, "is", "is not"), prefixes)
		})
	case kindCostOver:
		f, err := toFloat(value)
		if err != nil {
			return CompiledPredicate{}, fmt.Errorf("estimated_cost_usd_over: %w", err)
		}
		return compileSimple(kindCostOver, fmt.Sprintf("arg.estimated_cost_usd > %s", strconv.FormatFloat(f, 'f', -1, 64)), func(vars map[string]interface{}, ok bool) string {
			return fmt.Sprintf("estimated_cost_usd %v %s %v", vars["arg.estimated_cost_usd"], verdict(ok, "is over", "is not over"), f)
		})
	case kindProvider:
		s, ok := value.(string)
		if !ok {
			return CompiledPredicate{}, fmt.Errorf("provider: expected string, got %T", value)
		}
		return compileSimple(kindProvider, fmt.Sprintf("arg.provider == %s", strconv.Quote(s)), func(vars map[string]interface{}, ok bool) string {
			return fmt.Sprintf("provider %q %s %q", vars["arg.provider"], verdict(ok, "equals", "does not equal"), s)
		})
	case kindResource:
		s, ok := value.(string)
		if !ok {
			return CompiledPredicate{}, fmt.Errorf("resource: expected string, got %T", value)
		}
		return compileSimple(kindResource, fmt.Sprintf("arg.resource == %s", strconv.Quote(s)), func(vars map[string]interface{}, ok bool) string {
			return fmt.Sprintf("resource %q %s %q", vars["arg.resource"], verdict(ok, "equals", "does not equal"), s)
		})
	case kindAction:
		s, ok := value.(string)
		if !ok {
			return CompiledPredicate{}, fmt.Errorf("action: expected string, got %T", value)
		}
		return compileSimple(kindAction, fmt.Sprintf("arg.action == %s", strconv.Quote(s)), func(vars map[string]interface{}, ok bool) string {
			return fmt.Sprintf("action %q %s %q", vars["arg.action"], verdict(ok, "equals", "does not equal"), s)
		})
	default:
		return CompiledPredicate{}, fmt.Errorf("unknown predicate %q", key)
	}
}

func compileSimple(kind predicateKind, expr string, describe func(map[string]interface{}, bool) string) (CompiledPredicate, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledPredicate{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return CompiledPredicate{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}
	return CompiledPredicate{kind: kind, program: prg, describe: describe}, nil
}

// Evaluate runs the predicate's compiled CEL program against the argument
// variables derived from a ToolCall. Malformed arguments never panic the
// evaluator; they surface as a failed predicate with an explanatory message.
func (p CompiledPredicate) Evaluate(vars map[string]interface{}) PredicateExplain {
	out, _, err := p.program.Eval(vars)
	if err != nil {
		return PredicateExplain{OK: false, Msg: fmt.Sprintf("%s: malformed arguments (%v)", p.kind, err)}
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return PredicateExplain{OK: false, Msg: fmt.Sprintf("%s: predicate did not evaluate to bool", p.kind)}
	}
	return PredicateExplain{OK: ok, Msg: p.describe(vars, ok)}
}

// argVars builds the CEL variable map for a ToolCall's arguments. Missing
// or wrong-typed fields degrade to zero values rather than erroring — a
// predicate simply won't match, it never crashes the evaluator.
func argVars(args map[string]interface{}) map[string]interface{} {
	vars := map[string]interface{}{
		"arg.url_host":          "",
		"arg.method":            "",
		"arg.body_bytes":        int64(0),
		"arg.path":              "",
		"arg.estimated_cost_usd": float64(0),
		"arg.provider":          "",
		"arg.resource":          "",
		"arg.action":            "",
	}
	if args == nil {
		return vars
	}
	if url, ok := args["url"].(string); ok {
		vars["arg.url_host"] = hostOf(url)
	}
	if m, ok := args["method"].(string); ok {
		vars["arg.method"] = m
	}
	switch b := args["body"].(type) {
	case string:
		vars["arg.body_bytes"] = int64(len(b))
	case []byte:
		vars["arg.body_bytes"] = int64(len(b))
	}
	if bb, ok := args["body_bytes"]; ok {
		if n, err := toInt(bb); err == nil {
			vars["arg.body_bytes"] = n
		}
	}
	if p, ok := args["path"].(string); ok {
		vars["arg.path"] = p
	}
	if c, ok := args["estimated_cost_usd"]; ok {
		if f, err := toFloat(c); err == nil {
			vars["arg.estimated_cost_usd"] = f
		}
	}
	if p, ok := args["provider"].(string); ok {
		vars["arg.provider"] = p
	}
	if r, ok := args["resource"].(string); ok {
		vars["arg.resource"] = r
	}
	if a, ok := args["action"].(string); ok {
		vars["arg.action"] = a
	}
	return vars
}

func hostOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s, "]") {
		s = s[:i]
	}
	return s
}

func celInExpr(varName string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return fmt.Sprintf("%s in [%s]", varName, strings.Join(quoted, ", "))
}

func celPrefixExpr(varName string, prefixes []string) string {
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = fmt.Sprintf("%s.startsWith(%s)", varName, strconv.Quote(p))
	}
	return strings.Join(parts, " || ")
}

func verdict(ok bool, t, f string) string {
	if ok {
		return t
	}
	return f
}

func toStringSlice(v interface{}) ([]string, error) {
	raw, ok := v.([]interface{})
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss, nil
		}
		return nil, fmt.Errorf("expected a list of strings, got %T", v)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string list element, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

func toInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
