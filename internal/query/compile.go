package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
)

// notFoundKey marks an object thrown by a frame lookup that matched nothing.
const notFoundKey = "__pagewalkerNotFound"

// CountAction is the action used when none is set.
const CountAction = "function (elements) { return elements.length; }"

func (q Query) windowExpr() string {
	if q.context == "" {
		return "window"
	}
	return q.context
}

// nodesExpr renders an expression evaluating to the final working node set.
func (q Query) nodesExpr() (string, error) {
	steps := q.steps
	if len(steps) == 0 || steps[0].Kind != StepSelector {
		steps = append([]Step{{Kind: StepSelector, Selector: "*"}}, steps...)
	}

	var b strings.Builder
	b.WriteString("(function () {\n")
	fmt.Fprintf(&b, "  var __win = %s;\n", q.windowExpr())
	fmt.Fprintf(&b, "  var elements = Array.prototype.slice.call(__win.document.querySelectorAll(%s));\n", Quote(steps[0].Selector))

	for i, s := range steps[1:] {
		switch s.Kind {
		case StepSelector:
			fmt.Fprintf(&b, "  elements = [].concat.apply([], elements.map(function (node) { return node && node.querySelectorAll ? Array.prototype.slice.call(node.querySelectorAll(%s)) : []; }));\n", Quote(s.Selector))
		case StepFilter:
			fn, err := s.Filter.JS()
			if err != nil {
				return "", fmt.Errorf("step %d: %w", i+1, err)
			}
			fmt.Fprintf(&b, "  elements = elements.filter(function (node, index) { return (%s)(node, index); });\n", fn)
		case StepMapper:
			fmt.Fprintf(&b, "  elements = elements.map(function (node, index) { return (%s)(node, index); });\n", s.Mapper)
		default:
			return "", fmt.Errorf("step %d: unknown kind %d", i+1, s.Kind)
		}
	}
	// Nulls a trailing mapper produced are not matches.
	b.WriteString("  return elements.filter(function (node) { return node != null; });\n})()")
	return b.String(), nil
}

// contentWindowExpr renders an expression yielding the content window of the
// first node q matches. It throws the not-found marker when nothing matches.
func (q Query) contentWindowExpr() string {
	nodes, err := q.nodesExpr()
	if err != nil {
		return fmt.Sprintf("(function () { throw new Error(%s); })()", Quote(err.Error()))
	}
	return fmt.Sprintf(`(function () {
  var frames = %s;
  if (!frames.length || !frames[0]) { var nf = {}; nf[%s] = %s; throw nf; }
  var w = frames[0].contentWindow;
  if (!w) { throw new Error("matched element has no content window"); }
  return w;
})()`, nodes, Quote(notFoundKey), Quote(q.String()))
}

// Script compiles q into a self-contained expression that never throws. It
// evaluates to {ok, value}, {notFound} or {error}, possibly through a promise.
func (q Query) Script() (string, error) {
	nodes, err := q.nodesExpr()
	if err != nil {
		return "", err
	}
	action := q.action
	if action == "" {
		action = CountAction
	}
	return fmt.Sprintf(`(function () {
  function ok(v) { return { ok: true, value: v === undefined ? null : v }; }
  function fail(e) {
    if (e && e[%[1]s]) { return { notFound: true, query: String(e[%[1]s]) }; }
    return { error: String(e) };
  }
  try {
    var elements = %[2]s;
    if (elements.length === 0 && !%[3]t) { return { notFound: true }; }
    var value = (%[4]s)(elements);
    if (value && typeof value.then === "function") { return value.then(ok, fail); }
    return ok(value);
  } catch (e) {
    return fail(e);
  }
})()`, Quote(notFoundKey), nodes, q.allowEmpty, action), nil
}

// Decode maps the envelope a compiled script produced onto a value or a typed error.
func (q Query) Decode(raw any) (any, error) {
	env, ok := raw.(map[string]any)
	if !ok {
		return nil, &bridge.ScriptError{Message: fmt.Sprintf("unexpected query result %T", raw)}
	}
	if msg, isErr := env["error"]; isErr {
		return nil, &bridge.ScriptError{Message: fmt.Sprint(msg)}
	}
	if nf, _ := env["notFound"].(bool); nf {
		desc := q.String()
		if inner, ok := env["query"].(string); ok && inner != "" {
			desc = inner
		}
		return nil, &bridge.NotFoundError{Query: desc}
	}
	if okFlag, _ := env["ok"].(bool); okFlag {
		return env["value"], nil
	}
	return nil, &bridge.ScriptError{Message: "malformed query result"}
}

// AsInt converts a script number to int. Backends report numbers as int64 or float64.
func AsInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

// AsString converts a script value to string; null becomes "".
func AsString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// AsBool converts a script value to bool using JavaScript truthiness for the common cases.
func AsBool(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	case float64:
		return b != 0 && !math.IsNaN(b)
	case int64:
		return b != 0
	case int:
		return b != 0
	}
	return true
}
