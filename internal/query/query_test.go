package query

import (
	"context"
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
)

func TestQuote_RoundTripsThroughJS(t *testing.T) {
	vm := goja.New()
	inputs := []string{
		"",
		"plain",
		`say "hi"`,
		`back\slash`,
		"new\nline\ttab\r",
		"</script><script>alert(1)</script>",
		"line\u2028separator\u2029paragraph",
		"emoji 🎉 and 日本語",
		"${template} `tick`",
		"\x00\x1f control",
	}
	for _, in := range inputs {
		lit := Quote(in)
		assert.NotContains(t, lit, "\u2028")
		assert.NotContains(t, lit, "\u2029")

		v, err := vm.RunString(lit)
		require.NoError(t, err, "literal %s", lit)
		assert.Equal(t, in, v.String())
	}
}

func TestFind_Heuristic(t *testing.T) {
	cases := map[string]bool{
		"div > span":                          false,
		"input[type=button]":                  false,
		"(node, i) => node.id === 'x'":        true,
		"(n)=>true":                           true,
		"function (node) { return true; }":    true,
		"  function(node){ return false }":    true,
		"a[href$='=>']":                       false,
	}
	for arg, want := range cases {
		assert.Equal(t, want, IsPredicateSource(arg), arg)
	}

	q := New().Find("div").Find("(n) => true")
	steps := q.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, StepSelector, steps[0].Kind)
	assert.Equal(t, StepFilter, steps[1].Kind)
	assert.Equal(t, OpRaw, steps[1].Filter.Op)
}

func TestClone_Independence(t *testing.T) {
	base := New().Find("div")
	clone := base.Clone()

	// Growing the clone must not touch the original, and vice versa.
	a := clone.Find("span")
	b := base.Find("p")
	assert.Len(t, base.Steps(), 1)
	assert.Len(t, clone.Steps(), 1)
	assert.Equal(t, "span", a.Steps()[1].Selector)
	assert.Equal(t, "p", b.Steps()[1].Selector)

	// Siblings derived from the same parent never share backing storage.
	parent := New().Find("a").Find("b")
	x := parent.Find("x")
	y := parent.Find("y")
	assert.Equal(t, "x", x.Steps()[2].Selector)
	assert.Equal(t, "y", y.Steps()[2].Selector)

	// Mutating a returned step slice has no effect on the query.
	steps := base.Steps()
	steps[0].Selector = "mutated"
	assert.Equal(t, "div", base.Steps()[0].Selector)

	if diff := cmp.Diff(base.Steps(), base.Clone().Steps()); diff != "" {
		t.Errorf("clone differs from original (-want +got):\n%s", diff)
	}
}

func TestScript_ImplicitUniversalSelector(t *testing.T) {
	script, err := New().Filter(Index(0)).Script()
	require.NoError(t, err)
	assert.Contains(t, script, `querySelectorAll("*")`)
}

func TestScript_LiteralsAreQuoted(t *testing.T) {
	script, err := Select(`input[value="a\"b"]`).Filter(Equals(FieldValue, "x\"y")).Script()
	require.NoError(t, err)
	assert.Contains(t, script, Quote(`input[value="a\"b"]`))
	assert.Contains(t, script, Quote(`x"y`))

	// The script must at least parse.
	_, err = goja.Compile("q.js", script, false)
	require.NoError(t, err)
}

func TestScript_UnknownOpcode(t *testing.T) {
	_, err := Select("a").Filter(Expr{Op: "sparkle"}).Script()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown filter opcode")

	_, err = Select("a").Filter(Prop("hidden", true)).Script()
	assert.Error(t, err)
}

func TestInIframe_NestsContexts(t *testing.T) {
	outer := New().InIframe(Select("iframe#outer"))
	inner := outer.InIframe(Select("iframe#inner"))

	assert.Empty(t, inner.Steps())
	ctx := inner.Context()
	assert.True(t, strings.Index(ctx, Quote("iframe#outer")) < strings.Index(ctx, Quote("iframe#inner")),
		"the outer frame lookup runs before the inner one")
	assert.Equal(t, 2, strings.Count(ctx, "contentWindow"))

	script, err := inner.Find("input").Script()
	require.NoError(t, err)
	_, err = goja.Compile("frame.js", script, false)
	require.NoError(t, err)
}

func TestDecode(t *testing.T) {
	q := Select("div")

	v, err := q.Decode(map[string]any{"ok": true, "value": int64(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = q.Decode(map[string]any{"notFound": true})
	var nf *bridge.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "div", nf.Query)

	_, err = q.Decode(map[string]any{"notFound": true, "query": "[frame] iframe"})
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "[frame] iframe", nf.Query)

	_, err = q.Decode(map[string]any{"error": "TypeError: x is null"})
	var se *bridge.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "TypeError: x is null", se.Message)

	_, err = q.Decode("nope")
	assert.ErrorIs(t, err, bridge.ErrScript)
}

func TestConversions(t *testing.T) {
	for _, v := range []any{3, int64(3), float64(3), "3"} {
		n, err := AsInt(v)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	}
	_, err := AsInt(2.5)
	assert.Error(t, err)
	_, err = AsInt(nil)
	assert.Error(t, err)

	assert.Equal(t, "", AsString(nil))
	assert.Equal(t, "1.5", AsString(1.5))
	assert.True(t, AsBool(true))
	assert.False(t, AsBool(float64(0)))
	assert.False(t, AsBool(nil))
}

// scriptedEvaluator runs compiled scripts against a goja VM populated by setup.
type scriptedEvaluator struct {
	vm *goja.Runtime
}

func (s *scriptedEvaluator) EvaluateScript(_ context.Context, code string) (any, error) {
	v, err := s.vm.RunString(code)
	if err != nil {
		return nil, err
	}
	return v.Export(), nil
}

// fakeDOMPrelude defines el(tag, text, children, props), a node whose
// selectors understand "*", "tag", "#id" and "tag#id" only.
const fakeDOMPrelude = `
var actionRan = false;
function matches(n, sel) {
  if (sel === "*") { return true; }
  var parts = sel.split("#");
  return (parts[0] === "" || n.tagName === parts[0].toUpperCase()) && (parts.length < 2 || n.id === parts[1]);
}
function el(tag, text, children, props) {
  var e = { tagName: tag.toUpperCase(), textContent: text, children: children || [], parentElement: null, id: "" };
  e.children.forEach(function (c) { c.parentElement = e; });
  e.querySelectorAll = function (sel) {
    var out = [];
    (function walk(n) { n.children.forEach(function (c) { if (matches(c, sel)) { out.push(c); } walk(c); }); })(e);
    return out;
  };
  e.closest = function (sel) {
    for (var n = e; n; n = n.parentElement) { if (matches(n, sel)) { return n; } }
    return null;
  };
  for (var k in (props || {})) { e[k] = props[k]; }
  return e;
}
`

func newScriptedDOM(t *testing.T, tree string) *scriptedEvaluator {
	t.Helper()
	vm := goja.New()
	_, err := vm.RunString(fakeDOMPrelude + tree)
	require.NoError(t, err)
	return &scriptedEvaluator{vm: vm}
}

// newFakeDOM builds html > (div > span " one "), p "two".
func newFakeDOM(t *testing.T) *scriptedEvaluator {
	return newScriptedDOM(t, `
var root = el("html", "", [el("div", "", [el("span", " one ")]), el("p", "two")]);
var window = { document: root };
`)
}

// newFramedDOM builds a top document holding iframe#outer, whose document
// holds iframe#inner around a single b "deep".
func newFramedDOM(t *testing.T) *scriptedEvaluator {
	return newScriptedDOM(t, `
var inner = { document: el("html", "", [el("b", "deep")]) };
var outer = { document: el("html", "", [el("iframe", "", [], { id: "inner", contentWindow: inner }), el("i", "mid")]) };
var window = { document: el("html", "", [el("iframe", "", [], { id: "outer", contentWindow: outer }), el("i", "top")]) };
`)
}

func TestEvaluate_AgainstFakeDOM(t *testing.T) {
	ctx := context.Background()
	ev := newFakeDOM(t)

	t.Run("descendant selection", func(t *testing.T) {
		n, err := NewFinder(ev, Select("div").Find("span")).Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("always-false filter yields zero", func(t *testing.T) {
		n, err := NewFinder(ev, Select("div").Find("span").Find("(n) => false")).Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("empty result never runs the action", func(t *testing.T) {
		q := Select("table").WithAction("function () { actionRan = true; return 1; }")
		_, err := Evaluate(ctx, ev, q)
		assert.ErrorIs(t, err, bridge.ErrNotFound)
		assert.False(t, ev.vm.Get("actionRan").ToBoolean())
	})

	t.Run("trimmed text equality", func(t *testing.T) {
		text, err := NewFinder(ev, Select("span")).HaveContent("one").Text(ctx)
		require.NoError(t, err)
		assert.Equal(t, " one ", text)
	})

	t.Run("thrown errors become script errors", func(t *testing.T) {
		_, err := Evaluate(ctx, ev, Select("p").WithAction("function () { throw new Error('kaput'); }"))
		var se *bridge.ScriptError
		require.ErrorAs(t, err, &se)
		assert.Contains(t, se.Message, "kaput")
	})

	t.Run("index out of range", func(t *testing.T) {
		_, err := NewFinder(ev, Select("p")).IndexOf(ctx, 1)
		assert.Error(t, err)

		list, err := NewFinder(ev, Select("*")).ToArray(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 3)
		text, err := list[2].Text(ctx)
		require.NoError(t, err)
		assert.Equal(t, "two", text)
	})

	t.Run("every", func(t *testing.T) {
		all, err := NewFinder(ev, Select("span")).Every(ctx, Contains(FieldText, "one"))
		require.NoError(t, err)
		assert.True(t, all)

		all, err = NewFinder(ev, Select("*")).Every(ctx, Contains(FieldText, "o"))
		require.NoError(t, err)
		assert.False(t, all, "the fake div has no textContent")
	})

	t.Run("missing frame is not found", func(t *testing.T) {
		_, err := NewFinder(ev, New().InIframe(Select("iframe")).Find("span")).Count(ctx)
		assert.ErrorIs(t, err, bridge.ErrNotFound)
	})
}

const markAction = "function (elements) { actionRan = true; return elements.length; }"

func TestEvaluate_NotFoundNeverRunsAction(t *testing.T) {
	nullMapper := "function () { return null; }"
	tests := []struct {
		name string
		q    Query
	}{
		{"Selector", Select("table")},
		{"DescendantSelector", Select("div").Find("table")},
		{"OpcodeFilter", Select("span").Filter(Equals(FieldText, "nope"))},
		{"PredicateFilter", Select("p").Find("(n) => false")},
		{"IndexOutOfRange", Select("p").Filter(Index(3))},
		{"NegatedFilter", Select("span").Filter(Not(Contains(FieldText, "one")))},
		{"NullMapper", Select("span").Map(nullMapper)},
		{"NullMapperThenSelector", Select("span").Map(nullMapper).Find("b")},
		{"NullMapperThenFilter", Select("span").Map(nullMapper).Filter(Raw("(n) => true"))},
		{"ParentThenFilter", Select("span").Parent().Filter(Equals(FieldText, "nope"))},
		{"ClosestWithoutMatch", Select("span").Closest("table")},
		{"UniversalThenFilter", New().Filter(Contains(FieldText, "absent"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newFakeDOM(t)
			_, err := Evaluate(context.Background(), ev, tt.q.WithAction(markAction))
			assert.ErrorIs(t, err, bridge.ErrNotFound)
			assert.False(t, ev.vm.Get("actionRan").ToBoolean(), "the action must not run")
		})
	}

	t.Run("MissingNestedFrame", func(t *testing.T) {
		ev := newFramedDOM(t)
		q := New().InIframe(Select("iframe#outer")).InIframe(Select("iframe#missing")).Find("b")
		_, err := Evaluate(context.Background(), ev, q.WithAction(markAction))
		assert.ErrorIs(t, err, bridge.ErrNotFound)
		assert.False(t, ev.vm.Get("actionRan").ToBoolean())
	})

	t.Run("AllowEmptyRunsAction", func(t *testing.T) {
		ev := newFakeDOM(t)
		v, err := Evaluate(context.Background(), ev, Select("table").AllowEmpty(true).WithAction(markAction))
		require.NoError(t, err)
		assert.Equal(t, int64(0), v)
		assert.True(t, ev.vm.Get("actionRan").ToBoolean())
	})
}

func TestEvaluate_Mappers(t *testing.T) {
	ctx := context.Background()
	tagNames := "function (elements) { return elements.map(function (n) { return n.tagName; }).join(','); }"

	tests := []struct {
		name string
		q    Query
		want string
	}{
		{"Parent", Select("span").Parent(), "DIV"},
		{"ParentOfTopLevel", Select("p").Parent(), "HTML"},
		{"ClosestSelf", Select("span").Closest("span"), "SPAN"},
		{"ClosestAncestor", Select("span").Closest("div"), "DIV"},
		{"ClosestSkipsMisses", Select("*").Closest("div"), "DIV,DIV"},
		{"MapThenSelector", Select("span").Parent().Find("span"), "SPAN"},
		{"MapKeepsOrder", Select("*").Map("function (n, i) { return i === 1 ? n.parentElement : n; }"), "DIV,DIV,P"},
		{"NullThenFilterKeepsOthers", Select("*").Map("function (n) { return n.tagName === 'P' ? null : n; }").Filter(Raw("(n) => true")), "DIV,SPAN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Evaluate(ctx, newFakeDOM(t), tt.q.WithAction(tagNames))
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestEvaluate_NestedFrames(t *testing.T) {
	ctx := context.Background()
	ev := newFramedDOM(t)
	outer := New().InIframe(Select("iframe#outer"))
	inner := outer.InIframe(Select("iframe#inner"))

	text, err := NewFinder(ev, inner.Find("b")).Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "deep", text)

	text, err = NewFinder(ev, outer.Find("i")).Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mid", text)

	n, err := NewFinder(ev, inner.Find("i")).AllowEmpty(true).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the inner frame does not see the outer document")
}
