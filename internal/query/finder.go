package query

import (
	"context"
	"fmt"
)

// Evaluator runs a script in a page and returns its JSON-compatible value.
// bridge.Window satisfies it.
type Evaluator interface {
	EvaluateScript(ctx context.Context, code string) (any, error)
}

// Finder is a Query bound to the page it runs against. Like Query it is
// immutable; chaining methods return a new Finder.
type Finder struct {
	eval Evaluator
	q    Query
}

// NewFinder binds q to eval.
func NewFinder(eval Evaluator, q Query) *Finder {
	return &Finder{eval: eval, q: q}
}

// Query returns the underlying query.
func (f *Finder) Query() Query { return f.q.Clone() }

func (f *Finder) derive(q Query) *Finder { return &Finder{eval: f.eval, q: q} }

// Find appends a selector, or a raw predicate when arg reads as JavaScript.
func (f *Finder) Find(arg string) *Finder { return f.derive(f.q.Find(arg)) }

// Filter appends a typed filter.
func (f *Finder) Filter(e Expr) *Finder { return f.derive(f.q.Filter(e)) }

// Map appends a mapper.
func (f *Finder) Map(code string) *Finder { return f.derive(f.q.Map(code)) }

func (f *Finder) Parent() *Finder { return f.derive(f.q.Parent()) }
func (f *Finder) Closest(css string) *Finder { return f.derive(f.q.Closest(css)) }
func (f *Finder) AllowEmpty(b bool) *Finder { return f.derive(f.q.AllowEmpty(b)) }
func (f *Finder) Clone() *Finder { return f.derive(f.q.Clone()) }
func (f *Finder) InIframe(frame Query) *Finder { return f.derive(f.q.InIframe(frame)) }

// Evaluate compiles and runs q, returning the action's value.
func Evaluate(ctx context.Context, eval Evaluator, q Query) (any, error) {
	script, err := q.Script()
	if err != nil {
		return nil, fmt.Errorf("failed to compile query %s: %w", q, err)
	}
	raw, err := eval.EvaluateScript(ctx, script)
	if err != nil {
		return nil, err
	}
	return q.Decode(raw)
}

func (f *Finder) run(ctx context.Context, action string) (any, error) {
	return Evaluate(ctx, f.eval, f.q.WithAction(action))
}

// -- Reads --

// Count returns the number of matches. Zero matches is not an error.
func (f *Finder) Count(ctx context.Context) (int, error) {
	v, err := Evaluate(ctx, f.eval, f.q.AllowEmpty(true).WithAction(CountAction))
	if err != nil {
		return 0, err
	}
	return AsInt(v)
}

// Exist reports whether at least one node matches.
func (f *Finder) Exist(ctx context.Context) (bool, error) {
	n, err := f.Count(ctx)
	return n > 0, err
}

// NotExist reports whether nothing matches.
func (f *Finder) NotExist(ctx context.Context) (bool, error) {
	n, err := f.Count(ctx)
	return n == 0, err
}

// Every reports whether pred holds for every match.
func (f *Finder) Every(ctx context.Context, pred Expr) (bool, error) {
	fn, err := pred.JS()
	if err != nil {
		return false, err
	}
	v, err := f.run(ctx, "function (elements) { var p = "+fn+"; return elements.filter(function (n, i) { return p(n, i); }).length === elements.length; }")
	if err != nil {
		return false, err
	}
	return AsBool(v), nil
}

// Text returns the textContent of the first match.
func (f *Finder) Text(ctx context.Context) (string, error) {
	v, err := f.run(ctx, "function (elements) { return elements[0].textContent; }")
	return AsString(v), err
}

// Content is an alias of Text.
func (f *Finder) Content(ctx context.Context) (string, error) { return f.Text(ctx) }

// Value returns the value property of the first match.
func (f *Finder) Value(ctx context.Context) (string, error) {
	v, err := f.run(ctx, "function (elements) { var v = elements[0].value; return v == null ? null : String(v); }")
	return AsString(v), err
}

// Attribute returns an attribute of the first match; ok is false when it is absent.
func (f *Finder) Attribute(ctx context.Context, name string) (value string, ok bool, err error) {
	v, err := f.run(ctx, "function (elements) { return elements[0].getAttribute("+Quote(name)+"); }")
	if err != nil || v == nil {
		return "", false, err
	}
	return AsString(v), true, nil
}

// -- Actions --

// Click dispatches a bubbling, cancelable click on the first match.
func (f *Finder) Click(ctx context.Context) error {
	_, err := f.run(ctx, `function (elements) {
  var el = elements[0];
  if (!el) { return null; }
  var view = el.ownerDocument.defaultView;
  el.dispatchEvent(new view.MouseEvent("click", { bubbles: true, cancelable: true, view: view }));
  return null;
}`)
	return err
}

// ChooseRadioButton is an alias of Click.
func (f *Finder) ChooseRadioButton(ctx context.Context) error { return f.Click(ctx) }

// fire is shared JavaScript that dispatches a bubbling event of type on el.
const fire = `function fire(el, type) {
  var view = el.ownerDocument.defaultView;
  el.dispatchEvent(new view.Event(type, { bubbles: true }));
}`

// SetValue assigns value to every match and fires input and change.
func (f *Finder) SetValue(ctx context.Context, value string) error {
	_, err := f.run(ctx, `function (elements) {
  `+fire+`
  for (var i = 0; i < elements.length; i++) {
    elements[i].value = `+Quote(value)+`;
    fire(elements[i], "input");
    fire(elements[i], "change");
  }
  return null;
}`)
	return err
}

// FillIn is an alias of SetValue.
func (f *Finder) FillIn(ctx context.Context, value string) error { return f.SetValue(ctx, value) }

// SetText assigns textContent of every match.
func (f *Finder) SetText(ctx context.Context, text string) error {
	_, err := f.run(ctx, "function (elements) { for (var i = 0; i < elements.length; i++) { elements[i].textContent = "+Quote(text)+"; } return null; }")
	return err
}

// SetContent is an alias of SetText.
func (f *Finder) SetContent(ctx context.Context, text string) error { return f.SetText(ctx, text) }

func (f *Finder) setChecked(ctx context.Context, checked bool) error {
	_, err := f.run(ctx, fmt.Sprintf(`function (elements) {
  %s
  for (var i = 0; i < elements.length; i++) {
    if (!!elements[i].checked !== %[2]t) {
      elements[i].checked = %[2]t;
      fire(elements[i], "change");
    }
  }
  return null;
}`, fire, checked))
	return err
}

// Check sets checked on every match.
func (f *Finder) Check(ctx context.Context) error { return f.setChecked(ctx, true) }

// Uncheck clears checked on every match.
func (f *Finder) Uncheck(ctx context.Context) error { return f.setChecked(ctx, false) }

// Select marks the first match selected and notifies its select element.
func (f *Finder) Select(ctx context.Context) error {
	_, err := f.run(ctx, `function (elements) {
  `+fire+`
  var opt = elements[0];
  opt.selected = true;
  var sel = opt.closest ? opt.closest("select") : null;
  if (sel) { fire(sel, "input"); fire(sel, "change"); }
  return null;
}`)
	return err
}

// SelectOption selects the option under the matches whose trimmed text equals content.
func (f *Finder) SelectOption(ctx context.Context, content string) error {
	return f.Find("option").Filter(Equals(FieldText, content)).Select(ctx)
}

// Choose is an alias of SelectOption.
func (f *Finder) Choose(ctx context.Context, content string) error { return f.SelectOption(ctx, content) }

// ExecuteJS runs code, a function of (elements), against the matches.
func (f *Finder) ExecuteJS(ctx context.Context, code string) (any, error) { return f.run(ctx, code) }

// -- Positional --

// IndexOf returns a Finder narrowed to the i-th match.
func (f *Finder) IndexOf(ctx context.Context, i int) (*Finder, error) {
	n, err := f.Count(ctx)
	if err != nil {
		return nil, err
	}
	if i < 0 || n <= i {
		return nil, fmt.Errorf("finder matched %d elements, index %d is out of range", n, i)
	}
	return f.Filter(Index(i)), nil
}

// First is IndexOf(0).
func (f *Finder) First(ctx context.Context) (*Finder, error) { return f.IndexOf(ctx, 0) }

// GetFirst is an alias of First.
func (f *Finder) GetFirst(ctx context.Context) (*Finder, error) { return f.IndexOf(ctx, 0) }

// ToArray returns one Finder per current match.
func (f *Finder) ToArray(ctx context.Context) ([]*Finder, error) {
	n, err := f.Count(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Finder, n)
	for i := range out {
		out[i] = f.Filter(Index(i))
	}
	return out, nil
}

// -- Filter shortcuts --

func (f *Finder) HaveContent(s string) *Finder { return f.Filter(Equals(FieldText, s)) }
func (f *Finder) NotHaveContent(s string) *Finder { return f.Filter(Not(Equals(FieldText, s))) }
func (f *Finder) HaveText(s string) *Finder { return f.HaveContent(s) }
func (f *Finder) NotHaveText(s string) *Finder { return f.NotHaveContent(s) }
func (f *Finder) HaveValue(s string) *Finder { return f.Filter(Equals(FieldValue, s)) }
func (f *Finder) NotHaveValue(s string) *Finder { return f.Filter(Not(Equals(FieldValue, s))) }
func (f *Finder) BeChecked() *Finder { return f.Filter(Prop("checked", true)) }
func (f *Finder) NotBeChecked() *Finder { return f.Filter(Prop("checked", false)) }
func (f *Finder) BeSelected() *Finder { return f.Filter(Prop("selected", true)) }
func (f *Finder) NotBeSelected() *Finder { return f.Filter(Prop("selected", false)) }
func (f *Finder) BeDisabled() *Finder { return f.Filter(Prop("disabled", true)) }
func (f *Finder) NotBeDisabled() *Finder { return f.Filter(Prop("disabled", false)) }
func (f *Finder) HaveClass(name string) *Finder { return f.Filter(HasClass(name)) }
func (f *Finder) NotHaveClass(name string) *Finder {
	return f.Filter(Not(HasClass(name)))
}
func (f *Finder) HaveStyle(name, value string) *Finder { return f.Filter(Style(name, value)) }
func (f *Finder) NotHaveStyle(name, value string) *Finder { return f.Filter(Not(Style(name, value))) }
func (f *Finder) HaveAttribute(name, value string) *Finder {
	if value == "" {
		return f.Filter(Attr(name, AttrExists, ""))
	}
	return f.Filter(Attr(name, AttrEquals, value))
}
func (f *Finder) NotHaveAttribute(name string) *Finder { return f.Filter(Attr(name, AttrAbsent, "")) }

// Contains keeps matches whose text contains s.
func (f *Finder) Contains(s string) *Finder { return f.Filter(Contains(FieldText, s)) }

// TextIncludes is an alias of Contains.
func (f *Finder) TextIncludes(s string) *Finder { return f.Contains(s) }

// Matches keeps matches whose text matches the regular expression.
func (f *Finder) Matches(pattern, flags string) *Finder {
	return f.Filter(Matches(FieldText, pattern, flags))
}

// IsClickable keeps links, buttons and button-like inputs.
func (f *Finder) IsClickable() *Finder { return f.Filter(Clickable()) }
