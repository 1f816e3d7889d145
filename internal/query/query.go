// Package query compiles element queries into a single script evaluated in
// the page. A Query is an immutable value: every builder returns a new Query
// and never shares its step list with the receiver.
package query

import (
	"regexp"
	"strings"
)

// StepKind distinguishes the three step flavors.
type StepKind int

const (
	StepSelector StepKind = iota
	StepFilter
	StepMapper
)

func (k StepKind) String() string {
	switch k {
	case StepSelector:
		return "selector"
	case StepFilter:
		return "filter"
	case StepMapper:
		return "mapper"
	}
	return "unknown"
}

// Step is one stage of a query.
type Step struct {
	Kind     StepKind
	Selector string
	Filter   Expr
	// Mapper is JavaScript source of a function (node, index) returning the replacement node.
	Mapper string
}

// Query is an ordered step list plus evaluation options.
type Query struct {
	steps      []Step
	context    string
	action     string
	allowEmpty bool
}

// New returns an empty query rooted at the top window.
func New() Query { return Query{} }

// Select is shorthand for New().Find(css).
func Select(css string) Query { return New().Find(css) }

var predicateRe = regexp.MustCompile(`\)\s*=>`)

// IsPredicateSource reports whether a Find argument reads as JavaScript
// predicate source rather than CSS.
func IsPredicateSource(arg string) bool {
	trimmed := strings.TrimSpace(arg)
	return predicateRe.MatchString(trimmed) || strings.HasPrefix(trimmed, "function")
}

func (q Query) with(step Step) Query {
	steps := make([]Step, len(q.steps), len(q.steps)+1)
	copy(steps, q.steps)
	q.steps = append(steps, step)
	return q
}

// Find appends a selector step, or a raw filter step when arg is predicate source.
func (q Query) Find(arg string) Query {
	if IsPredicateSource(arg) {
		return q.Filter(Raw(arg))
	}
	return q.with(Step{Kind: StepSelector, Selector: arg})
}

// Filter appends a filter step.
func (q Query) Filter(e Expr) Query {
	return q.with(Step{Kind: StepFilter, Filter: e})
}

// Map appends a mapper step. code is a function of (node, index).
func (q Query) Map(code string) Query {
	return q.with(Step{Kind: StepMapper, Mapper: code})
}

// Parent maps every node to its parent element.
func (q Query) Parent() Query {
	return q.Map("function (node) { return node ? node.parentElement : null; }")
}

// Closest maps every node to its nearest ancestor-or-self matching css.
func (q Query) Closest(css string) Query {
	return q.Map("function (node) { return node && node.closest ? node.closest(" + Quote(css) + ") : null; }")
}

// WithAction sets the terminal operation, a function of (elements).
func (q Query) WithAction(code string) Query {
	q.steps = q.Steps()
	q.action = code
	return q
}

// WithContext evaluates the query against the window the JavaScript
// expression yields instead of the top window.
func (q Query) WithContext(windowExpr string) Query {
	q.steps = q.Steps()
	q.context = windowExpr
	return q
}

// AllowEmpty controls whether zero matches is an error.
func (q Query) AllowEmpty(allow bool) Query {
	q.steps = q.Steps()
	q.allowEmpty = allow
	return q
}

// Clone returns an independent copy.
func (q Query) Clone() Query {
	q.steps = q.Steps()
	return q
}

// Steps returns a copy of the step list.
func (q Query) Steps() []Step {
	if q.steps == nil {
		return nil
	}
	out := make([]Step, len(q.steps))
	copy(out, q.steps)
	return out
}

// Context returns the window expression, empty for the top window.
func (q Query) Context() string { return q.context }

// Action returns the terminal operation source.
func (q Query) Action() string { return q.action }

// AllowsEmpty reports the empty-result policy.
func (q Query) AllowsEmpty() bool { return q.allowEmpty }

// InIframe returns an empty query scoped to the content window of the first
// element frame matches. frame runs in the receiver's context unless it
// names its own, so scoping nests: q.InIframe(a).InIframe(b).
func (q Query) InIframe(frame Query) Query {
	if frame.context == "" {
		frame = frame.WithContext(q.context)
	}
	return Query{context: frame.contentWindowExpr()}
}

// String describes the query for error messages.
func (q Query) String() string {
	parts := make([]string, 0, len(q.steps))
	for _, s := range q.steps {
		switch s.Kind {
		case StepSelector:
			parts = append(parts, s.Selector)
		case StepFilter:
			if s.Filter.Op == OpRaw {
				parts = append(parts, "filter(raw)")
			} else {
				parts = append(parts, "filter("+string(s.Filter.Op)+")")
			}
		case StepMapper:
			parts = append(parts, "map")
		}
	}
	desc := strings.Join(parts, " > ")
	if desc == "" {
		desc = "*"
	}
	if q.context != "" {
		desc = "[frame] " + desc
	}
	return desc
}
