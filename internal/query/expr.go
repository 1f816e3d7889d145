package query

import (
	"fmt"
	"strconv"
)

// Op is a filter opcode.
type Op string

const (
	OpEquals   Op = "equals"
	OpContains Op = "contains"
	OpMatches  Op = "matches"
	OpAttr     Op = "attr"
	OpProp     Op = "prop"
	OpClass    Op = "class"
	OpStyle    Op = "style"
	OpIndex    Op = "index"
	OpNot      Op = "not"
	OpRaw      Op = "raw"
)

// Field selects the node value text filters read.
type Field string

const (
	FieldText  Field = "text"
	FieldValue Field = "value"
)

// AttrOp is the comparison an attr filter performs.
type AttrOp string

const (
	AttrExists   AttrOp = "exists"
	AttrEquals   AttrOp = "equals"
	AttrContains AttrOp = "contains"
	AttrAbsent   AttrOp = "absent"
)

// Expr is a serializable filter predicate over (node, index).
type Expr struct {
	Op      Op     `json:"op" yaml:"op"`
	Field   Field  `json:"field,omitempty" yaml:"field,omitempty"`
	Value   string `json:"value,omitempty" yaml:"value,omitempty"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Flags   string `json:"flags,omitempty" yaml:"flags,omitempty"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	AttrOp  AttrOp `json:"attrOp,omitempty" yaml:"attr_op,omitempty"`
	Bool    bool   `json:"bool,omitempty" yaml:"bool,omitempty"`
	N       int    `json:"n,omitempty" yaml:"n,omitempty"`
	Inner   *Expr  `json:"inner,omitempty" yaml:"inner,omitempty"`
	// Source is caller JavaScript for OpRaw: a function of (node, index).
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Equals keeps nodes whose trimmed field equals the trimmed value.
func Equals(f Field, v string) Expr { return Expr{Op: OpEquals, Field: f, Value: v} }

// Contains keeps nodes whose field contains v.
func Contains(f Field, v string) Expr { return Expr{Op: OpContains, Field: f, Value: v} }

// Matches keeps nodes whose field matches the regular expression pattern.
func Matches(f Field, pattern, flags string) Expr {
	return Expr{Op: OpMatches, Field: f, Pattern: pattern, Flags: flags}
}

// Attr tests an attribute.
func Attr(name string, op AttrOp, v string) Expr {
	return Expr{Op: OpAttr, Name: name, AttrOp: op, Value: v}
}

// Prop keeps nodes whose boolean property name equals b.
func Prop(name string, b bool) Expr { return Expr{Op: OpProp, Name: name, Bool: b} }

// HasClass keeps nodes carrying the CSS class.
func HasClass(name string) Expr { return Expr{Op: OpClass, Name: name} }

// Style keeps nodes whose computed style property equals v.
func Style(name, v string) Expr { return Expr{Op: OpStyle, Name: name, Value: v} }

// Index keeps the node at position n of the working set.
func Index(n int) Expr { return Expr{Op: OpIndex, N: n} }

// Not negates e.
func Not(e Expr) Expr { return Expr{Op: OpNot, Inner: &e} }

// Raw wraps caller predicate source taking (node, index).
func Raw(src string) Expr { return Expr{Op: OpRaw, Source: src} }

// Clickable keeps links, buttons and button-like inputs.
func Clickable() Expr {
	return Raw(`function (node) {
  var tag = node && node.tagName ? String(node.tagName).toLowerCase() : "";
  if (tag === "a" || tag === "button") { return true; }
  if (tag !== "input") { return false; }
  var type = String(node.getAttribute("type") || "").toLowerCase();
  return type === "button" || type === "submit" || type === "reset" || type === "image";
}`)
}

var boolProps = map[string]bool{"checked": true, "selected": true, "disabled": true}

func fieldJS(f Field) (string, error) {
	switch f {
	case FieldText, "":
		return `(node.textContent == null ? "" : String(node.textContent))`, nil
	case FieldValue:
		return `(node.value == null ? "" : String(node.value))`, nil
	}
	return "", fmt.Errorf("unknown field %q", f)
}

// body renders the boolean JavaScript expression over node and index.
func (e Expr) body() (string, error) {
	switch e.Op {
	case OpEquals:
		f, err := fieldJS(e.Field)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s.trim() === %s.trim()", f, Quote(e.Value)), nil
	case OpContains:
		f, err := fieldJS(e.Field)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s.indexOf(%s) !== -1", f, Quote(e.Value)), nil
	case OpMatches:
		f, err := fieldJS(e.Field)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("new RegExp(%s, %s).test(%s)", Quote(e.Pattern), Quote(e.Flags), f), nil
	case OpAttr:
		name := Quote(e.Name)
		switch e.AttrOp {
		case AttrExists, "":
			return fmt.Sprintf("node.hasAttribute(%s)", name), nil
		case AttrAbsent:
			return fmt.Sprintf("!node.hasAttribute(%s)", name), nil
		case AttrEquals:
			return fmt.Sprintf("node.getAttribute(%s) === %s", name, Quote(e.Value)), nil
		case AttrContains:
			return fmt.Sprintf("String(node.getAttribute(%s) || \"\").indexOf(%s) !== -1", name, Quote(e.Value)), nil
		}
		return "", fmt.Errorf("unknown attribute comparison %q", e.AttrOp)
	case OpProp:
		if !boolProps[e.Name] {
			return "", fmt.Errorf("unsupported boolean property %q", e.Name)
		}
		return fmt.Sprintf("!!node[%s] === %t", Quote(e.Name), e.Bool), nil
	case OpClass:
		return fmt.Sprintf("!!node.classList && node.classList.contains(%s)", Quote(e.Name)), nil
	case OpStyle:
		return fmt.Sprintf("(function (s) { return !!s && String(s[%s]) === %s; })(node.ownerDocument.defaultView.getComputedStyle(node))",
			Quote(e.Name), Quote(e.Value)), nil
	case OpIndex:
		return "index === " + strconv.Itoa(e.N), nil
	case OpNot:
		if e.Inner == nil {
			return "", fmt.Errorf("not without an operand")
		}
		inner, err := e.Inner.body()
		if err != nil {
			return "", err
		}
		return "!(" + inner + ")", nil
	case OpRaw:
		if e.Source == "" {
			return "", fmt.Errorf("raw filter without source")
		}
		return "!!(" + e.Source + ")(node, index)", nil
	}
	return "", fmt.Errorf("unknown filter opcode %q", e.Op)
}

// JS renders e as a JavaScript function of (node, index). A null node never matches.
func (e Expr) JS() (string, error) {
	b, err := e.body()
	if err != nil {
		return "", err
	}
	return "function (node, index) { if (node == null) { return false; } return " + b + "; }", nil
}
