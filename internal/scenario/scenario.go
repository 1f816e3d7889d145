// internal/scenario/scenario.go
//
// Package scenario reads scripted browser sessions from YAML and runs them
// step by step against a page.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario is a named list of steps.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`

	// SourcePath is the file the scenario was loaded from.
	SourcePath string `yaml:"-"`
}

// Step carries exactly one action. Frame scopes it to a chain of iframes,
// outermost first.
type Step struct {
	Frame []string `yaml:"frame,omitempty"`

	Load            string        `yaml:"load,omitempty"`
	Click           string        `yaml:"click,omitempty"`
	ClickAndWait    *ClickAndWait `yaml:"click_and_wait,omitempty"`
	SetValue        *Field        `yaml:"set_value,omitempty"`
	SetText         *Field        `yaml:"set_text,omitempty"`
	Check           string        `yaml:"check,omitempty"`
	Uncheck         string        `yaml:"uncheck,omitempty"`
	SelectOption    *Field        `yaml:"select_option,omitempty"`
	WaitForSelector *SelectorWait `yaml:"wait_for_selector,omitempty"`
	ExpectText      *Field        `yaml:"expect_text,omitempty"`
	ExpectValue     *Field        `yaml:"expect_value,omitempty"`
	ExpectCount     *Count        `yaml:"expect_count,omitempty"`
	ExpectExist     *Exist        `yaml:"expect_exist,omitempty"`
	Confirm         *Dialog       `yaml:"confirm,omitempty"`
	Alert           *Dialog       `yaml:"alert,omitempty"`
	Download        *Download     `yaml:"download,omitempty"`
	Screenshot      string        `yaml:"screenshot,omitempty"`
	ExecuteJS       string        `yaml:"execute_js,omitempty"`
}

// Field addresses an element and a value.
type Field struct {
	Selector string `yaml:"selector"`
	Value    string `yaml:"value"`
}

// ClickAndWait clicks Selector and waits for Wait, "load" or "ajax".
type ClickAndWait struct {
	Selector string `yaml:"selector"`
	Wait     string `yaml:"wait"`
}

// SelectorWait waits for Selector, clicking Trigger first when it is set.
// A bare string is shorthand for the selector.
type SelectorWait struct {
	Selector string `yaml:"selector"`
	Trigger  string `yaml:"trigger,omitempty"`
}

// Count expects Selector to match exactly Count elements.
type Count struct {
	Selector string `yaml:"selector"`
	Count    int    `yaml:"count"`
}

// Exist expects Selector to match something, or nothing when Exist is false.
// A bare string is shorthand for the selector.
type Exist struct {
	Selector string `yaml:"selector"`
	Exist    *bool  `yaml:"exist,omitempty"`
}

// Dialog expects Trigger's click to raise a dialog. OK defaults to true.
type Dialog struct {
	Message string `yaml:"message,omitempty"`
	OK      *bool  `yaml:"ok,omitempty"`
	Trigger string `yaml:"trigger"`
}

// Download expects Trigger's click to download a file, optionally named Filename.
type Download struct {
	Trigger  string `yaml:"trigger"`
	Filename string `yaml:"filename,omitempty"`
}

func (w *SelectorWait) UnmarshalYAML(node *yaml.Node) error {
	type plain SelectorWait
	return decodeShorthand(node, &w.Selector, (*plain)(w))
}

func (e *Exist) UnmarshalYAML(node *yaml.Node) error {
	type plain Exist
	return decodeShorthand(node, &e.Selector, (*plain)(e))
}

// decodeShorthand decodes a scalar into scalar and a mapping into full.
func decodeShorthand(node *yaml.Node, scalar *string, full any) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(scalar)
	}
	return node.Decode(full)
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sc.SourcePath = path
	return sc, nil
}

// Parse decodes and validates a scenario. Unknown keys are rejected.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("scenario is empty")
		}
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks that the scenario has steps and each carries one action
// with the fields it needs.
func (sc *Scenario) Validate() error {
	if len(sc.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}
	for i := range sc.Steps {
		if _, err := sc.Steps[i].Kind(); err != nil {
			return &StepError{Index: i, Err: err}
		}
	}
	return nil
}

// Kind names the step's action.
func (s *Step) Kind() (string, error) {
	var kinds []string
	add := func(set bool, kind string) {
		if set {
			kinds = append(kinds, kind)
		}
	}
	add(s.Load != "", "load")
	add(s.Click != "", "click")
	add(s.ClickAndWait != nil, "click_and_wait")
	add(s.SetValue != nil, "set_value")
	add(s.SetText != nil, "set_text")
	add(s.Check != "", "check")
	add(s.Uncheck != "", "uncheck")
	add(s.SelectOption != nil, "select_option")
	add(s.WaitForSelector != nil, "wait_for_selector")
	add(s.ExpectText != nil, "expect_text")
	add(s.ExpectValue != nil, "expect_value")
	add(s.ExpectCount != nil, "expect_count")
	add(s.ExpectExist != nil, "expect_exist")
	add(s.Confirm != nil, "confirm")
	add(s.Alert != nil, "alert")
	add(s.Download != nil, "download")
	add(s.Screenshot != "", "screenshot")
	add(s.ExecuteJS != "", "execute_js")

	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("step has no action")
	case 1:
	default:
		return "", fmt.Errorf("step has several actions: %s", strings.Join(kinds, ", "))
	}
	kind := kinds[0]
	if err := s.checkFields(kind); err != nil {
		return "", fmt.Errorf("%s: %w", kind, err)
	}
	return kind, nil
}

func (s *Step) checkFields(kind string) error {
	need := func(v, name string) error {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	switch kind {
	case "click_and_wait":
		switch s.ClickAndWait.Wait {
		case "load", "ajax":
		default:
			return fmt.Errorf("wait must be \"load\" or \"ajax\", got %q", s.ClickAndWait.Wait)
		}
		return need(s.ClickAndWait.Selector, "selector")
	case "set_value":
		return need(s.SetValue.Selector, "selector")
	case "set_text":
		return need(s.SetText.Selector, "selector")
	case "select_option":
		return need(s.SelectOption.Selector, "selector")
	case "wait_for_selector":
		return need(s.WaitForSelector.Selector, "selector")
	case "expect_text":
		return need(s.ExpectText.Selector, "selector")
	case "expect_value":
		return need(s.ExpectValue.Selector, "selector")
	case "expect_count":
		return need(s.ExpectCount.Selector, "selector")
	case "expect_exist":
		return need(s.ExpectExist.Selector, "selector")
	case "confirm":
		return need(s.Confirm.Trigger, "trigger")
	case "alert":
		return need(s.Alert.Trigger, "trigger")
	case "download":
		return need(s.Download.Trigger, "trigger")
	}
	return nil
}

// StepError reports the step a scenario stopped at.
type StepError struct {
	Index int
	Kind  string
	Err   error
}

func (e *StepError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("step %d: %v", e.Index+1, e.Err)
	}
	return fmt.Sprintf("step %d (%s): %v", e.Index+1, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ExpectationError is a step whose check did not hold.
type ExpectationError struct {
	Selector string
	Want     any
	Got      any
}

func (e *ExpectationError) Error() string {
	return fmt.Sprintf("%s: expected %v, got %v", e.Selector, e.Want, e.Got)
}
