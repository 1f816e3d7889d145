// internal/scenario/runner.go
package scenario

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/page"
	"github.com/xkilldash9x/pagewalker/internal/registry"
)

const defaultStepTimeout = 10 * time.Second

// Runner executes scenarios against the default page of a registry.
type Runner struct {
	reg         *registry.Registry
	stepTimeout time.Duration
	logger      *zap.Logger
}

// NewRunner binds a runner to reg. Each step gets stepTimeout.
func NewRunner(reg *registry.Registry, stepTimeout time.Duration, logger *zap.Logger) *Runner {
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{reg: reg, stepTimeout: stepTimeout, logger: logger.Named("scenario")}
}

// Run executes the steps in order and stops at the first failure, which is
// returned as *StepError.
func (r *Runner) Run(ctx context.Context, sc *Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	log := r.logger.With(zap.String("scenario", sc.Name))
	h, err := r.reg.Default(ctx)
	if err != nil {
		return fmt.Errorf("failed to open the default window: %w", err)
	}
	top := h.Page()

	log.Info("Running scenario.", zap.Int("steps", len(sc.Steps)))
	start := time.Now()
	for i := range sc.Steps {
		step := &sc.Steps[i]
		kind, _ := step.Kind()
		stepLog := log.With(zap.Int("step", i+1), zap.String("action", kind))

		stepStart := time.Now()
		if err := r.runStep(ctx, top, step, kind, stepLog); err != nil {
			stepLog.Error("Step failed.", zap.Error(err))
			r.captureFailure(ctx, top, stepLog)
			return &StepError{Index: i, Kind: kind, Err: err}
		}
		stepLog.Info("Step passed.", zap.Duration("took", time.Since(stepStart)))
	}
	log.Info("Scenario passed.", zap.Duration("took", time.Since(start)))
	return nil
}

func (r *Runner) runStep(ctx context.Context, top *page.Page, s *Step, kind string, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()

	p := top
	for _, sel := range s.Frame {
		p = p.InIframe(p.Find(sel))
	}

	switch kind {
	case "load":
		return p.Load(ctx, s.Load)
	case "click":
		return p.Find(s.Click).Click(ctx)
	case "click_and_wait":
		target := p.Find(s.ClickAndWait.Selector)
		if s.ClickAndWait.Wait == "ajax" {
			return p.ClickAndWaitAjaxDone(ctx, target)
		}
		return p.ClickAndWaitLoading(ctx, target)
	case "set_value":
		return p.Find(s.SetValue.Selector).SetValue(ctx, s.SetValue.Value)
	case "set_text":
		return p.Find(s.SetText.Selector).SetText(ctx, s.SetText.Value)
	case "check":
		return p.Find(s.Check).Check(ctx)
	case "uncheck":
		return p.Find(s.Uncheck).Uncheck(ctx)
	case "select_option":
		return p.Find(s.SelectOption.Selector).SelectOption(ctx, s.SelectOption.Value)
	case "wait_for_selector":
		var action page.Action
		if s.WaitForSelector.Trigger != "" {
			action = clickAction(p, s.WaitForSelector.Trigger)
		}
		return p.WaitForSelector(ctx, s.WaitForSelector.Selector, action)
	case "expect_text":
		got, err := p.Find(s.ExpectText.Selector).Text(ctx)
		if err != nil {
			return err
		}
		return expect(s.ExpectText.Selector, s.ExpectText.Value, got)
	case "expect_value":
		got, err := p.Find(s.ExpectValue.Selector).Value(ctx)
		if err != nil {
			return err
		}
		return expect(s.ExpectValue.Selector, s.ExpectValue.Value, got)
	case "expect_count":
		got, err := p.Find(s.ExpectCount.Selector).AllowEmpty(true).Count(ctx)
		if err != nil {
			return err
		}
		return expect(s.ExpectCount.Selector, s.ExpectCount.Count, got)
	case "expect_exist":
		want := s.ExpectExist.Exist == nil || *s.ExpectExist.Exist
		got, err := p.Find(s.ExpectExist.Selector).Exist(ctx)
		if err != nil {
			return err
		}
		return expect(s.ExpectExist.Selector, want, got)
	case "confirm":
		ok := s.Confirm.OK == nil || *s.Confirm.OK
		msg, err := p.WaitForConfirm(ctx, page.ConfirmOptions{Message: s.Confirm.Message, IsClickOK: ok},
			clickAction(p, s.Confirm.Trigger))
		if err != nil {
			return err
		}
		log.Debug("Confirm answered.", zap.String("message", msg), zap.Bool("ok", ok))
		return nil
	case "alert":
		msg, err := p.WaitForAlert(ctx, page.AlertOptions{Message: s.Alert.Message}, clickAction(p, s.Alert.Trigger))
		if err != nil {
			return err
		}
		log.Debug("Alert acknowledged.", zap.String("message", msg))
		return nil
	case "download":
		res, err := p.WaitForDownload(ctx, clickAction(p, s.Download.Trigger))
		if err != nil {
			return err
		}
		if s.Download.Filename != "" && res.Filename != s.Download.Filename {
			return &ExpectationError{Selector: s.Download.Trigger, Want: s.Download.Filename, Got: res.Filename}
		}
		log.Info("Download finished.", zap.String("filename", res.Filename), zap.String("path", res.SavedFilePath))
		return nil
	case "screenshot":
		path, err := p.TakeScreenshot(ctx, s.Screenshot)
		if err != nil {
			return err
		}
		log.Info("Screenshot saved.", zap.String("path", path))
		return nil
	case "execute_js":
		v, err := p.ExecuteJS(ctx, s.ExecuteJS)
		if err != nil {
			return err
		}
		log.Debug("Script evaluated.", zap.Any("result", v))
		return nil
	}
	return fmt.Errorf("unsupported step %q", kind)
}

// captureFailure saves an automatic screenshot of the page a step failed on.
func (r *Runner) captureFailure(ctx context.Context, p *page.Page, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(bridge.Detach(ctx), r.stepTimeout)
	defer cancel()
	path, err := p.TakeScreenshotAuto(ctx)
	if err != nil {
		log.Warn("Failed to capture failure screenshot.", zap.Error(err))
		return
	}
	if path != "" {
		log.Info("Failure screenshot saved.", zap.String("path", path))
	}
}

func clickAction(p *page.Page, css string) page.Action {
	return func(ctx context.Context) error { return p.Find(css).Click(ctx) }
}

func expect[T comparable](selector string, want, got T) error {
	if want != got {
		return &ExpectationError{Selector: selector, Want: want, Got: got}
	}
	return nil
}
