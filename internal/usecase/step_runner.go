package usecase

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/entity"
	"ai-selector-healer/internal/ports"
	"ai-selector-healer/pkg/apperr"
	"ai-selector-healer/pkg/logg"
	"ai-selector-healer/pkg/tracing"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	stepRunnerName = "StepRunner"
	stepTracer     = "usecase.steps"
	maxShotName    = 80
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// StepRunner executes scenario steps and falls back to healing when a
// selector stops matching.
type StepRunner struct {
	config  *config.Config
	logger  *zap.Logger
	tracer  trace.Tracer
	browser ports.BrowserManager
	healer  ports.Healer
	now     func() time.Time
}

type StepRunnerParams struct {
	fx.In

	Config  *config.Config
	Logger  *zap.Logger
	Browser ports.BrowserManager
	Healer  ports.Healer
}

func NewStepRunner(params StepRunnerParams) *StepRunner {
	return &StepRunner{
		config:  params.Config,
		logger:  params.Logger.With(zap.String(logg.Layer, stepRunnerName)),
		tracer:  otel.Tracer(stepTracer),
		browser: params.Browser,
		healer:  params.Healer,
		now:     time.Now,
	}
}

// RunAll stops at the first failing step and returns the results so far.
func (r *StepRunner) RunAll(ctx context.Context, steps []entity.Step) ([]entity.StepResult, error) {
	results := make([]entity.StepResult, 0, len(steps))

	for i, st := range steps {
		if err := ctx.Err(); err != nil {
			return results, apperr.Wrap("RunAll", apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "context_cancelled",
			})
		}

		res, err := r.Run(ctx, st)
		if err != nil {
			return results, fmt.Errorf("step %d (%s): %w", i+1, describe(st), err)
		}

		results = append(results, *res)
	}

	return results, nil
}

func (r *StepRunner) Run(ctx context.Context, st entity.Step) (res *entity.StepResult, err error) {
	const op = "Run"
	logger := r.logger.With(
		zap.String(logg.Operation, op),
		zap.String(logg.Step, describe(st)),
		zap.String(logg.Selector, st.Selector))

	ctx, step := tracing.StartSpan(ctx, r.tracer, logger, op,
		attribute.String("action", string(st.Action)),
		attribute.String("selector", st.Selector))
	logger = step.Logger()
	defer func() {
		step.End(err)
	}()

	if err := validateStep(st); err != nil {
		return nil, err
	}

	if !r.browser.IsReady() {
		return nil, apperr.WrapErrorWithReason(op, apperr.CodeBrowserNotReady, "browser_not_ready")
	}

	res = &entity.StepResult{Step: st, Selector: st.Selector, StartedAt: r.now()}
	defer func() {
		res.CompletedAt = r.now()
		if err != nil {
			res.Screenshot = r.captureFailure(ctx, st, logger)
		}
	}()

	if st.Action == entity.StepActionNavigate {
		return res, r.browser.Navigate(ctx, st.URL)
	}

	res.Text, err = r.perform(ctx, st, st.Selector)
	if err == nil {
		return res, nil
	}

	if !r.config.HealerConfig.Enabled || !isSelectorFailure(err) {
		return res, err
	}

	step.AddEvent("selector failed, healing")
	logger.Warn("Step failed on selector, trying to heal", zap.Error(err))

	if mapped, ok := r.healer.Lookup(st.Selector); ok && mapped != st.Selector {
		step.AddEvent("trying stored mapping")

		text, retryErr := r.perform(ctx, st, mapped)
		if retryErr == nil {
			logger.Info("Step passed with stored mapping", zap.String("healed", mapped))
			res.Text, res.Selector, res.Healed = text, mapped, true

			return res, nil
		}

		logger.Warn("Stored mapping failed too", zap.String("healed", mapped), zap.Error(retryErr))
	}

	healed, ok := r.healer.HealByException(ctx, r.browser.Page(), describe(st), err.Error(), st.Selector)
	if !ok {
		return res, apperr.Wrap(op, apperr.CodeHealFailed, err, map[string]any{
			apperr.MetaReason:   "heal_failed",
			apperr.MetaStage:    apperr.StageInteraction,
			apperr.MetaSelector: st.Selector,
		})
	}

	step.AddEvent("retrying with healed selector")

	text, retryErr := r.perform(ctx, st, healed)
	if retryErr != nil {
		return res, apperr.Wrap(op, apperr.CodeHealFailed, errors.Join(err, retryErr), map[string]any{
			apperr.MetaReason:   "healed_selector_failed",
			apperr.MetaStage:    apperr.StageInteraction,
			apperr.MetaSelector: healed,
		})
	}

	logger.Info("Step passed with healed selector", zap.String("healed", healed))
	res.Text, res.Selector, res.Healed = text, healed, true

	return res, nil
}

func (r *StepRunner) perform(ctx context.Context, st entity.Step, selector string) (string, error) {
	switch st.Action {
	case entity.StepActionClick:
		return "", r.browser.Click(ctx, selector)
	case entity.StepActionFill:
		return "", r.browser.Fill(ctx, selector, st.Value)
	case entity.StepActionWait:
		return "", r.browser.WaitForSelector(ctx, selector, r.config.BrowserConfig.Timeout)
	case entity.StepActionText:
		return r.browser.GetElementText(ctx, selector)
	default:
		return "", apperr.WrapErrorWithReason("perform", apperr.CodeInvalidArgument, "unknown_step_action")
	}
}

// captureFailure saves the page as it looked when the step gave up and
// returns the file path, or "" when nothing was saved.
func (r *StepRunner) captureFailure(ctx context.Context, st entity.Step, logger *zap.Logger) string {
	if !r.config.BrowserConfig.FailureScreenshots || !r.browser.IsReady() {
		return ""
	}

	page := r.browser.Page()
	if page == nil {
		return ""
	}

	path := filepath.Join(r.config.HealerConfig.ScreenshotsDir, failureShotName(describe(st), r.now()))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("Failed to create screenshots dir", zap.String(logg.Path, path), zap.Error(err))

		return ""
	}

	if err := page.Screenshot(context.WithoutCancel(ctx), path); err != nil {
		logger.Warn("Failed to capture failure screenshot", zap.String(logg.Path, path), zap.Error(err))

		return ""
	}

	logger.Info("Failure screenshot saved", zap.String(logg.Path, path))

	return path
}

func failureShotName(step string, at time.Time) string {
	name := unsafeNameChars.ReplaceAllString(step, "_")
	if len(name) > maxShotName {
		name = name[:maxShotName]
	}

	return fmt.Sprintf("failed-%s-%s.png", name, at.UTC().Format("20060102-150405"))
}

func validateStep(st entity.Step) error {
	const op = "validateStep"

	switch st.Action {
	case entity.StepActionNavigate:
		if st.URL == "" {
			return apperr.InvalidReqError(op, "url", errors.New("url cannot be empty"))
		}
	case entity.StepActionClick, entity.StepActionFill, entity.StepActionWait, entity.StepActionText:
		if st.Selector == "" {
			return apperr.InvalidReqError(op, "selector", errors.New("selector cannot be empty"))
		}
	default:
		return apperr.InvalidReqError(op, "action", fmt.Errorf("unknown action %q", st.Action))
	}

	return nil
}

// isSelectorFailure reports whether err means the element could not be
// reached, as opposed to the browser being gone.
func isSelectorFailure(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeTimeout, apperr.CodeNotFound, apperr.CodeActionFailed:
		return true
	default:
		return false
	}
}

func describe(st entity.Step) string {
	if st.Description != "" {
		return st.Description
	}

	if st.Action == entity.StepActionNavigate {
		return fmt.Sprintf("%s %s", st.Action, st.URL)
	}

	return fmt.Sprintf("%s %s", st.Action, st.Selector)
}
