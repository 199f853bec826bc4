package healer

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/entity"
	"ai-selector-healer/internal/parser"
	"ai-selector-healer/internal/ports"
	"ai-selector-healer/internal/prompt"
	"ai-selector-healer/pkg/apperr"
	"ai-selector-healer/pkg/logg"
	"ai-selector-healer/pkg/tracing"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	healerName   = "SelectorHealer"
	healerTracer = "healer.orchestrator"

	maxScreenshotName = 100
)

type state string

const (
	stateCapturing  state = "capturing"
	statePrompting  state = "prompting"
	stateQuerying   state = "querying"
	stateParsing    state = "parsing"
	stateValidating state = "validating"
	statePersisting state = "persisting"
	stateRejecting  state = "rejecting"
	stateDone       state = "done"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Request describes one heal invocation. Page is required; the remaining
// fields are whatever the caller knows about the failure.
type Request struct {
	Variant          entity.Variant
	Page             ports.Page
	Step             string
	OriginalSelector string
	Label            string
	Exception        string
}

// Result carries the oracle's candidate. Selector may be set while Valid is
// false; callers decide whether an unvalidated selector is worth a retry.
type Result struct {
	Selector   string
	Identifier string
	Type       entity.SelectorType
	Confidence string
	Valid      bool
	Key        string
}

type Healer struct {
	config    *config.HealerConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	store     ports.SelectorStore
	oracle    ports.Oracle
	validator ports.Validator
	builder   *prompt.Builder
	now       func() time.Time

	mu sync.Mutex
}

type Params struct {
	fx.In

	Config    *config.Config
	Logger    *zap.Logger
	Store     ports.SelectorStore
	Oracle    ports.Oracle
	Validator ports.Validator
}

func NewHealer(params Params) *Healer {
	cfg := params.Config.HealerConfig

	return &Healer{
		config:    cfg,
		logger:    params.Logger.With(zap.String(logg.Layer, healerName)),
		tracer:    otel.Tracer(healerTracer),
		store:     params.Store,
		oracle:    params.Oracle,
		validator: params.Validator,
		builder:   prompt.NewBuilder(cfg.HTMLBudget),
		now:       time.Now,
	}
}

// HealByLabel heals a selector whose target is described by a human label.
func (h *Healer) HealByLabel(ctx context.Context, page ports.Page, originalSelector, label, step string) (string, bool) {
	res := h.Heal(ctx, Request{
		Variant:          entity.VariantByLabel,
		Page:             page,
		Step:             step,
		OriginalSelector: originalSelector,
		Label:            label,
	})

	return res.Selector, res.Valid
}

// HealByException heals after an automation error was caught by the caller.
func (h *Healer) HealByException(ctx context.Context, page ports.Page, step, exceptionText, originalSelector string) (string, bool) {
	res := h.Heal(ctx, Request{
		Variant:          entity.VariantByException,
		Page:             page,
		Step:             step,
		OriginalSelector: originalSelector,
		Exception:        exceptionText,
	})

	return res.Selector, res.Valid
}

// UpdateSelector stores a selector the caller has already validated.
func (h *Healer) UpdateSelector(ctx context.Context, key, selector string) error {
	const op = "UpdateSelector"

	if key == "" || selector == "" {
		return apperr.InvalidReqError(op, "key", fmt.Errorf("key and selector must be non-empty"))
	}

	return h.store.Upsert(ctx, key, selector)
}

// Lookup returns a previously healed selector for key.
func (h *Healer) Lookup(key string) (string, bool) {
	sel, ok := h.store.Snapshot()[key]

	return sel, ok
}

// Release asks the oracle to free its model. Failures are only logged.
func (h *Healer) Release(ctx context.Context) {
	logger := h.logger.With(zap.String(logg.Operation, "Release"), zap.String(logg.Model, h.oracle.Model()))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Oracle release panicked", zap.Any("panic", r))
		}
	}()

	if err := h.oracle.Release(ctx); err != nil {
		logger.Warn("Oracle release failed", zap.Error(err))

		return
	}

	logger.Info("Oracle released")
}

// Heal runs one capture, prompt, query, parse, validate cycle. It never
// returns an error: every failure ends as an empty or invalid Result plus
// exactly one attempt log entry.
func (h *Healer) Heal(ctx context.Context, req Request) (res Result) {
	const op = "Heal"

	h.mu.Lock()
	defer h.mu.Unlock()

	started := h.now()
	entry := entity.AttemptLogEntry{
		ID:               uuid.New(),
		Timestamp:        started.UTC(),
		Variant:          req.Variant,
		OriginalSelector: req.OriginalSelector,
		Label:            req.Label,
		Step:             req.Step,
		Exception:        req.Exception,
	}

	logger := h.logger.With(
		zap.String(logg.Operation, op),
		zap.String(logg.AttemptID, entry.ID.String()),
		zap.String(logg.Variant, string(req.Variant)),
		zap.String(logg.Step, req.Step),
		zap.String(logg.Selector, req.OriginalSelector),
	)

	ctx, step := tracing.StartSpan(ctx, h.tracer, logger, op,
		attribute.String("variant", string(req.Variant)),
		attribute.String("original_selector", req.OriginalSelector))
	logger = step.Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Heal panicked", zap.Any("panic", r))
			entry.Error = fmt.Sprintf("panic: %v", r)
			entry.Valid = false
			res = Result{}
		}

		entry.DurationMs = h.now().Sub(started).Milliseconds()
		h.appendLog(ctx, logger, entry)

		transition(step, stateDone)
		step.SetAttributes(attribute.Bool("valid", res.Valid))

		var spanErr error
		if entry.Error != "" {
			spanErr = fmt.Errorf("%s", entry.Error)
		}
		step.End(spanErr)
	}()

	transition(step, stateCapturing)
	hc := h.capture(ctx, logger, req, entry.ID)

	transition(step, statePrompting)
	promptText := h.builder.Build(hc, h.store.Snapshot())

	transition(step, stateQuerying)
	logger.Info("Querying oracle", zap.String(logg.Model, h.oracle.Model()))

	raw, err := h.query(ctx, promptText, hc.ScreenshotPath)
	if err != nil {
		logger.Error("Oracle query failed", zap.Error(err))
		entry.Error = err.Error()
		transition(step, stateRejecting)

		return Result{}
	}

	logger.Info("Oracle responded", zap.String("response", raw))

	transition(step, stateParsing)
	candidate := parser.Parse(raw)

	entry.SuggestedSelector = candidate.Selector
	entry.SelectorIdentifier = candidate.Identifier
	entry.SelectorType = candidate.Type
	entry.Confidence = candidate.Confidence

	res = Result{
		Selector:   candidate.Selector,
		Identifier: candidate.Identifier,
		Type:       candidate.Type,
		Confidence: candidate.Confidence,
	}

	if candidate.Selector == "" {
		logger.Warn("Oracle response held no selector")
		transition(step, stateRejecting)

		return res
	}

	transition(step, stateValidating)
	if !h.validator.Validate(ctx, req.Page, candidate.Selector, candidate.Type) {
		logger.Warn("Suggested selector did not match anything on the page",
			zap.String("suggested", candidate.Selector),
			zap.String("selector_type", string(candidate.Type)))
		transition(step, stateRejecting)

		return res
	}

	transition(step, statePersisting)
	res.Valid = true
	res.Key = resolveKey(req, candidate)
	entry.Valid = true

	if err := h.store.Upsert(ctx, res.Key, candidate.Selector); err != nil {
		logger.Error("Failed to persist healed selector", zap.String(logg.Key, res.Key), zap.Error(err))
		entry.Error = fmt.Sprintf("persist: %v", err)
	}

	logger.Info("Selector healed",
		zap.String(logg.Key, res.Key),
		zap.String("healed", candidate.Selector),
		zap.String(logg.Confidence, candidate.Confidence))

	return res
}

// capture takes the screenshot and bounded HTML. Either may fail; the heal
// continues with whatever was captured.
func (h *Healer) capture(ctx context.Context, logger *zap.Logger, req Request, attemptID uuid.UUID) entity.HealingContext {
	hc := entity.HealingContext{
		Variant:          req.Variant,
		Step:             req.Step,
		OriginalSelector: req.OriginalSelector,
		Label:            req.Label,
		Exception:        req.Exception,
	}

	if req.Page == nil {
		logger.Warn("No page supplied, healing without page state")

		return hc
	}

	path := filepath.Join(h.config.ScreenshotsDir, screenshotName(req.Step, attemptID))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("Failed to create screenshots dir", zap.String(logg.Path, path), zap.Error(err))
	} else if err := req.Page.Screenshot(ctx, path); err != nil {
		logger.Warn("Failed to capture screenshot", zap.String(logg.Path, path), zap.Error(err))
	} else {
		hc.ScreenshotPath = path
	}

	html, err := req.Page.Content(ctx)
	if err != nil {
		logger.Warn("Failed to read page content", zap.Error(err))
	} else {
		hc.HTML = h.builder.Snapshot(html)
	}

	return hc
}

// query bounds the oracle call with HealerConfig.OracleTimeout even when the
// backend ignores context cancellation.
func (h *Healer) query(ctx context.Context, promptText, screenshotPath string) (string, error) {
	const op = "query"

	if h.config.OracleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.OracleTimeout)
		defer cancel()
	}

	type reply struct {
		text string
		err  error
	}

	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("oracle panicked: %v", r)}
			}
		}()

		text, err := h.oracle.Query(ctx, promptText, screenshotPath)
		done <- reply{text: text, err: err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", apperr.Wrap(op, apperr.CodeTimeout, ctx.Err(), map[string]any{
			apperr.MetaReason: "oracle_timeout",
			apperr.MetaStage:  apperr.StageOracle,
		})
	}
}

func (h *Healer) appendLog(ctx context.Context, logger *zap.Logger, entry entity.AttemptLogEntry) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Attempt log panicked", zap.Any("panic", r))
		}
	}()

	if err := h.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("Failed to append attempt log", zap.Error(err))
	}
}

func resolveKey(req Request, c entity.Candidate) string {
	if req.OriginalSelector != "" {
		return req.OriginalSelector
	}

	if req.Variant == entity.VariantByException && c.Identifier != "" {
		return c.Identifier
	}

	return c.Selector
}

func screenshotName(step string, attemptID uuid.UUID) string {
	name := unsafeFileChars.ReplaceAllString(step, "_")
	if len(name) > maxScreenshotName {
		name = name[:maxScreenshotName]
	}

	if name == "" || name == "_" {
		name = attemptID.String()
	}

	return "ai-" + name + ".png"
}

func transition(step *tracing.Span, s state) {
	step.AddEvent("state", attribute.String("state", string(s)))
}
