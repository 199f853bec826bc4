package validator

import (
	"ai-selector-healer/internal/entity"
	"ai-selector-healer/internal/ports"
	"ai-selector-healer/pkg/logg"
	"context"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const validatorName = "SelectorValidator"

// Validator checks a candidate against the live page. Only xpath candidates
// are executed; any other declared type is reported invalid.
type Validator struct {
	logger *zap.Logger
}

type Params struct {
	fx.In

	Logger *zap.Logger
}

func NewValidator(params Params) *Validator {
	return &Validator{
		logger: params.Logger.With(zap.String(logg.Layer, validatorName)),
	}
}

func (v *Validator) Validate(ctx context.Context, page ports.Page, selector string, selectorType entity.SelectorType) (valid bool) {
	logger := v.logger.With(zap.String(logg.Selector, selector), zap.String("selector_type", string(selectorType)))

	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Validation panicked", zap.Any("panic", r))
			valid = false
		}
	}()

	if page == nil || strings.TrimSpace(selector) == "" {
		return false
	}

	// TODO: execute css and text candidates once the page adapter exposes a
	// count for non-xpath engines.
	if selectorType != entity.SelectorTypeXPath {
		logger.Info("Selector type is not executable, treating as invalid")

		return false
	}

	count, err := page.QueryAll(ctx, selector)
	if err != nil {
		logger.Info("Selector failed to evaluate", zap.Error(err))

		return false
	}

	logger.Debug("Selector evaluated", zap.Int("matches", count))

	return count > 0
}
