package oracle

import (
	"ai-selector-healer/internal/ports"
	"ai-selector-healer/pkg/apperr"
	"ai-selector-healer/pkg/logg"
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	guardName = "OracleGuard"

	defaultMaxFailures uint32 = 3
	defaultOpenTimeout        = time.Minute
)

type GuardConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before a probe is allowed.
	OpenTimeout time.Duration
	// MinInterval spaces out consecutive queries; zero disables limiting.
	MinInterval time.Duration
}

// Guard fronts an oracle with a circuit breaker so a dead inference server
// fails heals fast instead of blocking every step for the full timeout.
type Guard struct {
	inner   ports.Oracle
	breaker *gobreaker.CircuitBreaker[string]
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewGuard(inner ports.Oracle, cfg GuardConfig, logger *zap.Logger) *Guard {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}

	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	logger = logger.With(zap.String(logg.Layer, guardName), zap.String(logg.Model, inner.Model()))

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "oracle:" + inner.Model(),
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Oracle circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Guard{
		inner:   inner,
		breaker: breaker,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

func (g *Guard) Model() string {
	return g.inner.Model()
}

func (g *Guard) Query(ctx context.Context, promptText, screenshotPath string) (string, error) {
	const op = "GuardQuery"

	if err := g.limiter.Wait(ctx); err != nil {
		return "", apperr.Wrap(op, apperr.CodeTimeout, err, map[string]any{
			apperr.MetaReason: "rate_wait_failed",
			apperr.MetaStage:  apperr.StageOracle,
		})
	}

	text, err := g.breaker.Execute(func() (string, error) {
		return g.inner.Query(ctx, promptText, screenshotPath)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", apperr.Wrap(op, apperr.CodeUnavailable, err, map[string]any{
				apperr.MetaReason: "circuit_open",
				apperr.MetaStage:  apperr.StageOracle,
			})
		}

		return "", err
	}

	return text, nil
}

// Release bypasses the breaker; unloading must be attempted even when queries
// have been failing.
func (g *Guard) Release(ctx context.Context) error {
	return g.inner.Release(ctx)
}

func (g *Guard) State() gobreaker.State {
	return g.breaker.State()
}

var (
	_ ports.Oracle = (*Guard)(nil)
	_ ports.Oracle = (*OllamaClient)(nil)
	_ ports.Oracle = (*AnthropicClient)(nil)
)
