package oracle

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/ports"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const oracleTracer = "healer.oracle"

type Params struct {
	fx.In

	Config *config.Config
	Logger *zap.Logger
}

// New builds the configured backend behind a circuit breaker and rate limiter.
func New(params Params) (ports.Oracle, error) {
	cfg := params.Config.OracleConfig

	var backend ports.Oracle

	switch cfg.Provider {
	case config.ProviderOllama:
		backend = NewOllamaClient(cfg, &http.Client{}, params.Logger)
	case config.ProviderAnthropic:
		backend = NewAnthropicClient(cfg, &http.Client{}, params.Logger)
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}

	return NewGuard(backend, GuardConfig{
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerTimeout,
		MinInterval: cfg.MinInterval,
	}, params.Logger), nil
}

// readScreenshot returns the raw bytes and base64 encoding of the image at
// path. An empty path yields no image.
func readScreenshot(path string) ([]byte, string, error) {
	if path == "" {
		return nil, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}

	return data, base64.StdEncoding.EncodeToString(data), nil
}
