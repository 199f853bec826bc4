package oracle

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/prompt"
	"ai-selector-healer/pkg/apperr"
	"ai-selector-healer/pkg/logg"
	"ai-selector-healer/pkg/tracing"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	ollamaClientName     = "OllamaClient"
	defaultOllamaBaseURL = "http://localhost:11434"
	doneReasonUnload     = "unload"
)

// OllamaClient talks to an Ollama server through /api/generate.
type OllamaClient struct {
	model       string
	baseURL     string
	temperature float64
	logger      *zap.Logger
	tracer      trace.Tracer
	httpClient  *http.Client
}

func NewOllamaClient(cfg *config.OracleConfig, httpClient *http.Client, logger *zap.Logger) *OllamaClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/api")

	return &OllamaClient{
		model:       cfg.Model,
		baseURL:     baseURL,
		temperature: cfg.Temperature,
		logger:      logger.With(zap.String(logg.Layer, ollamaClientName), zap.String(logg.Model, cfg.Model)),
		tracer:      otel.Tracer(oracleTracer),
		httpClient:  httpClient,
	}
}

type ollamaGenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt,omitempty"`
	System    string         `json:"system,omitempty"`
	Images    []string       `json:"images,omitempty"`
	Stream    bool           `json:"stream"`
	KeepAlive *int           `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model      string `json:"model"`
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error"`
}

func (c *OllamaClient) Model() string {
	return c.model
}

func (c *OllamaClient) Query(ctx context.Context, promptText, screenshotPath string) (text string, err error) {
	const op = "Query"
	logger := c.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, c.tracer, logger, op,
		attribute.String("model", c.model),
		attribute.Int("prompt_chars", len(promptText)))
	defer func() {
		step.End(err)
	}()

	req := ollamaGenerateRequest{
		Model:  c.model,
		Prompt: promptText,
		System: prompt.SystemInstruction,
		Stream: false,
		Options: map[string]any{
			"temperature": c.temperature,
		},
	}

	_, encoded, err := readScreenshot(screenshotPath)
	if err != nil {
		logger.Warn("Screenshot unreadable, querying without image", zap.String(logg.Path, screenshotPath), zap.Error(err))
	} else if encoded != "" {
		req.Images = []string{encoded}
	}

	step.AddEvent("sending generate request")

	resp, err := c.generate(ctx, op, req)
	if err != nil {
		return "", err
	}

	step.AddEvent("response received", attribute.Int("response_chars", len(resp.Response)))

	return resp.Response, nil
}

// Release asks the server to unload the model right away (keep_alive 0).
func (c *OllamaClient) Release(ctx context.Context) (err error) {
	const op = "Release"
	logger := c.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, c.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	keepAlive := 0
	resp, err := c.generate(ctx, op, ollamaGenerateRequest{
		Model:     c.model,
		Stream:    false,
		KeepAlive: &keepAlive,
	})
	if err != nil {
		return err
	}

	if resp.DoneReason == doneReasonUnload {
		logger.Info("Model unloaded")
	} else {
		logger.Info("Model release requested", zap.String("done_reason", resp.DoneReason))
	}

	return nil
}

func (c *OllamaClient) generate(ctx context.Context, op string, body ollamaGenerateRequest) (*ollamaGenerateResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "marshal_failed",
			apperr.MetaStage:  apperr.StageOracle,
		})
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "request_create_failed",
			apperr.MetaStage:  apperr.StageOracle,
		})
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeUnavailable, err, map[string]any{
			apperr.MetaReason:   "http_request_failed",
			apperr.MetaStage:    apperr.StageOracle,
			apperr.MetaProvider: config.ProviderOllama,
		})
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "read_body_failed",
			apperr.MetaStage:  apperr.StageOracle,
		})
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, apperr.Wrap(op, apperr.CodeAIError,
			fmt.Errorf("ollama error (status %d): %s", httpResp.StatusCode, strings.TrimSpace(string(data))),
			map[string]any{
				apperr.MetaReason: "api_error",
				apperr.MetaStage:  apperr.StageOracle,
				"status_code":     httpResp.StatusCode,
			})
	}

	var resp ollamaGenerateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperr.Wrap(op, apperr.CodeAIError, err, map[string]any{
			apperr.MetaReason: "unmarshal_failed",
			apperr.MetaStage:  apperr.StageOracle,
		})
	}

	if resp.Error != "" {
		return nil, apperr.Wrap(op, apperr.CodeAIError, fmt.Errorf("ollama error: %s", resp.Error), map[string]any{
			apperr.MetaReason: "api_error",
			apperr.MetaStage:  apperr.StageOracle,
		})
	}

	return &resp, nil
}
