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
	anthropicClientName     = "AnthropicClient"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

type AnthropicClient struct {
	model       string
	baseURL     string
	apiKey      string
	temperature float64
	maxTokens   int
	logger      *zap.Logger
	tracer      trace.Tracer
	httpClient  *http.Client
}

func NewAnthropicClient(cfg *config.OracleConfig, httpClient *http.Client, logger *zap.Logger) *AnthropicClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &AnthropicClient{
		model:       cfg.Model,
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		logger:      logger.With(zap.String(logg.Layer, anthropicClientName), zap.String(logg.Model, cfg.Model)),
		tracer:      otel.Tracer(oracleTracer),
		httpClient:  httpClient,
	}
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Temperature float64         `json:"temperature"`
	Messages    []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (c *AnthropicClient) Model() string {
	return c.model
}

func (c *AnthropicClient) Query(ctx context.Context, promptText, screenshotPath string) (text string, err error) {
	const op = "Query"
	logger := c.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, c.tracer, logger, op,
		attribute.String("model", c.model),
		attribute.Int("prompt_chars", len(promptText)))
	defer func() {
		step.End(err)
	}()

	content := make([]claudeContent, 0, 2)

	raw, encoded, err := readScreenshot(screenshotPath)
	if err != nil {
		logger.Warn("Screenshot unreadable, querying without image", zap.String(logg.Path, screenshotPath), zap.Error(err))
	} else if encoded != "" {
		content = append(content, claudeContent{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: http.DetectContentType(raw),
				Data:      encoded,
			},
		})
	}

	content = append(content, claudeContent{Type: "text", Text: promptText})

	reqBody := claudeRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      prompt.SystemInstruction,
		Temperature: c.temperature,
		Messages:    []claudeMessage{{Role: "user", Content: content}},
	}

	step.AddEvent("marshaling request")

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "marshal_failed",
			apperr.MetaStage:  apperr.StageOracle,
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "request_create_failed",
			apperr.MetaStage:  apperr.StageOracle,
		})
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	step.AddEvent("sending HTTP request")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(op, apperr.CodeUnavailable, err, map[string]any{
			apperr.MetaReason:   "http_request_failed",
			apperr.MetaStage:    apperr.StageOracle,
			apperr.MetaProvider: config.ProviderAnthropic,
		})
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "read_body_failed",
			apperr.MetaStage:  apperr.StageOracle,
		})
	}

	if httpResp.StatusCode != http.StatusOK {
		return "", apperr.Wrap(op, apperr.CodeAIError, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(body)), map[string]any{
			apperr.MetaReason: "api_error",
			apperr.MetaStage:  apperr.StageOracle,
			"status_code":     httpResp.StatusCode,
		})
	}

	var claudeResp claudeResponse
	if err := json.Unmarshal(body, &claudeResp); err != nil {
		return "", apperr.Wrap(op, apperr.CodeAIError, err, map[string]any{
			apperr.MetaReason: "unmarshal_failed",
			apperr.MetaStage:  apperr.StageOracle,
		})
	}

	var sb strings.Builder
	for _, block := range claudeResp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	step.AddEvent("response received", attribute.String("stop_reason", claudeResp.StopReason))

	return sb.String(), nil
}

// Release is a no-op: the hosted API keeps no per-client model state.
func (c *AnthropicClient) Release(context.Context) error {
	return nil
}
