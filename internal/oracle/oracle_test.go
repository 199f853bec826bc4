package oracle

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/pkg/apperr"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func writeScreenshot(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0o644))

	return path
}

func TestOllamaQuerySendsImageAndTemperature(t *testing.T) {
	var got ollamaGenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "```json\n{}\n```", Done: true})
	}))
	defer server.Close()

	client := NewOllamaClient(&config.OracleConfig{Model: "llava", BaseURL: server.URL + "/api", Temperature: 0.1}, server.Client(), zap.NewNop())

	text, err := client.Query(context.Background(), "find the button", writeScreenshot(t))
	require.NoError(t, err)

	assert.Equal(t, "```json\n{}\n```", text)
	assert.Equal(t, "llava", got.Model)
	assert.Equal(t, "find the button", got.Prompt)
	assert.False(t, got.Stream)
	assert.NotEmpty(t, got.System)
	assert.InDelta(t, 0.1, got.Options["temperature"], 1e-9)
	require.Len(t, got.Images, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pngHeader), got.Images[0])
}

func TestOllamaQueryWithoutScreenshot(t *testing.T) {
	var got ollamaGenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "ok"})
	}))
	defer server.Close()

	client := NewOllamaClient(&config.OracleConfig{Model: "llava", BaseURL: server.URL}, server.Client(), zap.NewNop())

	_, err := client.Query(context.Background(), "p", filepath.Join(t.TempDir(), "missing.png"))
	require.NoError(t, err)
	assert.Empty(t, got.Images)
}

func TestOllamaQueryErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    string
	}{
		{
			name: "status error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model not found", http.StatusNotFound)
			},
			code: apperr.CodeAIError,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>proxy</html>"))
			},
			code: apperr.CodeAIError,
		},
		{
			name: "error field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"error":"out of memory"}`))
			},
			code: apperr.CodeAIError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := NewOllamaClient(&config.OracleConfig{Model: "llava", BaseURL: server.URL}, server.Client(), zap.NewNop())

			_, err := client.Query(context.Background(), "p", "")
			require.Error(t, err)
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func TestOllamaQueryTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewOllamaClient(&config.OracleConfig{Model: "llava", BaseURL: url}, &http.Client{}, zap.NewNop())

	_, err := client.Query(context.Background(), "p", "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))
}

func TestOllamaReleaseSendsKeepAliveZero(t *testing.T) {
	var raw map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Done: true, DoneReason: "unload"})
	}))
	defer server.Close()

	client := NewOllamaClient(&config.OracleConfig{Model: "llava", BaseURL: server.URL}, server.Client(), zap.NewNop())

	require.NoError(t, client.Release(context.Background()))
	assert.Equal(t, "llava", raw["model"])
	assert.EqualValues(t, 0, raw["keep_alive"])
	assert.NotContains(t, raw, "prompt")
}

func TestAnthropicQuery(t *testing.T) {
	var got claudeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Selector: //a"},{"type":"text","text":"\nConfidence: 80%"}],"stop_reason":"end_turn"}`))
	}))
	defer server.Close()

	client := NewAnthropicClient(&config.OracleConfig{
		Model:       "claude-sonnet-4-20250514",
		BaseURL:     server.URL,
		APIKey:      "secret",
		Temperature: 0.1,
	}, server.Client(), zap.NewNop())

	text, err := client.Query(context.Background(), "find it", writeScreenshot(t))
	require.NoError(t, err)

	assert.Equal(t, "Selector: //a\nConfidence: 80%", text)
	assert.Equal(t, 1024, got.MaxTokens)
	assert.InDelta(t, 0.1, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "image", got.Messages[0].Content[0].Type)
	assert.Equal(t, "image/png", got.Messages[0].Content[0].Source.MediaType)
	assert.Equal(t, "find it", got.Messages[0].Content[1].Text)

	assert.NoError(t, client.Release(context.Background()))
}

func TestAnthropicQueryStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer server.Close()

	client := NewAnthropicClient(&config.OracleConfig{Model: "m", BaseURL: server.URL, APIKey: "k"}, server.Client(), zap.NewNop())

	_, err := client.Query(context.Background(), "p", "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAIError, apperr.CodeOf(err))
}

type stubOracle struct {
	calls    int
	releases int
	query    func() (string, error)
}

func (s *stubOracle) Query(context.Context, string, string) (string, error) {
	s.calls++
	return s.query()
}

func (s *stubOracle) Release(context.Context) error {
	s.releases++
	return nil
}

func (s *stubOracle) Model() string { return "stub" }

func TestGuardPassesThrough(t *testing.T) {
	inner := &stubOracle{query: func() (string, error) { return "ok", nil }}
	guard := NewGuard(inner, GuardConfig{}, zap.NewNop())

	text, err := guard.Query(context.Background(), "p", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, "stub", guard.Model())
}

func TestGuardOpensAfterFailures(t *testing.T) {
	inner := &stubOracle{query: func() (string, error) { return "", errors.New("connection refused") }}
	guard := NewGuard(inner, GuardConfig{MaxFailures: 2, OpenTimeout: time.Minute}, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := guard.Query(context.Background(), "p", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	}
	assert.Equal(t, gobreaker.StateOpen, guard.State())

	_, err := guard.Query(context.Background(), "p", "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))
	assert.Equal(t, 2, inner.calls, "open circuit must not reach the backend")

	require.NoError(t, guard.Release(context.Background()))
	assert.Equal(t, 1, inner.releases)
}

func TestGuardRateLimitHonoursContext(t *testing.T) {
	inner := &stubOracle{query: func() (string, error) { return "ok", nil }}
	guard := NewGuard(inner, GuardConfig{MinInterval: time.Hour}, zap.NewNop())

	_, err := guard.Query(context.Background(), "p", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = guard.Query(ctx, "p", "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTimeout, apperr.CodeOf(err))
	assert.Equal(t, 1, inner.calls)
}

func TestNewSelectsProvider(t *testing.T) {
	o, err := New(Params{
		Config: &config.Config{OracleConfig: &config.OracleConfig{Provider: config.ProviderOllama, Model: "llava"}},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	assert.Equal(t, "llava", o.Model())

	_, err = New(Params{
		Config: &config.Config{OracleConfig: &config.OracleConfig{Provider: "nope"}},
		Logger: zap.NewNop(),
	})
	assert.Error(t, err)
}
