package console

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/entity"
	"ai-selector-healer/internal/ports"
	"ai-selector-healer/internal/usecase"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSteps struct {
	ran []entity.Step
	err error
}

func (s *stubSteps) Run(_ context.Context, st entity.Step) (*entity.StepResult, error) {
	s.ran = append(s.ran, st)
	if s.err != nil {
		return &entity.StepResult{Step: st, Screenshot: "reports/screenshots/failed.png"}, s.err
	}

	return &entity.StepResult{Step: st, Selector: st.Selector, Text: "hello"}, nil
}

func (s *stubSteps) RunAll(ctx context.Context, steps []entity.Step) ([]entity.StepResult, error) {
	return nil, nil
}

type stubBrowser struct{}

func (stubBrowser) Launch(context.Context) error                           { return nil }
func (stubBrowser) Close(context.Context) error                            { return nil }
func (stubBrowser) Navigate(context.Context, string) error                 { return nil }
func (stubBrowser) Click(context.Context, string) error                    { return nil }
func (stubBrowser) Fill(context.Context, string, string) error             { return nil }
func (stubBrowser) WaitForSelector(context.Context, string, int) error     { return nil }
func (stubBrowser) GetElementText(context.Context, string) (string, error) { return "", nil }
func (stubBrowser) Page() ports.Page                                       { return nil }
func (stubBrowser) IsReady() bool                                          { return true }

type stubHealer struct {
	selectors entity.SelectorMap
	healArgs  []string
	released  bool
}

func (h *stubHealer) HealByLabel(_ context.Context, _ ports.Page, original, label, _ string) (string, bool) {
	h.healArgs = []string{original, label}

	return "//button[@id='ok']", true
}

func (h *stubHealer) HealByException(context.Context, ports.Page, string, string, string) (string, bool) {
	return "", false
}

func (h *stubHealer) UpdateSelector(_ context.Context, key, selector string) error {
	h.selectors[key] = selector

	return nil
}

func (h *stubHealer) Lookup(key string) (string, bool) {
	sel, ok := h.selectors[key]

	return sel, ok
}

func (h *stubHealer) Release(context.Context) { h.released = true }

type stubStore struct {
	healer   *stubHealer
	attempts []entity.AttemptLogEntry
}

func (s *stubStore) Snapshot() entity.SelectorMap { return s.healer.selectors.Clone() }

func (s *stubStore) Attempts(context.Context) ([]entity.AttemptLogEntry, error) {
	return s.attempts, nil
}

func newTestInterface(input string) (*Interface, *stubSteps, *stubHealer, *bytes.Buffer) {
	steps := &stubSteps{}
	healer := &stubHealer{selectors: entity.SelectorMap{}}
	out := &bytes.Buffer{}

	i := NewInterface(Params{
		Config: &config.Config{OracleConfig: &config.OracleConfig{Model: "llava", Provider: "ollama"}},
		Logger: zap.NewNop(),
		Usecase: &usecase.Service{
			Steps:   steps,
			Browser: stubBrowser{},
			Healer:  healer,
			Store: &stubStore{healer: healer, attempts: []entity.AttemptLogEntry{
				{Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), Variant: entity.VariantByLabel, OriginalSelector: "#a", SuggestedSelector: "//a", Confidence: "90%", Valid: true},
			}},
		},
	})
	i.in = strings.NewReader(input)
	i.out = out

	return i, steps, healer, out
}

func TestConsoleStepCommands(t *testing.T) {
	i, steps, _, out := newTestInterface("open /login\nfill #email qa@example.com\nfill //input[@name='a b'] = x y\nclick #submit\ntext h1\nexit\nclick #never\n")

	require.NoError(t, i.Start())

	require.Len(t, steps.ran, 5)
	assert.Equal(t, entity.Step{Action: entity.StepActionNavigate, URL: "/login"}, steps.ran[0])
	assert.Equal(t, entity.Step{Action: entity.StepActionFill, Selector: "#email", Value: "qa@example.com"}, steps.ran[1])
	assert.Equal(t, entity.Step{Action: entity.StepActionFill, Selector: "//input[@name='a b']", Value: "x y"}, steps.ran[2])
	assert.Equal(t, entity.StepActionClick, steps.ran[3].Action)
	assert.Contains(t, out.String(), `"hello"`)
	assert.Contains(t, out.String(), "Shutting down...")
}

func TestConsoleHealAndMap(t *testing.T) {
	i, _, healer, out := newTestInterface("heal //a | //b | Submit button\nupdate #cart //a[@href='/cart']\nmap\nlog\nrelease\n")

	require.NoError(t, i.Start())

	assert.Equal(t, []string{"//a | //b", "Submit button"}, healer.healArgs)
	assert.Contains(t, out.String(), "Healed: //button[@id='ok']")
	assert.Equal(t, "//a[@href='/cart']", healer.selectors["#cart"])
	assert.Contains(t, out.String(), `"#cart": "//a[@href='/cart']"`)
	assert.Contains(t, out.String(), "2024-05-01 10:00:00")
	assert.True(t, healer.released)
}

func TestConsoleReportsErrors(t *testing.T) {
	i, steps, _, out := newTestInterface("bogus\nheal #a\nupdate onlykey\nlog zero\nclick #x\n")
	steps.err = errors.New("heal failed")

	require.NoError(t, i.Start())

	text := out.String()
	assert.Contains(t, text, `unknown command "bogus"`)
	assert.Contains(t, text, "usage: heal <selector> | <label>")
	assert.Contains(t, text, "usage: update <key> <selector>")
	assert.Contains(t, text, "usage: log [count]")
	assert.Contains(t, text, "Error: heal failed")
	assert.Contains(t, text, "Screenshot: reports/screenshots/failed.png")
}

func TestConsoleStopEndsLoop(t *testing.T) {
	i, steps, _, _ := newTestInterface("click #a\n")
	require.NoError(t, i.Stop())
	require.NoError(t, i.Stop())

	require.NoError(t, i.Start())
	assert.Empty(t, steps.ran)
}
