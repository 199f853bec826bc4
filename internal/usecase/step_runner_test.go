package usecase

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/entity"
	"ai-selector-healer/internal/ports"
	"ai-selector-healer/pkg/apperr"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBrowser succeeds only for selectors listed in present.
type fakeBrowser struct {
	ready   bool
	present map[string]string
	clicks  []string
	fills   map[string]string
	visited []string
	page    ports.Page
}

func (b *fakeBrowser) Launch(context.Context) error {
	b.ready = true
	return nil
}

func (b *fakeBrowser) Close(context.Context) error {
	b.ready = false
	return nil
}

func (b *fakeBrowser) IsReady() bool { return b.ready }

func (b *fakeBrowser) Page() ports.Page { return b.page }

// shotPage records screenshot paths and fails them when err is set.
type shotPage struct {
	shots []string
	err   error
}

func (p *shotPage) Screenshot(_ context.Context, path string) error {
	p.shots = append(p.shots, path)
	return p.err
}

func (p *shotPage) Content(context.Context) (string, error) { return "", nil }

func (p *shotPage) Locate(context.Context, string) error { return nil }

func (p *shotPage) QueryAll(context.Context, string) (int, error) { return 0, nil }

func (b *fakeBrowser) Navigate(_ context.Context, url string) error {
	b.visited = append(b.visited, url)
	return nil
}

func (b *fakeBrowser) missing(op, selector string) error {
	return apperr.Wrap(op, apperr.CodeActionFailed, errors.New("Timeout 1000ms exceeded"), map[string]any{
		apperr.MetaSelector: selector,
	})
}

func (b *fakeBrowser) Click(_ context.Context, selector string) error {
	if _, ok := b.present[selector]; !ok {
		return b.missing("Click", selector)
	}
	b.clicks = append(b.clicks, selector)

	return nil
}

func (b *fakeBrowser) Fill(_ context.Context, selector, value string) error {
	if _, ok := b.present[selector]; !ok {
		return b.missing("Fill", selector)
	}
	if b.fills == nil {
		b.fills = map[string]string{}
	}
	b.fills[selector] = value

	return nil
}

func (b *fakeBrowser) WaitForSelector(_ context.Context, selector string, _ int) error {
	if _, ok := b.present[selector]; !ok {
		return apperr.Wrap("WaitForSelector", apperr.CodeTimeout, errors.New("timeout"), nil)
	}

	return nil
}

func (b *fakeBrowser) GetElementText(_ context.Context, selector string) (string, error) {
	text, ok := b.present[selector]
	if !ok {
		return "", apperr.NotFoundError("GetElementText", errors.New("element not found"))
	}

	return text, nil
}

type fakeHealer struct {
	mapping   map[string]string
	healed    string
	ok        bool
	calls     int
	lastError string
}

func (h *fakeHealer) HealByLabel(context.Context, ports.Page, string, string, string) (string, bool) {
	return "", false
}

func (h *fakeHealer) HealByException(_ context.Context, _ ports.Page, _, exceptionText, _ string) (string, bool) {
	h.calls++
	h.lastError = exceptionText

	return h.healed, h.ok
}

func (h *fakeHealer) UpdateSelector(_ context.Context, key, selector string) error {
	h.mapping[key] = selector
	return nil
}

func (h *fakeHealer) Lookup(key string) (string, bool) {
	sel, ok := h.mapping[key]
	return sel, ok
}

func (h *fakeHealer) Release(context.Context) {}

func newTestRunner(browser *fakeBrowser, healer *fakeHealer, enabled bool) *StepRunner {
	if healer.mapping == nil {
		healer.mapping = map[string]string{}
	}

	return NewStepRunner(StepRunnerParams{
		Config: &config.Config{
			BrowserConfig: &config.BrowserConfig{Timeout: 1000},
			HealerConfig:  &config.HealerConfig{Enabled: enabled},
		},
		Logger:  zap.NewNop(),
		Browser: browser,
		Healer:  healer,
	})
}

func TestRunPassesWithoutHealing(t *testing.T) {
	browser := &fakeBrowser{ready: true, present: map[string]string{"#buy": ""}}
	healer := &fakeHealer{}

	res, err := newTestRunner(browser, healer, true).Run(context.Background(), entity.Step{Action: entity.StepActionClick, Selector: "#buy"})

	require.NoError(t, err)
	assert.False(t, res.Healed)
	assert.Equal(t, "#buy", res.Selector)
	assert.Zero(t, healer.calls)
	assert.False(t, res.CompletedAt.Before(res.StartedAt))
}

func TestRunHealsAndRetries(t *testing.T) {
	browser := &fakeBrowser{ready: true, present: map[string]string{"//button[@id='buy']": ""}}
	healer := &fakeHealer{healed: "//button[@id='buy']", ok: true}

	res, err := newTestRunner(browser, healer, true).Run(context.Background(), entity.Step{
		Description: "click buy",
		Action:      entity.StepActionClick,
		Selector:    "#buy-old",
	})

	require.NoError(t, err)
	assert.True(t, res.Healed)
	assert.Equal(t, "//button[@id='buy']", res.Selector)
	assert.Equal(t, 1, healer.calls)
	assert.Contains(t, healer.lastError, "Timeout 1000ms exceeded")
	assert.Equal(t, []string{"//button[@id='buy']"}, browser.clicks)
}

func TestRunUsesStoredMappingFirst(t *testing.T) {
	browser := &fakeBrowser{ready: true, present: map[string]string{"#email-new": ""}}
	healer := &fakeHealer{mapping: map[string]string{"#email": "#email-new"}}

	res, err := newTestRunner(browser, healer, true).Run(context.Background(), entity.Step{
		Action:   entity.StepActionFill,
		Selector: "#email",
		Value:    "qa@example.com",
	})

	require.NoError(t, err)
	assert.True(t, res.Healed)
	assert.Zero(t, healer.calls)
	assert.Equal(t, "qa@example.com", browser.fills["#email-new"])
}

func TestRunHealFailure(t *testing.T) {
	browser := &fakeBrowser{ready: true}
	healer := &fakeHealer{ok: false}

	_, err := newTestRunner(browser, healer, true).Run(context.Background(), entity.Step{Action: entity.StepActionText, Selector: "h1"})

	require.Error(t, err)
	assert.Equal(t, apperr.CodeHealFailed, apperr.CodeOf(err))
	assert.Equal(t, "heal_failed", apperr.ReasonOf(err))
	assert.Equal(t, 1, healer.calls)
}

func TestRunHealedSelectorStillFails(t *testing.T) {
	browser := &fakeBrowser{ready: true}
	healer := &fakeHealer{healed: "//h1", ok: true}

	_, err := newTestRunner(browser, healer, true).Run(context.Background(), entity.Step{Action: entity.StepActionWait, Selector: "h1"})

	require.Error(t, err)
	assert.Equal(t, apperr.CodeHealFailed, apperr.CodeOf(err))
	assert.Equal(t, "healed_selector_failed", apperr.ReasonOf(err))
}

func TestRunHealingDisabled(t *testing.T) {
	browser := &fakeBrowser{ready: true}
	healer := &fakeHealer{healed: "//a", ok: true}

	_, err := newTestRunner(browser, healer, false).Run(context.Background(), entity.Step{Action: entity.StepActionClick, Selector: "#a"})

	require.Error(t, err)
	assert.Equal(t, apperr.CodeActionFailed, apperr.CodeOf(err))
	assert.Zero(t, healer.calls)
}

func TestRunValidation(t *testing.T) {
	runner := newTestRunner(&fakeBrowser{ready: true}, &fakeHealer{}, true)

	tests := []struct {
		name string
		step entity.Step
	}{
		{name: "navigate without url", step: entity.Step{Action: entity.StepActionNavigate}},
		{name: "click without selector", step: entity.Step{Action: entity.StepActionClick}},
		{name: "unknown action", step: entity.Step{Action: "hover", Selector: "#a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runner.Run(context.Background(), tt.step)
			require.Error(t, err)
			assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
		})
	}
}

func TestRunBrowserNotReady(t *testing.T) {
	_, err := newTestRunner(&fakeBrowser{}, &fakeHealer{}, true).Run(context.Background(), entity.Step{Action: entity.StepActionClick, Selector: "#a"})

	assert.Equal(t, apperr.CodeBrowserNotReady, apperr.CodeOf(err))
}

func TestRunAllStopsAtFirstFailure(t *testing.T) {
	browser := &fakeBrowser{ready: true, present: map[string]string{"h1": "Shop"}}
	runner := newTestRunner(browser, &fakeHealer{}, true)

	results, err := runner.RunAll(context.Background(), []entity.Step{
		{Action: entity.StepActionNavigate, URL: "/shop"},
		{Action: entity.StepActionText, Selector: "h1"},
		{Action: entity.StepActionClick, Selector: "#gone"},
		{Action: entity.StepActionClick, Selector: "h1"},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 3")
	require.Len(t, results, 2)
	assert.Equal(t, "Shop", results[1].Text)
	assert.Equal(t, []string{"/shop"}, browser.visited)
	assert.Empty(t, browser.clicks)
}

func newShootingRunner(t *testing.T, browser *fakeBrowser, healer *fakeHealer) (*StepRunner, string) {
	t.Helper()

	dir := t.TempDir()
	runner := newTestRunner(browser, healer, true)
	runner.config.BrowserConfig.FailureScreenshots = true
	runner.config.HealerConfig.ScreenshotsDir = dir
	runner.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	return runner, dir
}

func TestRunCapturesScreenshotOnFinalFailure(t *testing.T) {
	page := &shotPage{}
	browser := &fakeBrowser{ready: true, page: page}
	runner, dir := newShootingRunner(t, browser, &fakeHealer{ok: false})

	res, err := runner.Run(context.Background(), entity.Step{Description: "click buy now", Action: entity.StepActionClick, Selector: "#buy"})

	require.Error(t, err)
	want := filepath.Join(dir, "failed-click_buy_now-20240501-100000.png")
	assert.Equal(t, want, res.Screenshot)
	assert.Equal(t, []string{want}, page.shots)
}

func TestRunSkipsScreenshotOnSuccess(t *testing.T) {
	page := &shotPage{}
	browser := &fakeBrowser{ready: true, page: page, present: map[string]string{"//button[@id='buy']": ""}}
	runner, _ := newShootingRunner(t, browser, &fakeHealer{healed: "//button[@id='buy']", ok: true})

	res, err := runner.Run(context.Background(), entity.Step{Action: entity.StepActionClick, Selector: "#buy"})

	require.NoError(t, err)
	assert.Empty(t, res.Screenshot)
	assert.Empty(t, page.shots)
}

func TestRunScreenshotFailureKeepsStepError(t *testing.T) {
	page := &shotPage{err: errors.New("page crashed")}
	browser := &fakeBrowser{ready: true, page: page}
	runner, _ := newShootingRunner(t, browser, &fakeHealer{ok: false})

	res, err := runner.Run(context.Background(), entity.Step{Action: entity.StepActionText, Selector: "h1"})

	require.Error(t, err)
	assert.Equal(t, apperr.CodeHealFailed, apperr.CodeOf(err))
	assert.Empty(t, res.Screenshot)
	assert.Len(t, page.shots, 1)
}

func TestRunFailureScreenshotsDisabled(t *testing.T) {
	page := &shotPage{}
	browser := &fakeBrowser{ready: true, page: page}
	runner, _ := newShootingRunner(t, browser, &fakeHealer{ok: false})
	runner.config.BrowserConfig.FailureScreenshots = false

	res, err := runner.Run(context.Background(), entity.Step{Action: entity.StepActionClick, Selector: "#a"})

	require.Error(t, err)
	assert.Empty(t, res.Screenshot)
	assert.Empty(t, page.shots)
}
