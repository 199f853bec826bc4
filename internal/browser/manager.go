package browser

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/ports"
	"ai-selector-healer/pkg/apperr"
	"ai-selector-healer/pkg/logg"
	"ai-selector-healer/pkg/tracing"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	browserManagerName = "BrowserManager"
	browserTracer      = "browser.manager"
	settleDelay        = 300 * time.Millisecond
)

// Manager drives a single playwright page. It also serves as the ports.Page
// view the healer captures from and validates against.
type Manager struct {
	config         *config.BrowserConfig
	logger         *zap.Logger
	tracer         trace.Tracer
	playwright     *playwright.Playwright
	browser        playwright.Browser
	browserContext playwright.BrowserContext
	page           playwright.Page
	ready          bool
	recording      bool
	startedAt      time.Time
}

type Params struct {
	fx.In

	Config *config.Config
	Logger *zap.Logger
}

func NewManager(params Params) *Manager {
	return &Manager{
		config: params.Config.BrowserConfig,
		logger: params.Logger.With(zap.String(logg.Layer, browserManagerName)),
		tracer: otel.Tracer(browserTracer),
		ready:  false,
	}
}

func (m *Manager) Launch(ctx context.Context) (err error) {
	const op = "Launch"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String("browser", m.config.Browser))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op, attribute.String("browser", m.config.Browser))
	defer func() {
		step.End(err)
	}()

	logger.Info("Launching browser...")
	step.AddEvent("installing playwright")

	runOptions := &playwright.RunOptions{Browsers: []string{m.config.Browser}}

	if err = playwright.Install(runOptions); err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "playwright_install_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	step.AddEvent("starting playwright")

	pw, err := playwright.Run(runOptions)
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "playwright_start_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	m.playwright = pw

	browserType, err := m.browserType()
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInvalidArgument, err, map[string]any{
			apperr.MetaReason: "unknown_browser",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	browser, err := browserType.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.config.Headless),
		SlowMo:   playwright.Float(float64(m.config.SlowMo)),
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "browser_launch_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	m.browser = browser

	contextOptions := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  1280,
			Height: 720,
		},
		JavaScriptEnabled: playwright.Bool(true),
	}

	m.startedAt = time.Now()
	if m.config.Tracing {
		if err = os.MkdirAll(m.config.TracesDir, 0o755); err != nil {
			return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "traces_dir_failed",
				apperr.MetaStage:  apperr.StageBrowser,
				apperr.MetaPath:   m.config.TracesDir,
			})
		}

		contextOptions.RecordVideo = &playwright.RecordVideo{Dir: filepath.Join(m.config.TracesDir, "videos")}
		contextOptions.RecordHarPath = playwright.String(m.artifactPath("network", "har"))
	}

	browserContext, err := browser.NewContext(contextOptions)
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "context_create_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	m.browserContext = browserContext

	if m.config.Tracing {
		step.AddEvent("starting trace")

		err := browserContext.Tracing().Start(playwright.TracingStartOptions{
			Screenshots: playwright.Bool(true),
			Snapshots:   playwright.Bool(true),
			Sources:     playwright.Bool(true),
		})
		if err != nil {
			logger.Warn("Failed to start tracing, continuing without it", zap.Error(err))
		} else {
			m.recording = true
		}
	}

	page, err := browserContext.NewPage()
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "page_create_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	m.page = page

	m.ready = true
	logger.Info("Browser launched successfully")

	return nil
}

func (m *Manager) browserType() (playwright.BrowserType, error) {
	switch strings.ToLower(m.config.Browser) {
	case "", "chromium", "chrome":
		return m.playwright.Chromium, nil
	case "firefox":
		return m.playwright.Firefox, nil
	case "webkit", "safari":
		return m.playwright.WebKit, nil
	default:
		return nil, fmt.Errorf("unsupported browser %q", m.config.Browser)
	}
}

func (m *Manager) Close(ctx context.Context) (err error) {
	const op = "Close"
	logger := m.logger.With(zap.String(logg.Operation, op))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	logger.Info("Closing browser...")

	if m.recording && m.browserContext != nil {
		path := m.artifactPath("trace", "zip")
		if err := m.browserContext.Tracing().Stop(path); err != nil {
			logger.Warn("Failed to save trace", zap.String(logg.Path, path), zap.Error(err))
		} else {
			logger.Info("Trace saved", zap.String(logg.Path, path))
		}
		m.recording = false
	}

	// Video and HAR files are flushed when the context closes.
	if m.browserContext != nil {
		if err := m.browserContext.Close(); err != nil {
			logger.Warn("Failed to close context", zap.Error(err))
		}
	}

	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			logger.Warn("Failed to close browser", zap.Error(err))
		}
	}

	m.ready = false

	if m.playwright != nil {
		if err := m.playwright.Stop(); err != nil {
			return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "playwright_stop_failed",
				apperr.MetaStage:  apperr.StageBrowser,
			})
		}
	}

	logger.Info("Browser closed")

	return nil
}

// artifactPath names a session recording, e.g. trace-chromium-1700000000.zip.
func (m *Manager) artifactPath(kind, ext string) string {
	browserName := strings.ToLower(m.config.Browser)
	if browserName == "" {
		browserName = "chromium"
	}

	return filepath.Join(m.config.TracesDir, fmt.Sprintf("%s-%s-%d.%s", kind, browserName, m.startedAt.Unix(), ext))
}

func (m *Manager) IsReady() bool {
	return m.ready
}

// Page returns the live page view used for healing.
func (m *Manager) Page() ports.Page {
	return m
}

func (m *Manager) ensurePageActive() error {
	if !m.ready {
		return apperr.WrapErrorWithReason("ensurePageActive", apperr.CodeBrowserNotReady, "browser_not_ready")
	}

	if m.browserContext == nil {
		return fmt.Errorf("browser context is nil")
	}

	if m.page != nil && !m.page.IsClosed() {
		return nil
	}

	m.logger.Info("Page closed, reconnecting to active page...")

	for _, p := range m.browserContext.Pages() {
		if !p.IsClosed() {
			m.page = p
			m.logger.Info("Reconnected to existing page")

			return nil
		}
	}

	page, err := m.browserContext.NewPage()
	if err != nil {
		return fmt.Errorf("failed to create new page: %w", err)
	}

	m.page = page
	m.logger.Info("Created new page")

	return nil
}

func (m *Manager) notReady(op string, err error) error {
	return apperr.Wrap(op, apperr.CodeBrowserNotReady, err, map[string]any{
		apperr.MetaReason: "page_not_active",
		apperr.MetaStage:  apperr.StageBrowser,
	})
}

func (m *Manager) Navigate(ctx context.Context, rawURL string) (err error) {
	const op = "Navigate"

	target, err := m.resolveURL(rawURL)
	if err != nil {
		return apperr.InvalidReqError(op, "url", err)
	}

	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.URL, target))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op, attribute.String("url", target))
	defer func() {
		step.End(err)
	}()

	if err := m.ensurePageActive(); err != nil {
		return m.notReady(op, err)
	}

	step.AddEvent("navigating to URL")

	_, err = m.page.Goto(target, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(m.navigationTimeout())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeActionFailed, err, map[string]any{
			apperr.MetaReason: "goto_failed",
			apperr.MetaStage:  apperr.StageNavigation,
			apperr.MetaURL:    target,
		})
	}

	step.AddEvent("navigation completed")

	return nil
}

// resolveURL resolves relative paths against BROWSER_BASE_URL.
func (m *Manager) resolveURL(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if ref.IsAbs() || m.config.BaseURL == "" {
		return raw, nil
	}

	base, err := url.Parse(m.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}

	return base.ResolveReference(ref).String(), nil
}

func (m *Manager) navigationTimeout() int {
	// Page loads get a longer window than element lookups.
	return m.config.Timeout * 6
}

// Click tries a regular click first, then a forced one for elements that are
// covered or still animating. A selector that matches nothing fails both.
func (m *Manager) Click(ctx context.Context, selector string) (err error) {
	const op = "Click"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.Selector, selector))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op, attribute.String("selector", selector))
	defer func() {
		step.End(err)
	}()

	if err := m.ensurePageActive(); err != nil {
		return m.notReady(op, err)
	}

	timeout := playwright.Float(float64(m.config.Timeout))
	locator := m.page.Locator(selector).First()

	strategies := []struct {
		name string
		fn   func() error
	}{
		{
			name: "click",
			fn: func() error {
				return locator.Click(playwright.LocatorClickOptions{Timeout: timeout})
			},
		},
		{
			name: "force_click",
			fn: func() error {
				if err := locator.WaitFor(playwright.LocatorWaitForOptions{
					State:   playwright.WaitForSelectorStateAttached,
					Timeout: timeout,
				}); err != nil {
					return err
				}

				return locator.Click(playwright.LocatorClickOptions{Timeout: timeout, Force: playwright.Bool(true)})
			},
		},
	}

	var lastErr error
	for i, strategy := range strategies {
		step.AddEvent(fmt.Sprintf("trying strategy: %s (attempt %d)", strategy.name, i+1))

		if lastErr = strategy.fn(); lastErr == nil {
			time.Sleep(settleDelay)
			step.AddEvent("click completed")

			return nil
		}

		logger.Warn("Strategy failed", zap.String("strategy", strategy.name), zap.Error(lastErr))

		if isTimeout(lastErr) {
			break
		}
	}

	return apperr.Wrap(op, apperr.CodeActionFailed, lastErr, map[string]any{
		apperr.MetaReason:   "click_failed_all_strategies",
		apperr.MetaStage:    apperr.StageInteraction,
		apperr.MetaSelector: selector,
	})
}

func (m *Manager) Fill(ctx context.Context, selector, value string) (err error) {
	const op = "Fill"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.Selector, selector))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op, attribute.String("selector", selector))
	defer func() {
		step.End(err)
	}()

	if err := m.ensurePageActive(); err != nil {
		return m.notReady(op, err)
	}

	step.AddEvent("filling field")

	err = m.page.Locator(selector).First().Fill(value, playwright.LocatorFillOptions{
		Timeout: playwright.Float(float64(m.config.Timeout)),
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeActionFailed, err, map[string]any{
			apperr.MetaReason:   "fill_failed",
			apperr.MetaStage:    apperr.StageInteraction,
			apperr.MetaSelector: selector,
		})
	}

	step.AddEvent("fill completed")

	return nil
}

func (m *Manager) WaitForSelector(ctx context.Context, selector string, timeout int) (err error) {
	const op = "WaitForSelector"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.Selector, selector))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op, attribute.String("selector", selector))
	defer func() {
		step.End(err)
	}()

	if err := m.ensurePageActive(); err != nil {
		return m.notReady(op, err)
	}

	if timeout <= 0 {
		timeout = m.config.Timeout
	}

	err = m.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout)),
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeTimeout, err, map[string]any{
			apperr.MetaReason:   "wait_selector_timeout",
			apperr.MetaStage:    apperr.StageInteraction,
			apperr.MetaSelector: selector,
		})
	}

	return nil
}

func (m *Manager) GetElementText(ctx context.Context, selector string) (text string, err error) {
	const op = "GetElementText"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.Selector, selector))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op, attribute.String("selector", selector))
	defer func() {
		step.End(err)
	}()

	if err := m.ensurePageActive(); err != nil {
		return "", m.notReady(op, err)
	}

	text, err = m.page.Locator(selector).First().TextContent(playwright.LocatorTextContentOptions{
		Timeout: playwright.Float(float64(m.config.Timeout)),
	})
	if err != nil {
		return "", apperr.Wrap(op, apperr.CodeNotFound, err, map[string]any{
			apperr.MetaReason:   "element_not_found",
			apperr.MetaStage:    apperr.StageInteraction,
			apperr.MetaSelector: selector,
		})
	}

	return strings.TrimSpace(text), nil
}

// Screenshot writes a viewport PNG to path.
func (m *Manager) Screenshot(ctx context.Context, path string) (err error) {
	const op = "Screenshot"
	logger := m.logger.With(zap.String(logg.Operation, op), zap.String(logg.Path, path))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	if err := m.ensurePageActive(); err != nil {
		return m.notReady(op, err)
	}

	_, err = m.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(false),
		Type:     playwright.ScreenshotTypePng,
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "screenshot_failed",
			apperr.MetaStage:  apperr.StageCapture,
			apperr.MetaPath:   path,
		})
	}

	return nil
}

// Content returns the serialized DOM of the current page.
func (m *Manager) Content(ctx context.Context) (html string, err error) {
	const op = "Content"
	logger := m.logger.With(zap.String(logg.Operation, op))

	_, step := tracing.StartSpan(ctx, m.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	if err := m.ensurePageActive(); err != nil {
		return "", m.notReady(op, err)
	}

	html, err = m.page.Content()
	if err != nil {
		return "", apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "content_failed",
			apperr.MetaStage:  apperr.StageCapture,
		})
	}

	step.SetAttributes(attribute.Int("html_chars", len(html)))

	return html, nil
}

// Locate waits until selector is attached to the DOM.
func (m *Manager) Locate(ctx context.Context, selector string) error {
	const op = "Locate"

	if err := m.ensurePageActive(); err != nil {
		return m.notReady(op, err)
	}

	err := m.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(float64(m.config.Timeout)),
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeNotFound, err, map[string]any{
			apperr.MetaReason:   "element_not_found",
			apperr.MetaStage:    apperr.StageValidate,
			apperr.MetaSelector: selector,
		})
	}

	return nil
}

// QueryAll counts the nodes an xpath expression matches right now.
func (m *Manager) QueryAll(ctx context.Context, xpath string) (int, error) {
	const op = "QueryAll"

	if err := m.ensurePageActive(); err != nil {
		return 0, m.notReady(op, err)
	}

	count, err := m.page.Locator("xpath=" + xpath).Count()
	if err != nil {
		return 0, apperr.Wrap(op, apperr.CodeInvalidArgument, err, map[string]any{
			apperr.MetaReason:   "xpath_query_failed",
			apperr.MetaStage:    apperr.StageValidate,
			apperr.MetaSelector: xpath,
		})
	}

	return count, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, playwright.ErrTimeout)
}

var (
	_ ports.BrowserManager = (*Manager)(nil)
	_ ports.Page           = (*Manager)(nil)
)
