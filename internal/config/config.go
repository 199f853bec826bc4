package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppConfig     *AppConfig
	OracleConfig  *OracleConfig
	BrowserConfig *BrowserConfig
	HealerConfig  *HealerConfig
}

type AppConfig struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`

	// TraceFile receives finished spans; empty disables export.
	TraceFile string `envconfig:"TRACE_FILE" default:"reports/traces.json"`
}

type OracleConfig struct {
	Provider    string  `envconfig:"ORACLE_PROVIDER" default:"ollama"`
	Model       string  `envconfig:"ORACLE_MODEL" default:"llama3.2-vision"`
	BaseURL     string  `envconfig:"ORACLE_BASE_URL"`
	APIKey      string  `envconfig:"ORACLE_API_KEY"`
	Temperature float64 `envconfig:"ORACLE_TEMPERATURE" default:"0.1"`
	MaxTokens   int     `envconfig:"ORACLE_MAX_TOKENS" default:"1024"`

	BreakerMaxFailures uint32        `envconfig:"ORACLE_BREAKER_MAX_FAILURES" default:"3"`
	BreakerTimeout     time.Duration `envconfig:"ORACLE_BREAKER_TIMEOUT" default:"1m"`
	MinInterval        time.Duration `envconfig:"ORACLE_MIN_INTERVAL" default:"0s"`
}

type BrowserConfig struct {
	Browser  string `envconfig:"BROWSER" default:"chromium"`
	Headless bool   `envconfig:"BROWSER_HEADLESS" default:"false"`
	SlowMo   int    `envconfig:"BROWSER_SLOW_MO" default:"0"`
	Timeout  int    `envconfig:"BROWSER_TIMEOUT" default:"5000"`
	BaseURL  string `envconfig:"BROWSER_BASE_URL"`

	// Playwright trace, video and HAR recording for the whole session.
	Tracing   bool   `envconfig:"BROWSER_TRACING" default:"false"`
	TracesDir string `envconfig:"BROWSER_TRACES_DIR" default:"reports/traces"`

	FailureScreenshots bool `envconfig:"BROWSER_FAILURE_SCREENSHOTS" default:"true"`
}

type HealerConfig struct {
	Enabled        bool          `envconfig:"HEALER_ENABLED" default:"true"`
	SelectorMap    string        `envconfig:"HEALER_SELECTOR_MAP" default:"selector_map.json"`
	AttemptLog     string        `envconfig:"HEALER_ATTEMPT_LOG" default:"selector_log.json"`
	ScreenshotsDir string        `envconfig:"HEALER_SCREENSHOTS_DIR" default:"reports/screenshots"`
	HTMLBudget     int           `envconfig:"HEALER_HTML_BUDGET" default:"8000"`
	OracleTimeout  time.Duration `envconfig:"HEALER_ORACLE_TIMEOUT" default:"2m"`
	StoreBackend   string        `envconfig:"HEALER_STORE_BACKEND" default:"json"`
	SQLitePath     string        `envconfig:"HEALER_SQLITE_PATH" default:"selectors.db"`
	ReleaseOnStop  bool          `envconfig:"HEALER_RELEASE_ON_STOP" default:"true"`
}

func GetConfig() (*Config, error) {
	_ = godotenv.Load()

	var conf Config

	if err := envconfig.Process("", &conf); err != nil {
		return nil, fmt.Errorf("read config from env vars: %w", err)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func (c *Config) validate() error {
	switch c.OracleConfig.Provider {
	case ProviderOllama:
	case ProviderAnthropic:
		if c.OracleConfig.APIKey == "" {
			return fmt.Errorf("ORACLE_API_KEY is required for provider %q", ProviderAnthropic)
		}
	default:
		return fmt.Errorf("unsupported ORACLE_PROVIDER %q", c.OracleConfig.Provider)
	}

	switch c.HealerConfig.StoreBackend {
	case StoreJSON, StoreSQLite:
	default:
		return fmt.Errorf("unsupported HEALER_STORE_BACKEND %q", c.HealerConfig.StoreBackend)
	}

	if c.HealerConfig.HTMLBudget <= 0 {
		return fmt.Errorf("HEALER_HTML_BUDGET must be positive, got %d", c.HealerConfig.HTMLBudget)
	}

	return nil
}

const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"

	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)
