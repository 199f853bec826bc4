package ports

import (
	"ai-selector-healer/internal/entity"
	"context"
)

// Page is the slice of a live browser page the healer needs.
type Page interface {
	Screenshot(ctx context.Context, path string) error
	Content(ctx context.Context) (string, error)
	Locate(ctx context.Context, selector string) error
	QueryAll(ctx context.Context, xpath string) (int, error)
}

type BrowserManager interface {
	Launch(ctx context.Context) error
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector string, value string) error
	WaitForSelector(ctx context.Context, selector string, timeout int) error
	GetElementText(ctx context.Context, selector string) (string, error)
	Page() Page
	IsReady() bool
}

type Oracle interface {
	Query(ctx context.Context, prompt string, screenshotPath string) (string, error)
	Release(ctx context.Context) error
	Model() string
}

type SelectorStore interface {
	Load(ctx context.Context) (entity.SelectorMap, error)
	Save(ctx context.Context, selectors entity.SelectorMap) error
	Upsert(ctx context.Context, key string, selector string) error
	AppendLog(ctx context.Context, entry entity.AttemptLogEntry) error
	Attempts(ctx context.Context) ([]entity.AttemptLogEntry, error)
	Snapshot() entity.SelectorMap
	Close() error
}

type Validator interface {
	Validate(ctx context.Context, page Page, selector string, selectorType entity.SelectorType) bool
}

type Healer interface {
	HealByLabel(ctx context.Context, page Page, originalSelector, label, step string) (string, bool)
	HealByException(ctx context.Context, page Page, step, exceptionText, originalSelector string) (string, bool)
	UpdateSelector(ctx context.Context, key, selector string) error
	Lookup(key string) (string, bool)
	Release(ctx context.Context)
}
