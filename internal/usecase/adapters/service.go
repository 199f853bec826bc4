package adapters

import (
	"ai-selector-healer/internal/entity"
	"ai-selector-healer/internal/ports"
	"context"
)

type BrowserService interface {
	Launch(ctx context.Context) error
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	WaitForSelector(ctx context.Context, selector string, timeout int) error
	GetElementText(ctx context.Context, selector string) (string, error)
	Page() ports.Page
	IsReady() bool
}

type HealerService interface {
	HealByLabel(ctx context.Context, page ports.Page, originalSelector, label, step string) (string, bool)
	HealByException(ctx context.Context, page ports.Page, step, exceptionText, originalSelector string) (string, bool)
	UpdateSelector(ctx context.Context, key, selector string) error
	Lookup(key string) (string, bool)
	Release(ctx context.Context)
}

type StepService interface {
	Run(ctx context.Context, step entity.Step) (*entity.StepResult, error)
	RunAll(ctx context.Context, steps []entity.Step) ([]entity.StepResult, error)
}

type StoreService interface {
	Snapshot() entity.SelectorMap
	Attempts(ctx context.Context) ([]entity.AttemptLogEntry, error)
}
