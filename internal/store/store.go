package store

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/ports"
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Logger    *zap.Logger
}

// New opens the backend named by HEALER_STORE_BACKEND and loads the
// selector map once.
func New(params Params) (ports.SelectorStore, error) {
	ctx := context.Background()
	cfg := params.Config.HealerConfig

	var (
		st  ports.SelectorStore
		err error
	)

	switch cfg.StoreBackend {
	case config.StoreSQLite:
		st, err = NewSQLiteStore(ctx, cfg.SQLitePath, params.Logger)
	case config.StoreJSON:
		st, err = NewJSONStore(ctx, cfg.SelectorMap, cfg.AttemptLog, params.Logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if err != nil {
		return nil, err
	}

	params.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return st.Close()
		},
	})

	return st, nil
}
