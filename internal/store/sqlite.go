package store

import (
	"ai-selector-healer/internal/entity"
	"ai-selector-healer/pkg/apperr"
	"ai-selector-healer/pkg/logg"
	"ai-selector-healer/pkg/tracing"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const sqliteStoreName = "SQLiteStore"

// SQLiteStore is the database-backed alternative to JSONStore. Parallel
// workers pointed at the same file are serialized by SQLite itself.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	tracer trace.Tracer

	mu        sync.Mutex
	selectors entity.SelectorMap
}

func NewSQLiteStore(ctx context.Context, dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	const op = "NewSQLiteStore"

	if err := ensureDir(dbPath); err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "mkdir_failed",
			apperr.MetaStage:  apperr.StageStore,
			apperr.MetaPath:   dbPath,
		})
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "open_db_failed",
			apperr.MetaStage:  apperr.StageStore,
			apperr.MetaPath:   dbPath,
		})
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()

			return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "pragma_failed",
				apperr.MetaStage:  apperr.StageStore,
			})
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()

		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "migrate_failed",
			apperr.MetaStage:  apperr.StageStore,
		})
	}

	s := &SQLiteStore{
		db:        db,
		logger:    logger.With(zap.String(logg.Layer, sqliteStoreName)),
		tracer:    otel.Tracer(storeTracer),
		selectors: entity.SelectorMap{},
	}

	if _, err := s.Load(ctx); err != nil {
		db.Close()

		return nil, err
	}

	return s, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS selectors (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS heal_attempts (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			valid      INTEGER NOT NULL,
			payload    TEXT NOT NULL
		);
	`)

	return err
}

func (s *SQLiteStore) Load(ctx context.Context) (selectors entity.SelectorMap, err error) {
	const op = "Load"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM selectors")
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "query_failed",
			apperr.MetaStage:  apperr.StageStore,
		})
	}
	defer rows.Close()

	loaded := entity.SelectorMap{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "scan_failed",
				apperr.MetaStage:  apperr.StageStore,
			})
		}
		loaded[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "rows_failed",
			apperr.MetaStage:  apperr.StageStore,
		})
	}

	s.mu.Lock()
	s.selectors = loaded
	s.mu.Unlock()

	return loaded.Clone(), nil
}

func (s *SQLiteStore) Save(ctx context.Context, selectors entity.SelectorMap) (err error) {
	const op = "Save"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op, attribute.Int("count", len(selectors)))
	defer func() {
		step.End(err)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "begin_failed",
			apperr.MetaStage:  apperr.StageStore,
		})
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM selectors"); err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "delete_failed",
			apperr.MetaStage:  apperr.StageStore,
		})
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for key, value := range selectors {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO selectors (key, value, updated_at) VALUES (?, ?, ?)", key, value, now,
		); err != nil {
			return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "insert_failed",
				apperr.MetaStage:  apperr.StageStore,
				apperr.MetaKey:    key,
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "commit_failed",
			apperr.MetaStage:  apperr.StageStore,
		})
	}

	s.mu.Lock()
	s.selectors = selectors.Clone()
	s.mu.Unlock()

	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, key, selector string) (err error) {
	const op = "Upsert"
	logger := s.logger.With(zap.String(logg.Operation, op), zap.String(logg.Key, key), zap.String(logg.Selector, selector))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op, attribute.String("key", key))
	defer func() {
		step.End(err)
	}()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO selectors (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, selector, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "upsert_failed",
			apperr.MetaStage:  apperr.StageStore,
			apperr.MetaKey:    key,
		})
	}

	s.mu.Lock()
	s.selectors[key] = selector
	s.mu.Unlock()

	logger.Info("Selector stored")

	return nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entry entity.AttemptLogEntry) (err error) {
	const op = "AppendLog"
	logger := s.logger.With(zap.String(logg.Operation, op), zap.String(logg.AttemptID, entry.ID.String()))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op, attribute.Bool("valid", entry.Valid))
	defer func() {
		step.End(err)
	}()

	payload, err := json.Marshal(entry)
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "marshal_failed",
			apperr.MetaStage:  apperr.StageStore,
		})
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO heal_attempts (id, created_at, valid, payload) VALUES (?, ?, ?, ?)",
		entry.ID.String(), entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.Valid, string(payload),
	)
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "insert_failed",
			apperr.MetaStage:  apperr.StageStore,
		})
	}

	return nil
}

func (s *SQLiteStore) Attempts(ctx context.Context) ([]entity.AttemptLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM heal_attempts ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	entries := []entity.AttemptLogEntry{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}

		var entry entity.AttemptLogEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			s.logger.Warn("Skipping unreadable attempt row", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func (s *SQLiteStore) Snapshot() entity.SelectorMap {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectors.Clone()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
