package store

import (
	"ai-selector-healer/internal/entity"
	"ai-selector-healer/pkg/apperr"
	"ai-selector-healer/pkg/logg"
	"ai-selector-healer/pkg/tracing"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	jsonStoreName  = "JSONStore"
	storeTracer    = "healer.store"
	lockRetryDelay = 50 * time.Millisecond
)

// JSONStore keeps the selector map and the attempt log in two JSON files.
// Every mutation is a locked read-modify-write of the whole file.
type JSONStore struct {
	mapPath string
	logPath string
	logger  *zap.Logger
	tracer  trace.Tracer

	mu        sync.Mutex
	selectors entity.SelectorMap
}

func NewJSONStore(ctx context.Context, mapPath, logPath string, logger *zap.Logger) (*JSONStore, error) {
	s := &JSONStore{
		mapPath:   mapPath,
		logPath:   logPath,
		logger:    logger.With(zap.String(logg.Layer, jsonStoreName)),
		tracer:    otel.Tracer(storeTracer),
		selectors: entity.SelectorMap{},
	}

	// An unreadable location leaves the map empty; writes report their own errors.
	if _, err := s.Load(ctx); err != nil {
		s.logger.Warn("Selector map unavailable, starting with an empty map",
			zap.String(logg.Path, mapPath), zap.Error(err))
	}

	return s, nil
}

func (s *JSONStore) Load(ctx context.Context) (selectors entity.SelectorMap, err error) {
	const op = "Load"
	logger := s.logger.With(zap.String(logg.Operation, op), zap.String(logg.Path, s.mapPath))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op, attribute.String("path", s.mapPath))
	defer func() {
		step.End(err)
	}()

	unlock, err := lockFile(ctx, s.mapPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	loaded := s.readMap(logger)

	s.mu.Lock()
	s.selectors = loaded
	s.mu.Unlock()

	logger.Debug("Selector map loaded", zap.Int("count", len(loaded)))

	return loaded.Clone(), nil
}

func (s *JSONStore) Save(ctx context.Context, selectors entity.SelectorMap) (err error) {
	const op = "Save"
	logger := s.logger.With(zap.String(logg.Operation, op), zap.String(logg.Path, s.mapPath))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op, attribute.Int("count", len(selectors)))
	defer func() {
		step.End(err)
	}()

	unlock, err := lockFile(ctx, s.mapPath)
	if err != nil {
		return err
	}
	defer unlock()

	if selectors == nil {
		selectors = entity.SelectorMap{}
	}

	if err := writeJSONAtomic(s.mapPath, selectors); err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "write_map_failed",
			apperr.MetaStage:  apperr.StageStore,
			apperr.MetaPath:   s.mapPath,
		})
	}

	s.mu.Lock()
	s.selectors = selectors.Clone()
	s.mu.Unlock()

	return nil
}

func (s *JSONStore) Upsert(ctx context.Context, key, selector string) (err error) {
	const op = "Upsert"
	logger := s.logger.With(zap.String(logg.Operation, op), zap.String(logg.Key, key), zap.String(logg.Selector, selector))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op, attribute.String("key", key))
	defer func() {
		step.End(err)
	}()

	unlock, err := lockFile(ctx, s.mapPath)
	if err != nil {
		return err
	}
	defer unlock()

	// Another worker may have written since we loaded; merge its entries first.
	onDisk := s.readMap(logger)

	s.mu.Lock()
	merged := s.selectors.Clone()
	for k, v := range onDisk {
		merged[k] = v
	}
	merged[key] = selector
	s.selectors = merged
	s.mu.Unlock()

	if err := writeJSONAtomic(s.mapPath, merged); err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "write_map_failed",
			apperr.MetaStage:  apperr.StageStore,
			apperr.MetaKey:    key,
		})
	}

	logger.Info("Selector stored")

	return nil
}

func (s *JSONStore) AppendLog(ctx context.Context, entry entity.AttemptLogEntry) (err error) {
	const op = "AppendLog"
	logger := s.logger.With(zap.String(logg.Operation, op), zap.String(logg.AttemptID, entry.ID.String()))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op, attribute.Bool("valid", entry.Valid))
	defer func() {
		step.End(err)
	}()

	unlock, err := lockFile(ctx, s.logPath)
	if err != nil {
		return err
	}
	defer unlock()

	existing := s.readLog(logger)
	existing = append(existing, entry)

	if err := writeJSONAtomic(s.logPath, existing); err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "write_log_failed",
			apperr.MetaStage:  apperr.StageStore,
			apperr.MetaPath:   s.logPath,
		})
	}

	return nil
}

func (s *JSONStore) Attempts(ctx context.Context) ([]entity.AttemptLogEntry, error) {
	unlock, err := lockFile(ctx, s.logPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.readLog(s.logger), nil
}

func (s *JSONStore) Snapshot() entity.SelectorMap {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectors.Clone()
}

func (s *JSONStore) Close() error {
	return nil
}

// readMap treats a missing or unparseable file as an empty map.
func (s *JSONStore) readMap(logger *zap.Logger) entity.SelectorMap {
	data, err := os.ReadFile(s.mapPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to read selector map, using empty map", zap.Error(err))
		}

		return entity.SelectorMap{}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return entity.SelectorMap{}
	}

	selectors := entity.SelectorMap{}
	if err := json.Unmarshal(data, &selectors); err != nil {
		logger.Warn("Selector map is corrupt, using empty map", zap.Error(err))

		return entity.SelectorMap{}
	}

	return selectors
}

func (s *JSONStore) readLog(logger *zap.Logger) []entity.AttemptLogEntry {
	data, err := os.ReadFile(s.logPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to read attempt log, starting fresh", zap.Error(err))
		}

		return []entity.AttemptLogEntry{}
	}

	var entries []entity.AttemptLogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		logger.Warn("Attempt log is corrupt, starting fresh", zap.Error(err))

		return []entity.AttemptLogEntry{}
	}

	if entries == nil {
		entries = []entity.AttemptLogEntry{}
	}

	return entries
}

func lockFile(ctx context.Context, path string) (func(), error) {
	const op = "lockFile"

	if err := ensureDir(path); err != nil {
		return nil, apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "mkdir_failed",
			apperr.MetaStage:  apperr.StageStore,
			apperr.MetaPath:   path,
		})
	}

	fl := flock.New(path + ".lock")

	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		if err == nil {
			err = errors.New("lock not acquired")
		}

		return nil, apperr.Wrap(op, apperr.CodeUnavailable, err, map[string]any{
			apperr.MetaReason: "lock_failed",
			apperr.MetaStage:  apperr.StageStore,
			apperr.MetaPath:   path,
		})
	}

	return func() { _ = fl.Unlock() }, nil
}

// writeJSONAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeJSONAtomic(path string, v any) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return err
	}

	return os.Rename(tmpName, path)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}

	return os.MkdirAll(dir, 0o755)
}
