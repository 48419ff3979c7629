package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/backtest-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) CreateRun(ctx context.Context, run *model.Run) error {
	if err := s.primary.CreateRun(ctx, run); err != nil {
		return err
	}
	s.cache(ctx, runKey(run.ID), run)
	return nil
}

func (s *CachedStore) InsertRows(ctx context.Context, runID string, rows []model.RunRow) error {
	if err := s.primary.InsertRows(ctx, runID, rows); err != nil {
		return err
	}
	// Invalidate every trajectory touched; next read will re-populate.
	seen := make(map[int]bool)
	var keys []string
	for _, row := range rows {
		if !seen[row.Trajectory] {
			seen[row.Trajectory] = true
			keys = append(keys, rowsKey(runID, row.Trajectory))
		}
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	data, err := s.rdb.Get(ctx, runKey(id)).Bytes()
	if err == nil {
		var run model.Run
		if json.Unmarshal(data, &run) == nil {
			return &run, nil
		}
	}

	run, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, runKey(id), run)
	return run, nil
}

func (s *CachedStore) GetRows(ctx context.Context, runID string, trajectory int) ([]model.RunRow, error) {
	data, err := s.rdb.Get(ctx, rowsKey(runID, trajectory)).Bytes()
	if err == nil {
		var rows []model.RunRow
		if json.Unmarshal(data, &rows) == nil {
			return rows, nil
		}
	}

	rows, err := s.primary.GetRows(ctx, runID, trajectory)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, rowsKey(runID, trajectory), rows)
	return rows, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRuns(ctx context.Context, strategy string) ([]model.Run, error) {
	return s.primary.ListRuns(ctx, strategy)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func runKey(id string) string { return fmt.Sprintf("run:%s", id) }
func rowsKey(id string, trajectory int) string { return fmt.Sprintf("rows:%s:%d", id, trajectory) }
