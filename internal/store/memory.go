package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/backtest-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*model.Run
	rows map[string][]model.RunRow
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*model.Run),
		rows: make(map[string][]model.RunRow),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, run.ID)
	}
	// Store a copy to avoid external mutation.
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, strategy string) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if strategy != "" && run.Strategy != strategy {
			continue
		}
		runs = append(runs, *cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (s *MemoryStore) InsertRows(_ context.Context, runID string, rows []model.RunRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	for _, row := range rows {
		row.RunID = runID
		s.rows[runID] = append(s.rows[runID], row)
	}
	return nil
}

func (s *MemoryStore) GetRows(_ context.Context, runID string, trajectory int) ([]model.RunRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	var result []model.RunRow
	for _, row := range s.rows[runID] {
		if row.Trajectory == trajectory {
			result = append(result, row)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Tick < result[j].Tick })
	return result, nil
}

func cloneRun(run *model.Run) *model.Run {
	c := *run
	c.Results = append([]model.TrajectoryResult(nil), run.Results...)
	if run.Params != nil {
		c.Params = make(map[string]any, len(run.Params))
		for k, v := range run.Params {
			c.Params[k] = v
		}
	}
	return &c
}
