// Package store defines persistence for backtest runs. Implementations
// include PostgreSQL (source of truth), Redis (read-through cache) and
// in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/backtest-engine/internal/model"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("store: run not found")

	// ErrDuplicate is returned when creating a run whose ID exists.
	ErrDuplicate = errors.New("store: run already exists")
)

// Store is the persistence interface. Runs are written once, after they
// finish, and never modified.
type Store interface {
	// --- Runs ---

	// CreateRun persists a finished run.
	CreateRun(ctx context.Context, run *model.Run) error

	// GetRun retrieves a run by its ID.
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// ListRuns returns runs newest first, optionally for one strategy.
	ListRuns(ctx context.Context, strategy string) ([]model.Run, error)

	// --- Rows ---

	// InsertRows appends snapshot rows of a run.
	InsertRows(ctx context.Context, runID string, rows []model.RunRow) error

	// GetRows returns one trajectory's rows in tick order.
	GetRows(ctx context.Context, runID string, trajectory int) ([]model.RunRow, error)
}
