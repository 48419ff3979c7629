// Package model defines the persisted records of backtest runs.
// Balances stay shopspring/decimal; performance metrics are float64 ratios.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/launcher"
)

// Run modes.
const (
	ModeSingle       = "single"
	ModeTrajectories = "trajectories"
	ModeScenario     = "scenario"
)

// Run statuses. A failed run keeps the rows completed before the error.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is an immutable record of one backtest request.
type Run struct {
	ID           string             `json:"id" db:"id"`
	Strategy     string             `json:"strategy" db:"strategy"`
	Params       map[string]any     `json:"params" db:"params"`
	Mode         string             `json:"mode" db:"mode"`
	Status       string             `json:"status" db:"status"`
	Error        string             `json:"error,omitempty" db:"error"`
	Observations int                `json:"observations" db:"observations"` // per trajectory
	Results      []TrajectoryResult `json:"results" db:"results"`
	Summary      launcher.Summary   `json:"summary" db:"summary"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
	DurationMS   int64              `json:"duration_ms" db:"duration_ms"`
}

// TrajectoryResult is the outcome of one trajectory within a run.
type TrajectoryResult struct {
	Index        int             `json:"index"`
	Rows         int             `json:"rows"`
	FinalBalance decimal.Decimal `json:"final_balance"`
	Digest       string          `json:"digest"` // hex SHA-256 of the result rows
	Metrics      engine.Metrics  `json:"metrics"`
}

// RunRow is one snapshot row of one trajectory. Internal holds every
// entity's flattened internal state keyed by entity then field.
type RunRow struct {
	RunID      string                                `json:"run_id" db:"run_id"`
	Trajectory int                                   `json:"trajectory" db:"trajectory"`
	Tick       int                                   `json:"tick" db:"tick"`
	Timestamp  time.Time                             `json:"timestamp" db:"ts"`
	NetBalance decimal.Decimal                       `json:"net_balance" db:"net_balance"`
	Balances   map[string]decimal.Decimal            `json:"balances" db:"balances"`
	Internal   map[string]map[string]decimal.Decimal `json:"internal" db:"internal"`
}

// RowsFromResult flattens an engine result into run rows.
func RowsFromResult(runID string, trajectory int, res *engine.Result) []RunRow {
	out := make([]RunRow, len(res.Rows))
	for i, row := range res.Rows {
		internal := make(map[string]map[string]decimal.Decimal, len(row.Internal))
		for name, st := range row.Internal {
			internal[name] = st.Fields()
		}
		balances := make(map[string]decimal.Decimal, len(row.Balances))
		for name, b := range row.Balances {
			balances[name] = b
		}
		out[i] = RunRow{
			RunID:      runID,
			Trajectory: trajectory,
			Tick:       i,
			Timestamp:  row.Timestamp,
			NetBalance: row.NetBalance(),
			Balances:   balances,
			Internal:   internal,
		}
	}
	return out
}
