package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Balances are stored as NUMERIC for exact decimal precision; nested
// records are JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, strategy, params, mode, status, error, observations, results, summary, created_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		run.ID, run.Strategy, params, run.Mode, run.Status, run.Error,
		run.Observations, results, summary, run.CreatedAt, run.DurationMS,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, run.ID)
	}
	return nil
}

const runColumns = `id::TEXT, strategy, params, mode, status, error, observations, results, summary, created_at, duration_ms`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	// The id column is UUID; anything else cannot match.
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, strategy string) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE $1 = '' OR strategy = $1
		 ORDER BY created_at DESC, id DESC`, strategy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) InsertRows(ctx context.Context, runID string, rows []model.RunRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		balances, err := json.Marshal(row.Balances)
		if err != nil {
			return fmt.Errorf("encode balances: %w", err)
		}
		internal, err := json.Marshal(row.Internal)
		if err != nil {
			return fmt.Errorf("encode internal: %w", err)
		}
		batch.Queue(
			`INSERT INTO run_rows (run_id, trajectory, tick, ts, net_balance, balances, internal)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
			runID, row.Trajectory, row.Tick, row.Timestamp, row.NetBalance.String(), balances, internal,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) GetRows(ctx context.Context, runID string, trajectory int) ([]model.RunRow, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id::TEXT, trajectory, tick, ts, net_balance::TEXT, balances, internal
		 FROM run_rows WHERE run_id = $1 AND trajectory = $2 ORDER BY tick`, runID, trajectory)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.RunRow
	for rows.Next() {
		var (
			r                  model.RunRow
			net                string
			balances, internal []byte
		)
		if err := rows.Scan(&r.RunID, &r.Trajectory, &r.Tick, &r.Timestamp, &net, &balances, &internal); err != nil {
			return nil, err
		}
		if err := decodeRow(&r, net, balances, internal); err != nil {
			return nil, fmt.Errorf("run %s tick %d: %w", runID, r.Tick, err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// decodeRow fills the text and JSONB columns of a run_rows record.
func decodeRow(r *model.RunRow, net string, balances, internal []byte) error {
	v, err := decimal.NewFromString(net)
	if err != nil {
		return fmt.Errorf("decode net_balance: %w", err)
	}
	r.NetBalance = v
	if err := json.Unmarshal(balances, &r.Balances); err != nil {
		return fmt.Errorf("decode balances: %w", err)
	}
	if err := json.Unmarshal(internal, &r.Internal); err != nil {
		return fmt.Errorf("decode internal: %w", err)
	}
	return nil
}

// scanRun reads one runs row from pgx.Row or pgx.Rows.
func scanRun(row pgx.Row) (*model.Run, error) {
	var (
		run                      model.Run
		params, results, summary []byte
	)
	if err := row.Scan(&run.ID, &run.Strategy, &params, &run.Mode, &run.Status, &run.Error,
		&run.Observations, &results, &summary, &run.CreatedAt, &run.DurationMS); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &run.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := json.Unmarshal(results, &run.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if err := json.Unmarshal(summary, &run.Summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &run, nil
}
