// Package observation persists market observations in SQLite so runs can
// replay a stored time range.
package observation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atmx/backtest-engine/internal/engine"
)

// ErrEmptyPath is returned by Open without a database path.
var ErrEmptyPath = errors.New("observation: database path is required")

// Record is one entity's global state at one timestamp.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Entity    string          `json:"entity"`
	State     json.RawMessage `json:"state"`
}

// Snapshot groups the records sharing a timestamp.
type Snapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	States    map[string]json.RawMessage `json:"states"`
}

// Stats summarizes the stored range.
type Stats struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Records  int64     `json:"records"`
	Entities []string  `json:"entities"`
}

// Storage is a SQLite-backed observation store.
type Storage struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Storage, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Storage{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS observations (
			ts          INTEGER NOT NULL,
			entity      TEXT NOT NULL,
			state       TEXT NOT NULL,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000),
			PRIMARY KEY (ts, entity)
		)`)
	return err
}

// Path returns the database file.
func (s *Storage) Path() string { return s.path }

func (s *Storage) Close() error { return s.db.Close() }

// Write upserts a batch in one transaction; a repeated (timestamp,
// entity) pair replaces the stored state.
func (s *Storage) Write(ctx context.Context, batch []Record) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (ts, entity, state)
		VALUES (?, ?, ?)
		ON CONFLICT(ts, entity) DO UPDATE SET state=excluded.state`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	for _, r := range batch {
		if r.Entity == "" {
			_ = tx.Rollback()
			return 0, fmt.Errorf("observation: record at %s has no entity", r.Timestamp.Format(time.RFC3339))
		}
		if !json.Valid(r.State) {
			_ = tx.Rollback()
			return 0, fmt.Errorf("observation: %s at %s: state is not valid JSON", r.Entity, r.Timestamp.Format(time.RFC3339))
		}
		if _, err := stmt.ExecContext(ctx, r.Timestamp.UnixMilli(), r.Entity, string(r.State)); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// Read returns snapshots in [from, to] in ascending time order. A zero
// bound is open.
func (s *Storage) Read(ctx context.Context, from, to time.Time) ([]Snapshot, error) {
	lo, hi := int64(0), int64(1<<62)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	if !to.IsZero() {
		hi = to.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, entity, state FROM observations
		WHERE ts BETWEEN ? AND ?
		ORDER BY ts ASC, entity ASC`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			ts    int64
			name  string
			state string
		)
		if err := rows.Scan(&ts, &name, &state); err != nil {
			return nil, err
		}
		at := time.UnixMilli(ts).UTC()
		if n := len(out); n == 0 || !out[n-1].Timestamp.Equal(at) {
			out = append(out, Snapshot{Timestamp: at, States: make(map[string]json.RawMessage)})
		}
		out[len(out)-1].States[name] = json.RawMessage(state)
	}
	return out, rows.Err()
}

// Stats reports the stored range and entity names.
func (s *Storage) Stats(ctx context.Context) (Stats, error) {
	var (
		st     Stats
		lo, hi sql.NullInt64
	)
	row := s.db.QueryRowContext(ctx, `SELECT MIN(ts), MAX(ts), COUNT(1) FROM observations`)
	if err := row.Scan(&lo, &hi, &st.Records); err != nil {
		return Stats{}, err
	}
	if lo.Valid {
		st.From = time.UnixMilli(lo.Int64).UTC()
		st.To = time.UnixMilli(hi.Int64).UTC()
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT entity FROM observations ORDER BY entity`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return Stats{}, err
		}
		st.Entities = append(st.Entities, name)
	}
	return st, rows.Err()
}

// Record stores an observation as the engine consumes it.
func (s *Storage) Record(obs engine.Observation) error {
	names := make([]string, 0, len(obs.States))
	for name := range obs.States {
		names = append(names, name)
	}
	sort.Strings(names)
	batch := make([]Record, len(names))
	for i, name := range names {
		raw, err := json.Marshal(obs.States[name])
		if err != nil {
			return fmt.Errorf("observation: encode %s: %w", name, err)
		}
		batch[i] = Record{Timestamp: obs.Timestamp, Entity: name, State: raw}
	}
	_, err := s.Write(context.Background(), batch)
	return err
}

// Records flattens snapshots back into records.
func Records(snaps []Snapshot) []Record {
	var out []Record
	for _, snap := range snaps {
		names := make([]string, 0, len(snap.States))
		for name := range snap.States {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, Record{Timestamp: snap.Timestamp, Entity: name, State: snap.States[name]})
		}
	}
	return out
}

// Decode types every snapshot with the entities registered on eng.
func Decode(eng *engine.Engine, snaps []Snapshot) ([]engine.Observation, error) {
	out := make([]engine.Observation, len(snaps))
	for i, snap := range snaps {
		obs, err := eng.DecodeObservation(snap.Timestamp, snap.States)
		if err != nil {
			return nil, err
		}
		out[i] = obs
	}
	return out, nil
}
