package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/store"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seedRun(t *testing.T, ms *store.MemoryStore, id, strategy string, created time.Time) *model.Run {
	t.Helper()
	run := &model.Run{
		ID:        id,
		Strategy:  strategy,
		Params:    map[string]any{"tau": 5.0},
		Mode:      model.ModeSingle,
		Status:    model.StatusCompleted,
		Results:   []model.TrajectoryResult{{Index: 0, Rows: 2}},
		CreatedAt: created,
	}
	if err := ms.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}
	return run
}

func TestMemoryStore_CreateGet(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	run := seedRun(t, ms, "r1", "basis", t0)

	// Mutating the caller's copy must not leak into the store.
	run.Params["tau"] = 99.0
	run.Results[0].Rows = 99

	got, err := ms.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Params["tau"] != 5.0 || got.Results[0].Rows != 2 {
		t.Errorf("stored run was mutated: %+v", got)
	}

	if err := ms.CreateRun(ctx, &model.Run{ID: "r1"}); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if _, err := ms.GetRun(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListRuns(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRun(t, ms, "old", "basis", t0)
	seedRun(t, ms, "new", "basis", t0.Add(time.Hour))
	seedRun(t, ms, "other", "holder", t0.Add(30*time.Minute))

	all, err := ms.ListRuns(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"new", "other", "old"}
	if len(all) != len(want) {
		t.Fatalf("expected %d runs, got %d", len(want), len(all))
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, all[i].ID)
		}
	}

	basis, err := ms.ListRuns(context.Background(), "basis")
	if err != nil {
		t.Fatal(err)
	}
	if len(basis) != 2 {
		t.Errorf("expected 2 basis runs, got %d", len(basis))
	}
}

func TestMemoryStore_Rows(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedRun(t, ms, "r1", "basis", t0)

	row := func(traj, tick int) model.RunRow {
		return model.RunRow{Trajectory: traj, Tick: tick, Timestamp: t0.Add(time.Duration(tick) * time.Hour), NetBalance: decimal.NewFromInt(int64(100 + tick))}
	}
	if err := ms.InsertRows(ctx, "r1", []model.RunRow{row(0, 1), row(1, 0), row(0, 0)}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := ms.GetRows(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Tick != 0 || rows[1].Tick != 1 {
		t.Fatalf("expected trajectory 0 in tick order, got %+v", rows)
	}
	if rows[0].RunID != "r1" {
		t.Errorf("rows should carry the run ID, got %q", rows[0].RunID)
	}

	if err := ms.InsertRows(ctx, "missing", []model.RunRow{row(0, 0)}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := ms.GetRows(ctx, "missing", 0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
