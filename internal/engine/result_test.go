package engine

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func series(balances ...float64) *Result {
	res := &Result{Entities: []string{"X"}}
	for i, b := range balances {
		res.Rows = append(res.Rows, Row{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Balances:  map[string]decimal.Decimal{"X": d(b)},
		})
	}
	return res
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMetrics(t *testing.T) {
	m, err := series(0, 100, 110, 99, 121).Metrics(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(m.AccumulatedReturn, 0.21) {
		t.Errorf("expected accumulated return 0.21, got %v", m.AccumulatedReturn)
	}
	if want := math.Pow(1.21, 4.0/3.0) - 1; !approx(m.APY, want) {
		t.Errorf("expected apy %v, got %v", want, m.APY)
	}
	if !approx(m.MaxDrawdown, -0.1) {
		t.Errorf("expected drawdown -0.1, got %v", m.MaxDrawdown)
	}

	returns := []float64{0.1, -0.1, 121.0/99.0 - 1}
	mean, std := meanStd(returns)
	if want := mean / std * 2; !approx(m.Sharpe, want) {
		t.Errorf("expected sharpe %v, got %v", want, m.Sharpe)
	}
}

func TestMetrics_FlatSeries(t *testing.T) {
	m, err := series(100, 100, 100).Metrics(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Sharpe != 0 || m.MaxDrawdown != 0 || m.AccumulatedReturn != 0 || m.APY != 0 {
		t.Errorf("flat series should give zero metrics, got %+v", m)
	}
}

func TestMetrics_DrawdownNeverPositive(t *testing.T) {
	m, err := series(100, 120, 150, 200).Metrics(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.MaxDrawdown != 0 {
		t.Errorf("monotonic growth has no drawdown, got %v", m.MaxDrawdown)
	}
}

func TestMetrics_WipedOut(t *testing.T) {
	m, err := series(100, 50, 0).Metrics(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.APY != -1 || !approx(m.MaxDrawdown, -1) {
		t.Errorf("expected total loss, got %+v", m)
	}
}

func TestMetrics_InsufficientData(t *testing.T) {
	for _, res := range []*Result{series(), series(100), series(0, 0, 100)} {
		if _, err := res.Metrics(0); err != ErrInsufficientData {
			t.Errorf("expected ErrInsufficientData, got %v", err)
		}
	}
}

func TestMetrics_APYOverflowIsCapped(t *testing.T) {
	m, err := series(1000, 1500).Metrics(DefaultPeriodsPerYear)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.APY != math.MaxFloat64 {
		t.Errorf("expected capped apy, got %v", m.APY)
	}
}
