package launcher

import (
	"fmt"
	"math"
	"sort"

	"github.com/atmx/backtest-engine/internal/engine"
)

// Stats describes the distribution of one metric across trajectories.
type Stats struct {
	Mean   float64 `json:"mean"`
	Q05    float64 `json:"q05"`
	Q95    float64 `json:"q95"`
	CVaR05 float64 `json:"cvar05"`
}

// Summary aggregates per-trajectory metrics.
type Summary struct {
	Trajectories      int   `json:"trajectories"`
	AccumulatedReturn Stats `json:"accumulated_return"`
	APY               Stats `json:"apy"`
	Sharpe            Stats `json:"sharpe"`
	MaxDrawdown       Stats `json:"max_drawdown"`
}

// Evaluate computes metrics for every result.
func Evaluate(results []*engine.Result, periodsPerYear float64) ([]engine.Metrics, error) {
	out := make([]engine.Metrics, len(results))
	for i, res := range results {
		m, err := res.Metrics(periodsPerYear)
		if err != nil {
			return nil, fmt.Errorf("launcher: metrics for trajectory %d: %w", i, err)
		}
		out[i] = m
	}
	return out, nil
}

// Summarize returns mean, 5% and 95% quantiles and the 5% conditional
// value at risk of each metric. An empty input gives a zero Summary.
func Summarize(metrics []engine.Metrics) Summary {
	s := Summary{Trajectories: len(metrics)}
	if len(metrics) == 0 {
		return s
	}
	pick := func(f func(engine.Metrics) float64) []float64 {
		xs := make([]float64, len(metrics))
		for i, m := range metrics {
			xs[i] = f(m)
		}
		return xs
	}
	s.AccumulatedReturn = describe(pick(func(m engine.Metrics) float64 { return m.AccumulatedReturn }))
	s.APY = describe(pick(func(m engine.Metrics) float64 { return m.APY }))
	s.Sharpe = describe(pick(func(m engine.Metrics) float64 { return m.Sharpe }))
	s.MaxDrawdown = describe(pick(func(m engine.Metrics) float64 { return m.MaxDrawdown }))
	return s
}

func describe(xs []float64) Stats {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)

	// Running mean; annualized values can sit near the float64 limit.
	var st Stats
	for i, x := range sorted {
		st.Mean += (x - st.Mean) / float64(i+1)
	}
	st.Q05 = Quantile(sorted, 0.05)
	st.Q95 = Quantile(sorted, 0.95)

	// Mean of the values strictly below q05; q05 itself when none are.
	var tail float64
	n := 0
	for _, x := range sorted {
		if x >= st.Q05 {
			break
		}
		tail += x
		n++
	}
	st.CVaR05 = st.Q05
	if n > 0 {
		st.CVaR05 = tail / float64(n)
	}
	return st
}

// Quantile returns the q-th quantile of ascending data using linear
// interpolation between closest ranks.
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}
