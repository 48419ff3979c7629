package engine

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/entity"
)

// DefaultPeriodsPerYear annualizes hourly observations.
const DefaultPeriodsPerYear = 365 * 24

// ErrInsufficientData is returned by Metrics when fewer than two rows
// carry a positive starting balance.
var ErrInsufficientData = errors.New("engine: not enough rows to compute metrics")

// Row is the snapshot taken at the end of one tick. States are clones and
// never alias live entity state.
type Row struct {
	Timestamp time.Time
	Balances  map[string]decimal.Decimal
	Internal  map[string]entity.InternalState
	Global    map[string]entity.GlobalState
}

// NetBalance is the sum of all entity balances.
func (r Row) NetBalance() decimal.Decimal {
	total := decimal.Zero
	for _, b := range r.Balances {
		total = total.Add(b)
	}
	return total
}

// Result is the time series produced by a run.
type Result struct {
	Entities []string
	Rows     []Row
}

// Balances returns the net balance of every row.
func (r *Result) Balances() []decimal.Decimal {
	out := make([]decimal.Decimal, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row.NetBalance()
	}
	return out
}

// Table is the tabular form of a Result: one row per tick.
type Table struct {
	Columns    []string
	Timestamps []time.Time
	Values     [][]decimal.Decimal
}

// Table flattens the result into columns timestamp, net_balance,
// <NAME>_balance and <NAME>_<field> for every internal state field.
// Entities and fields appear in ascending order.
func (r *Result) Table() Table {
	fields := make(map[string][]string, len(r.Entities))
	for _, name := range r.Entities {
		seen := map[string]decimal.Decimal{}
		for _, row := range r.Rows {
			if s, ok := row.Internal[name]; ok {
				for k, v := range s.Fields() {
					seen[k] = v
				}
			}
		}
		fields[name] = entity.SortedKeys(seen)
	}

	t := Table{Columns: []string{"timestamp", "net_balance"}}
	for _, name := range r.Entities {
		t.Columns = append(t.Columns, name+"_balance")
		for _, f := range fields[name] {
			t.Columns = append(t.Columns, name+"_"+f)
		}
	}

	for _, row := range r.Rows {
		values := []decimal.Decimal{row.NetBalance()}
		for _, name := range r.Entities {
			values = append(values, row.Balances[name])
			var state map[string]decimal.Decimal
			if s, ok := row.Internal[name]; ok {
				state = s.Fields()
			}
			for _, f := range fields[name] {
				values = append(values, state[f])
			}
		}
		t.Timestamps = append(t.Timestamps, row.Timestamp)
		t.Values = append(t.Values, values)
	}
	return t
}

// WriteCSV writes the table with a header row. Timestamps are RFC 3339.
func (t Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	for i, values := range t.Values {
		rec := make([]string, 0, len(values)+1)
		rec = append(rec, t.Timestamps[i].UTC().Format(time.RFC3339))
		for _, v := range values {
			rec = append(rec, v.String())
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Digest returns a hex SHA-256 over a canonical encoding of every row.
// Two runs over the same observations and parameters have equal digests.
func (r *Result) Digest() string {
	h := sha256.New()
	line := func(parts ...string) {
		for _, p := range parts {
			io.WriteString(h, p)
			h.Write([]byte{0})
		}
		h.Write([]byte{'\n'})
	}
	writeState := func(tag string, s entity.State) {
		if s == nil {
			return
		}
		fields := s.Fields()
		for _, k := range entity.SortedKeys(fields) {
			line(tag, k, fields[k].String())
		}
	}
	for _, row := range r.Rows {
		line("ts", row.Timestamp.UTC().Format(time.RFC3339Nano))
		for _, name := range r.Entities {
			line("balance", name, row.Balances[name].String())
			writeState("internal", row.Internal[name])
			writeState("global", row.Global[name])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Metrics summarizes the net balance series.
type Metrics struct {
	AccumulatedReturn float64 `json:"accumulated_return"`
	APY               float64 `json:"apy"`
	Sharpe            float64 `json:"sharpe"`
	MaxDrawdown       float64 `json:"max_drawdown"`
}

// Metrics computes performance metrics over the net balance series,
// starting at the first row with a positive balance. Rows before that
// (e.g. before funds are deposited) are ignored.
//
//	AccumulatedReturn = last/first - 1
//	APY               = (1 + AccumulatedReturn)^(periodsPerYear/periods) - 1, capped at math.MaxFloat64
//	Sharpe            = mean(r)/stdev(r) * sqrt(periodsPerYear), 0 when stdev is 0
//	MaxDrawdown       = min((balance - peak)/peak), never positive
//
// periodsPerYear <= 0 selects DefaultPeriodsPerYear.
func (r *Result) Metrics(periodsPerYear float64) (Metrics, error) {
	if periodsPerYear <= 0 {
		periodsPerYear = DefaultPeriodsPerYear
	}
	balances := make([]float64, 0, len(r.Rows))
	for _, row := range r.Rows {
		b := row.NetBalance().InexactFloat64()
		if len(balances) == 0 && b <= 0 {
			continue
		}
		balances = append(balances, b)
	}
	if len(balances) < 2 {
		return Metrics{}, ErrInsufficientData
	}

	var m Metrics
	first, last := balances[0], balances[len(balances)-1]
	periods := float64(len(balances) - 1)
	m.AccumulatedReturn = last/first - 1
	if growth := 1 + m.AccumulatedReturn; growth > 0 {
		m.APY = math.Pow(growth, periodsPerYear/periods) - 1
		if math.IsInf(m.APY, 1) {
			m.APY = math.MaxFloat64
		}
	} else {
		m.APY = -1
	}

	returns := make([]float64, 0, len(balances)-1)
	for i := 1; i < len(balances); i++ {
		if balances[i-1] <= 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, balances[i]/balances[i-1]-1)
	}
	mean, std := meanStd(returns)
	if std > 0 {
		m.Sharpe = mean / std * math.Sqrt(periodsPerYear)
	}

	peak := first
	for _, b := range balances {
		if b > peak {
			peak = b
		}
		if dd := (b - peak) / peak; dd < m.MaxDrawdown {
			m.MaxDrawdown = dd
		}
	}
	return m, nil
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
