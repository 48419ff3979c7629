package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/amm"
	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/entity"
	"github.com/atmx/backtest-engine/internal/gmx"
	"github.com/atmx/backtest-engine/internal/hedge"
	"github.com/atmx/backtest-engine/internal/pool"
	"github.com/atmx/backtest-engine/internal/spot"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func at(i int, states map[string]entity.GlobalState) engine.Observation {
	return engine.Observation{Timestamp: t0.Add(time.Duration(i) * time.Hour), States: states}
}

// recorder collects executed actions per entity.
type recorder struct{ actions []string }

func (r *recorder) hook(name string, a entity.Action) {
	r.actions = append(r.actions, name+"."+string(a.Name))
}

func (r *recorder) reset() []string {
	out := r.actions
	r.actions = nil
	return out
}

func equalActions(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// --- Basis ---

func basisObs(i int, price float64) engine.Observation {
	return at(i, map[string]entity.GlobalState{
		HedgeEntity: hedge.GlobalState{MarkPrice: d(price)},
		SpotEntity:  spot.GlobalState{Price: d(price)},
	})
}

func newBasis(t *testing.T, rec *recorder) *engine.Engine {
	t.Helper()
	b, err := NewBasis(BasisParams{
		MinLeverage:      d(2),
		TargetLeverage:   d(3),
		MaxLeverage:      d(5),
		InitialBalance:   d(1000),
		HedgeMaxLeverage: d(50),
	}, nil)
	if err != nil {
		t.Fatalf("NewBasis: %v", err)
	}
	var opts []engine.Option
	if rec != nil {
		opts = append(opts, engine.WithActionHook(rec.hook))
	}
	eng, err := engine.New(b, opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func legs(t *testing.T, eng *engine.Engine) (*hedge.Entity, *spot.Entity) {
	t.Helper()
	h, err := engine.Lookup[*hedge.Entity](eng, HedgeEntity)
	if err != nil {
		t.Fatal(err)
	}
	s, err := engine.Lookup[*spot.Entity](eng, SpotEntity)
	if err != nil {
		t.Fatal(err)
	}
	return h, s
}

func step(t *testing.T, eng *engine.Engine, obs engine.Observation) {
	t.Helper()
	if err := eng.Step(obs); err != nil {
		t.Fatalf("step %s: %v", obs.Timestamp, err)
	}
}

func assertNeutral(t *testing.T, h *hedge.Entity, s *spot.Entity, hedgeBalance, spotBalance, leverage float64) {
	t.Helper()
	if !h.Balance().Equal(d(hedgeBalance)) {
		t.Errorf("hedge balance: expected %v, got %s", hedgeBalance, h.Balance())
	}
	if !s.Balance().Equal(d(spotBalance)) {
		t.Errorf("spot balance: expected %v, got %s", spotBalance, s.Balance())
	}
	if !h.Leverage().Equal(d(leverage)) {
		t.Errorf("leverage: expected %v, got %s", leverage, h.Leverage())
	}
	if !h.Size().Equal(s.State().Amount.Neg()) {
		t.Errorf("hedge size %s does not offset spot amount %s", h.Size(), s.State().Amount)
	}
	if !s.State().Cash.IsZero() {
		t.Errorf("spot cash should be swept to the hedge, got %s", s.State().Cash)
	}
}

func TestBasis_InitialDeposit(t *testing.T) {
	rec := &recorder{}
	eng := newBasis(t, rec)
	step(t, eng, basisObs(0, 100))

	want := []string{"SPOT.deposit", "HEDGE.deposit", "SPOT.buy", "HEDGE.open_position"}
	if got := rec.reset(); !equalActions(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	h, s := legs(t, eng)
	assertNeutral(t, h, s, 250, 750, 3)

	step(t, eng, basisObs(1, 100))
	if got := rec.reset(); len(got) != 0 {
		t.Errorf("leverage in band should not trade, got %v", got)
	}
}

func TestBasis_RebalanceWhenLeverageTooHigh(t *testing.T) {
	rec := &recorder{}
	eng := newBasis(t, rec)
	step(t, eng, basisObs(0, 100))
	rec.reset()

	// Short loses 150: hedge 100, spot 900, leverage 9.
	step(t, eng, basisObs(1, 120))
	want := []string{"SPOT.sell", "HEDGE.deposit", "HEDGE.open_position", "SPOT.withdraw"}
	if got := rec.reset(); !equalActions(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	h, s := legs(t, eng)
	assertNeutral(t, h, s, 250, 750, 3)
	if !s.State().Amount.Equal(d(6.25)) {
		t.Errorf("expected 6.25 held, got %s", s.State().Amount)
	}
}

func TestBasis_RebalanceWhenLeverageTooLow(t *testing.T) {
	rec := &recorder{}
	eng := newBasis(t, rec)
	step(t, eng, basisObs(0, 100))
	rec.reset()

	// Short gains 150: hedge 400, spot 600, leverage 1.5.
	step(t, eng, basisObs(1, 80))
	want := []string{"HEDGE.withdraw", "SPOT.deposit", "SPOT.buy", "HEDGE.open_position"}
	if got := rec.reset(); !equalActions(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	h, s := legs(t, eng)
	assertNeutral(t, h, s, 250, 750, 3)
	if entry := h.State().Lots[0].EntryPrice; !entry.Equal(d(96)) {
		t.Errorf("expected merged entry 96, got %s", entry)
	}
}

func TestBasis_RehedgeAfterLiquidation(t *testing.T) {
	rec := &recorder{}
	eng := newBasis(t, rec)
	step(t, eng, basisObs(0, 100))
	rec.reset()

	// The short liquidates near 131.7; the whole spot leg is left.
	step(t, eng, basisObs(1, 140))
	want := []string{"SPOT.sell", "HEDGE.deposit", "SPOT.withdraw", "HEDGE.open_position"}
	if got := rec.reset(); !equalActions(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	h, s := legs(t, eng)
	assertNeutral(t, h, s, 262.5, 787.5, 3)
}

func TestBasis_NetBalanceConservedWithoutFees(t *testing.T) {
	eng := newBasis(t, nil)
	res, err := eng.Run([]engine.Observation{basisObs(0, 100), basisObs(1, 120), basisObs(2, 80)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, row := range res.Rows[:2] {
		if !row.NetBalance().Equal(d(1000)) {
			t.Errorf("%s: expected 1000, got %s", row.Timestamp, row.NetBalance())
		}
	}
}

func TestBasis_HedgeTracksSpotAmount(t *testing.T) {
	b, err := NewBasis(DefaultBasisParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	actions := b.deposit()
	open := actions[len(actions)-1]
	if got := open.Args[entity.ArgAmountInProduct].String(); got != "-(SPOT.amount)" {
		t.Errorf("expected the hedge to read the bought amount, got %s", got)
	}
}

func TestBasisParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BasisParams)
	}{
		{"zero min", func(p *BasisParams) { p.MinLeverage = decimal.Zero }},
		{"target below min", func(p *BasisParams) { p.TargetLeverage = d(0.5) }},
		{"target above max", func(p *BasisParams) { p.TargetLeverage = d(11) }},
		{"no balance", func(p *BasisParams) { p.InitialBalance = decimal.Zero }},
		{"negative cost", func(p *BasisParams) { p.ExecutionCost = d(-0.1) }},
		{"unknown venue", func(p *BasisParams) { p.Venue = "dydx" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultBasisParams()
			tt.mutate(&p)
			if _, err := NewBasis(p, nil); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestBasis_GMXVenue(t *testing.T) {
	b, err := NewBasis(BasisParams{
		Venue:            VenueGMX,
		MinLeverage:      d(2),
		TargetLeverage:   d(3),
		MaxLeverage:      d(5),
		InitialBalance:   d(1000),
		HedgeMaxLeverage: d(50),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	eng, err := engine.New(b, engine.WithActionHook(rec.hook))
	if err != nil {
		t.Fatal(err)
	}
	h, err := engine.Lookup[*gmx.Entity](eng, HedgeEntity)
	if err != nil {
		t.Fatal(err)
	}
	s, err := engine.Lookup[*spot.Entity](eng, SpotEntity)
	if err != nil {
		t.Fatal(err)
	}
	obs := func(i int, price float64) engine.Observation {
		return at(i, map[string]entity.GlobalState{
			HedgeEntity: gmx.GlobalState{Price: d(price)},
			SpotEntity:  spot.GlobalState{Price: d(price)},
		})
	}

	step(t, eng, obs(0, 100))
	rec.reset()
	if !h.Balance().Equal(d(250)) || !h.Size().Equal(d(-7.5)) {
		t.Fatalf("expected a 250 hedge short 7.5, got %s / %s", h.Balance(), h.Size())
	}

	// Short loses 150: hedge 100, spot 900, leverage 9.
	step(t, eng, obs(1, 120))
	want := []string{"SPOT.sell", "HEDGE.deposit", "HEDGE.open_position", "SPOT.withdraw"}
	if got := rec.reset(); !equalActions(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if !h.Balance().Equal(d(250)) || !s.Balance().Equal(d(750)) || !h.Leverage().Equal(d(3)) {
		t.Errorf("expected 250/750 at 3x, got %s/%s at %s", h.Balance(), s.Balance(), h.Leverage())
	}
	if !h.Size().Equal(s.State().Amount.Neg()) {
		t.Errorf("hedge size %s does not offset spot amount %s", h.Size(), s.State().Amount)
	}
}

// --- TauReset ---

func poolObs(i int, price float64) engine.Observation {
	return at(i, map[string]entity.GlobalState{PoolEntity: pool.GlobalState{Price: d(price)}})
}

func TestTauReset(t *testing.T) {
	p := DefaultTauResetParams()
	p.InitialBalance = d(1000)
	policy, err := NewTauReset(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	eng, err := engine.New(policy, engine.WithActionHook(rec.hook))
	if err != nil {
		t.Fatal(err)
	}
	lp, err := engine.Lookup[*pool.Entity](eng, PoolEntity)
	if err != nil {
		t.Fatal(err)
	}

	step(t, eng, poolObs(0, 100))
	if got := rec.reset(); !equalActions(got, []string{"POOL.deposit"}) {
		t.Fatalf("first tick should only deposit, got %v", got)
	}
	if lp.Positioned() || !lp.Balance().Equal(d(1000)) {
		t.Fatalf("expected 1000 cash and no position")
	}

	step(t, eng, poolObs(1, 100))
	if got := rec.reset(); !equalActions(got, []string{"POOL.open_position"}) {
		t.Fatalf("expected an open, got %v", got)
	}
	first, ok := lp.Range()
	if !ok || !first.InRange(d(100)) {
		t.Fatalf("range %v should contain 100", first)
	}
	if !lp.State().Cash.IsZero() {
		t.Errorf("all cash should be deployed, got %s", lp.State().Cash)
	}

	step(t, eng, poolObs(2, 101))
	if got := rec.reset(); len(got) != 0 {
		t.Errorf("price inside the range should not trade, got %v", got)
	}

	step(t, eng, poolObs(3, 150))
	if got := rec.reset(); !equalActions(got, []string{"POOL.close_position", "POOL.open_position"}) {
		t.Fatalf("expected close then open, got %v", got)
	}
	second, _ := lp.Range()
	if !second.InRange(d(150)) || second.Lower.LessThan(first.Upper) {
		t.Errorf("range should recentre on 150, got %v", second)
	}
}

func TestTauResetParams_Validate(t *testing.T) {
	p := DefaultTauResetParams()
	p.Tau = 0
	if _, err := NewTauReset(p, nil); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
}

// --- Holder ---

func spotObs(i int, price float64) engine.Observation {
	return at(i, map[string]entity.GlobalState{ExchangeEntity: spot.GlobalState{Price: d(price)}})
}

func newHolder(t *testing.T, initial float64) (*engine.Engine, *spot.Entity) {
	t.Helper()
	h, err := NewHolder(HolderParams{
		BuyPrice:       d(50),
		SellPrice:      d(60),
		TradeShare:     d(0.1),
		InitialBalance: d(initial),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := engine.New(h)
	if err != nil {
		t.Fatal(err)
	}
	ex, err := engine.Lookup[*spot.Entity](eng, ExchangeEntity)
	if err != nil {
		t.Fatal(err)
	}
	return eng, ex
}

func TestHolder(t *testing.T) {
	eng, ex := newHolder(t, 1000)
	if !ex.State().Cash.Equal(d(1000)) {
		t.Fatalf("setup should fund the exchange, got %s", ex.State().Cash)
	}

	tests := []struct {
		price        float64
		amount, cash float64
	}{
		{40, 2.5, 900},
		{55, 2.5, 900},
		{80, 2.25, 920},
	}
	for i, tt := range tests {
		step(t, eng, spotObs(i, tt.price))
		st := ex.State()
		if !st.Amount.Equal(d(tt.amount)) || !st.Cash.Equal(d(tt.cash)) {
			t.Errorf("price %v: expected amount %v cash %v, got %s %s", tt.price, tt.amount, tt.cash, st.Amount, st.Cash)
		}
	}
}

func TestHolder_SkipsDust(t *testing.T) {
	eng, ex := newHolder(t, 1e-9)
	step(t, eng, spotObs(0, 40))
	step(t, eng, spotObs(1, 80))
	if st := ex.State(); !st.Amount.IsZero() || !st.Cash.Equal(d(1e-9)) {
		t.Errorf("expected nothing traded, got amount %s cash %s", st.Amount, st.Cash)
	}
}

func TestHolderParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*HolderParams)
	}{
		{"buy above sell", func(p *HolderParams) { p.BuyPrice = d(70_000) }},
		{"zero share", func(p *HolderParams) { p.TradeShare = d(0) }},
		{"share above one", func(p *HolderParams) { p.TradeShare = d(1.5) }},
		{"zero balance", func(p *HolderParams) { p.InitialBalance = d(0) }},
		{"negative balance", func(p *HolderParams) { p.InitialBalance = d(-1) }},
		{"fee of one", func(p *HolderParams) { p.TradingFee = d(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultHolderParams()
			tt.mutate(&p)
			if _, err := NewHolder(p, nil); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

// --- FullRange ---

func lpObs(i int, price float64) engine.Observation {
	return at(i, map[string]entity.GlobalState{LPEntity: amm.GlobalState{Price: d(price)}})
}

func TestFullRange(t *testing.T) {
	p := DefaultFullRangeParams()
	p.InitialBalance = d(1000)
	policy, err := NewFullRange(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	eng, err := engine.New(policy, engine.WithActionHook(rec.hook))
	if err != nil {
		t.Fatal(err)
	}
	lp, err := engine.Lookup[*amm.Entity](eng, LPEntity)
	if err != nil {
		t.Fatal(err)
	}

	step(t, eng, lpObs(0, 4))
	if got := rec.reset(); !equalActions(got, []string{"LP.deposit"}) {
		t.Fatalf("first tick should only deposit, got %v", got)
	}
	step(t, eng, lpObs(1, 4))
	if got := rec.reset(); !equalActions(got, []string{"LP.open_position"}) {
		t.Fatalf("expected an open, got %v", got)
	}
	if !lp.Positioned() || !lp.State().Cash.IsZero() {
		t.Fatalf("all cash should be in the pool, got %+v", lp.State())
	}

	step(t, eng, lpObs(2, 16))
	if got := rec.reset(); len(got) != 0 {
		t.Errorf("an open position is held, got %v", got)
	}
	// The 997 provided at 4 doubles when the price quadruples.
	if !lp.Balance().Equal(d(1994)) {
		t.Errorf("expected 1994, got %s", lp.Balance())
	}
}

func TestFullRangeParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FullRangeParams)
	}{
		{"no balance", func(p *FullRangeParams) { p.InitialBalance = decimal.Zero }},
		{"fee of one", func(p *FullRangeParams) { p.TradingFee = d(1) }},
		{"negative decimals", func(p *FullRangeParams) { p.Token0Decimals = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultFullRangeParams()
			tt.mutate(&p)
			if _, err := NewFullRange(p, nil); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

// --- Catalog ---

func TestCatalog_List(t *testing.T) {
	infos := Default().List()
	want := []string{BasisName, FullRangeName, HolderName, TauResetName}
	if len(infos) != len(want) {
		t.Fatalf("expected %d strategies, got %d", len(want), len(infos))
	}
	for i, info := range infos {
		if info.Name != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], info.Name)
		}
	}
	if got := infos[0].Defaults["target_leverage"]; got != "2.5" {
		t.Errorf("expected default target_leverage \"2.5\", got %v", got)
	}
	if got := infos[0].Defaults["venue"]; got != VenueHedge {
		t.Errorf("expected default venue %q, got %v", VenueHedge, got)
	}
	if got := infos[3].Defaults["tau"]; got != 15.0 {
		t.Errorf("expected default tau 15, got %v", got)
	}
}

func TestCatalog_Build(t *testing.T) {
	c := Default()
	policy, err := c.Build(BasisName, map[string]any{
		"min_leverage":    2,
		"target_leverage": "3",
		"max_leverage":    5.0,
	}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b := policy.(*Basis)
	if !b.p.TargetLeverage.Equal(d(3)) || !b.p.MinLeverage.Equal(d(2)) || !b.p.MaxLeverage.Equal(d(5)) {
		t.Errorf("params not decoded: %+v", b.p)
	}
	if !b.p.InitialBalance.Equal(DefaultBasisParams().InitialBalance) {
		t.Errorf("unset params should keep defaults, got %s", b.p.InitialBalance)
	}

	if p, err := c.Build(BasisName, map[string]any{"venue": VenueGMX}, nil); err != nil {
		t.Errorf("basis on gmx: %v", err)
	} else if p.(*Basis).p.Venue != VenueGMX {
		t.Errorf("venue not decoded: %+v", p.(*Basis).p)
	}

	if p, err := c.Build(TauResetName, map[string]any{"tau": 4, "tick_spacing": 10.0}, nil); err != nil {
		t.Errorf("tau_reset: %v", err)
	} else if tr := p.(*TauReset); tr.p.Tau != 4 || tr.p.TickSpacing != 10 {
		t.Errorf("tau_reset params not decoded: %+v", tr.p)
	}
}

func TestCatalog_BuildErrors(t *testing.T) {
	c := Default()
	tests := []struct {
		name     string
		strategy string
		params   map[string]any
		want     error
	}{
		{"unknown strategy", "martingale", nil, ErrUnknownStrategy},
		{"unknown key", BasisName, map[string]any{"leverage": 2}, ErrInvalidParams},
		{"bad decimal", HolderName, map[string]any{"buy_price": "cheap"}, ErrInvalidParams},
		{"fails validation", HolderName, map[string]any{"buy_price": 70_000}, ErrInvalidParams},
		{"zero balance", HolderName, map[string]any{"initial_balance": 0}, ErrInvalidParams},
		{"unknown venue", BasisName, map[string]any{"venue": "dydx"}, ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Build(tt.strategy, tt.params, nil); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCatalog_Factory(t *testing.T) {
	c := Default()
	if _, err := c.Factory(HolderName, map[string]any{"trade_share": 2}, nil); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams up front, got %v", err)
	}

	factory, err := c.Factory(HolderName, nil, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	a, err := factory()
	if err != nil {
		t.Fatal(err)
	}
	b, err := factory()
	if err != nil {
		t.Fatal(err)
	}
	ea, _ := a.Entity(ExchangeEntity)
	eb, _ := b.Entity(ExchangeEntity)
	if ea == eb {
		t.Error("each engine needs its own entities")
	}
}

func TestCatalog_RegisterTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic")
		}
	}()
	c := NewCatalog()
	c.Register(Info{Name: "x"}, buildHolder)
	c.Register(Info{Name: "x"}, buildHolder)
}
