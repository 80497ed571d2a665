package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/clock"
	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
	"github.com/tradeforge/keel/internal/mux"
	"github.com/tradeforge/keel/internal/orders"
	"github.com/tradeforge/keel/internal/paper"
	"github.com/tradeforge/keel/internal/store"
)

type testStrat struct {
	cfg   StrategyConfig
	setup func(*Runtime) error
	main  func(*Runtime) error
}

func (s *testStrat) Config() StrategyConfig { return s.cfg }

func (s *testStrat) Setup(rt *Runtime) error {
	if s.setup != nil {
		return s.setup(rt)
	}
	return nil
}

func (s *testStrat) Main(rt *Runtime) error {
	if s.main != nil {
		return s.main(rt)
	}
	return nil
}

type harness struct {
	sched *Scheduler
	st    *store.Store
	venue *paper.Broker
	book  *orders.Book
	clk   *clock.Replay
	iv    interval.Interval
	now   time.Time
}

func newHarness(t *testing.T, cash float64) *harness {
	t.Helper()
	start := time.Date(2021, 3, 1, 9, 30, 0, 0, time.UTC)
	st := store.New(zerolog.Nop())
	clk := clock.NewReplay(start)
	prices := func(sym string) (float64, bool) {
		c, ok := st.Last(sym, interval.Min1)
		return c.Close, ok
	}
	venue, err := paper.New(zerolog.Nop(), clk, prices, cash)
	require.NoError(t, err)
	book := orders.NewBook(zerolog.Nop())
	return &harness{
		sched: New(zerolog.Nop(), clk, st, venue, book, "paper"),
		st:    st,
		venue: venue,
		book:  book,
		clk:   clk,
		iv:    interval.Min1,
		now:   start,
	}
}

// tick feeds one candle per symbol and advances the replay clock.
func (h *harness) tick(closes map[string]float64) bool {
	candles := map[string]market.Candle{}
	for sym, cl := range closes {
		candles[sym] = market.Candle{Time: h.now, Open: cl, High: cl, Low: cl, Close: cl, Volume: 1}
	}
	alive := h.sched.HandleTick(context.Background(), mux.Tick{
		Time: h.now, Interval: h.iv, Candles: candles,
	})
	h.now = h.now.Add(h.iv.Duration())
	h.clk.Advance(h.iv.Duration())
	return alive
}

func TestBuyMarksUpAndFillsAtClose(t *testing.T) {
	h := newHarness(t, 1000)
	var orderID string
	bought := false
	strat := &testStrat{
		cfg: StrategyConfig{Name: "crossover", Symbols: []string{"XYZ"}, Interval: interval.Min1},
		main: func(rt *Runtime) error {
			if !bought {
				bought = true
				orderID = rt.BuyQty("XYZ", 10)
			}
			return nil
		},
	}
	require.NoError(t, h.sched.Bind(strat))

	h.tick(map[string]float64{"XYZ": 14.00})
	o, ok := h.book.Get(orderID)
	require.True(t, ok)
	require.Equal(t, 14.70, o.Limit) // 14.00 * 1.05
	require.Equal(t, broker.StatusOpen, o.Status)

	// Next tick polls the venue; the limit clears against the 14.00 close.
	h.tick(map[string]float64{"XYZ": 14.00})
	o, _ = h.book.Get(orderID)
	require.Equal(t, broker.StatusFilled, o.Status)
	require.Equal(t, 14.00, o.FilledPrice)

	acct, err := h.venue.FetchAccount(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 1000-140, acct.Cash, 1e-9)
}

func TestAutoQuantityIsMaxAffordable(t *testing.T) {
	h := newHarness(t, 100)
	var orderID string
	strat := &testStrat{
		cfg: StrategyConfig{Name: "sizer", Symbols: []string{"XYZ"}, Interval: interval.Min1},
		main: func(rt *Runtime) error {
			if orderID == "" {
				orderID = rt.Buy("XYZ")
			}
			return nil
		},
	}
	require.NoError(t, h.sched.Bind(strat))

	h.tick(map[string]float64{"XYZ": 20.00})
	o, ok := h.book.Get(orderID)
	require.True(t, ok)
	require.Equal(t, 21.00, o.Limit)   // 20.00 * 1.05
	require.Equal(t, 4.0, o.Quantity) // floor(100 / 21)
}

func TestBuyRefusedWhenBuyingPowerCoversNothing(t *testing.T) {
	h := newHarness(t, 10)
	calls := 0
	strat := &testStrat{
		cfg: StrategyConfig{Name: "broke", Symbols: []string{"XYZ"}, Interval: interval.Min1},
		main: func(rt *Runtime) error {
			calls++
			require.Equal(t, "", rt.Buy("XYZ"))
			return nil
		},
	}
	require.NoError(t, h.sched.Bind(strat))
	h.tick(map[string]float64{"XYZ": 20.00})
	require.Equal(t, 1, calls)
	require.Empty(t, h.book.Pending())
}

func TestSellDefaultsToFullPosition(t *testing.T) {
	h := newHarness(t, 1000)
	step := 0
	var sellID string
	strat := &testStrat{
		cfg: StrategyConfig{Name: "roundtrip", Symbols: []string{"XYZ"}, Interval: interval.Min1},
		main: func(rt *Runtime) error {
			step++
			switch step {
			case 1:
				rt.BuyQty("XYZ", 5)
			case 3:
				sellID = rt.Sell("XYZ")
			}
			return nil
		},
	}
	require.NoError(t, h.sched.Bind(strat))

	h.tick(map[string]float64{"XYZ": 10})
	h.tick(map[string]float64{"XYZ": 10}) // buy fills
	h.tick(map[string]float64{"XYZ": 12}) // sell placed
	o, ok := h.book.Get(sellID)
	require.True(t, ok)
	require.Equal(t, 5.0, o.Quantity)
	require.Equal(t, 11.4, o.Limit) // 12 * 0.95

	h.tick(map[string]float64{"XYZ": 12}) // sell fills at close
	o, _ = h.book.Get(sellID)
	require.Equal(t, broker.StatusFilled, o.Status)
	require.Equal(t, 12.0, o.FilledPrice)

	acct, _ := h.venue.FetchAccount(context.Background())
	require.InDelta(t, 1000-50+60, acct.Cash, 1e-9)
}

func TestStrategyErrorUnbinds(t *testing.T) {
	h := newHarness(t, 1000)
	strat := &testStrat{
		cfg:  StrategyConfig{Name: "bad", Symbols: []string{"XYZ"}, Interval: interval.Min1},
		main: func(*Runtime) error { return errors.New("boom") },
	}
	require.NoError(t, h.sched.Bind(strat))
	require.False(t, h.tick(map[string]float64{"XYZ": 10}))
}

func TestStrategyPanicIsContained(t *testing.T) {
	h := newHarness(t, 1000)
	panicky := &testStrat{
		cfg:  StrategyConfig{Name: "panicky", Symbols: []string{"XYZ"}, Interval: interval.Min1},
		main: func(*Runtime) error { panic("ouch") },
	}
	calm := &testStrat{
		cfg: StrategyConfig{Name: "calm", Symbols: []string{"XYZ"}, Interval: interval.Min1},
	}
	require.NoError(t, h.sched.Bind(panicky))
	require.NoError(t, h.sched.Bind(calm))

	require.True(t, h.tick(map[string]float64{"XYZ": 10}))
	require.True(t, h.tick(map[string]float64{"XYZ": 10}))
}

func TestSetupRunsOnceBeforeMain(t *testing.T) {
	h := newHarness(t, 1000)
	var calls []string
	strat := &testStrat{
		cfg:   StrategyConfig{Name: "order", Symbols: []string{"XYZ"}, Interval: interval.Min1},
		setup: func(*Runtime) error { calls = append(calls, "setup"); return nil },
		main:  func(*Runtime) error { calls = append(calls, "main"); return nil },
	}
	require.NoError(t, h.sched.Bind(strat))
	h.tick(map[string]float64{"XYZ": 10})
	h.tick(map[string]float64{"XYZ": 10})
	require.Equal(t, []string{"setup", "main", "main"}, calls)
}

func TestAggregationsRunAtBoundary(t *testing.T) {
	h := newHarness(t, 1000)
	strat := &testStrat{
		cfg: StrategyConfig{
			Name: "agg", Symbols: []string{"XYZ"},
			Interval: interval.Min1, Aggregations: []interval.Interval{interval.Min5},
		},
	}
	require.NoError(t, h.sched.Bind(strat))

	for i := 0; i < 5; i++ {
		h.tick(map[string]float64{"XYZ": float64(10 + i)})
	}
	rows, err := h.st.Load("XYZ", interval.Min5, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 10.0, rows[0].Open)
	require.Equal(t, 14.0, rows[0].Close)
}

func TestCoarserStrategyRunsOnItsBoundary(t *testing.T) {
	h := newHarness(t, 1000)
	runs := 0
	strat := &testStrat{
		cfg: StrategyConfig{Name: "slow", Symbols: []string{"XYZ"}, Interval: interval.Min5},
	}
	strat.main = func(*Runtime) error { runs++; return nil }
	require.NoError(t, h.sched.Bind(strat))

	// 1MIN ticks; the 5MIN strategy fires only when a 5MIN bucket closes.
	h.iv = interval.Min1
	for i := 0; i < 10; i++ {
		h.tick(map[string]float64{"XYZ": 10})
	}
	require.Equal(t, 2, runs)
}

func TestStrategyFiresOncePerBucket(t *testing.T) {
	h := newHarness(t, 1000)
	runs := 0
	strat := &testStrat{
		cfg:  StrategyConfig{Name: "slow", Symbols: []string{"XYZ"}, Interval: interval.Min5},
		main: func(*Runtime) error { runs++; return nil },
	}
	require.NoError(t, h.sched.Bind(strat))

	// Five 1MIN ticks close the 9:30 bucket; a 5MIN tick for the same
	// bucket arrives too. Both name the same boundary, one run.
	start := h.now
	for i := 0; i < 5; i++ {
		h.tick(map[string]float64{"XYZ": 10})
	}
	h.sched.HandleTick(context.Background(), mux.Tick{
		Time: start, Interval: interval.Min5,
		Candles: map[string]market.Candle{
			"XYZ": {Time: start, Open: 10, High: 10, Low: 10, Close: 10, Volume: 5},
		},
	})
	require.Equal(t, 1, runs)
}

func TestSubscriptionsMergeSymbols(t *testing.T) {
	h := newHarness(t, 1000)
	require.NoError(t, h.sched.Bind(&testStrat{
		cfg: StrategyConfig{Name: "a", Symbols: []string{"B", "A"}, Interval: interval.Min1},
	}))
	require.NoError(t, h.sched.Bind(&testStrat{
		cfg: StrategyConfig{Name: "b", Symbols: []string{"A", "C"}, Interval: interval.Min5},
	}))

	subs := h.sched.Subscriptions()
	require.Len(t, subs, 2)
	require.Equal(t, interval.Min1, subs[0].Interval)
	require.Equal(t, []string{"A", "B"}, subs[0].Symbols)
	require.Equal(t, []string{"C"}, subs[1].Symbols)
}

func TestLocalTimeUsesConfiguredTimezone(t *testing.T) {
	h := newHarness(t, 1000)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	var utc, local time.Time
	strat := &testStrat{
		cfg: StrategyConfig{Name: "tz", Symbols: []string{"XYZ"}, Interval: interval.Min1, Timezone: ny},
		main: func(rt *Runtime) error {
			utc, local = rt.Time(), rt.LocalTime()
			return nil
		},
	}
	require.NoError(t, h.sched.Bind(strat))
	h.tick(map[string]float64{"XYZ": 10})
	require.True(t, utc.Equal(local))
	require.Equal(t, ny, local.Location())
	require.Equal(t, time.UTC, utc.Location())
}

func TestPrepareAggregationsFillsCoarseSeries(t *testing.T) {
	h := newHarness(t, 1000)
	strat := &testStrat{
		cfg: StrategyConfig{
			Name: "warm", Symbols: []string{"XYZ"},
			Interval: interval.Min1, Aggregations: []interval.Interval{interval.Min5},
		},
	}
	require.NoError(t, h.sched.Bind(strat))

	base := make([]market.Candle, 10)
	for i := range base {
		cl := float64(10 + i)
		base[i] = market.Candle{Time: h.now.Add(time.Duration(i) * time.Minute), Open: cl, High: cl, Low: cl, Close: cl, Volume: 1}
	}
	require.NoError(t, h.st.Store("XYZ", interval.Min1, base))

	h.sched.PrepareAggregations()
	rows, err := h.st.Load("XYZ", interval.Min5, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 10.0, rows[0].Open)
	require.Equal(t, 19.0, rows[1].Close)
}

func TestIndicatorQueries(t *testing.T) {
	h := newHarness(t, 1000)
	var sma float64
	var ok bool
	strat := &testStrat{
		cfg: StrategyConfig{Name: "ind", Symbols: []string{"XYZ"}, Interval: interval.Min1},
		main: func(rt *Runtime) error {
			sma, ok = rt.SMA("XYZ", 3)
			return nil
		},
	}
	require.NoError(t, h.sched.Bind(strat))

	h.tick(map[string]float64{"XYZ": 10})
	require.False(t, ok) // not enough history yet
	h.tick(map[string]float64{"XYZ": 20})
	h.tick(map[string]float64{"XYZ": 30})
	require.True(t, ok)
	require.InDelta(t, 20.0, sma, 1e-12)
}
