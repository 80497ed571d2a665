package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/clock"
	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
	"github.com/tradeforge/keel/internal/metrics"
	"github.com/tradeforge/keel/internal/mux"
	"github.com/tradeforge/keel/internal/orders"
	"github.com/tradeforge/keel/internal/store"
)

type binding struct {
	strat Strategy
	cfg   StrategyConfig
	ready bool
	dead  bool
	fired time.Time
}

// Scheduler drives bound strategies from assembled ticks. Each tick is
// processed in a fixed order: candles land in the store, due aggregations
// run, open orders are polled for fills, then strategies whose interval just
// completed run sequentially. A strategy that errors or panics is unbound;
// the scheduler stops once no live strategy remains.
type Scheduler struct {
	log   zerolog.Logger
	clk   clock.Clock
	st    *store.Store
	venue broker.Adapter
	book  *orders.Book
	txlog *orders.TxLog
	mode  string

	mu       sync.Mutex
	bindings []*binding
	ticks    chan mux.Tick
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithTxLog records fills to a transaction log.
func WithTxLog(tl *orders.TxLog) Option {
	return func(s *Scheduler) { s.txlog = tl }
}

// New creates a scheduler. Mode labels order metrics ("live", "paper",
// "backtest").
func New(log zerolog.Logger, clk clock.Clock, st *store.Store, venue broker.Adapter, book *orders.Book, mode string, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:   log.With().Str("component", "scheduler").Logger(),
		clk:   clk,
		st:    st,
		venue: venue,
		book:  book,
		mode:  mode,
		ticks: make(chan mux.Tick, 16),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Bind registers a strategy. Its Setup runs on the first tick it receives.
func (s *Scheduler) Bind(st Strategy) error {
	cfg := st.Config()
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		if b.cfg.Name == cfg.Name {
			return fmt.Errorf("strategy %s already bound", cfg.Name)
		}
	}
	s.bindings = append(s.bindings, &binding{strat: st, cfg: cfg})
	s.log.Info().
		Str("algorithm", cfg.Name).
		Strs("symbols", cfg.Symbols).
		Str("interval", cfg.Interval.String()).
		Msg("strategy bound")
	return nil
}

// Subscriptions derives the adapter subscriptions the bound strategies need.
func (s *Scheduler) Subscriptions() []broker.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySymbol := map[string]interval.Interval{}
	for _, b := range s.bindings {
		for _, sym := range b.cfg.Symbols {
			if cur, ok := bySymbol[sym]; !ok || b.cfg.Interval < cur {
				bySymbol[sym] = b.cfg.Interval
			}
		}
	}
	byIv := map[interval.Interval][]string{}
	for sym, iv := range bySymbol {
		byIv[iv] = append(byIv[iv], sym)
	}
	var out []broker.Subscription
	for iv, syms := range byIv {
		sort.Strings(syms)
		out = append(out, broker.Subscription{Symbols: syms, Interval: iv})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval < out[j].Interval })
	return out
}

// PrepareAggregations folds the stored base series into every coarser
// interval the bound strategies ask for. Replays call it once before the
// first tick so indicator warm-up sees complete coarse history; the per-tick
// aggregation pass keeps the series current afterwards.
func (s *Scheduler) PrepareAggregations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	type aggKey struct {
		symbol string
		target interval.Interval
	}
	done := map[aggKey]struct{}{}
	for _, b := range s.bindings {
		for _, target := range b.cfg.Aggregations {
			for _, sym := range b.cfg.Symbols {
				k := aggKey{sym, target}
				if _, ok := done[k]; ok {
					continue
				}
				done[k] = struct{}{}
				if err := s.st.Aggregate(sym, b.cfg.Interval, target); err != nil {
					s.log.Error().Err(err).Str("symbol", sym).Msg("aggregation precompute failed")
				}
			}
		}
	}
}

// Enqueue hands a tick to the Run loop. It is the mux's emit target in live
// mode.
func (s *Scheduler) Enqueue(t mux.Tick) { s.ticks <- t }

// Run consumes queued ticks until the context ends or every strategy is
// unbound. Ticks already queued at cancellation are drained first.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case t := <-s.ticks:
			if !s.HandleTick(ctx, t) {
				s.log.Info().Msg("no live strategies, stopping")
				return nil
			}
		case <-ctx.Done():
			for {
				select {
				case t := <-s.ticks:
					s.HandleTick(context.Background(), t)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

// HandleTick processes one tick synchronously and reports whether any
// strategy is still bound. Backtests call it directly for determinism.
func (s *Scheduler) HandleTick(ctx context.Context, t mux.Tick) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.storeTick(t)
	s.runAggregations(t)
	s.pollOrders(ctx)

	end := t.Time.Add(t.Interval.Duration())
	alive := 0
	for _, b := range s.bindings {
		if b.dead {
			continue
		}
		// Ticks of different intervals can close the same bucket; a
		// strategy runs at most once per boundary.
		if !s.st.Calendar().IsBoundary(end, b.cfg.Interval) || b.fired.Equal(end) {
			alive++
			continue
		}
		b.fired = end
		s.invoke(ctx, b, t)
		if !b.dead {
			alive++
		}
	}

	s.updateEquity(ctx)
	return alive > 0
}

func (s *Scheduler) storeTick(t mux.Tick) {
	syms := make([]string, 0, len(t.Candles))
	for sym := range t.Candles {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		c := t.Candles[sym]
		if err := s.st.Store(sym, t.Interval, []market.Candle{c}); err != nil {
			s.log.Error().Err(err).Str("symbol", sym).Msg("tick store failed")
		}
	}
}

// runAggregations folds the base series into every coarser interval a
// strategy asked for, once that coarser bucket has just closed.
func (s *Scheduler) runAggregations(t mux.Tick) {
	end := t.Time.Add(t.Interval.Duration())
	type aggKey struct {
		symbol string
		target interval.Interval
	}
	done := map[aggKey]struct{}{}
	for _, b := range s.bindings {
		if b.dead {
			continue
		}
		for _, target := range b.cfg.Aggregations {
			if !s.st.Calendar().IsBoundary(end, target) {
				continue
			}
			for _, sym := range b.cfg.Symbols {
				k := aggKey{sym, target}
				if _, ok := done[k]; ok {
					continue
				}
				done[k] = struct{}{}
				if err := s.st.Aggregate(sym, t.Interval, target); err != nil {
					s.log.Error().Err(err).Str("symbol", sym).Msg("aggregation failed")
				}
			}
		}
	}
}

// pollOrders asks the venue about every open order and folds settlements
// into the book and the transaction log.
func (s *Scheduler) pollOrders(ctx context.Context) {
	for _, o := range s.book.Pending() {
		rec, err := s.venue.FetchOrderStatus(ctx, o.Ref)
		if err != nil {
			s.log.Warn().Err(err).Str("ref", o.Ref).Msg("order poll failed")
			continue
		}
		settled, err := s.book.Apply(rec)
		if err != nil {
			s.log.Error().Err(err).Str("ref", o.Ref).Msg("order status conflict")
			continue
		}
		if settled.Status == broker.StatusFilled && s.txlog != nil {
			s.txlog.Append(orders.Transaction{
				Time:      settled.FilledTime,
				Symbol:    settled.Symbol,
				Side:      settled.Side,
				Quantity:  settled.FilledQuantity,
				Price:     settled.FilledPrice,
				Algorithm: settled.Algorithm,
			})
		}
	}
}

// invoke runs one strategy callback with panic containment. Any failure
// unbinds the strategy.
func (s *Scheduler) invoke(ctx context.Context, b *binding, t mux.Tick) {
	rt := &Runtime{s: s, ctx: ctx, cfg: b.cfg, now: t.Time}
	defer func() {
		if r := recover(); r != nil {
			metrics.StrategyErrorsTotal.WithLabelValues(b.cfg.Name).Inc()
			s.log.Error().
				Str("algorithm", b.cfg.Name).
				Interface("panic", r).
				Msg("strategy panicked, unbinding")
			b.dead = true
		}
	}()
	if !b.ready {
		if err := b.strat.Setup(rt); err != nil {
			metrics.StrategyErrorsTotal.WithLabelValues(b.cfg.Name).Inc()
			s.log.Error().Err(err).Str("algorithm", b.cfg.Name).Msg("setup failed, unbinding")
			b.dead = true
			return
		}
		b.ready = true
	}
	if err := b.strat.Main(rt); err != nil {
		metrics.StrategyErrorsTotal.WithLabelValues(b.cfg.Name).Inc()
		s.log.Error().Err(err).Str("algorithm", b.cfg.Name).Msg("strategy failed, unbinding")
		b.dead = true
	}
}

func (s *Scheduler) updateEquity(ctx context.Context) {
	acct, err := s.venue.FetchAccount(ctx)
	if err != nil {
		return
	}
	metrics.Equity.Set(acct.Equity)
}
