// Package backtest replays stored history through the scheduler under a
// virtual clock. The same tick path runs as in live mode, so a strategy
// backtests against exactly the code that will trade it.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/clock"
	"github.com/tradeforge/keel/internal/engine"
	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
	"github.com/tradeforge/keel/internal/mux"
	"github.com/tradeforge/keel/internal/store"
)

// ErrInsufficientHistory is returned before any strategy runs when the
// requested window and the stored data do not overlap for every subscribed
// series.
var ErrInsufficientHistory = errors.New("insufficient history")

// Window bounds a run. Zero values fall back to the stored data's extent.
type Window struct {
	Start time.Time
	End   time.Time
}

// Result summarizes a completed run.
type Result struct {
	Start       time.Time
	End         time.Time
	Ticks       int
	FinalEquity float64
	FinalCash   float64
}

// Run replays every subscribed series between the window bounds. A non-zero
// bound is a hard requirement: every (symbol, interval) the bound strategies
// watch must cover it, and a series that starts later or ends earlier fails
// up front with ErrInsufficientHistory before any strategy runs. Zero-valued
// bounds fall back to the extent shared by all stored series.
func Run(ctx context.Context, log zerolog.Logger, st *store.Store, sched *engine.Scheduler, clk *clock.Replay, venue broker.Adapter, win Window) (Result, error) {
	log = log.With().Str("component", "backtest").Logger()
	subs := sched.Subscriptions()
	if len(subs) == 0 {
		return Result{}, fmt.Errorf("backtest: no strategies bound")
	}

	lo, hi := win.Start, win.End
	for _, sub := range subs {
		for _, sym := range sub.Symbols {
			first, last, ok := st.Range(sym, sub.Interval)
			if !ok {
				return Result{}, fmt.Errorf("%w: no data for %s@%s", ErrInsufficientHistory, sym, sub.Interval)
			}
			if !win.Start.IsZero() && first.After(win.Start) {
				return Result{}, fmt.Errorf("%w: %s@%s starts %s, after requested start %s",
					ErrInsufficientHistory, sym, sub.Interval, first, win.Start)
			}
			if !win.End.IsZero() && last.Before(win.End) {
				return Result{}, fmt.Errorf("%w: %s@%s ends %s, before requested end %s",
					ErrInsufficientHistory, sym, sub.Interval, last, win.End)
			}
			if win.Start.IsZero() && (lo.IsZero() || first.After(lo)) {
				lo = first
			}
			if win.End.IsZero() && (hi.IsZero() || last.Before(hi)) {
				hi = last
			}
		}
	}
	if lo.After(hi) {
		return Result{}, fmt.Errorf("%w: window [%s, %s] is empty", ErrInsufficientHistory, lo, hi)
	}

	sched.PrepareAggregations()
	ticks := buildTicks(log, st, subs, lo, hi)
	log.Info().
		Time("start", lo).
		Time("end", hi).
		Int("ticks", len(ticks)).
		Msg("replay starting")

	res := Result{Start: lo, End: hi}
	for _, t := range ticks {
		if err := clk.SleepUntil(ctx, t.Time); err != nil {
			return res, err
		}
		res.Ticks++
		if !sched.HandleTick(ctx, t) {
			log.Info().Time("at", t.Time).Msg("all strategies unbound, stopping replay")
			break
		}
	}

	if acct, err := venue.FetchAccount(ctx); err == nil {
		res.FinalEquity = acct.Equity
		res.FinalCash = acct.Cash
	}
	log.Info().
		Int("ticks", res.Ticks).
		Float64("equity", res.FinalEquity).
		Msg("replay finished")
	return res, nil
}

// buildTicks assembles the deterministic replay sequence: one tick per
// (timestamp, interval) with data, ordered by time and finer interval first.
func buildTicks(log zerolog.Logger, st *store.Store, subs []broker.Subscription, lo, hi time.Time) []mux.Tick {
	type slot struct {
		at time.Time
		iv interval.Interval
	}
	ticks := map[slot]map[string]market.Candle{}
	for _, sub := range subs {
		for _, sym := range sub.Symbols {
			rows, err := st.Load(sym, sub.Interval, lo, hi)
			if err != nil {
				log.Error().Err(err).
					Str("symbol", sym).
					Str("interval", sub.Interval.String()).
					Msg("replay series load failed")
				continue
			}
			for _, c := range rows {
				k := slot{c.Time, sub.Interval}
				if ticks[k] == nil {
					ticks[k] = map[string]market.Candle{}
				}
				ticks[k][sym] = c
			}
		}
	}
	slots := make([]slot, 0, len(ticks))
	for k := range ticks {
		slots = append(slots, k)
	}
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].at.Equal(slots[j].at) {
			return slots[i].at.Before(slots[j].at)
		}
		return slots[i].iv < slots[j].iv
	})
	out := make([]mux.Tick, len(slots))
	for i, k := range slots {
		out[i] = mux.Tick{Time: k.at, Interval: k.iv, Candles: ticks[k]}
	}
	return out
}
