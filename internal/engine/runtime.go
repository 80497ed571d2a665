package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/indicators"
	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
	"github.com/tradeforge/keel/internal/metrics"
	"github.com/tradeforge/keel/internal/orders"
)

// Price padding applied when a strategy does not name its own limit: buys
// bid 5% above the last close so they clear, sells offer 5% below.
const (
	markup   = 1.05
	markdown = 0.95
)

// cryptoQtyDecimals bounds fractional crypto order sizes.
const cryptoQtyDecimals = 8

// Runtime is the surface a strategy sees during Setup and Main. It is valid
// only for the duration of the call that received it.
type Runtime struct {
	s   *Scheduler
	ctx context.Context
	cfg StrategyConfig
	now time.Time
}

// Time is the boundary timestamp of the current tick, in UTC.
func (r *Runtime) Time() time.Time { return r.now }

// LocalTime is the tick timestamp in the strategy's exchange timezone, UTC
// when none is configured.
func (r *Runtime) LocalTime() time.Time {
	if r.cfg.Timezone != nil {
		return r.now.In(r.cfg.Timezone)
	}
	return r.now
}

// Candles returns up to n most-recent candles for the symbol at the given
// interval, oldest first. Pass interval.Invalid for the strategy's own
// interval.
func (r *Runtime) Candles(symbol string, iv interval.Interval, n int) []market.Candle {
	if iv == interval.Invalid {
		iv = r.cfg.Interval
	}
	rows, err := r.s.st.Load(symbol, iv, time.Time{}, r.now)
	if err != nil {
		r.s.log.Error().Err(err).Str("symbol", symbol).Msg("candle query failed")
		return nil
	}
	if n > 0 && len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	return rows
}

// Closes returns the close column of Candles.
func (r *Runtime) Closes(symbol string, iv interval.Interval, n int) []float64 {
	return market.Closes(r.Candles(symbol, iv, n))
}

// Last returns the most recent candle for the symbol at the strategy's
// interval.
func (r *Runtime) Last(symbol string) (market.Candle, bool) {
	return r.s.st.Last(symbol, r.cfg.Interval)
}

// SMA returns the latest simple moving average over period closes.
func (r *Runtime) SMA(symbol string, period int) (float64, bool) {
	return lastOf(indicators.SMA(r.Closes(symbol, interval.Invalid, 0), period))
}

// EMA returns the latest exponential moving average over period closes.
func (r *Runtime) EMA(symbol string, period int) (float64, bool) {
	return lastOf(indicators.EMA(r.Closes(symbol, interval.Invalid, 0), period))
}

// RSI returns the latest relative strength index over period closes.
func (r *Runtime) RSI(symbol string, period int) (float64, bool) {
	return lastOf(indicators.RSI(r.Closes(symbol, interval.Invalid, 0), period))
}

// Bollinger returns the latest middle/upper/lower band values at two
// standard deviations.
func (r *Runtime) Bollinger(symbol string, period int) (mid, upper, lower float64, ok bool) {
	m, u, l := indicators.Bollinger(r.Closes(symbol, interval.Invalid, 0), period, 2)
	var okU, okL bool
	mid, ok = lastOf(m)
	upper, okU = lastOf(u)
	lower, okL = lastOf(l)
	ok = ok && okU && okL
	return mid, upper, lower, ok
}

func lastOf(vals []float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	v := vals[len(vals)-1]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Account returns the venue account snapshot.
func (r *Runtime) Account() (broker.AccountInfo, error) {
	return r.s.venue.FetchAccount(r.ctx)
}

// Position returns the held position for a symbol, ok=false when flat.
func (r *Runtime) Position(symbol string) (broker.HeldPosition, bool) {
	ps, err := r.s.venue.FetchPositions(r.ctx)
	if err != nil {
		r.s.log.Error().Err(err).Msg("position query failed")
		return broker.HeldPosition{}, false
	}
	for _, p := range ps {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return broker.HeldPosition{}, false
}

// Buy places a limit buy for as many units as buying power covers at 5%
// above the last close. Returns the kernel order ID, empty on refusal.
func (r *Runtime) Buy(symbol string) string {
	return r.BuyQty(symbol, 0)
}

// BuyQty places a limit buy for an explicit quantity at 5% above the last
// close. A zero qty sizes the order to buying power.
func (r *Runtime) BuyQty(symbol string, qty float64) string {
	last, ok := r.Last(symbol)
	if !ok {
		r.s.log.Error().Str("symbol", symbol).Str("algorithm", r.cfg.Name).Msg("buy refused: no price")
		return ""
	}
	limit := round2(last.Close * markup)
	if qty <= 0 {
		acct, err := r.Account()
		if err != nil {
			r.s.log.Error().Err(err).Str("symbol", symbol).Msg("buy refused: account query failed")
			return ""
		}
		qty = maxAffordable(symbol, acct.BuyingPower, limit)
	}
	if qty <= 0 {
		metrics.OrderRejectsTotal.WithLabelValues("buying_power").Inc()
		r.s.log.Error().
			Str("symbol", symbol).
			Str("algorithm", r.cfg.Name).
			Float64("limit", limit).
			Msg("buy refused: buying power covers zero units")
		return ""
	}
	return r.place(broker.SideBuy, symbol, nil, qty, limit)
}

// Sell places a limit sell of the full position at 5% below the last close.
// Returns the kernel order ID, empty on refusal.
func (r *Runtime) Sell(symbol string) string {
	return r.SellQty(symbol, 0)
}

// SellQty places a limit sell for an explicit quantity. A zero qty sells
// the whole position.
func (r *Runtime) SellQty(symbol string, qty float64) string {
	last, ok := r.Last(symbol)
	if !ok {
		r.s.log.Error().Str("symbol", symbol).Str("algorithm", r.cfg.Name).Msg("sell refused: no price")
		return ""
	}
	if qty <= 0 {
		p, held := r.Position(symbol)
		if !held {
			metrics.OrderRejectsTotal.WithLabelValues("no_position").Inc()
			r.s.log.Error().Str("symbol", symbol).Str("algorithm", r.cfg.Name).Msg("sell refused: no position")
			return ""
		}
		qty = p.Quantity
	}
	limit := round2(last.Close * markdown)
	return r.place(broker.SideSell, symbol, nil, qty, limit)
}

// BuyOption places a limit buy for an option contract at 5% above its
// latest quote.
func (r *Runtime) BuyOption(c market.OCC, qty float64) string {
	q, err := r.s.venue.FetchOptionMarketData(r.ctx, c.Symbol())
	if err != nil {
		r.s.log.Error().Err(err).Str("contract", c.Symbol()).Msg("option buy refused: no quote")
		return ""
	}
	if qty <= 0 {
		qty = 1
	}
	return r.place(broker.SideBuy, c.Symbol(), &c, qty, round2(q.Price*markup))
}

// SellOption places a limit sell for an option contract at 5% below its
// latest quote.
func (r *Runtime) SellOption(c market.OCC, qty float64) string {
	q, err := r.s.venue.FetchOptionMarketData(r.ctx, c.Symbol())
	if err != nil {
		r.s.log.Error().Err(err).Str("contract", c.Symbol()).Msg("option sell refused: no quote")
		return ""
	}
	if qty <= 0 {
		p, held := r.Position(c.Symbol())
		if !held {
			r.s.log.Error().Str("contract", c.Symbol()).Msg("option sell refused: no position")
			return ""
		}
		qty = p.Quantity
	}
	return r.place(broker.SideSell, c.Symbol(), &c, qty, round2(q.Price*markdown))
}

func (r *Runtime) place(side broker.Side, symbol string, contract *market.OCC, qty, limit float64) string {
	var ref string
	err := broker.Retry(r.ctx, r.s.log, "place_limit", nil, func(ctx context.Context) error {
		var perr error
		if contract != nil {
			ref, perr = r.s.venue.PlaceOptionLimit(ctx, side, *contract, qty, limit, broker.GTC)
		} else {
			ref, perr = r.s.venue.PlaceLimit(ctx, side, symbol, qty, limit, broker.GTC, false)
		}
		return perr
	})
	if err != nil {
		metrics.OrderRejectsTotal.WithLabelValues(broker.KindOf(err).String()).Inc()
		r.s.log.Error().
			Err(err).
			Str("symbol", symbol).
			Str("side", string(side)).
			Str("algorithm", r.cfg.Name).
			Msg("order refused")
		return ""
	}
	metrics.OrdersTotal.WithLabelValues(r.s.mode, string(side)).Inc()
	return r.s.book.Track(orders.Order{
		Ref: ref, Symbol: symbol, Contract: contract,
		Side: side, Quantity: qty, Limit: limit,
		Placed: r.now, Algorithm: r.cfg.Name,
	})
}

// Order returns the tracked order by kernel ID.
func (r *Runtime) Order(id string) (orders.Order, bool) {
	return r.s.book.Get(id)
}

// Cancel cancels an open order by kernel ID.
func (r *Runtime) Cancel(id string) error {
	o, ok := r.s.book.Get(id)
	if !ok {
		return fmt.Errorf("cancel: unknown order %s", id)
	}
	return r.s.venue.CancelOrder(r.ctx, o.Ref)
}

// OptionFilter narrows an option chain.
type OptionFilter struct {
	Type       market.OptionType
	MinDaysOut int
	MaxDaysOut int
	MinStrike  float64
	MaxStrike  float64
}

// FilterOptions lists the chain contracts for a symbol that pass the
// filter, sorted by strike then expiration.
func (r *Runtime) FilterOptions(symbol string, f OptionFilter) ([]market.OCC, error) {
	info, err := r.s.venue.FetchChainInfo(r.ctx, symbol)
	if err != nil {
		return nil, err
	}
	var out []market.OCC
	for _, exp := range info.Expirations {
		days := int(exp.Sub(r.now).Hours() / 24)
		if days < f.MinDaysOut || (f.MaxDaysOut > 0 && days > f.MaxDaysOut) {
			continue
		}
		chain, err := r.s.venue.FetchChainData(r.ctx, symbol, exp)
		if err != nil {
			return nil, err
		}
		for _, c := range chain {
			if f.Type != "" && c.Type != f.Type {
				continue
			}
			if f.MinStrike > 0 && c.Strike < f.MinStrike {
				continue
			}
			if f.MaxStrike > 0 && c.Strike > f.MaxStrike {
				continue
			}
			out = append(out, market.OCC{
				Root: market.BaseSymbol(symbol), Expiration: c.Expiration,
				Type: c.Type, Strike: c.Strike,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strike != out[j].Strike {
			return out[i].Strike < out[j].Strike
		}
		return out[i].Expiration.Before(out[j].Expiration)
	})
	return out, nil
}

func maxAffordable(symbol string, buyingPower, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	raw := buyingPower / limit
	if market.ClassOf(symbol) == market.Crypto {
		scale := math.Pow10(cryptoQtyDecimals)
		return math.Floor(raw*scale) / scale
	}
	return math.Floor(raw)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
