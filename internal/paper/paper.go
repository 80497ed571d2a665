// Package paper implements the broker contract against a simulated account.
// Orders clear against the latest known close: a buy fills when its limit is
// at or above the close, a sell when its limit is at or below it, always at
// the close price. Cash moves through decimal arithmetic so repeated fills
// never drift.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/clock"
	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
	"github.com/tradeforge/keel/internal/metrics"
	"github.com/tradeforge/keel/internal/orders"
)

// ErrInsufficientFunds rejects a placement whose cost exceeds buying power.
var ErrInsufficientFunds = errors.New("insufficient funds")

const optionMultiplier = 100

// PriceFunc returns the latest known price for a symbol.
type PriceFunc func(symbol string) (float64, bool)

type paperOrder struct {
	Ref       string
	Symbol    string
	Side      broker.Side
	Quantity  float64
	Limit     float64
	Option    bool
	Status    broker.OrderStatus
	Placed    time.Time
	FillPrice float64
	FillTime  time.Time
}

// Broker is a simulated venue. An optional upstream adapter serves the data
// operations so paper trading can run against live market data.
type Broker struct {
	log    zerolog.Logger
	clk    clock.Clock
	prices PriceFunc
	data   broker.Adapter
	fees   orders.Schedule
	state  *stateFile

	mu     sync.Mutex
	cash   decimal.Decimal
	ledger *orders.Ledger
	orders map[string]*paperOrder
	nextID int
}

// Option configures the broker.
type Option func(*Broker)

// WithDataSource wires an upstream adapter for the data operations.
func WithDataSource(a broker.Adapter) Option {
	return func(b *Broker) { b.data = a }
}

// WithCommission applies a fee schedule to fills.
func WithCommission(s orders.Schedule) Option {
	return func(b *Broker) { b.fees = s }
}

// WithStateFile persists account state across restarts.
func WithStateFile(path string) Option {
	return func(b *Broker) { b.state = &stateFile{path: path} }
}

// New creates a paper broker with the given starting cash.
func New(log zerolog.Logger, clk clock.Clock, prices PriceFunc, cash float64, opts ...Option) (*Broker, error) {
	b := &Broker{
		log:    log.With().Str("component", "paper").Logger(),
		clk:    clk,
		prices: prices,
		cash:   decimal.NewFromFloat(cash),
		ledger: orders.NewLedger(log),
		orders: make(map[string]*paperOrder),
		nextID: 1,
	}
	for _, o := range opts {
		o(b)
	}
	if b.state != nil {
		if err := b.restore(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Broker) Name() string { return "paper" }

// --- data operations, delegated upstream when available ---

func (b *Broker) SupportedIntervals() []interval.Interval {
	if b.data != nil {
		return b.data.SupportedIntervals()
	}
	return interval.All()
}

func (b *Broker) FetchPriceHistory(ctx context.Context, symbol string, iv interval.Interval, start, end time.Time) ([]market.Candle, error) {
	if b.data == nil {
		return nil, broker.Errf(broker.KindUnsupported, "fetch_price_history", "no data source")
	}
	return b.data.FetchPriceHistory(ctx, symbol, iv, start, end)
}

func (b *Broker) FetchLatestSnapshot(ctx context.Context, symbols []string, iv interval.Interval) (map[string]market.Candle, error) {
	if b.data == nil {
		return nil, broker.Errf(broker.KindUnsupported, "fetch_latest_snapshot", "no data source")
	}
	return b.data.FetchLatestSnapshot(ctx, symbols, iv)
}

func (b *Broker) FetchChainInfo(ctx context.Context, symbol string) (broker.ChainInfo, error) {
	if b.data == nil {
		return broker.ChainInfo{}, broker.Errf(broker.KindUnsupported, "fetch_chain_info", "no data source")
	}
	return b.data.FetchChainInfo(ctx, symbol)
}

func (b *Broker) FetchChainData(ctx context.Context, symbol string, expiration time.Time) (map[string]broker.ChainContract, error) {
	if b.data == nil {
		return nil, broker.Errf(broker.KindUnsupported, "fetch_chain_data", "no data source")
	}
	return b.data.FetchChainData(ctx, symbol, expiration)
}

func (b *Broker) FetchOptionMarketData(ctx context.Context, occSymbol string) (broker.OptionQuote, error) {
	if px, ok := b.prices(occSymbol); ok {
		return broker.OptionQuote{Price: px, Ask: px, Bid: px}, nil
	}
	if b.data != nil {
		return b.data.FetchOptionMarketData(ctx, occSymbol)
	}
	return broker.OptionQuote{}, broker.Errf(broker.KindUnsupported, "fetch_option_market_data", "no quote for %s", occSymbol)
}

// --- trading operations ---

func (b *Broker) FetchAccount(context.Context) (broker.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cash, _ := b.cash.Float64()
	return broker.AccountInfo{
		Equity:      cash + b.marketValueLocked(),
		Cash:        cash,
		BuyingPower: cash,
		Multiplier:  1,
	}, nil
}

func (b *Broker) marketValueLocked() float64 {
	prices := map[string]float64{}
	for _, p := range b.ledger.All() {
		if px, ok := b.prices(p.Symbol); ok {
			prices[p.Symbol] = px
		}
	}
	return b.ledger.MarketValue(prices)
}

func (b *Broker) FetchPositions(context.Context) ([]broker.HeldPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.HeldPosition
	for _, p := range b.ledger.All() {
		out = append(out, broker.HeldPosition{
			Symbol: p.Symbol, Class: p.Class,
			Quantity: p.Quantity, AvgPrice: p.AvgPrice, Multiplier: p.Multiplier,
		})
	}
	return out, nil
}

// PlaceLimit accepts an order after a buying-power check at the limit price.
func (b *Broker) PlaceLimit(_ context.Context, side broker.Side, symbol string, qty, limit float64, _ broker.TimeInForce, _ bool) (string, error) {
	return b.place(side, symbol, qty, limit, false, 1)
}

// PlaceOptionLimit accepts an option order keyed by its OCC symbol.
func (b *Broker) PlaceOptionLimit(_ context.Context, side broker.Side, contract market.OCC, qty, limit float64, _ broker.TimeInForce) (string, error) {
	return b.place(side, contract.Symbol(), qty, limit, true, optionMultiplier)
}

func (b *Broker) place(side broker.Side, symbol string, qty, limit float64, option bool, mult float64) (string, error) {
	if qty <= 0 || limit <= 0 {
		return "", broker.Errf(broker.KindRejected, "place_limit", "bad order qty=%v limit=%v", qty, limit)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if side == broker.SideBuy {
		notional := qty * limit * mult
		cost := decimal.NewFromFloat(notional).Add(decimal.NewFromFloat(b.fees.Fee(side, notional)))
		if cost.GreaterThan(b.cash) {
			metrics.OrderRejectsTotal.WithLabelValues("insufficient_funds").Inc()
			b.log.Error().
				Str("symbol", symbol).
				Float64("qty", qty).
				Float64("limit", limit).
				Str("cost", cost.StringFixed(2)).
				Str("cash", b.cash.StringFixed(2)).
				Msg("order rejected")
			return "", &broker.Error{Kind: broker.KindRejected, Op: "place_limit", Err: ErrInsufficientFunds}
		}
	} else if b.ledger.Quantity(symbol) < qty {
		metrics.OrderRejectsTotal.WithLabelValues("insufficient_position").Inc()
		return "", broker.Errf(broker.KindRejected, "place_limit", "sell %v exceeds position %v in %s", qty, b.ledger.Quantity(symbol), symbol)
	}

	ref := fmt.Sprintf("P-%06d", b.nextID)
	b.nextID++
	b.orders[ref] = &paperOrder{
		Ref: ref, Symbol: symbol, Side: side,
		Quantity: qty, Limit: limit, Option: option,
		Status: broker.StatusOpen, Placed: b.clk.Now(),
	}
	b.log.Info().
		Str("ref", ref).
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("qty", qty).
		Float64("limit", limit).
		Msg("order accepted")
	b.persistLocked()
	return ref, nil
}

// FetchOrderStatus evaluates the order against the latest price before
// reporting, so open limits fill as soon as they are polled after a
// clearing close.
func (b *Broker) FetchOrderStatus(_ context.Context, ref string) (broker.StatusRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[ref]
	if !ok {
		return broker.StatusRecord{}, broker.Errf(broker.KindRejected, "fetch_order_status", "unknown ref %s", ref)
	}
	b.settleLocked(o)
	return broker.StatusRecord{
		Ref: o.Ref, Status: o.Status,
		FilledQuantity: fillQty(o), FilledPrice: o.FillPrice, FilledTime: o.FillTime,
	}, nil
}

func fillQty(o *paperOrder) float64 {
	if o.Status == broker.StatusFilled {
		return o.Quantity
	}
	return 0
}

func (b *Broker) settleLocked(o *paperOrder) {
	if o.Status != broker.StatusOpen {
		return
	}
	px, ok := b.prices(o.Symbol)
	if !ok {
		return
	}
	clears := (o.Side == broker.SideBuy && o.Limit >= px) ||
		(o.Side == broker.SideSell && o.Limit <= px)
	if !clears {
		return
	}

	mult := 1.0
	if o.Option {
		mult = optionMultiplier
	}
	notional := o.Quantity * px * mult
	fee := b.fees.Fee(o.Side, notional)
	if o.Side == broker.SideBuy {
		b.cash = b.cash.Sub(decimal.NewFromFloat(notional)).Sub(decimal.NewFromFloat(fee))
		if _, err := b.ledger.Buy(o.Symbol, o.Quantity, px, mult); err != nil {
			b.log.Error().Err(err).Str("ref", o.Ref).Msg("fill bookkeeping failed")
			return
		}
	} else {
		if _, err := b.ledger.Sell(o.Symbol, o.Quantity); err != nil {
			b.log.Error().Err(err).Str("ref", o.Ref).Msg("fill bookkeeping failed")
			o.Status = broker.StatusRejected
			b.persistLocked()
			return
		}
		b.cash = b.cash.Add(decimal.NewFromFloat(notional)).Sub(decimal.NewFromFloat(fee))
	}
	o.Status = broker.StatusFilled
	o.FillPrice = px
	o.FillTime = b.clk.Now()
	b.log.Info().
		Str("ref", o.Ref).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Float64("price", px).
		Float64("fee", fee).
		Str("cash", b.cash.StringFixed(2)).
		Msg("order filled")
	b.persistLocked()
}

func (b *Broker) CancelOrder(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[ref]
	if !ok {
		return broker.Errf(broker.KindRejected, "cancel_order", "unknown ref %s", ref)
	}
	if o.Status.Terminal() {
		return broker.Errf(broker.KindRejected, "cancel_order", "order %s already %s", ref, o.Status)
	}
	o.Status = broker.StatusCancelled
	b.persistLocked()
	return nil
}

func (b *Broker) PendingOrders(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for ref, o := range b.orders {
		if o.Status == broker.StatusOpen {
			out = append(out, ref)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- streaming lifecycle, delegated upstream ---

func (b *Broker) Configure(subs []broker.Subscription, onCandle broker.CandleFunc) error {
	if b.data != nil {
		return b.data.Configure(subs, onCandle)
	}
	return nil
}

func (b *Broker) Start(ctx context.Context) error {
	if b.data != nil {
		return b.data.Start(ctx)
	}
	return nil
}

func (b *Broker) Stop() error {
	if b.data != nil {
		return b.data.Stop()
	}
	return nil
}
