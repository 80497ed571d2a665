// Package broker declares the uniform contract every execution venue
// implements, live or paper: read-only data operations, trading operations,
// and the streaming lifecycle. The kernel talks only to this interface; the
// venue-specific HTTP/WS clients live behind it.
package broker

import (
	"context"
	"time"

	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
)

// Side is the side of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TimeInForce controls order lifetime at the venue.
type TimeInForce string

const (
	GTC TimeInForce = "gtc"
	Day TimeInForce = "day"
)

// OrderStatus is the lifecycle state of an order. Transitions are monotone:
// open -> filled | cancelled | rejected.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool { return s != StatusOpen }

// StatusRecord is the venue's latest view of one order.
type StatusRecord struct {
	Ref            string
	Status         OrderStatus
	FilledQuantity float64
	FilledPrice    float64
	FilledTime     time.Time
}

// AccountInfo is the venue-reported account snapshot.
type AccountInfo struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
	Multiplier  float64
}

// HeldPosition is a venue-reported position, normalized by asset class.
type HeldPosition struct {
	Symbol     string
	Class      market.AssetClass
	Quantity   float64
	AvgPrice   float64
	Multiplier float64
}

// ChainInfo describes an underlying's option chain.
type ChainInfo struct {
	Expirations []time.Time
	Multiplier  float64
}

// ChainContract is one listed contract keyed by its OCC symbol.
type ChainContract struct {
	Strike     float64
	Type       market.OptionType
	Expiration time.Time
}

// OptionQuote is the current market for one contract.
type OptionQuote struct {
	Price float64
	Ask   float64
	Bid   float64
}

// CandleFunc receives one normalized per-symbol candle from a streaming
// adapter. It is the single callback field between streamer and multiplexer.
type CandleFunc func(symbol string, c market.Candle)

// Subscription names the symbols an adapter must produce at one interval.
type Subscription struct {
	Symbols  []string
	Interval interval.Interval
}

// Adapter is the full broker contract.
type Adapter interface {
	Name() string

	// Data operations (read-only).
	SupportedIntervals() []interval.Interval
	FetchPriceHistory(ctx context.Context, symbol string, iv interval.Interval, start, end time.Time) ([]market.Candle, error)
	FetchLatestSnapshot(ctx context.Context, symbols []string, iv interval.Interval) (map[string]market.Candle, error)
	FetchChainInfo(ctx context.Context, symbol string) (ChainInfo, error)
	FetchChainData(ctx context.Context, symbol string, expiration time.Time) (map[string]ChainContract, error)
	FetchOptionMarketData(ctx context.Context, occSymbol string) (OptionQuote, error)

	// Trading operations.
	FetchAccount(ctx context.Context) (AccountInfo, error)
	FetchPositions(ctx context.Context) ([]HeldPosition, error)
	PlaceLimit(ctx context.Context, side Side, symbol string, qty, limit float64, tif TimeInForce, extended bool) (string, error)
	PlaceOptionLimit(ctx context.Context, side Side, contract market.OCC, qty, limit float64, tif TimeInForce) (string, error)
	FetchOrderStatus(ctx context.Context, ref string) (StatusRecord, error)
	CancelOrder(ctx context.Context, ref string) error
	PendingOrders(ctx context.Context) ([]string, error)

	// Streaming lifecycle. Configure is called once before Start; the
	// adapter records what it must produce and the callback to invoke.
	Configure(subs []Subscription, onCandle CandleFunc) error
	Start(ctx context.Context) error
	Stop() error
}

// FinestInterval returns the smallest interval across subscriptions, which
// is the cadence a pull-mode adapter polls at.
func FinestInterval(subs []Subscription) interval.Interval {
	finest := interval.Invalid
	for _, s := range subs {
		if finest == interval.Invalid || s.Interval < finest {
			finest = s.Interval
		}
	}
	return finest
}
