package orders

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tradeforge/keel/internal/market"
)

// Residual quantities below this are treated as fully closed.
const epsilon = 1e-9

// Position is one open holding. AvgPrice is the weighted average entry
// price; Multiplier is 1 for stock and crypto, the contract multiplier
// (typically 100) for options.
type Position struct {
	Symbol     string
	Class      market.AssetClass
	Quantity   float64
	AvgPrice   float64
	Multiplier float64
}

// Notional is the position's cost basis.
func (p Position) Notional() float64 {
	return p.Quantity * p.AvgPrice * p.Multiplier
}

// ValueAt marks the position against a price.
func (p Position) ValueAt(price float64) float64 {
	return p.Quantity * price * p.Multiplier
}

// Ledger tracks positions keyed by symbol. Buys raise quantity and re-weight
// the average price; sells lower quantity and leave the average untouched.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]Position
	log       zerolog.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(log zerolog.Logger) *Ledger {
	return &Ledger{
		positions: make(map[string]Position),
		log:       log.With().Str("component", "ledger").Logger(),
	}
}

// Buy applies a buy fill.
func (l *Ledger) Buy(symbol string, qty, price, multiplier float64) (Position, error) {
	if qty <= 0 || price < 0 {
		return Position{}, fmt.Errorf("buy %s: bad fill qty=%v price=%v", symbol, qty, price)
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		p = Position{Symbol: symbol, Class: market.ClassOf(symbol), Multiplier: multiplier}
	}
	total := p.Quantity + qty
	p.AvgPrice = (p.AvgPrice*p.Quantity + price*qty) / total
	p.Quantity = total
	l.positions[symbol] = p
	l.log.Info().
		Str("symbol", symbol).
		Float64("qty", qty).
		Float64("price", price).
		Float64("position", p.Quantity).
		Float64("avg_price", p.AvgPrice).
		Msg("fill applied")
	return p, nil
}

// Sell applies a sell fill. Selling more than the held quantity is an
// error; selling down to a residual below epsilon closes the position.
func (l *Ledger) Sell(symbol string, qty float64) (Position, error) {
	if qty <= 0 {
		return Position{}, fmt.Errorf("sell %s: bad fill qty=%v", symbol, qty)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return Position{}, fmt.Errorf("sell %s: no position", symbol)
	}
	if qty > p.Quantity+epsilon {
		return Position{}, fmt.Errorf("sell %s: qty %v exceeds held %v", symbol, qty, p.Quantity)
	}
	p.Quantity -= qty
	if math.Abs(p.Quantity) < epsilon {
		delete(l.positions, symbol)
		l.log.Info().Str("symbol", symbol).Msg("position closed")
		return Position{Symbol: symbol, Class: p.Class, Multiplier: p.Multiplier}, nil
	}
	l.positions[symbol] = p
	return p, nil
}

// Get returns the position for a symbol, ok=false when flat.
func (l *Ledger) Get(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	return p, ok
}

// Quantity returns the held quantity, zero when flat.
func (l *Ledger) Quantity(symbol string) float64 {
	p, _ := l.Get(symbol)
	return p.Quantity
}

// All returns every open position sorted by symbol.
func (l *Ledger) All() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// MarketValue marks every position against the supplied prices, falling back
// to cost basis for symbols with no price.
func (l *Ledger) MarketValue(prices map[string]float64) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for sym, p := range l.positions {
		if px, ok := prices[sym]; ok {
			total += p.ValueAt(px)
		} else {
			total += p.Notional()
		}
	}
	return total
}

// Replace resets the ledger to the supplied positions, used when syncing
// from a venue snapshot or restoring persisted state.
func (l *Ledger) Replace(ps []Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string]Position, len(ps))
	for _, p := range ps {
		if p.Multiplier <= 0 {
			p.Multiplier = 1
		}
		p.Class = market.ClassOf(p.Symbol)
		if math.Abs(p.Quantity) < epsilon {
			continue
		}
		l.positions[p.Symbol] = p
	}
}
