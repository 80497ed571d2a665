// Package orders tracks the kernel-side view of orders, positions, fees, and
// fills. The venue owns execution; this package owns bookkeeping.
package orders

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/market"
)

// Order is one tracked order. ID is kernel-assigned; Ref is the venue's
// identifier returned at placement.
type Order struct {
	ID             string
	Ref            string
	Symbol         string
	Contract       *market.OCC // nil for stock and crypto orders
	Side           broker.Side
	Quantity       float64
	Limit          float64
	Status         broker.OrderStatus
	Placed         time.Time
	FilledQuantity float64
	FilledPrice    float64
	FilledTime     time.Time
	Algorithm      string
}

// Book indexes open and settled orders by kernel ID and venue ref.
type Book struct {
	mu     sync.RWMutex
	orders map[string]*Order
	byRef  map[string]string
	log    zerolog.Logger
}

// NewBook creates an empty order book.
func NewBook(log zerolog.Logger) *Book {
	return &Book{
		orders: make(map[string]*Order),
		byRef:  make(map[string]string),
		log:    log.With().Str("component", "orders").Logger(),
	}
}

// Track registers a freshly placed order as open and returns its kernel ID.
func (b *Book) Track(o Order) string {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = broker.StatusOpen
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[o.ID] = &o
	if o.Ref != "" {
		b.byRef[o.Ref] = o.ID
	}
	b.log.Info().
		Str("order_id", o.ID).
		Str("ref", o.Ref).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Float64("qty", o.Quantity).
		Float64("limit", o.Limit).
		Msg("order tracked")
	return o.ID
}

// Get returns a copy of the order by kernel ID.
func (b *Book) Get(id string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// ByRef returns a copy of the order by venue ref.
func (b *Book) ByRef(ref string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.byRef[ref]
	if !ok {
		return Order{}, false
	}
	return *b.orders[id], true
}

// Apply folds a venue status record into the tracked order. Status moves
// only forward: once terminal the order never changes again, and a second
// terminal report with a different status is an error.
func (b *Book) Apply(rec broker.StatusRecord) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byRef[rec.Ref]
	if !ok {
		return Order{}, fmt.Errorf("apply status: unknown ref %s", rec.Ref)
	}
	o := b.orders[id]
	if o.Status.Terminal() {
		if rec.Status != o.Status {
			return *o, fmt.Errorf("order %s already %s, got %s", o.ID, o.Status, rec.Status)
		}
		return *o, nil
	}
	o.Status = rec.Status
	if rec.Status == broker.StatusFilled {
		o.FilledQuantity = rec.FilledQuantity
		o.FilledPrice = rec.FilledPrice
		o.FilledTime = rec.FilledTime
	}
	if rec.Status.Terminal() {
		b.log.Info().
			Str("order_id", o.ID).
			Str("symbol", o.Symbol).
			Str("status", string(o.Status)).
			Float64("filled_qty", o.FilledQuantity).
			Float64("filled_price", o.FilledPrice).
			Msg("order settled")
	}
	return *o, nil
}

// Pending returns copies of all open orders, oldest first.
func (b *Book) Pending() []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Order
	for _, o := range b.orders {
		if o.Status == broker.StatusOpen {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Placed.Before(out[j].Placed) })
	return out
}

// All returns copies of every tracked order, oldest first.
func (b *Book) All() []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Placed.Before(out[j].Placed) })
	return out
}
