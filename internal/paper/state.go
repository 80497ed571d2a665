package paper

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/orders"
)

// stateFile persists the simulated account as a single JSON blob, written
// atomically (temp file then rename) after every state change.
type stateFile struct {
	path string
}

type persistedOrder struct {
	Ref       string             `json:"ref"`
	Symbol    string             `json:"symbol"`
	Side      broker.Side        `json:"side"`
	Quantity  float64            `json:"quantity"`
	Limit     float64            `json:"limit"`
	Option    bool               `json:"option,omitempty"`
	Status    broker.OrderStatus `json:"status"`
	Placed    time.Time          `json:"placed"`
	FillPrice float64            `json:"fill_price,omitempty"`
	FillTime  time.Time          `json:"fill_time,omitempty"`
}

type persistedPosition struct {
	Symbol     string  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	AvgPrice   float64 `json:"avg_price"`
	Multiplier float64 `json:"multiplier"`
}

type persistedState struct {
	Cash        string              `json:"cash"`
	Positions   []persistedPosition `json:"positions"`
	Orders      []persistedOrder    `json:"orders"`
	NextOrderID int                 `json:"next_order_id"`
}

// persistLocked snapshots current state to disk. Callers hold b.mu. Write
// failures are logged, not fatal; the account stays consistent in memory.
func (b *Broker) persistLocked() {
	if b.state == nil {
		return
	}
	st := persistedState{
		Cash:        b.cash.String(),
		NextOrderID: b.nextID,
	}
	for _, p := range b.ledger.All() {
		st.Positions = append(st.Positions, persistedPosition{
			Symbol: p.Symbol, Quantity: p.Quantity, AvgPrice: p.AvgPrice, Multiplier: p.Multiplier,
		})
	}
	for _, o := range b.orders {
		st.Orders = append(st.Orders, persistedOrder{
			Ref: o.Ref, Symbol: o.Symbol, Side: o.Side,
			Quantity: o.Quantity, Limit: o.Limit, Option: o.Option,
			Status: o.Status, Placed: o.Placed,
			FillPrice: o.FillPrice, FillTime: o.FillTime,
		})
	}
	if err := b.state.write(st); err != nil {
		b.log.Error().Err(err).Str("path", b.state.path).Msg("state write failed")
	}
}

// restore loads a previous session's state, if any.
func (b *Broker) restore() error {
	st, ok, err := b.state.read()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	cash, err := decimal.NewFromString(st.Cash)
	if err != nil {
		return fmt.Errorf("restore state: bad cash %q: %w", st.Cash, err)
	}
	b.cash = cash
	if st.NextOrderID > 0 {
		b.nextID = st.NextOrderID
	}
	var ps []orders.Position
	for _, p := range st.Positions {
		ps = append(ps, orders.Position{
			Symbol: p.Symbol, Quantity: p.Quantity, AvgPrice: p.AvgPrice, Multiplier: p.Multiplier,
		})
	}
	b.ledger.Replace(ps)
	for _, o := range st.Orders {
		b.orders[o.Ref] = &paperOrder{
			Ref: o.Ref, Symbol: o.Symbol, Side: o.Side,
			Quantity: o.Quantity, Limit: o.Limit, Option: o.Option,
			Status: o.Status, Placed: o.Placed,
			FillPrice: o.FillPrice, FillTime: o.FillTime,
		}
	}
	b.log.Info().
		Str("cash", b.cash.StringFixed(2)).
		Int("positions", len(st.Positions)).
		Int("orders", len(st.Orders)).
		Msg("state restored")
	return nil
}

func (s *stateFile) write(st persistedState) error {
	buf, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *stateFile) read() (persistedState, bool, error) {
	buf, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return persistedState{}, false, nil
		}
		return persistedState{}, false, err
	}
	var st persistedState
	if err := json.Unmarshal(buf, &st); err != nil {
		return persistedState{}, false, fmt.Errorf("restore state: %w", err)
	}
	return st, true, nil
}
