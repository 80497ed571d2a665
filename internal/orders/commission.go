package orders

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/keel/internal/broker"
)

// Rate is one side's commission: either a flat amount per order or a
// percentage of notional. Decimal arithmetic keeps fee math exact before the
// final rounding to cents.
type Rate struct {
	Flat    decimal.Decimal
	Percent decimal.Decimal
}

// ParseRate accepts "1.50" (flat currency) or "0.25%" (rate on notional).
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rate{}, nil
	}
	if strings.HasSuffix(s, "%") {
		d, err := decimal.NewFromString(strings.TrimSuffix(s, "%"))
		if err != nil {
			return Rate{}, fmt.Errorf("parse commission %q: %w", s, err)
		}
		return Rate{Percent: d.Div(decimal.NewFromInt(100))}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Rate{}, fmt.Errorf("parse commission %q: %w", s, err)
	}
	return Rate{Flat: d}, nil
}

// Fee computes the charge for a trade of the given notional, rounded to
// cents.
func (r Rate) Fee(notional float64) float64 {
	n := decimal.NewFromFloat(notional)
	fee := r.Flat.Add(r.Percent.Mul(n))
	f, _ := fee.Round(2).Float64()
	return f
}

// Schedule holds per-side commission rates.
type Schedule struct {
	Buy  Rate
	Sell Rate
}

// ParseSchedule accepts one rate for both sides ("0.25%") or a per-side
// pair ("buy:0%,sell:0.25%").
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Schedule{}, nil
	}
	if !strings.Contains(s, ":") {
		r, err := ParseRate(s)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Buy: r, Sell: r}, nil
	}
	var sched Schedule
	for _, part := range strings.Split(s, ",") {
		side, val, ok := strings.Cut(part, ":")
		if !ok {
			return Schedule{}, fmt.Errorf("parse commission schedule %q: bad part %q", s, part)
		}
		r, err := ParseRate(val)
		if err != nil {
			return Schedule{}, err
		}
		switch strings.ToLower(strings.TrimSpace(side)) {
		case "buy":
			sched.Buy = r
		case "sell":
			sched.Sell = r
		default:
			return Schedule{}, fmt.Errorf("parse commission schedule %q: unknown side %q", s, side)
		}
	}
	return sched, nil
}

// Fee returns the commission for one side and notional.
func (s Schedule) Fee(side broker.Side, notional float64) float64 {
	if side == broker.SideSell {
		return s.Sell.Fee(notional)
	}
	return s.Buy.Fee(notional)
}
