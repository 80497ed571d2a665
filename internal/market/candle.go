// Package market holds the canonical market-data types shared by every
// component: the normalized OHLCV candle, symbol classification, and the OCC
// option symbol codec. Adapters normalize their per-venue shapes into these
// types at the boundary; everything inside the kernel sees only this form.
package market

import (
	"fmt"
	"math"
	"time"
)

// Candle is the normalized OHLCV row the kernel uses everywhere.
// Time is always UTC, truncated to the minute (or second for sub-minute
// intervals); conversion to a user-visible timezone happens only at the edge.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// BadCandleError reports a rejected candle write.
type BadCandleError struct {
	Time   time.Time
	Reason string
}

func (e *BadCandleError) Error() string {
	return fmt.Sprintf("bad candle at %s: %s", e.Time.Format(time.RFC3339), e.Reason)
}

// Validate checks the fields a candle must carry regardless of interval.
// Interval alignment is checked by the store, which knows the target series.
func (c Candle) Validate() error {
	if c.Time.IsZero() {
		return &BadCandleError{Time: c.Time, Reason: "missing timestamp"}
	}
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &BadCandleError{Time: c.Time, Reason: "NaN/Inf in OHLC"}
		}
	}
	if math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) {
		return &BadCandleError{Time: c.Time, Reason: "NaN/Inf volume"}
	}
	return nil
}

// Closes extracts the close column; indicator helpers take plain slices.
func Closes(cs []Candle) []float64 {
	out := make([]float64, len(cs))
	for i := range cs {
		out[i] = cs[i].Close
	}
	return out
}
