// Package interval defines the canonical time cadences the kernel schedules
// on, the boundary predicate that decides when a cadence fires, and OHLCV
// resampling from a finer cadence into a coarser one.
//
// The contract between IsBoundary and Resample: a candle at timestamp t
// exists in the coarser series iff IsBoundary(t, coarser) holds, because
// buckets are labeled at their starting boundary.
package interval

import (
	"fmt"
	"strings"
	"time"

	"github.com/tradeforge/keel/internal/market"
)

// Interval is a closed, ordered enumeration of cadences. The zero value is
// invalid so that an unset interval is caught early.
type Interval int

const (
	Invalid Interval = iota
	Sec15
	Min1
	Min5
	Min15
	Min30
	Hour1
	Day1
)

// All lists valid intervals finest-first.
func All() []Interval {
	return []Interval{Sec15, Min1, Min5, Min15, Min30, Hour1, Day1}
}

var durations = map[Interval]time.Duration{
	Sec15: 15 * time.Second,
	Min1:  time.Minute,
	Min5:  5 * time.Minute,
	Min15: 15 * time.Minute,
	Min30: 30 * time.Minute,
	Hour1: time.Hour,
	Day1:  24 * time.Hour,
}

var names = map[Interval]string{
	Sec15: "15SEC",
	Min1:  "1MIN",
	Min5:  "5MIN",
	Min15: "15MIN",
	Min30: "30MIN",
	Hour1: "1HR",
	Day1:  "1DAY",
}

// Duration returns the span of one candle at this interval.
func (i Interval) Duration() time.Duration { return durations[i] }

// Valid reports whether i is one of the enumerated cadences.
func (i Interval) Valid() bool { _, ok := durations[i]; return ok }

func (i Interval) String() string {
	if s, ok := names[i]; ok {
		return s
	}
	return fmt.Sprintf("Interval(%d)", int(i))
}

// Parse canonicalizes a user-facing interval string ("1MIN", "1HR", ...).
func Parse(s string) (Interval, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for iv, name := range names {
		if name == up {
			return iv, nil
		}
	}
	return Invalid, fmt.Errorf("unknown interval %q", s)
}

// Calendar carries the venue parameters boundary arithmetic depends on.
// DayOffset shifts the 1-day boundary away from midnight UTC; the default
// (zero) makes day buckets calendar days, which keeps IsBoundary and
// Resample trivially in agreement.
type Calendar struct {
	DayOffset time.Duration
}

// DefaultCalendar is the midnight-UTC day boundary.
var DefaultCalendar = Calendar{}

// IsBoundary reports whether ts is a firing boundary of i under cal.
func (cal Calendar) IsBoundary(ts time.Time, i Interval) bool {
	ts = ts.UTC()
	if ts.Nanosecond() != 0 {
		return false
	}
	switch i {
	case Sec15:
		return ts.Second()%15 == 0
	case Min1:
		return ts.Second() == 0
	case Min5:
		return ts.Second() == 0 && ts.Minute()%5 == 0
	case Min15:
		return ts.Second() == 0 && ts.Minute()%15 == 0
	case Min30:
		return ts.Second() == 0 && ts.Minute()%30 == 0
	case Hour1:
		return ts.Second() == 0 && ts.Minute() == 0
	case Day1:
		return cal.Truncate(ts, Day1).Equal(ts)
	}
	return false
}

// Truncate maps ts to the start of its bucket at interval i.
func (cal Calendar) Truncate(ts time.Time, i Interval) time.Time {
	ts = ts.UTC()
	if i == Day1 {
		shifted := ts.Add(-cal.DayOffset)
		day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
		return day.Add(cal.DayOffset)
	}
	return ts.Truncate(i.Duration())
}

// Next returns the first boundary of i strictly after ts.
func (cal Calendar) Next(ts time.Time, i Interval) time.Time {
	start := cal.Truncate(ts, i)
	if start.After(ts) {
		return start
	}
	return cal.Truncate(start.Add(i.Duration()+time.Second), i)
}

// IsBoundary applies the default calendar.
func IsBoundary(ts time.Time, i Interval) bool { return DefaultCalendar.IsBoundary(ts, i) }

// Truncate applies the default calendar.
func Truncate(ts time.Time, i Interval) time.Time { return DefaultCalendar.Truncate(ts, i) }

// Resample aggregates a finer series into coarser buckets:
// open=first, high=max, low=min, close=last, volume=sum. The input must be
// ascending by time. Incomplete buckets at either end are dropped: a bucket
// is kept only when the base series covers it from its start through its
// end.
func (cal Calendar) Resample(cs []market.Candle, from, to Interval) ([]market.Candle, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("resample: invalid interval %v -> %v", from, to)
	}
	if to <= from {
		return nil, fmt.Errorf("resample: target %v not coarser than base %v", to, from)
	}
	if len(cs) == 0 {
		return nil, nil
	}
	covStart := cs[0].Time
	covEnd := cs[len(cs)-1].Time.Add(from.Duration())

	var out []market.Candle
	var cur market.Candle
	open := false
	flush := func() {
		if open && !cur.Time.Before(covStart) && !cur.Time.Add(to.Duration()).After(covEnd) {
			out = append(out, cur)
		}
		open = false
	}
	for _, c := range cs {
		bucket := cal.Truncate(c.Time, to)
		if !open || !bucket.Equal(cur.Time) {
			flush()
			cur = market.Candle{Time: bucket, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
			open = true
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	flush()
	return out, nil
}

// Resample applies the default calendar.
func Resample(cs []market.Candle, from, to Interval) ([]market.Candle, error) {
	return DefaultCalendar.Resample(cs, from, to)
}
