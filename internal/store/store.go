// Package store implements the time-indexed OHLCV container shared between
// streamer writers and strategy readers, plus its optional persistence
// backends (CSV file-per-series and SQL).
//
// Concurrency: one RWMutex per Store. Writers (streamers, the scheduler)
// take the write lock for the whole insert so readers never observe a
// partial series. Strategy reads go through the read lock.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
)

type key struct {
	symbol string
	iv     interval.Interval
}

// Store holds one append-only candle series per (symbol, interval).
// Inserts at an existing timestamp overwrite (last-write-wins); timestamps
// stay strictly increasing and aligned to the interval's boundary.
type Store struct {
	mu     sync.RWMutex
	cal    interval.Calendar
	maxLen int // per-series cap; 0 means unbounded
	series map[key][]market.Candle
	log    zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCalendar sets the venue calendar used for boundary checks.
func WithCalendar(cal interval.Calendar) Option {
	return func(s *Store) { s.cal = cal }
}

// WithMaxLen caps each series to the n most-recent candles.
func WithMaxLen(n int) Option {
	return func(s *Store) { s.maxLen = n }
}

// New creates an empty store.
func New(log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		cal:    interval.DefaultCalendar,
		series: make(map[key][]market.Candle),
		log:    log.With().Str("component", "store").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Calendar exposes the venue calendar the store validates against.
func (s *Store) Calendar() interval.Calendar { return s.cal }

// Store inserts candles into the (symbol, iv) series, creating it on first
// write. Rejects the whole batch with a BadCandleError if any candle is
// malformed or misaligned; a rejected batch mutates nothing.
func (s *Store) Store(symbol string, iv interval.Interval, candles []market.Candle) error {
	if !iv.Valid() {
		return fmt.Errorf("store %s: invalid interval", symbol)
	}
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			return err
		}
		if !s.cal.IsBoundary(c.Time, iv) {
			return &market.BadCandleError{
				Time:   c.Time,
				Reason: fmt.Sprintf("timestamp not aligned to %s", iv),
			}
		}
	}
	if len(candles) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(key{symbol, iv}, candles)
	return nil
}

// mergeLocked folds candles into an existing sorted series, overwriting
// duplicates and evicting the oldest rows past the cap.
func (s *Store) mergeLocked(k key, candles []market.Candle) {
	cur := s.series[k]
	merged := make([]market.Candle, 0, len(cur)+len(candles))
	merged = append(merged, cur...)
	for _, c := range candles {
		i := sort.Search(len(merged), func(j int) bool { return !merged[j].Time.Before(c.Time) })
		if i < len(merged) && merged[i].Time.Equal(c.Time) {
			merged[i] = c
			continue
		}
		merged = append(merged, market.Candle{})
		copy(merged[i+1:], merged[i:])
		merged[i] = c
	}
	if s.maxLen > 0 && len(merged) > s.maxLen {
		merged = merged[len(merged)-s.maxLen:]
	}
	s.series[k] = merged
}

// Load returns the candles in [start, end] for (symbol, iv). A zero start or
// end leaves that side unbounded; start after end returns empty. When iv is
// interval.Invalid the finest stored interval with data in the range is
// chosen. When iv itself has no series but a finer one does, the finer one
// is resampled on demand.
func (s *Store) Load(symbol string, iv interval.Interval, start, end time.Time) ([]market.Candle, error) {
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if iv == interval.Invalid {
		for _, cand := range interval.All() {
			if rows := window(s.series[key{symbol, cand}], start, end); len(rows) > 0 {
				return rows, nil
			}
		}
		return nil, nil
	}
	if rows, ok := s.series[key{symbol, iv}]; ok {
		return window(rows, start, end), nil
	}
	// Fall back to resampling the finest finer series that exists.
	for _, finer := range interval.All() {
		if finer >= iv {
			break
		}
		base, ok := s.series[key{symbol, finer}]
		if !ok || len(base) == 0 {
			continue
		}
		agg, err := s.cal.Resample(base, finer, iv)
		if err != nil {
			return nil, err
		}
		return window(agg, start, end), nil
	}
	return nil, nil
}

// Last returns the most recent candle for (symbol, iv), if any.
func (s *Store) Last(symbol string, iv interval.Interval) (market.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.series[key{symbol, iv}]
	if len(rows) == 0 {
		return market.Candle{}, false
	}
	return rows[len(rows)-1], true
}

// Aggregate resamples the base series into target buckets and merges the
// result into the target series.
func (s *Store) Aggregate(symbol string, base, target interval.Interval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.series[key{symbol, base}]
	if len(rows) == 0 {
		return nil
	}
	agg, err := s.cal.Resample(rows, base, target)
	if err != nil {
		return fmt.Errorf("aggregate %s %s->%s: %w", symbol, base, target, err)
	}
	if len(agg) > 0 {
		s.mergeLocked(key{symbol, target}, agg)
	}
	return nil
}

// Reset drops the (symbol, iv) series.
func (s *Store) Reset(symbol string, iv interval.Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.series, key{symbol, iv})
}

// Range returns the first and last timestamps of the series, ok=false when
// the series is empty or absent.
func (s *Store) Range(symbol string, iv interval.Interval) (first, last time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.series[key{symbol, iv}]
	if len(rows) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return rows[0].Time, rows[len(rows)-1].Time, true
}

// Series enumerates every (symbol, interval) pair with data, for
// persistence flushes.
func (s *Store) Series() []SeriesKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SeriesKey, 0, len(s.series))
	for k := range s.series {
		out = append(out, SeriesKey{Symbol: k.symbol, Interval: k.iv})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Interval < out[j].Interval
	})
	return out
}

// SeriesKey identifies one stored series.
type SeriesKey struct {
	Symbol   string
	Interval interval.Interval
}

// Persister snapshots and restores whole series by (symbol, interval).
type Persister interface {
	SaveSeries(symbol string, iv interval.Interval, cs []market.Candle) error
	LoadSeries(symbol string, iv interval.Interval) ([]market.Candle, error)
}

// Flush writes every series through the persister.
func (s *Store) Flush(p Persister) error {
	for _, sk := range s.Series() {
		rows, err := s.Load(sk.Symbol, sk.Interval, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		if err := p.SaveSeries(sk.Symbol, sk.Interval, rows); err != nil {
			return fmt.Errorf("flush %s@%s: %w", sk.Symbol, sk.Interval, err)
		}
	}
	return nil
}

// Restore loads one series from the persister into the store.
func (s *Store) Restore(p Persister, symbol string, iv interval.Interval) error {
	rows, err := p.LoadSeries(symbol, iv)
	if err != nil {
		return err
	}
	return s.Store(symbol, iv, rows)
}

func window(rows []market.Candle, start, end time.Time) []market.Candle {
	if len(rows) == 0 {
		return nil
	}
	lo := 0
	if !start.IsZero() {
		lo = sort.Search(len(rows), func(i int) bool { return !rows[i].Time.Before(start) })
	}
	hi := len(rows)
	if !end.IsZero() {
		hi = sort.Search(len(rows), func(i int) bool { return rows[i].Time.After(end) })
	}
	if lo >= hi {
		return nil
	}
	out := make([]market.Candle, hi-lo)
	copy(out, rows[lo:hi])
	return out
}
