// Package mux assembles per-symbol candle deliveries into complete ticks.
// Streamers hand candles over one symbol at a time; the scheduler wants one
// consistent snapshot per boundary. The multiplexer bridges the two and
// guarantees liveness: a tick always flushes, complete or not.
package mux

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
	"github.com/tradeforge/keel/internal/metrics"
)

// DefaultFlushTimeout bounds how long an incomplete tick waits for its
// stragglers before flushing with substitutes.
const DefaultFlushTimeout = time.Second

// Tick is one assembled snapshot: every watched symbol's candle for a single
// boundary. CarriedForward lists symbols whose candle was substituted from
// the previous value rather than delivered.
type Tick struct {
	Time           time.Time
	Interval       interval.Interval
	Candles        map[string]market.Candle
	CarriedForward []string
}

// TickFunc receives assembled ticks.
type TickFunc func(Tick)

// LastFunc looks up the most recent known candle for a symbol, used for
// carry-forward substitution.
type LastFunc func(symbol string, iv interval.Interval) (market.Candle, bool)

// Mux collects candles for one interval across a fixed symbol set.
type Mux struct {
	iv      interval.Interval
	needed  map[string]struct{}
	timeout time.Duration
	last    LastFunc
	emit    TickFunc
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]market.Candle
	tickAt  time.Time
	timer   *time.Timer
}

// Option configures a Mux.
type Option func(*Mux)

// WithFlushTimeout overrides the incomplete-tick timeout.
func WithFlushTimeout(d time.Duration) Option {
	return func(m *Mux) { m.timeout = d }
}

// New creates a multiplexer for the given symbols at one interval.
func New(log zerolog.Logger, symbols []string, iv interval.Interval, last LastFunc, emit TickFunc, opts ...Option) *Mux {
	m := &Mux{
		iv:      iv,
		needed:  make(map[string]struct{}, len(symbols)),
		timeout: DefaultFlushTimeout,
		last:    last,
		emit:    emit,
		log:     log.With().Str("component", "mux").Str("interval", iv.String()).Logger(),
	}
	for _, s := range symbols {
		m.needed[s] = struct{}{}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Offer delivers one candle. Unknown symbols are dropped. The first candle
// of a boundary opens the tick and arms the flush timer; the tick flushes
// early once every needed symbol has arrived, or on the timer with
// carry-forward substitutes for whatever is missing. A candle for a newer
// boundary force-flushes the current tick first.
func (m *Mux) Offer(symbol string, c market.Candle) {
	if _, ok := m.needed[symbol]; !ok {
		return
	}

	// Completed ticks are collected under the lock and emitted after it is
	// released, so a slow consumer never stalls delivery or the timeout
	// worker.
	var out []Tick
	m.mu.Lock()
	if m.pending != nil && c.Time.After(m.tickAt) {
		out = append(out, m.flushLocked("superseded"))
	}
	if m.pending != nil && c.Time.Before(m.tickAt) {
		tickAt := m.tickAt
		m.mu.Unlock()
		m.log.Warn().
			Str("symbol", symbol).
			Time("candle", c.Time).
			Time("tick", tickAt).
			Msg("stale candle dropped")
		return
	}
	if m.pending == nil {
		m.pending = make(map[string]market.Candle, len(m.needed))
		m.tickAt = c.Time
		m.timer = time.AfterFunc(m.timeout, m.onTimeout)
	}
	m.pending[symbol] = c
	if len(m.pending) == len(m.needed) {
		out = append(out, m.flushLocked("complete"))
	}
	m.mu.Unlock()
	for _, t := range out {
		m.emit(t)
	}
}

func (m *Mux) onTimeout() {
	m.mu.Lock()
	if m.pending == nil {
		m.mu.Unlock()
		return
	}
	t := m.flushLocked("timeout")
	m.mu.Unlock()
	m.emit(t)
}

// Flush forces the current tick out, if one is open.
func (m *Mux) Flush() {
	m.mu.Lock()
	if m.pending == nil {
		m.mu.Unlock()
		return
	}
	t := m.flushLocked("forced")
	m.mu.Unlock()
	m.emit(t)
}

// flushLocked completes the open tick, substituting the last known candle
// (timestamp rewritten to the tick boundary) for every missing symbol, and
// returns it for the caller to emit once the lock is released.
func (m *Mux) flushLocked(reason string) Tick {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	tick := Tick{Time: m.tickAt, Interval: m.iv, Candles: m.pending}
	for sym := range m.needed {
		if _, ok := tick.Candles[sym]; ok {
			continue
		}
		prev, ok := m.last(sym, m.iv)
		if !ok {
			m.log.Warn().
				Str("symbol", sym).
				Time("tick", m.tickAt).
				Msg("no candle and no history to carry forward")
			continue
		}
		prev.Time = m.tickAt
		prev.Volume = 0
		tick.Candles[sym] = prev
		tick.CarriedForward = append(tick.CarriedForward, sym)
		metrics.CarryForwardTotal.WithLabelValues(sym).Inc()
		m.log.Warn().
			Str("symbol", sym).
			Time("tick", m.tickAt).
			Str("reason", reason).
			Msg("carrying forward last candle")
	}
	m.pending = nil
	m.tickAt = time.Time{}
	metrics.TicksTotal.Inc()
	return tick
}
