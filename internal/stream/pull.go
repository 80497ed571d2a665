// Package stream moves candles from a venue into the kernel. Pull-mode
// venues are polled at each boundary of the finest subscribed interval;
// push-mode venues deliver over a websocket and are normalized through a
// per-source schema.
package stream

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/clock"
	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
)

// SnapshotFunc fetches the latest completed candle per symbol at one
// interval.
type SnapshotFunc func(ctx context.Context, symbols []string, iv interval.Interval) (map[string]market.Candle, error)

// Puller polls a snapshot source once per boundary of the finest subscribed
// interval and fans the result out one symbol at a time.
type Puller struct {
	log   zerolog.Logger
	clk   clock.Clock
	cal   interval.Calendar
	fetch SnapshotFunc

	mu      sync.Mutex
	subs    []broker.Subscription
	emit    broker.CandleFunc
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewPuller creates a pull streamer over a snapshot source.
func NewPuller(log zerolog.Logger, clk clock.Clock, cal interval.Calendar, fetch SnapshotFunc) *Puller {
	return &Puller{
		log:   log.With().Str("component", "puller").Logger(),
		clk:   clk,
		cal:   cal,
		fetch: fetch,
	}
}

// Configure records the subscriptions and the delivery callback.
func (p *Puller) Configure(subs []broker.Subscription, onCandle broker.CandleFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = subs
	p.emit = onCandle
	return nil
}

// Start launches the polling loop.
func (p *Puller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.emit == nil || len(p.subs) == 0 {
		return nil
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.stopped = make(chan struct{})
	go p.loop(ctx)
	return nil
}

// Stop ends the polling loop and waits for it to exit.
func (p *Puller) Stop() error {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-stopped
	return nil
}

func (p *Puller) loop(ctx context.Context) {
	defer close(p.stopped)
	finest := broker.FinestInterval(p.subs)
	symbols := p.allSymbols()
	for {
		next := p.cal.Next(p.clk.Now(), finest)
		if err := p.clk.SleepUntil(ctx, next); err != nil {
			return
		}
		snap, err := p.fetch(ctx, symbols, finest)
		if err != nil {
			p.log.Warn().Err(err).Msg("snapshot poll failed")
			continue
		}
		syms := make([]string, 0, len(snap))
		for s := range snap {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		for _, s := range syms {
			p.emit(s, snap[s])
		}
	}
}

func (p *Puller) allSymbols() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, sub := range p.subs {
		for _, s := range sub.Symbols {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
