// Package strategy ships the built-in trading algorithms. They double as
// working examples of the engine.Strategy contract; real deployments bind
// their own implementations next to these.
package strategy

import (
	"strings"

	"github.com/tradeforge/keel/internal/config"
	"github.com/tradeforge/keel/internal/engine"
	"github.com/tradeforge/keel/internal/interval"
)

// SMACross goes long when the fast moving average crosses above the slow
// one and exits on the reverse cross.
type SMACross struct {
	Symbols  []string
	Interval interval.Interval
	Fast     int
	Slow     int

	long map[string]bool
}

// SMACrossFromEnv builds the strategy from KEEL_SMA_* variables.
func SMACrossFromEnv() *SMACross {
	return &SMACross{
		Symbols:  splitSymbols(config.Str("KEEL_SMA_SYMBOLS", "")),
		Interval: parseInterval(config.Str("KEEL_SMA_INTERVAL", ""), interval.Min1),
		Fast:     config.Int("KEEL_SMA_FAST", 9),
		Slow:     config.Int("KEEL_SMA_SLOW", 21),
	}
}

func (s *SMACross) Config() engine.StrategyConfig {
	return engine.StrategyConfig{
		Name:     "sma_cross",
		Symbols:  s.Symbols,
		Interval: s.Interval,
	}
}

func (s *SMACross) Setup(*engine.Runtime) error {
	s.long = make(map[string]bool, len(s.Symbols))
	for _, sym := range s.Symbols {
		s.long[sym] = false
	}
	return nil
}

func (s *SMACross) Main(rt *engine.Runtime) error {
	for _, sym := range s.Symbols {
		fast, okF := rt.SMA(sym, s.Fast)
		slow, okS := rt.SMA(sym, s.Slow)
		if !okF || !okS {
			continue
		}
		switch {
		case fast > slow && !s.long[sym]:
			if rt.Buy(sym) != "" {
				s.long[sym] = true
			}
		case fast < slow && s.long[sym]:
			if rt.Sell(sym) != "" {
				s.long[sym] = false
			}
		}
	}
	return nil
}

// RSIReversion buys oversold symbols and sells them back once the index
// recovers.
type RSIReversion struct {
	Symbols   []string
	Interval  interval.Interval
	Period    int
	BuyBelow  float64
	SellAbove float64

	long map[string]bool
}

// RSIReversionFromEnv builds the strategy from KEEL_RSI_* variables.
func RSIReversionFromEnv() *RSIReversion {
	return &RSIReversion{
		Symbols:   splitSymbols(config.Str("KEEL_RSI_SYMBOLS", "")),
		Interval:  parseInterval(config.Str("KEEL_RSI_INTERVAL", ""), interval.Min5),
		Period:    config.Int("KEEL_RSI_PERIOD", 14),
		BuyBelow:  config.Float("KEEL_RSI_BUY_BELOW", 30),
		SellAbove: config.Float("KEEL_RSI_SELL_ABOVE", 55),
	}
}

func (s *RSIReversion) Config() engine.StrategyConfig {
	return engine.StrategyConfig{
		Name:     "rsi_reversion",
		Symbols:  s.Symbols,
		Interval: s.Interval,
	}
}

func (s *RSIReversion) Setup(*engine.Runtime) error {
	s.long = make(map[string]bool, len(s.Symbols))
	return nil
}

func (s *RSIReversion) Main(rt *engine.Runtime) error {
	for _, sym := range s.Symbols {
		rsi, ok := rt.RSI(sym, s.Period)
		if !ok {
			continue
		}
		switch {
		case rsi < s.BuyBelow && !s.long[sym]:
			if rt.Buy(sym) != "" {
				s.long[sym] = true
			}
		case rsi > s.SellAbove && s.long[sym]:
			if rt.Sell(sym) != "" {
				s.long[sym] = false
			}
		}
	}
	return nil
}

func parseInterval(s string, def interval.Interval) interval.Interval {
	if s == "" {
		return def
	}
	iv, err := interval.Parse(s)
	if err != nil {
		return def
	}
	return iv
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
