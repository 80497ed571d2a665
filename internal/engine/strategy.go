// Package engine schedules strategies against assembled ticks and gives
// them a narrow runtime surface for data queries and order entry.
package engine

import (
	"fmt"
	"time"

	"github.com/tradeforge/keel/internal/interval"
)

// StrategyConfig declares what a strategy needs before it runs: the symbols
// it watches, the interval it trades on, any coarser intervals the kernel
// must maintain for it, and how much history its indicators warm up on.
type StrategyConfig struct {
	Name         string
	Symbols      []string
	Interval     interval.Interval
	Aggregations []interval.Interval
	History      time.Duration
	Timezone     *time.Location
}

// Validate rejects configs the scheduler cannot honor.
func (c StrategyConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("strategy config: empty name")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("strategy %s: no symbols", c.Name)
	}
	if !c.Interval.Valid() {
		return fmt.Errorf("strategy %s: invalid interval", c.Name)
	}
	for _, agg := range c.Aggregations {
		if agg <= c.Interval {
			return fmt.Errorf("strategy %s: aggregation %s not coarser than %s", c.Name, agg, c.Interval)
		}
	}
	return nil
}

// Strategy is the user-supplied trading logic. Config is read once at bind
// time, Setup runs once before the first Main with history already loaded,
// and Main runs at every completed candle of the configured interval. An
// error or panic from Setup or Main unbinds the strategy; the kernel keeps
// running the others.
type Strategy interface {
	Config() StrategyConfig
	Setup(rt *Runtime) error
	Main(rt *Runtime) error
}
