// Package metrics registers the kernel's Prometheus collectors and exposes
// the scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keel_ticks_total",
		Help: "Completed scheduler ticks.",
	})
	CarryForwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keel_carry_forward_total",
		Help: "Candles substituted from the last stored value after a flush timeout.",
	}, []string{"symbol"})
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keel_orders_total",
		Help: "Orders placed, by run mode and side.",
	}, []string{"mode", "side"})
	OrderRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keel_order_rejects_total",
		Help: "Orders refused before or at the venue, by reason.",
	}, []string{"reason"})
	StrategyErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keel_strategy_errors_total",
		Help: "Strategy invocations that returned an error or panicked.",
	}, []string{"strategy"})
	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keel_equity",
		Help: "Latest account equity.",
	})
)

// Handler returns the /metrics scrape handler.
func Handler() http.Handler { return promhttp.Handler() }
