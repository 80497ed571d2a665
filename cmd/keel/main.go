// Command keel runs the trading kernel: it loads configuration, binds the
// configured strategies, wires a data streamer into the tick multiplexer and
// the scheduler, and serves Prometheus metrics while the loop runs.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable data
// error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/keel/internal/backtest"
	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/clock"
	"github.com/tradeforge/keel/internal/config"
	"github.com/tradeforge/keel/internal/engine"
	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
	"github.com/tradeforge/keel/internal/metrics"
	"github.com/tradeforge/keel/internal/mux"
	"github.com/tradeforge/keel/internal/orders"
	"github.com/tradeforge/keel/internal/paper"
	"github.com/tradeforge/keel/internal/store"
	"github.com/tradeforge/keel/internal/stream"
	"github.com/tradeforge/keel/internal/strategy"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitData   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", "", "optional env file, read without overriding process env")
	modeFlag := flag.String("mode", "", "override KEEL_MODE (live|paper|backtest)")
	flag.Parse()
	if *modeFlag != "" {
		_ = os.Setenv("KEEL_MODE", *modeFlag)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "keel:", err)
		return exitConfig
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New(log,
		store.WithCalendar(interval.Calendar{DayOffset: cfg.DayOffset}),
		store.WithMaxLen(cfg.MaxSeriesLen),
	)

	persister, txSink, err := openPersistence(cfg)
	if err != nil {
		log.Error().Err(err).Msg("persistence setup failed")
		return exitConfig
	}

	fees, err := orders.ParseSchedule(cfg.Commission)
	if err != nil {
		log.Error().Err(err).Msg("bad commission schedule")
		return exitConfig
	}

	csvData, err := stream.NewCSVSource(log, cfg.DataDir)
	if err != nil {
		log.Error().Err(err).Msg("data directory unavailable")
		return exitConfig
	}

	// Latest close at the finest stored interval, used by the simulated
	// venue to clear limits and mark positions.
	prices := func(sym string) (float64, bool) {
		for _, iv := range interval.All() {
			if c, ok := st.Last(sym, iv); ok {
				return c.Close, true
			}
		}
		return 0, false
	}

	replay := clock.NewReplay(cfg.BacktestStart)
	var clk clock.Clock = clock.Wall{}
	if cfg.Mode == config.ModeBacktest {
		clk = replay
	}

	venueOpts := []paper.Option{
		paper.WithCommission(fees),
		paper.WithDataSource(csvData),
	}
	if cfg.Mode == config.ModePaper {
		venueOpts = append(venueOpts, paper.WithStateFile(cfg.StateFile))
	}
	venue, err := paper.New(log, clk, prices, cfg.Cash, venueOpts...)
	if err != nil {
		log.Error().Err(err).Msg("venue setup failed")
		return exitConfig
	}

	book := orders.NewBook(log)
	txlog := orders.NewTxLog(log, cfg.TxRetention, txSink)
	sched := engine.New(log, clk, st, venue, book, string(cfg.Mode), engine.WithTxLog(txlog))

	if err := bindStrategies(sched); err != nil {
		log.Error().Err(err).Msg("strategy binding failed")
		return exitConfig
	}
	subs := sched.Subscriptions()

	srv := serveMetrics(log, cfg.ListenAddr)
	defer shutdownMetrics(srv)

	// Warm the store from the last persisted snapshot.
	for _, sub := range subs {
		for _, sym := range sub.Symbols {
			if err := st.Restore(persister, sym, sub.Interval); err != nil {
				log.Warn().Err(err).Str("symbol", sym).Msg("history restore failed")
			}
		}
	}

	if cfg.Mode == config.ModeBacktest {
		return runBacktest(ctx, log, cfg, st, sched, replay, venue)
	}
	return runStreaming(ctx, log, cfg, st, sched, venue, subs, persister)
}

func runBacktest(ctx context.Context, log zerolog.Logger, cfg config.Config, st *store.Store, sched *engine.Scheduler, replay *clock.Replay, venue broker.Adapter) int {
	res, err := backtest.Run(ctx, log, st, sched, replay, venue, backtest.Window{
		Start: cfg.BacktestStart,
		End:   cfg.BacktestEnd,
	})
	if err != nil {
		if errors.Is(err, backtest.ErrInsufficientHistory) {
			log.Error().Err(err).Msg("backtest window not covered by stored data")
			return exitConfig
		}
		log.Error().Err(err).Msg("backtest failed")
		return exitData
	}
	log.Info().
		Time("start", res.Start).
		Time("end", res.End).
		Int("ticks", res.Ticks).
		Float64("final_cash", res.FinalCash).
		Float64("final_equity", res.FinalEquity).
		Msg("backtest complete")
	return exitOK
}

func runStreaming(ctx context.Context, log zerolog.Logger, cfg config.Config, st *store.Store, sched *engine.Scheduler, venue broker.Adapter, subs []broker.Subscription, persister store.Persister) int {
	// One multiplexer per subscribed interval; candles route by symbol.
	route := map[string]*mux.Mux{}
	for _, sub := range subs {
		m := mux.New(log, sub.Symbols, sub.Interval, st.Last, sched.Enqueue,
			mux.WithFlushTimeout(cfg.FlushTimeout))
		for _, sym := range sub.Symbols {
			route[sym] = m
		}
	}
	onCandle := func(sym string, c market.Candle) {
		if m, ok := route[sym]; ok {
			m.Offer(sym, c)
		}
	}

	streamer, err := buildStreamer(log, st, venue)
	if err != nil {
		log.Error().Err(err).Msg("streamer setup failed")
		return exitConfig
	}
	if err := streamer.Configure(subs, onCandle); err != nil {
		log.Error().Err(err).Msg("streamer configure failed")
		return exitConfig
	}
	if err := streamer.Start(ctx); err != nil {
		log.Error().Err(err).Msg("streamer start failed")
		return exitData
	}
	defer func() {
		if err := streamer.Stop(); err != nil {
			log.Warn().Err(err).Msg("streamer stop failed")
		}
	}()

	err = sched.Run(ctx)
	for _, m := range route {
		m.Flush()
	}
	if ferr := st.Flush(persister); ferr != nil {
		log.Error().Err(ferr).Msg("store flush failed")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("scheduler stopped")
		return exitData
	}
	log.Info().Msg("shutdown complete")
	return exitOK
}

// lifecycle is the streaming subset of the broker contract.
type lifecycle interface {
	Configure(subs []broker.Subscription, onCandle broker.CandleFunc) error
	Start(ctx context.Context) error
	Stop() error
}

// buildStreamer picks the candle source: a websocket push feed when
// KEEL_WS_URL is set, otherwise a boundary-aligned poll of the venue's
// snapshot operation.
func buildStreamer(log zerolog.Logger, st *store.Store, venue broker.Adapter) (lifecycle, error) {
	if url := config.Str("KEEL_WS_URL", ""); url != "" {
		schema := stream.DefaultSchema
		if raw := config.Str("KEEL_WS_SCHEMA", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &schema); err != nil {
				return nil, fmt.Errorf("bad KEEL_WS_SCHEMA: %w", err)
			}
		}
		return stream.NewWS(log, url, schema), nil
	}
	return stream.NewPuller(log, clock.Wall{}, st.Calendar(), venue.FetchLatestSnapshot), nil
}

func bindStrategies(sched *engine.Scheduler) error {
	bound := 0
	if s := strategy.SMACrossFromEnv(); len(s.Symbols) > 0 {
		if err := sched.Bind(s); err != nil {
			return err
		}
		bound++
	}
	if s := strategy.RSIReversionFromEnv(); len(s.Symbols) > 0 {
		if err := sched.Bind(s); err != nil {
			return err
		}
		bound++
	}
	if bound == 0 {
		return fmt.Errorf("no strategies configured, set KEEL_SMA_SYMBOLS or KEEL_RSI_SYMBOLS")
	}
	return nil
}

func openPersistence(cfg config.Config) (store.Persister, orders.TxSink, error) {
	if cfg.DBPath != "" {
		sqlp, err := store.OpenSQL(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return sqlp, sqlp, nil
	}
	csvp, err := store.NewCSVPersister(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return csvp, nil, nil
}

func serveMetrics(log zerolog.Logger, addr string) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", metrics.Handler())
	m.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: m}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}

func shutdownMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.LogJSON {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
