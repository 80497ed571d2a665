package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
	"github.com/tradeforge/keel/internal/store"
)

// CSVSource is a data-only adapter over a directory of candle files, one per
// (symbol, interval). Trading operations are unsupported; it exists to feed
// backtests and to serve as the data half of a paper setup.
type CSVSource struct {
	log zerolog.Logger
	dir *store.CSVPersister
}

// NewCSVSource opens the candle directory.
func NewCSVSource(log zerolog.Logger, dir string) (*CSVSource, error) {
	p, err := store.NewCSVPersister(dir)
	if err != nil {
		return nil, err
	}
	return &CSVSource{log: log.With().Str("component", "csv_source").Logger(), dir: p}, nil
}

func (s *CSVSource) Name() string { return "csv" }

func (s *CSVSource) SupportedIntervals() []interval.Interval { return interval.All() }

func (s *CSVSource) FetchPriceHistory(_ context.Context, symbol string, iv interval.Interval, start, end time.Time) ([]market.Candle, error) {
	rows, err := s.dir.LoadSeries(symbol, iv)
	if err != nil {
		return nil, err
	}
	var out []market.Candle
	for _, c := range rows {
		if !start.IsZero() && c.Time.Before(start) {
			continue
		}
		if !end.IsZero() && c.Time.After(end) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *CSVSource) FetchLatestSnapshot(ctx context.Context, symbols []string, iv interval.Interval) (map[string]market.Candle, error) {
	out := make(map[string]market.Candle, len(symbols))
	for _, sym := range symbols {
		rows, err := s.dir.LoadSeries(sym, iv)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			out[sym] = rows[len(rows)-1]
		}
	}
	return out, nil
}

func (s *CSVSource) FetchChainInfo(context.Context, string) (broker.ChainInfo, error) {
	return broker.ChainInfo{}, broker.Errf(broker.KindUnsupported, "fetch_chain_info", "csv source has no chains")
}

func (s *CSVSource) FetchChainData(context.Context, string, time.Time) (map[string]broker.ChainContract, error) {
	return nil, broker.Errf(broker.KindUnsupported, "fetch_chain_data", "csv source has no chains")
}

func (s *CSVSource) FetchOptionMarketData(context.Context, string) (broker.OptionQuote, error) {
	return broker.OptionQuote{}, broker.Errf(broker.KindUnsupported, "fetch_option_market_data", "csv source has no quotes")
}

func (s *CSVSource) FetchAccount(context.Context) (broker.AccountInfo, error) {
	return broker.AccountInfo{}, broker.Errf(broker.KindUnsupported, "fetch_account", "csv source cannot trade")
}

func (s *CSVSource) FetchPositions(context.Context) ([]broker.HeldPosition, error) {
	return nil, broker.Errf(broker.KindUnsupported, "fetch_positions", "csv source cannot trade")
}

func (s *CSVSource) PlaceLimit(context.Context, broker.Side, string, float64, float64, broker.TimeInForce, bool) (string, error) {
	return "", broker.Errf(broker.KindUnsupported, "place_limit", "csv source cannot trade")
}

func (s *CSVSource) PlaceOptionLimit(context.Context, broker.Side, market.OCC, float64, float64, broker.TimeInForce) (string, error) {
	return "", broker.Errf(broker.KindUnsupported, "place_option_limit", "csv source cannot trade")
}

func (s *CSVSource) FetchOrderStatus(context.Context, string) (broker.StatusRecord, error) {
	return broker.StatusRecord{}, broker.Errf(broker.KindUnsupported, "fetch_order_status", "csv source cannot trade")
}

func (s *CSVSource) CancelOrder(context.Context, string) error {
	return broker.Errf(broker.KindUnsupported, "cancel_order", "csv source cannot trade")
}

func (s *CSVSource) PendingOrders(context.Context) ([]string, error) {
	return nil, broker.Errf(broker.KindUnsupported, "pending_orders", "csv source cannot trade")
}

func (s *CSVSource) Configure([]broker.Subscription, broker.CandleFunc) error { return nil }

func (s *CSVSource) Start(context.Context) error { return nil }

func (s *CSVSource) Stop() error { return nil }
