package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/clock"
	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
	"github.com/tradeforge/keel/internal/store"
)

type delivery struct {
	symbol string
	candle market.Candle
}

type sink struct {
	mu   sync.Mutex
	got  []delivery
	done chan struct{}
	want int
}

func newSink(want int) *sink {
	return &sink{done: make(chan struct{}), want: want}
}

func (s *sink) emit(symbol string, c market.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, delivery{symbol, c})
	if len(s.got) == s.want {
		close(s.done)
	}
}

func (s *sink) deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]delivery, len(s.got))
	copy(out, s.got)
	return out
}

func TestPullerPollsAtBoundaries(t *testing.T) {
	start := time.Date(2021, 3, 1, 9, 30, 10, 0, time.UTC)
	clk := clock.NewReplay(start)
	var polls []time.Time
	fetch := func(_ context.Context, symbols []string, iv interval.Interval) (map[string]market.Candle, error) {
		require.Equal(t, []string{"A", "B"}, symbols)
		require.Equal(t, interval.Min1, iv)
		now := clk.Now()
		polls = append(polls, now)
		return map[string]market.Candle{
			"B": {Time: now, Open: 2, High: 2, Low: 2, Close: 2, Volume: 1},
			"A": {Time: now, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		}, nil
	}

	s := newSink(4)
	p := NewPuller(zerolog.Nop(), clk, interval.DefaultCalendar, fetch)
	require.NoError(t, p.Configure([]broker.Subscription{
		{Symbols: []string{"A", "B"}, Interval: interval.Min1},
	}, s.emit))
	require.NoError(t, p.Start(context.Background()))

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("puller never delivered")
	}
	require.NoError(t, p.Stop())

	got := s.deliveries()
	require.GreaterOrEqual(t, len(got), 4)
	// Symbols fan out in sorted order within each poll.
	require.Equal(t, "A", got[0].symbol)
	require.Equal(t, "B", got[1].symbol)
	// The replay clock landed exactly on minute boundaries.
	require.Equal(t, time.Date(2021, 3, 1, 9, 31, 0, 0, time.UTC), polls[0])
	require.Equal(t, time.Date(2021, 3, 1, 9, 32, 0, 0, time.UTC), polls[1])
}

func TestWSDecodeWithSchema(t *testing.T) {
	w := NewWS(zerolog.Nop(), "ws://unused", Schema{
		Symbol: "s", Time: "t", Open: "o", High: "h", Low: "l", Close: "c", Volume: "v",
	})

	sym, c, err := w.Decode([]byte(`{"s":"@BTC","t":1614590400,"o":"45000.5","h":45100,"l":44900,"c":45050,"v":12.5}`))
	require.NoError(t, err)
	require.Equal(t, "@BTC", sym)
	require.Equal(t, time.Unix(1614590400, 0).UTC(), c.Time)
	require.Equal(t, 45000.5, c.Open)
	require.Equal(t, 12.5, c.Volume)

	_, _, err = w.Decode([]byte(`{"s":"@BTC"}`))
	require.Error(t, err)
	_, _, err = w.Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestWSDeliversFromServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`{"symbol":"XYZ","time":"2021-03-01T09:30:00Z","open":1,"high":2,"low":0.5,"close":1.5,"volume":10}`))
		// Hold the connection open until the client walks away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := newSink(1)
	w := NewWS(zerolog.Nop(), "ws"+strings.TrimPrefix(srv.URL, "http"), DefaultSchema)
	require.NoError(t, w.Configure(nil, s.emit))
	require.NoError(t, w.Start(context.Background()))
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery from server")
	}
	require.NoError(t, w.Stop())

	got := s.deliveries()
	require.Equal(t, "XYZ", got[0].symbol)
	require.Equal(t, 1.5, got[0].candle.Close)
}

func TestCSVSourceHistoryAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	p, err := store.NewCSVPersister(dir)
	require.NoError(t, err)
	base := time.Date(2021, 3, 1, 9, 30, 0, 0, time.UTC)
	var rows []market.Candle
	for i := 0; i < 3; i++ {
		cl := float64(10 + i)
		rows = append(rows, market.Candle{
			Time: base.Add(time.Duration(i) * time.Minute),
			Open: cl, High: cl, Low: cl, Close: cl, Volume: 1,
		})
	}
	require.NoError(t, p.SaveSeries("XYZ", interval.Min1, rows))

	src, err := NewCSVSource(zerolog.Nop(), dir)
	require.NoError(t, err)

	got, err := src.FetchPriceHistory(context.Background(), "XYZ", interval.Min1, base.Add(time.Minute), time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 11.0, got[0].Close)

	snap, err := src.FetchLatestSnapshot(context.Background(), []string{"XYZ", "NONE"}, interval.Min1)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Equal(t, 12.0, snap["XYZ"].Close)

	_, err = src.PlaceLimit(context.Background(), broker.SideBuy, "XYZ", 1, 1, broker.GTC, false)
	require.Equal(t, broker.KindUnsupported, broker.KindOf(err))
}
