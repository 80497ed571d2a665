package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tradeforge/keel/internal/broker"
	"github.com/tradeforge/keel/internal/market"
	"github.com/tradeforge/keel/internal/store"
)

// Schema maps one push source's JSON field names onto candle fields, so a
// single reader handles venues that disagree about naming.
type Schema struct {
	Symbol string `json:"symbol"`
	Time   string `json:"time"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// DefaultSchema matches sources that already use the plain field names.
var DefaultSchema = Schema{
	Symbol: "symbol", Time: "time",
	Open: "open", High: "high", Low: "low", Close: "close", Volume: "volume",
}

const reconnectWait = 5 * time.Second

// WS reads candle messages from a websocket and forwards them through the
// standard callback. The connection is redialed after read failures until
// the context ends.
type WS struct {
	log    zerolog.Logger
	url    string
	schema Schema
	sub    func(*websocket.Conn, []broker.Subscription) error

	mu      sync.Mutex
	subs    []broker.Subscription
	emit    broker.CandleFunc
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option configures the websocket streamer.
type WSOption func(*WS)

// WithSubscribe sends a venue-specific subscribe message after each dial.
func WithSubscribe(fn func(*websocket.Conn, []broker.Subscription) error) WSOption {
	return func(w *WS) { w.sub = fn }
}

// NewWS creates a push streamer for one source.
func NewWS(log zerolog.Logger, url string, schema Schema, opts ...WSOption) *WS {
	w := &WS{
		log:    log.With().Str("component", "ws").Str("url", url).Logger(),
		url:    url,
		schema: schema,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Configure records the subscriptions and the delivery callback.
func (w *WS) Configure(subs []broker.Subscription, onCandle broker.CandleFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = subs
	w.emit = onCandle
	return nil
}

// Start launches the read loop.
func (w *WS) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.emit == nil {
		return fmt.Errorf("ws streamer: not configured")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.stopped = make(chan struct{})
	go w.loop(ctx)
	return nil
}

// Stop ends the read loop and waits for it to exit.
func (w *WS) Stop() error {
	w.mu.Lock()
	cancel, stopped := w.cancel, w.stopped
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-stopped
	return nil
}

func (w *WS) loop(ctx context.Context) {
	defer close(w.stopped)
	for {
		if err := w.session(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn().Err(err).Msg("websocket session ended, reconnecting")
		}
		select {
		case <-time.After(reconnectWait):
		case <-ctx.Done():
			return
		}
	}
}

func (w *WS) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	if w.sub != nil {
		if err := w.sub(conn, w.subs); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	w.log.Info().Msg("websocket connected")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		sym, c, err := w.Decode(msg)
		if err != nil {
			w.log.Warn().Err(err).Msg("bad message dropped")
			continue
		}
		w.emit(sym, c)
	}
}

// Decode parses one raw message through the schema.
func (w *WS) Decode(msg []byte) (string, market.Candle, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return "", market.Candle{}, err
	}
	sym, err := strField(raw, w.schema.Symbol)
	if err != nil {
		return "", market.Candle{}, err
	}
	ts, err := strField(raw, w.schema.Time)
	if err != nil {
		return "", market.Candle{}, err
	}
	t, err := store.ParseTimeFlexible(ts)
	if err != nil {
		return "", market.Candle{}, err
	}
	c := market.Candle{Time: t}
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{w.schema.Open, &c.Open}, {w.schema.High, &c.High},
		{w.schema.Low, &c.Low}, {w.schema.Close, &c.Close},
		{w.schema.Volume, &c.Volume},
	} {
		v, err := numField(raw, f.key)
		if err != nil {
			return "", market.Candle{}, err
		}
		*f.dst = v
	}
	if err := c.Validate(); err != nil {
		return "", market.Candle{}, err
	}
	return sym, c, nil
}

func strField(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	// Numeric timestamps arrive unquoted.
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("field %q is not a string", key)
}

func numField(raw map[string]json.RawMessage, key string) (float64, error) {
	v, ok := raw[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		var f2 float64
		if _, err := fmt.Sscanf(s, "%g", &f2); err == nil {
			return f2, nil
		}
	}
	return 0, fmt.Errorf("field %q is not numeric", key)
}
