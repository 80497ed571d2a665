package orders

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/keel/internal/broker"
)

// Transaction is one durable fill record.
type Transaction struct {
	Time      time.Time
	Symbol    string
	Side      broker.Side
	Quantity  float64
	Price     float64
	Fee       float64
	Algorithm string
}

// TxSink receives transactions for durable storage.
type TxSink interface {
	AppendTransaction(ts time.Time, symbol, side string, qty, price float64, algorithm string) error
}

// TxLog keeps recent transactions in memory and forwards each to an
// optional sink. Records older than the retention window are pruned on
// append; zero retention keeps everything.
type TxLog struct {
	mu        sync.RWMutex
	recs      []Transaction
	retention time.Duration
	sink      TxSink
	log       zerolog.Logger
}

// NewTxLog creates a transaction log.
func NewTxLog(log zerolog.Logger, retention time.Duration, sink TxSink) *TxLog {
	return &TxLog{
		retention: retention,
		sink:      sink,
		log:       log.With().Str("component", "txlog").Logger(),
	}
}

// Append records one transaction.
func (t *TxLog) Append(tx Transaction) {
	t.mu.Lock()
	t.recs = append(t.recs, tx)
	if t.retention > 0 {
		cutoff := tx.Time.Add(-t.retention)
		i := 0
		for i < len(t.recs) && t.recs[i].Time.Before(cutoff) {
			i++
		}
		t.recs = t.recs[i:]
	}
	t.mu.Unlock()

	if t.sink != nil {
		if err := t.sink.AppendTransaction(tx.Time, tx.Symbol, string(tx.Side), tx.Quantity, tx.Price, tx.Algorithm); err != nil {
			t.log.Error().Err(err).Str("symbol", tx.Symbol).Msg("transaction sink write failed")
		}
	}
}

// Since returns copies of all records at or after the cutoff.
func (t *TxLog) Since(cutoff time.Time) []Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Transaction
	for _, r := range t.recs {
		if !r.Time.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// All returns copies of every retained record.
func (t *TxLog) All() []Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Transaction, len(t.recs))
	copy(out, t.recs)
	return out
}
