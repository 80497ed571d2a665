package store

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
)

// CandleRow is one persisted candle. The composite unique index on
// (symbol, interval, ts) gives last-write-wins upsert semantics that match
// the in-memory store.
type CandleRow struct {
	ID       uint   `gorm:"primaryKey"`
	Symbol   string `gorm:"size:32;uniqueIndex:idx_series_ts"`
	Interval string `gorm:"size:8;uniqueIndex:idx_series_ts"`
	TS       int64  `gorm:"uniqueIndex:idx_series_ts"`
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// TransactionRow is one durable fill record.
type TransactionRow struct {
	ID        uint `gorm:"primaryKey"`
	TS        int64
	Symbol    string `gorm:"size:32"`
	Side      string `gorm:"size:4"`
	Quantity  float64
	Price     float64
	Algorithm string `gorm:"size:64"`
}

// SQLPersister backs the price store and the transaction log with a sqlite
// database file.
type SQLPersister struct {
	db *gorm.DB
}

// OpenSQL opens (or creates) the database and migrates the schema.
func OpenSQL(path string) (*SQLPersister, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sql store: %w", err)
	}
	if err := db.AutoMigrate(&CandleRow{}, &TransactionRow{}); err != nil {
		return nil, fmt.Errorf("migrate sql store: %w", err)
	}
	return &SQLPersister{db: db}, nil
}

// SaveSeries upserts every candle of the series.
func (p *SQLPersister) SaveSeries(symbol string, iv interval.Interval, cs []market.Candle) error {
	if len(cs) == 0 {
		return nil
	}
	rows := make([]CandleRow, len(cs))
	for i, c := range cs {
		rows[i] = CandleRow{
			Symbol: symbol, Interval: iv.String(), TS: c.Time.UTC().Unix(),
			Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
		}
	}
	return p.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "interval"}, {Name: "ts"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
	}).CreateInBatches(rows, 500).Error
}

// LoadSeries reads one series back, ascending by timestamp.
func (p *SQLPersister) LoadSeries(symbol string, iv interval.Interval) ([]market.Candle, error) {
	var rows []CandleRow
	err := p.db.
		Where("symbol = ? AND interval = ?", symbol, iv.String()).
		Order("ts asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, len(rows))
	for i, r := range rows {
		out[i] = market.Candle{
			Time: time.Unix(r.TS, 0).UTC(),
			Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
		}
	}
	return out, nil
}

// AppendTransaction records one fill.
func (p *SQLPersister) AppendTransaction(ts time.Time, symbol, side string, qty, price float64, algorithm string) error {
	return p.db.Create(&TransactionRow{
		TS: ts.UTC().Unix(), Symbol: symbol, Side: side,
		Quantity: qty, Price: price, Algorithm: algorithm,
	}).Error
}

// PruneTransactions drops records older than the retention window.
func (p *SQLPersister) PruneTransactions(olderThan time.Time) error {
	return p.db.Where("ts < ?", olderThan.UTC().Unix()).Delete(&TransactionRow{}).Error
}
