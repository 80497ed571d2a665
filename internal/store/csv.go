package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tradeforge/keel/internal/interval"
	"github.com/tradeforge/keel/internal/market"
)

// CSVPersister keeps one file per (symbol, interval) under a directory,
// named <SYMBOL>@<INTERVAL>.csv with columns
// timestamp,open,high,low,close,volume. Timestamps are written as RFC3339
// UTC; epoch seconds are accepted on read. Headers are case-insensitive and
// unknown columns are ignored.
type CSVPersister struct {
	Dir string
}

// NewCSVPersister ensures the directory exists.
func NewCSVPersister(dir string) (*CSVPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("csv persister: %w", err)
	}
	return &CSVPersister{Dir: dir}, nil
}

func (p *CSVPersister) path(symbol string, iv interval.Interval) string {
	return filepath.Join(p.Dir, fmt.Sprintf("%s@%s.csv", symbol, iv))
}

// SaveSeries writes the whole series atomically (temp file then rename).
func (p *CSVPersister) SaveSeries(symbol string, iv interval.Interval, cs []market.Candle) error {
	tmp := p.path(symbol, iv) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"timestamp", "open", "high", "low", "close", "volume"})
	for _, c := range cs {
		rec := []string{
			c.Time.UTC().Format(time.RFC3339),
			formatFloat(c.Open), formatFloat(c.High), formatFloat(c.Low),
			formatFloat(c.Close), formatFloat(c.Volume),
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, p.path(symbol, iv))
}

// LoadSeries reads the file back, sorted ascending. A missing file yields an
// empty series, not an error.
func (p *CSVPersister) LoadSeries(symbol string, iv interval.Interval) ([]market.Candle, error) {
	f, err := os.Open(p.path(symbol, iv))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return ReadCandleCSV(f)
}

// ReadCandleCSV parses candle rows from any reader using the flexible
// header scheme: time|timestamp, open, high, low, close, volume|vol.
func ReadCandleCSV(r io.Reader) ([]market.Candle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var out []market.Candle
	var headers []string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if headers == nil {
			headers = rec
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			if j < len(rec) {
				row[strings.ToLower(strings.TrimSpace(h))] = strings.TrimSpace(rec[j])
			}
		}
		ts := firstOf(row, "time", "timestamp")
		if ts == "" {
			continue
		}
		tt, err := ParseTimeFlexible(ts)
		if err != nil {
			continue
		}
		out = append(out, market.Candle{
			Time:   tt,
			Open:   parseFloat(firstOf(row, "open")),
			High:   parseFloat(firstOf(row, "high")),
			Low:    parseFloat(firstOf(row, "low")),
			Close:  parseFloat(firstOf(row, "close")),
			Volume: parseFloat(firstOf(row, "volume", "vol")),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// ParseTimeFlexible accepts RFC3339 or UNIX seconds.
func ParseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
