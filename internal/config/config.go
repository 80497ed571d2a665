package config

import (
	"fmt"
	"time"
)

// Mode selects how the kernel sources data and executes orders.
type Mode string

const (
	ModeLive     Mode = "live"
	ModePaper    Mode = "paper"
	ModeBacktest Mode = "backtest"
)

// Config is the kernel's runtime configuration, read from the environment.
type Config struct {
	Mode       Mode
	ListenAddr string

	DataDir   string
	DBPath    string
	StateFile string

	Cash         float64
	Commission   string
	TxRetention  time.Duration
	MaxSeriesLen int
	FlushTimeout time.Duration
	DayOffset    time.Duration

	BacktestStart time.Time
	BacktestEnd   time.Time

	LogLevel string
	LogJSON  bool
}

// Load reads the configuration, applying the env file first.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := LoadEnvFile(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	cfg := Config{
		Mode:         Mode(Str("KEEL_MODE", string(ModePaper))),
		ListenAddr:   Str("KEEL_LISTEN", ":9109"),
		DataDir:      Str("KEEL_DATA_DIR", "data"),
		DBPath:       Str("KEEL_DB", ""),
		StateFile:    Str("KEEL_STATE_FILE", "paper_state.json"),
		Cash:         Float("KEEL_CASH", 100000),
		Commission:   Str("KEEL_COMMISSION", ""),
		TxRetention:  Duration("KEEL_TX_RETENTION", 90*24*time.Hour),
		MaxSeriesLen: Int("KEEL_MAX_SERIES_LEN", 0),
		FlushTimeout: Duration("KEEL_FLUSH_TIMEOUT", time.Second),
		DayOffset:    Duration("KEEL_DAY_OFFSET", 0),
		LogLevel:     Str("KEEL_LOG_LEVEL", "info"),
		LogJSON:      Bool("KEEL_LOG_JSON", false),
	}
	switch cfg.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		return Config{}, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	var err error
	if cfg.BacktestStart, err = timeVar("KEEL_BACKTEST_START"); err != nil {
		return Config{}, err
	}
	if cfg.BacktestEnd, err = timeVar("KEEL_BACKTEST_END"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func timeVar(key string) (time.Time, error) {
	v := Str(key, "")
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%s: cannot parse %q", key, v)
}
