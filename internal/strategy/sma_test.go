package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tradeforge/keel/internal/interval"
)

func TestSMACrossFromEnv(t *testing.T) {
	t.Setenv("KEEL_SMA_SYMBOLS", "AAPL, @BTC ,MSFT")
	t.Setenv("KEEL_SMA_INTERVAL", "5MIN")
	t.Setenv("KEEL_SMA_FAST", "5")
	t.Setenv("KEEL_SMA_SLOW", "20")

	s := SMACrossFromEnv()
	require.Equal(t, []string{"AAPL", "@BTC", "MSFT"}, s.Symbols)
	require.Equal(t, interval.Min5, s.Interval)
	require.Equal(t, 5, s.Fast)
	require.Equal(t, 20, s.Slow)

	cfg := s.Config()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "sma_cross", cfg.Name)
}

func TestRSIDefaults(t *testing.T) {
	t.Setenv("KEEL_RSI_SYMBOLS", "XYZ")
	t.Setenv("KEEL_RSI_INTERVAL", "")
	t.Setenv("KEEL_RSI_PERIOD", "")
	t.Setenv("KEEL_RSI_BUY_BELOW", "")
	t.Setenv("KEEL_RSI_SELL_ABOVE", "")

	s := RSIReversionFromEnv()
	require.Equal(t, interval.Min5, s.Interval)
	require.Equal(t, 14, s.Period)
	require.Equal(t, 30.0, s.BuyBelow)
	require.Equal(t, 55.0, s.SellAbove)
}

func TestParseIntervalFallback(t *testing.T) {
	require.Equal(t, interval.Min1, parseInterval("", interval.Min1))
	require.Equal(t, interval.Hour1, parseInterval("1HR", interval.Min1))
	require.Equal(t, interval.Min1, parseInterval("bogus", interval.Min1))
}
