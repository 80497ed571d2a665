package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	cases := []struct {
		symbol string
		want   AssetClass
	}{
		{"AAPL", Stock},
		{"F", Stock},
		{"GOOGL", Stock},
		{"@BTC", Crypto},
		{"@DOGE", Crypto},
		{"TWTR  211114C00050001", Option},
		{"SPY   200103P00240000", Option},
		{"", Stock},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ClassOf(c.symbol), "symbol %q", c.symbol)
	}
}

func TestOCCRoundTrip(t *testing.T) {
	occ := OCC{
		Root:       "TWTR",
		Expiration: time.Date(2021, 11, 14, 0, 0, 0, 0, time.UTC),
		Type:       Call,
		Strike:     50.001,
	}
	sym := occ.Symbol()
	require.Equal(t, "TWTR  211114C00050001", sym)

	back, err := ParseOCC(sym)
	require.NoError(t, err)
	require.Equal(t, occ, back)
}

func TestOCCLongRoot(t *testing.T) {
	occ := OCC{
		Root:       "GOOGL",
		Expiration: time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC),
		Type:       Put,
		Strike:     1337.5,
	}
	sym := occ.Symbol()
	require.Len(t, sym, 21)
	back, err := ParseOCC(sym)
	require.NoError(t, err)
	require.Equal(t, occ, back)
}

func TestParseOCCRejects(t *testing.T) {
	for _, bad := range []string{
		"",
		"TWTR",
		"TWTR  211114X00050001", // bad type
		"TWTR  21Z114C00050001", // bad date
		"TWTR  211114C000500ab", // bad strike
		"      211114C00050001", // empty root
	} {
		_, err := ParseOCC(bad)
		require.Error(t, err, "input %q", bad)
	}
}

func TestBaseSymbol(t *testing.T) {
	require.Equal(t, "BTC", BaseSymbol("@BTC"))
	require.Equal(t, "TWTR", BaseSymbol("TWTR  211114C00050001"))
	require.Equal(t, "AAPL", BaseSymbol("AAPL"))
}

func TestCandleValidate(t *testing.T) {
	ts := time.Date(2021, 3, 1, 9, 30, 0, 0, time.UTC)
	ok := Candle{Time: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.High = nan()
	err := bad.Validate()
	require.Error(t, err)
	var bce *BadCandleError
	require.ErrorAs(t, err, &bce)

	bad = ok
	bad.Time = time.Time{}
	require.Error(t, bad.Validate())
}

func nan() float64 {
	var z float64
	return z / z
}
