package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSMA(t *testing.T) {
	prices := []float64{10, 12, 11, 9, 8, 10, 11, 12, 13, 15, 14, 16, 13, 14}
	out := SMA(prices, 5)
	require.Len(t, out, len(prices))
	require.True(t, math.IsNaN(out[3]))
	require.InDelta(t, 10.0, out[4], 1e-9) // (10+12+11+9+8)/5
	require.InDelta(t, 14.4, out[13], 1e-9) // (15+14+16+13+14)/5

	sum := 0.0
	for _, p := range prices {
		sum += p
	}
	long := SMA(prices, 14)
	require.InDelta(t, sum/14, long[13], 1e-9)
}

func TestSMAShortInput(t *testing.T) {
	require.Nil(t, SMA([]float64{1, 2, 3}, 5))
	require.Nil(t, SMA(nil, 5))
	require.Nil(t, SMA([]float64{1, 2, 3}, 0))
}

func TestEMAConvergesToConstant(t *testing.T) {
	prices := make([]float64, 100)
	for i := range prices {
		prices[i] = 42
	}
	out := EMA(prices, 10)
	require.InDelta(t, 42, out[99], 1e-9)
}

func TestEMASeed(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5, 6}
	out := EMA(prices, 3)
	require.True(t, math.IsNaN(out[1]))
	require.InDelta(t, 2.0, out[2], 1e-9) // SMA seed
	k := 2.0 / 4.0
	require.InDelta(t, 4*k+2*(1-k), out[3], 1e-9)
}

func TestRSIBounds(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = float64(i)
	}
	out := RSI(up, 14)
	require.InDelta(t, 100, out[29], 1e-9)

	down := make([]float64, 30)
	for i := range down {
		down[i] = float64(100 - i)
	}
	out = RSI(down, 14)
	require.InDelta(t, 0, out[29], 1e-9)
}

func TestBollinger(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5, 4, 3, 2, 1, 2, 3, 4}
	mid, upper, lower := Bollinger(prices, 5, 2)
	require.Len(t, mid, len(prices))
	for i := 4; i < len(prices); i++ {
		require.GreaterOrEqual(t, upper[i], mid[i])
		require.LessOrEqual(t, lower[i], mid[i])
	}
	m, u, l := Bollinger([]float64{1, 2}, 5, 2)
	require.Nil(t, m)
	require.Nil(t, u)
	require.Nil(t, l)
}
