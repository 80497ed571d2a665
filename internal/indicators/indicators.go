// Package indicators implements the technical-analysis helpers exposed to
// strategies: SMA, EMA, RSI (Wilder's smoothing), rolling standard deviation
// and Bollinger bands.
//
// All functions take a plain price slice and a period. Outputs are aligned
// to the input length; indices before the first full window hold NaN. When
// the input is shorter than the period the result is nil. Keep these fast
// and allocation-light; they run on every strategy firing.
package indicators

import "math"

// SMA returns the n-period simple moving average, aligned to prices.
func SMA(prices []float64, n int) []float64 {
	if n <= 0 || len(prices) < n {
		return nil
	}
	out := make([]float64, len(prices))
	var sum float64
	for i, p := range prices {
		sum += p
		if i >= n {
			sum -= prices[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// EMA returns the n-period exponential moving average, seeded with the SMA
// of the first window.
func EMA(prices []float64, n int) []float64 {
	if n <= 0 || len(prices) < n {
		return nil
	}
	out := make([]float64, len(prices))
	var seed float64
	for i := 0; i < n; i++ {
		seed += prices[i]
		if i < n-1 {
			out[i] = math.NaN()
		}
	}
	out[n-1] = seed / float64(n)
	k := 2.0 / float64(n+1)
	for i := n; i < len(prices); i++ {
		out[i] = prices[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI returns the n-period Relative Strength Index using Wilder's smoothing.
func RSI(prices []float64, n int) []float64 {
	if n <= 0 || len(prices) < n+1 {
		return nil
	}
	out := make([]float64, len(prices))
	for i := 0; i < n; i++ {
		out[i] = math.NaN()
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)
	out[n] = rsiValue(avgGain, avgLoss)
	for i := n + 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		avgGain = (avgGain*float64(n-1) + up) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + down) / float64(n)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// RollingStd returns the population standard deviation over window n.
func RollingStd(prices []float64, n int) []float64 {
	if n <= 1 || len(prices) < n {
		return nil
	}
	out := make([]float64, len(prices))
	var sum, sumSq float64
	for i, x := range prices {
		sum += x
		sumSq += x * x
		if i >= n {
			y := prices[i-n]
			sum -= y
			sumSq -= y * y
		}
		if i >= n-1 {
			mean := sum / float64(n)
			variance := sumSq/float64(n) - mean*mean
			out[i] = math.Sqrt(math.Max(variance, 0))
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// Bollinger returns the middle (SMA), upper and lower bands at k standard
// deviations over window n.
func Bollinger(prices []float64, n int, k float64) (mid, upper, lower []float64) {
	mid = SMA(prices, n)
	if mid == nil {
		return nil, nil, nil
	}
	std := RollingStd(prices, n)
	upper = make([]float64, len(prices))
	lower = make([]float64, len(prices))
	for i := range prices {
		if math.IsNaN(mid[i]) {
			upper[i], lower[i] = math.NaN(), math.NaN()
			continue
		}
		upper[i] = mid[i] + k*std[i]
		lower[i] = mid[i] - k*std[i]
	}
	return mid, upper, lower
}
