package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradeforge/keel/internal/market"
)

func ts(h, m, s int) time.Time {
	return time.Date(2020, 6, 1, h, m, s, 0, time.UTC)
}

func TestParseCanonical(t *testing.T) {
	for _, iv := range All() {
		got, err := Parse(iv.String())
		require.NoError(t, err)
		require.Equal(t, iv, got)
	}
	got, err := Parse(" 5min ")
	require.NoError(t, err)
	require.Equal(t, Min5, got)

	_, err = Parse("2MIN")
	require.Error(t, err)
}

func TestIsBoundary(t *testing.T) {
	cases := []struct {
		at   time.Time
		iv   Interval
		want bool
	}{
		{ts(9, 30, 0), Min1, true},
		{ts(9, 30, 15), Min1, false},
		{ts(9, 30, 15), Sec15, true},
		{ts(9, 30, 7), Sec15, false},
		{ts(9, 35, 0), Min5, true},
		{ts(9, 31, 0), Min5, false},
		{ts(9, 45, 0), Min15, true},
		{ts(9, 30, 0), Min30, true},
		{ts(9, 40, 0), Min30, false},
		{ts(10, 0, 0), Hour1, true},
		{ts(10, 1, 0), Hour1, false},
		{ts(0, 0, 0), Day1, true},
		{ts(10, 0, 0), Day1, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, IsBoundary(c.at, c.iv), "%s at %s", c.iv, c.at)
	}
}

func TestDayOffsetCalendar(t *testing.T) {
	cal := Calendar{DayOffset: 20 * time.Hour}
	require.True(t, cal.IsBoundary(ts(20, 0, 0), Day1))
	require.False(t, cal.IsBoundary(ts(0, 0, 0), Day1))
	require.Equal(t, ts(20, 0, 0), cal.Truncate(ts(23, 15, 0), Day1))
	// Before the session boundary the bucket started on the previous day.
	prev := time.Date(2020, 5, 31, 20, 0, 0, 0, time.UTC)
	require.Equal(t, prev, cal.Truncate(ts(19, 59, 0), Day1))
}

func TestNext(t *testing.T) {
	require.Equal(t, ts(9, 31, 0), DefaultCalendar.Next(ts(9, 30, 0), Min1))
	require.Equal(t, ts(9, 31, 0), DefaultCalendar.Next(ts(9, 30, 12), Min1))
	require.Equal(t, ts(10, 0, 0), DefaultCalendar.Next(ts(9, 30, 0), Hour1))
}

func minuteSeries(start time.Time, closes []float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, cl := range closes {
		out[i] = market.Candle{
			Time:   start.Add(time.Duration(i) * time.Minute),
			Open:   cl,
			High:   cl + 0.5,
			Low:    cl - 0.5,
			Close:  cl,
			Volume: 10,
		}
	}
	return out
}

func TestResampleHour(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = float64(i)
	}
	cs := minuteSeries(ts(10, 0, 0), closes)
	out, err := Resample(cs, Min1, Hour1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	c := out[0]
	require.Equal(t, ts(10, 0, 0), c.Time)
	require.Equal(t, 0.0, c.Open)
	require.Equal(t, 59.5, c.High)
	require.Equal(t, -0.5, c.Low)
	require.Equal(t, 59.0, c.Close)
	require.Equal(t, 600.0, c.Volume)
}

func TestResampleDropsIncomplete(t *testing.T) {
	// 65 minutes: one full hour plus a ragged tail.
	closes := make([]float64, 65)
	for i := range closes {
		closes[i] = float64(i)
	}
	out, err := Resample(minuteSeries(ts(10, 0, 0), closes), Min1, Hour1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, ts(10, 0, 0), out[0].Time)
}

func TestResampleDropsLeadingPartialBucket(t *testing.T) {
	// History begins mid-hour; the 10:00 bucket cannot produce a true open.
	closes := make([]float64, 90)
	for i := range closes {
		closes[i] = float64(i)
	}
	out, err := Resample(minuteSeries(ts(10, 30, 0), closes), Min1, Hour1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, ts(11, 0, 0), out[0].Time)
	require.Equal(t, 30.0, out[0].Open)
}

func TestResampleAgreesWithBoundary(t *testing.T) {
	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100 + float64(i%7)
	}
	out, err := Resample(minuteSeries(ts(9, 0, 0), closes), Min1, Min15)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	for _, c := range out {
		require.True(t, IsBoundary(c.Time, Min15), "candle at %s", c.Time)
	}
}

func TestResampleRejectsNonCoarser(t *testing.T) {
	cs := minuteSeries(ts(9, 0, 0), []float64{1, 2, 3})
	_, err := Resample(cs, Min5, Min1)
	require.Error(t, err)
	_, err = Resample(cs, Min1, Min1)
	require.Error(t, err)
}
