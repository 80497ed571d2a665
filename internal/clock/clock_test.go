package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReplayJumpsForwardOnly(t *testing.T) {
	start := time.Date(2021, 3, 1, 9, 30, 0, 0, time.UTC)
	r := NewReplay(start)
	require.Equal(t, start, r.Now())

	require.NoError(t, r.SleepUntil(context.Background(), start.Add(time.Minute)))
	require.Equal(t, start.Add(time.Minute), r.Now())

	// Sleeping to the past never rewinds.
	require.NoError(t, r.SleepUntil(context.Background(), start))
	require.Equal(t, start.Add(time.Minute), r.Now())

	r.Advance(time.Hour)
	require.Equal(t, start.Add(time.Minute+time.Hour), r.Now())
}

func TestReplayHonorsCancelledContext(t *testing.T) {
	r := NewReplay(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, r.SleepUntil(ctx, time.Unix(100, 0)))
}

func TestWallSleepUntilPastReturnsImmediately(t *testing.T) {
	var w Wall
	begin := time.Now()
	require.NoError(t, w.SleepUntil(context.Background(), begin.Add(-time.Hour)))
	require.Less(t, time.Since(begin), time.Second)
}
