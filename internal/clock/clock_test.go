package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextBoundaryAligns(t *testing.T) {
	t.Parallel()

	// 12:07:33 UTC
	now := time.Date(2025, 6, 1, 12, 7, 33, 0, time.UTC)

	b15 := NextBoundary(now, TF15m)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC), b15)
	assert.Zero(t, b15.Unix()%TF15m.Seconds())

	b5 := NextBoundary(now, TF5m)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC), b5)

	b1h := NextBoundary(now, TF1h)
	assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), b1h)
}

func TestNextBoundaryStrictlyAfter(t *testing.T) {
	t.Parallel()

	// Exactly on a boundary: the next one is a full interval away.
	on := time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC), NextBoundary(on, TF15m))
	assert.Equal(t, time.Date(2025, 6, 1, 12, 20, 0, 0, time.UTC), NextBoundary(on, TF5m))
}

func TestFloorBoundary(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 7, 33, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), FloorBoundary(now, TF15m))
	assert.Equal(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC), FloorBoundary(now, TF5m))
}

func TestSharedWith15m(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC).Unix()

	shared := 0
	for min := int64(0); min < 60; min += 5 {
		if SharedWith15m(day + min*60) {
			shared++
			assert.Zero(t, min%15, "minute :%02d flagged shared", min)
		}
	}
	// :00, :15, :30, :45 of the hour
	assert.Equal(t, 4, shared)

	assert.True(t, SharedWith15m(day))
	assert.False(t, SharedWith15m(day+5*60))
	assert.False(t, SharedWith15m(day+10*60))
	assert.True(t, SharedWith15m(day+15*60))
}

func TestParseTimeframe(t *testing.T) {
	t.Parallel()

	tf, err := ParseTimeframe("15m")
	require.NoError(t, err)
	assert.Equal(t, TF15m, tf)
	assert.Equal(t, 15*time.Minute, tf.Duration())

	_, err = ParseTimeframe("2m")
	assert.Error(t, err)
}

func TestParseWindowIDRoundTrip(t *testing.T) {
	t.Parallel()

	open := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC).Unix()
	for _, tf := range []Timeframe{TF5m, TF15m, TF30m, TF1h} {
		w := NewWindow(tf, open)
		gotTF, gotTS, err := ParseWindowID(w.ID())
		require.NoError(t, err)
		assert.Equal(t, tf, gotTF)
		assert.Equal(t, open, gotTS)
	}

	_, _, err := ParseWindowID("15m")
	assert.Error(t, err)
	_, _, err = ParseWindowID("2m-1735689600")
	assert.Error(t, err)
	_, _, err = ParseWindowID("15m-notanumber")
	assert.Error(t, err)
}

func TestWindowIDUniqueAcrossLanes(t *testing.T) {
	t.Parallel()

	// Shared boundary: same open timestamp, different lanes, distinct ids.
	open := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC).Unix()
	w5 := NewWindow(TF5m, open)
	w15 := NewWindow(TF15m, open)

	assert.NotEqual(t, w5.ID(), w15.ID())
	assert.Equal(t, open+300, w5.CloseTS)
	assert.Equal(t, open+900, w15.CloseTS)
}

func TestSleepUntilCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SleepUntil(ctx, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepUntilPastReturnsImmediately(t *testing.T) {
	t.Parallel()

	start := time.Now()
	err := SleepUntil(context.Background(), start.Add(-time.Second))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
