package clock

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowLifecycle(t *testing.T) {
	t.Parallel()

	open := time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)
	w := NewWindow(TF15m, open.Unix())
	require.Equal(t, StatePending, w.State)

	anchor := decimal.NewFromInt(60000)
	require.NoError(t, w.SetAnchor(anchor, open.UnixMilli()))
	assert.Equal(t, StateAnchored, w.State)
	assert.True(t, w.Anchor.Equal(anchor))

	require.NoError(t, w.MarkEvaluated())
	require.NoError(t, w.MarkOrdered())
	require.NoError(t, w.Resolve(OutcomeWin, open.Add(16*time.Minute)))
	assert.Equal(t, StateResolved, w.State)
	assert.Equal(t, OutcomeWin, w.Outcome)
	assert.True(t, w.Terminal())
}

func TestWindowAnchorSetOnce(t *testing.T) {
	t.Parallel()

	w := NewWindow(TF15m, 1_750_000_500)
	require.NoError(t, w.SetAnchor(decimal.NewFromInt(60000), 1))

	err := w.SetAnchor(decimal.NewFromInt(61000), 2)
	require.Error(t, err)
	assert.True(t, w.Anchor.Equal(decimal.NewFromInt(60000)))
}

func TestWindowTransitionOrderEnforced(t *testing.T) {
	t.Parallel()

	w := NewWindow(TF5m, 1_750_000_500)

	// No phase may run before its predecessor.
	assert.Error(t, w.MarkEvaluated())
	assert.Error(t, w.MarkOrdered())
	assert.Error(t, w.Resolve(OutcomeLoss, time.Now()))

	require.NoError(t, w.SetAnchor(decimal.NewFromInt(60000), 1))
	assert.Error(t, w.MarkOrdered())
}

func TestWindowSkipFromAnyNonTerminal(t *testing.T) {
	t.Parallel()

	pending := NewWindow(TF5m, 1_750_000_500)
	require.NoError(t, pending.MarkSkipped(SkipOverlap))
	assert.Equal(t, StateSkipped, pending.State)
	assert.Equal(t, SkipOverlap, pending.Skip)

	anchored := NewWindow(TF15m, 1_750_000_500)
	require.NoError(t, anchored.SetAnchor(decimal.NewFromInt(60000), 1))
	require.NoError(t, anchored.MarkSkipped(SkipSignal))
	assert.True(t, anchored.Terminal())

	// Terminal windows stay terminal.
	assert.Error(t, anchored.MarkSkipped(SkipRisk))
	assert.Error(t, anchored.MarkEvaluated())
}

func TestWindowRemaining(t *testing.T) {
	t.Parallel()

	open := time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)
	w := NewWindow(TF15m, open.Unix())

	assert.Equal(t, 10*time.Minute, w.Remaining(open.Add(5*time.Minute)))
	assert.Negative(t, w.Remaining(open.Add(16*time.Minute)))
}
