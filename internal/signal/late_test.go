package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/oraclebot/internal/config"
)

func testLateConfig() config.LateWindowConfig {
	return config.LateWindowConfig{
		MinDriftPct:    0.08,
		BaseConfidence: 0.80,
		MaxConfidence:  0.95,
		DriftScalePct:  0.25,
	}
}

func lateEval(anchor, current float64, remaining time.Duration) Signal {
	e := NewLateEvaluator(testLateConfig())
	return e.Evaluate("15m-1755772800",
		decimal.NewFromFloat(anchor), decimal.NewFromFloat(current), remaining)
}

func TestLateHoldsBelowDriftFloor(t *testing.T) {
	t.Parallel()

	s := lateEval(100000, 100050, 2*time.Minute) // 0.05%
	assert.Equal(t, DirectionHold, s.Direction)
	assert.Equal(t, ReasonLateDrift, s.Reason)
}

func TestLateConfidenceScalesWithDrift(t *testing.T) {
	t.Parallel()

	// At the floor: base confidence.
	s := lateEval(100000, 100080, 2*time.Minute) // 0.08%
	assert.Equal(t, DirectionUp, s.Direction)
	assert.InDelta(t, 0.80, s.Confidence, 1e-9)

	// Midpoint of [0.08, 0.25]: halfway up the ramp.
	s = lateEval(100000, 100165, 2*time.Minute) // 0.165%
	assert.InDelta(t, 0.875, s.Confidence, 1e-9)

	// Full-scale drift: max confidence.
	s = lateEval(100000, 100250, 2*time.Minute) // 0.25%
	assert.InDelta(t, 0.95, s.Confidence, 1e-9)

	// Beyond full scale stays capped.
	s = lateEval(100000, 100400, 2*time.Minute) // 0.40%
	assert.InDelta(t, 0.95, s.Confidence, 1e-9)
}

func TestLateUrgencyBonus(t *testing.T) {
	t.Parallel()

	calm := lateEval(100000, 100100, 90*time.Second) // 0.10%
	urgent := lateEval(100000, 100100, 45*time.Second)

	assert.InDelta(t, calm.Confidence+0.02, urgent.Confidence, 1e-9)

	// The bonus never pushes past the cap.
	capped := lateEval(100000, 100250, 30*time.Second)
	assert.InDelta(t, 0.95, capped.Confidence, 1e-9)
}

func TestLateDownDirection(t *testing.T) {
	t.Parallel()

	s := lateEval(100000, 99900, 2*time.Minute) // -0.10%
	assert.Equal(t, DirectionDown, s.Direction)
	assert.Negative(t, s.Score)
	assert.Greater(t, s.Confidence, 0.80)
}

func TestLateRejectsZeroAnchor(t *testing.T) {
	t.Parallel()

	e := NewLateEvaluator(testLateConfig())
	s := e.Evaluate("w", decimal.Zero, decimal.NewFromInt(100000), time.Minute)
	assert.Equal(t, DirectionHold, s.Direction)
	assert.Equal(t, ReasonHistory, s.Reason)
}
