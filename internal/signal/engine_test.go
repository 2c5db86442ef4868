package signal

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/oraclebot/internal/config"
	"github.com/web3guy0/oraclebot/internal/feed"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		MinConfidence:    0.60,
		DeadZonePct:      0.04,
		MinVolatilityPct: 0.03,
		MaxVolatilityPct: 3.0,
	}
}

// zigzag walks a price up/down in alternating percent steps, long enough to
// warm up every indicator.
func zigzag(start float64, n int, evenStepPct, oddStepPct float64) []float64 {
	closes := make([]float64, n)
	p := start
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			p *= 1 + evenStepPct/100
		} else {
			p *= 1 + oddStepPct/100
		}
		closes[i] = p
	}
	return closes
}

func candlesFromCloses(closes []float64) []feed.Candle {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	out := make([]feed.Candle, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		out[i] = feed.Candle{
			OpenTime:  base + int64(i)*60_000,
			Open:      d,
			High:      d,
			Low:       d,
			Close:     d,
			CloseTime: base + int64(i+1)*60_000 - 1,
		}
	}
	return out
}

func risingCandles() []feed.Candle {
	return candlesFromCloses(zigzag(60000, 30, 0.08, -0.02))
}

func fallingCandles() []feed.Candle {
	return candlesFromCloses(zigzag(60000, 30, -0.08, 0.02))
}

func choppyCandles() []feed.Candle {
	return candlesFromCloses(zigzag(60000, 30, 0.05, -0.05))
}

func evalInput(anchor, current float64, candles []feed.Candle) Input {
	return Input{
		WindowID:    "15m-1755772800",
		Anchor:      decimal.NewFromFloat(anchor),
		Current:     decimal.NewFromFloat(current),
		Candles:     candles,
		PayoutRatio: 0.8,
		FeeEstimate: 0.02,
	}
}

func TestCleanUpTrade(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())
	// 0.2% drift with every indicator agreeing.
	s := e.Evaluate(evalInput(60000, 60120, risingCandles()))

	assert.Equal(t, DirectionUp, s.Direction)
	assert.Equal(t, ReasonScore, s.Reason)
	assert.Greater(t, s.Confidence, 0.60)
	assert.Equal(t, StrengthStrong, s.Strength)
	assert.Equal(t, 1, s.Votes["price_vs_open"])
	assert.InDelta(t, 0.2, s.DriftPct, 1e-9)
}

func TestCleanDownTrade(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())
	s := e.Evaluate(evalInput(60000, 59880, fallingCandles()))

	assert.Equal(t, DirectionDown, s.Direction)
	assert.Negative(t, s.Score)
	assert.Greater(t, s.Confidence, 0.60)
}

func TestDeadZoneHoldsRegardlessOfIndicators(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())

	// Every drift inside the dead zone holds, even with a strongly rising
	// series behind it.
	for _, drift := range []float64{0, 0.01, 0.025, 0.039, -0.02, -0.039} {
		current := 60000 * (1 + drift/100)
		s := e.Evaluate(evalInput(60000, current, risingCandles()))
		assert.Equal(t, DirectionHold, s.Direction, "drift %.4f%%", drift)
		assert.Equal(t, ReasonDeadZone, s.Reason, "drift %.4f%%", drift)
		assert.Empty(t, s.Votes, "indicators must not be consulted inside the dead zone")
	}
}

func TestDeadZoneBoundary(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())

	// Exactly 0.04% holds; 0.0401% trades.
	at := e.Evaluate(evalInput(60000, 60024, risingCandles()))
	assert.Equal(t, DirectionHold, at.Direction)
	assert.Equal(t, ReasonDeadZone, at.Reason)

	over := e.Evaluate(evalInput(60000, 60024.06, risingCandles()))
	assert.NotEqual(t, ReasonDeadZone, over.Reason)
	assert.Equal(t, DirectionUp, over.Direction)
}

func TestAgreementVeto(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())
	// Drift says Up, but momentum, RSI, MACD, and the EMA cross all say
	// Down: the chorus wins.
	s := e.Evaluate(evalInput(60000, 60080, fallingCandles()))

	assert.Equal(t, DirectionHold, s.Direction)
	assert.Equal(t, ReasonAgreement, s.Reason)
	assert.Equal(t, 1, s.Votes["price_vs_open"])

	opposed := 0
	for _, name := range []string{"momentum", "rsi_14", "macd", "ema_cross"} {
		if s.Votes[name] == -1 {
			opposed++
		}
	}
	assert.GreaterOrEqual(t, opposed, 3)
}

func TestAgreementVetoDownDrift(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())
	s := e.Evaluate(evalInput(60000, 59920, risingCandles()))

	assert.Equal(t, DirectionHold, s.Direction)
	assert.Equal(t, ReasonAgreement, s.Reason)
}

func TestVolatilityGate(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())

	quiet := candlesFromCloses(zigzag(60000, 30, 0.005, -0.005))
	s := e.Evaluate(evalInput(60000, 60120, quiet))
	assert.Equal(t, DirectionHold, s.Direction)
	assert.Equal(t, ReasonVol, s.Reason)
	assert.Less(t, s.VolatilityPct, 0.03)

	wild := candlesFromCloses(zigzag(60000, 30, 4, -4))
	s = e.Evaluate(evalInput(60000, 60120, wild))
	assert.Equal(t, DirectionHold, s.Direction)
	assert.Equal(t, ReasonVol, s.Reason)
	assert.Greater(t, s.VolatilityPct, 3.0)
}

func TestFeeVeto(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())
	in := evalInput(60000, 60030, risingCandles()) // 0.05% drift, modest score
	in.PayoutRatio = 0.10
	in.FeeEstimate = 0.10

	s := e.Evaluate(in)
	assert.Equal(t, DirectionHold, s.Direction)
	assert.Equal(t, ReasonFee, s.Reason)
}

func TestWarmupGate(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())
	short := candlesFromCloses(zigzag(60000, MinCandles-1, 0.08, -0.02))

	s := e.Evaluate(evalInput(60000, 60120, short))
	assert.Equal(t, DirectionHold, s.Direction)
	assert.Equal(t, ReasonHistory, s.Reason)
}

func TestDriftCalibration(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())

	// 0.10% drift saturates the dominant component at 1.0.
	s := e.Evaluate(evalInput(60000, 60060, choppyCandles()))
	require.NotEmpty(t, s.Components)
	assert.InDelta(t, 1.0, s.Components["price_vs_open"], 1e-9)

	// 0.05% drift sits at half scale.
	s = e.Evaluate(evalInput(60000, 60030, choppyCandles()))
	assert.InDelta(t, 0.5, s.Components["price_vs_open"], 1e-9)
}

func TestScoreIsWeightedSum(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())
	s := e.Evaluate(evalInput(60000, 60120, risingCandles()))
	require.Equal(t, ReasonScore, s.Reason)

	want := WeightDrift*s.Components["price_vs_open"] +
		WeightMomentum*s.Components["momentum"] +
		WeightRSI*s.Components["rsi_14"] +
		WeightMACD*s.Components["macd"] +
		WeightEMACross*s.Components["ema_cross"]
	assert.InDelta(t, want, s.Score, 1e-12)
	assert.InDelta(t, math.Min(1, abs(want)), s.Confidence, 1e-12)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	t.Parallel()

	e := NewEngine(testStrategyConfig())
	in := evalInput(60000, 60120, risingCandles())

	a := e.Evaluate(in)
	b := e.Evaluate(in)
	assert.Equal(t, a.Direction, b.Direction)
	assert.Equal(t, a.Score, b.Score)
	assert.Equal(t, a.Confidence, b.Confidence)
	assert.Equal(t, a.Components, b.Components)
}

func ExampleEngine_Evaluate() {
	e := NewEngine(config.StrategyConfig{
		DeadZonePct:      0.04,
		MinVolatilityPct: 0.03,
		MaxVolatilityPct: 3.0,
	})
	s := e.Evaluate(Input{
		WindowID: "15m-1755772800",
		Anchor:   decimal.NewFromInt(60000),
		Current:  decimal.NewFromInt(60015),
		Candles:  candlesFromCloses(zigzag(60000, 30, 0.05, -0.05)),
	})
	fmt.Println(s.Direction, s.Reason)
	// Output: HOLD dead_zone
}
