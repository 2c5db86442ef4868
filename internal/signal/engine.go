// Package signal turns a price window into a directional verdict. The engine
// is a pure function: anchor price, current price, and a 1-minute candle
// series in; direction, confidence, and a reason out. Drift against the
// anchor dominates the score, with four indicators as a sanity chorus.
package signal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/config"
	"github.com/web3guy0/oraclebot/internal/feed"
)

// Direction is the predicted move, or an explicit hold.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionHold Direction = "HOLD"
)

// Strength buckets confidence for display.
type Strength string

const (
	StrengthWeak     Strength = "WEAK"
	StrengthModerate Strength = "MODERATE"
	StrengthStrong   Strength = "STRONG"
)

// Hold and trade reasons, stable tokens across journals and tests.
const (
	ReasonHistory   = "history"    // candle series shorter than warmup
	ReasonDeadZone  = "dead_zone"  // drift within bid-ask noise
	ReasonVol       = "vol"        // volatility outside the tradeable band
	ReasonAgreement = "agreement"  // indicator chorus opposes the drift
	ReasonFee       = "fee"        // expected edge eaten by fees
	ReasonFlat      = "flat"       // weighted score exactly zero
	ReasonScore     = "score"      // tradeable weighted score
	ReasonLateDrift = "late_drift" // drift below the late-window floor
)

// Score weights. Drift carries the decision; the indicators can only veto or
// nudge it.
const (
	WeightDrift    = 0.70
	WeightMomentum = 0.09
	WeightRSI      = 0.075
	WeightMACD     = 0.075
	WeightEMACross = 0.06

	// DriftScaleK maps the drift fraction onto [-1, 1]: a 0.10% move
	// saturates the component.
	DriftScaleK = 1000.0

	// Full-scale points for the minor components, in percent.
	momentumFullScalePct = 0.10
	emaGapFullScalePct   = 0.10
	macdHistFullScalePct = 0.01

	// MinCandles is the warmup: MACD(12,26,9) needs 26 closes.
	MinCandles = 26
)

// Signal is the engine verdict for one window. Produced at most once per
// window.
type Signal struct {
	WindowID      string             `json:"window_id"`
	Direction     Direction          `json:"direction"`
	Confidence    float64            `json:"confidence"`
	Score         float64            `json:"score"`
	Strength      Strength           `json:"strength"`
	DriftPct      float64            `json:"drift_pct"`
	VolatilityPct float64            `json:"volatility_pct"`
	Votes         map[string]int     `json:"votes,omitempty"`
	Components    map[string]float64 `json:"components,omitempty"`
	Reason        string             `json:"reason"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// Hold reports whether the signal declines to trade.
func (s Signal) Hold() bool {
	return s.Direction == DirectionHold
}

// Input carries everything one evaluation needs. PayoutRatio and FeeEstimate
// come from the executor's view of the book.
type Input struct {
	WindowID    string
	Anchor      decimal.Decimal
	Current     decimal.Decimal
	Candles     []feed.Candle
	PayoutRatio float64
	FeeEstimate float64
}

// Engine evaluates windows. Stateless and safe for concurrent use.
type Engine struct {
	cfg config.StrategyConfig
}

// NewEngine builds an engine with the configured gates.
func NewEngine(cfg config.StrategyConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate scores one window. Gate order: warmup, dead zone, volatility,
// agreement, then the weighted score and the fee check.
func (e *Engine) Evaluate(in Input) Signal {
	s := Signal{
		WindowID:    in.WindowID,
		Direction:   DirectionHold,
		Strength:    StrengthWeak,
		GeneratedAt: time.Now().UTC(),
	}

	if in.Anchor.IsZero() || in.Current.IsZero() || len(in.Candles) < MinCandles {
		s.Reason = ReasonHistory
		return s
	}

	driftPct := in.Current.Sub(in.Anchor).Div(in.Anchor).Mul(decimal.NewFromInt(100))
	s.DriftPct, _ = driftPct.Float64()

	// Dead zone: at or below the threshold the drift is bid-ask noise and
	// the dominant component carries no information.
	if driftPct.Abs().LessThanOrEqual(decimal.NewFromFloat(e.cfg.DeadZonePct)) {
		s.Reason = ReasonDeadZone
		return s
	}

	closes := make([]float64, len(in.Candles))
	for i, c := range in.Candles {
		closes[i], _ = c.Close.Float64()
	}

	s.VolatilityPct = VolatilityPct(closes)
	if s.VolatilityPct < e.cfg.MinVolatilityPct || s.VolatilityPct > e.cfg.MaxVolatilityPct {
		s.Reason = ReasonVol
		return s
	}

	driftFrac, _ := in.Current.Sub(in.Anchor).Div(in.Anchor).Float64()
	vDrift := clamp(driftFrac*DriftScaleK, -1, 1)
	vMomentum := clamp(Momentum(closes, 3)/momentumFullScalePct, -1, 1)

	rsi := RSI(closes, 14)
	vRSI := (rsi - 50) / 50

	_, _, hist := MACD(closes, 12, 26, 9)
	vMACD := 0.0
	if current, _ := in.Current.Float64(); current > 0 {
		vMACD = clamp((hist/current*100)/macdHistFullScalePct, -1, 1)
	}

	ema5 := EMA(closes, 5)
	ema15 := EMA(closes, 15)
	vEMA := 0.0
	if ema15 > 0 {
		vEMA = clamp(((ema5-ema15)/ema15*100)/emaGapFullScalePct, -1, 1)
	}

	s.Components = map[string]float64{
		"price_vs_open": vDrift,
		"momentum":      vMomentum,
		"rsi_14":        vRSI,
		"macd":          vMACD,
		"ema_cross":     vEMA,
	}
	s.Votes = map[string]int{
		"price_vs_open": signOf(vDrift),
		"momentum":      signOf(vMomentum),
		"rsi_14":        signOf(vRSI),
		"macd":          signOf(vMACD),
		"ema_cross":     signOf(vEMA),
	}

	// Agreement filter: when three of the four indicators line up against
	// the drift, the drift is suspect.
	if driftSign := signOf(vDrift); driftSign != 0 {
		opposed := 0
		for _, v := range []float64{vMomentum, vRSI, vMACD, vEMA} {
			if signOf(v) == -driftSign {
				opposed++
			}
		}
		if opposed >= 3 {
			s.Reason = ReasonAgreement
			return s
		}
	}

	s.Score = WeightDrift*vDrift +
		WeightMomentum*vMomentum +
		WeightRSI*vRSI +
		WeightMACD*vMACD +
		WeightEMACross*vEMA

	switch {
	case s.Score > 0:
		s.Direction = DirectionUp
	case s.Score < 0:
		s.Direction = DirectionDown
	default:
		s.Reason = ReasonFlat
		return s
	}

	s.Confidence = clamp(abs(s.Score), 0, 1)
	s.Strength = strengthOf(s.Confidence)

	if in.PayoutRatio > 0 && s.Confidence*in.PayoutRatio-in.FeeEstimate < 0 {
		s.Direction = DirectionHold
		s.Reason = ReasonFee
		return s
	}

	s.Reason = ReasonScore
	return s
}

func strengthOf(confidence float64) Strength {
	switch {
	case confidence >= 0.70:
		return StrengthStrong
	case confidence >= 0.40:
		return StrengthModerate
	}
	return StrengthWeak
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
