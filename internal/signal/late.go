package signal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/config"
)

// LateEvaluator scores the closing minutes of a window on pure drift. No
// indicators: this close to resolution the anchor gap is the whole story.
type LateEvaluator struct {
	cfg config.LateWindowConfig
}

// NewLateEvaluator builds a late-window evaluator.
func NewLateEvaluator(cfg config.LateWindowConfig) *LateEvaluator {
	return &LateEvaluator{cfg: cfg}
}

// Evaluate maps drift to confidence linearly between the minimum drift and
// the full-conviction point, with a small bonus when under a minute remains.
func (e *LateEvaluator) Evaluate(windowID string, anchor, current decimal.Decimal, remaining time.Duration) Signal {
	s := Signal{
		WindowID:    windowID,
		Direction:   DirectionHold,
		Strength:    StrengthWeak,
		GeneratedAt: time.Now().UTC(),
	}

	if anchor.IsZero() || current.IsZero() {
		s.Reason = ReasonHistory
		return s
	}

	driftPct := current.Sub(anchor).Div(anchor).Mul(decimal.NewFromInt(100))
	s.DriftPct, _ = driftPct.Float64()

	absDrift, _ := driftPct.Abs().Float64()
	if absDrift < e.cfg.MinDriftPct {
		s.Reason = ReasonLateDrift
		return s
	}

	span := e.cfg.DriftScalePct - e.cfg.MinDriftPct
	conf := e.cfg.BaseConfidence
	if span > 0 {
		conf += (absDrift - e.cfg.MinDriftPct) / span * (e.cfg.MaxConfidence - e.cfg.BaseConfidence)
	}
	if remaining < time.Minute {
		conf += 0.02
	}
	conf = clamp(conf, 0, e.cfg.MaxConfidence)

	if driftPct.IsPositive() {
		s.Direction = DirectionUp
	} else {
		s.Direction = DirectionDown
	}
	s.Confidence = conf
	s.Score = conf
	if s.Direction == DirectionDown {
		s.Score = -conf
	}
	s.Strength = strengthOf(conf)
	s.Reason = ReasonScore
	return s
}
