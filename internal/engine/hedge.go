package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/executor"
	"github.com/web3guy0/oraclebot/internal/risk"
	"github.com/web3guy0/oraclebot/internal/signal"
)

const (
	hedgeScanInterval = 5 * time.Second
	hedgeOrderTimeout = 10 * time.Second
)

// Hedger watches open directional positions through their final minutes.
// When drift has reversed hard against a position and the opposite side is
// still cheap, it buys the other token to cap the loss. One hedge per
// window.
type Hedger struct {
	sv *services

	watchLast time.Duration
	reversal  float64
	maxEntry  decimal.Decimal
	maxUSD    decimal.Decimal
	minConf   float64

	mu      sync.Mutex
	running bool
	hedged  map[string]int64 // window id -> close ts

	stopCh chan struct{}
	done   chan struct{}
}

func newHedger(sv *services) *Hedger {
	return &Hedger{
		sv:        sv,
		watchLast: time.Duration(sv.cfg.Hedge.WatchLastSecs) * time.Second,
		reversal:  sv.cfg.Hedge.ReversalPct,
		maxEntry:  decimal.NewFromFloat(sv.cfg.Hedge.MaxEntryPrice),
		maxUSD:    decimal.NewFromFloat(sv.cfg.Hedge.MaxTradeUSD),
		minConf:   sv.cfg.Hedge.MinConfidence,
		hedged:    make(map[string]int64),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (h *Hedger) Name() string { return risk.BucketHedge }

func (h *Hedger) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	log.Info().
		Dur("watch_last", h.watchLast).
		Float64("reversal_pct", h.reversal).
		Str("max_entry", h.maxEntry.String()).
		Str("max_usd", h.maxUSD.String()).
		Msg("🛡️ Hedge engine started")

	go h.run(ctx)
	return nil
}

func (h *Hedger) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()
	close(h.stopCh)
	<-h.done
}

func (h *Hedger) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(hedgeScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.scan(ctx)
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hedger) scan(ctx context.Context) {
	tick, err := h.sv.feed.Latest()
	if err != nil {
		return
	}
	now := time.Now().UTC()
	h.prune(now)

	for _, t := range h.sv.exec.OpenTrades() {
		if ctx.Err() != nil {
			return
		}
		if t.Bucket != risk.Bucket15m && t.Bucket != risk.Bucket5m {
			continue
		}
		remaining := time.Unix(t.CloseTS, 0).Sub(now)
		if remaining <= 0 || remaining > h.watchLast {
			continue
		}
		h.mu.Lock()
		_, already := h.hedged[t.WindowID]
		h.mu.Unlock()
		if already || t.Anchor.IsZero() {
			continue
		}

		driftPct, _ := tick.Price.Sub(t.Anchor).Div(t.Anchor).Mul(decimal.NewFromInt(100)).Float64()
		reversed := (t.Direction == signal.DirectionUp && driftPct <= -h.reversal) ||
			(t.Direction == signal.DirectionDown && driftPct >= h.reversal)
		if !reversed {
			continue
		}

		// The late evaluator doubles as the reversal scorer: same drift
		// math, same confidence curve.
		sig := h.sv.late.Evaluate(t.WindowID, t.Anchor, tick.Price, remaining)
		if sig.Hold() || sig.Direction == t.Direction || sig.Confidence < h.minConf {
			continue
		}

		tf, openTS, err := clock.ParseWindowID(t.WindowID)
		if err != nil {
			continue
		}
		m, err := h.sv.markets.ForWindow(ctx, tf, openTS)
		if err != nil {
			continue
		}
		token := m.Token(sig.Direction)
		ask, err := h.sv.exec.Ask(token)
		if err != nil || ask.IsZero() || ask.GreaterThan(h.maxEntry) {
			continue
		}

		size := hedgeSize(t.SizeUSD, ask, h.maxUSD)
		if size.LessThan(decimal.NewFromInt(1)) {
			continue
		}
		if ok, reason := h.sv.risk.CanTrade(risk.BucketHedge); !ok {
			log.Debug().Str("reason", reason).Msg("Hedge gated")
			return
		}

		octx, cancel := context.WithTimeout(ctx, hedgeOrderTimeout)
		hedge, err := h.sv.exec.Buy(octx, executor.Request{
			WindowID:    t.WindowID,
			Bucket:      risk.BucketHedge,
			ConditionID: m.ConditionID,
			TokenID:     token,
			Direction:   sig.Direction,
			SizeUSD:     size,
			Quote:       ask,
			Anchor:      t.Anchor,
			CloseTS:     t.CloseTS,
			Confidence:  sig.Confidence,
		})
		cancel()
		if err != nil {
			h.sv.buyFailed(risk.BucketHedge, t.WindowID, err)
			continue
		}

		h.mu.Lock()
		h.hedged[t.WindowID] = t.CloseTS
		h.mu.Unlock()
		h.sv.risk.RecordTrade(risk.BucketHedge, hedge.SizeUSD)
		h.sv.recordOpen(*hedge)

		log.Info().
			Str("window", t.WindowID).
			Str("direction", string(sig.Direction)).
			Str("stake", hedge.SizeUSD.String()).
			Float64("drift_pct", driftPct).
			Dur("remaining", remaining).
			Msg("🛡️ Reversal hedge placed")
	}
}

// hedgeSize picks the stake whose payout offsets the original position if
// the reversal completes: size/ask shares paying (1-ask) each, never past
// the bucket cap.
func hedgeSize(originalUSD, ask, capUSD decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if ask.IsZero() || ask.GreaterThanOrEqual(one) {
		return decimal.Zero
	}
	size := originalUSD.Mul(ask).Div(one.Sub(ask)).Round(2)
	if size.GreaterThan(capUSD) {
		return capUSD
	}
	return size
}

func (h *Hedger) prune(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, closeTS := range h.hedged {
		if now.Unix() > closeTS+60 {
			delete(h.hedged, id)
		}
	}
}
