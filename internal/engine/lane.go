package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/executor"
	"github.com/web3guy0/oraclebot/internal/feed"
	"github.com/web3guy0/oraclebot/internal/risk"
	"github.com/web3guy0/oraclebot/internal/signal"
	"github.com/web3guy0/oraclebot/internal/store"
)

const (
	candleHistory  = 100
	anchorDeadline = 2 * time.Second
	anchorRetry    = 250 * time.Millisecond
)

// Lane runs one directional pipeline: wake before each boundary, capture the
// anchor, let drift accumulate, evaluate, size and submit. The 5m lane
// yields boundaries it shares with the 15m lane so the two never trade the
// same opening.
type Lane struct {
	sv *services

	tf          clock.Timeframe
	bucket      string
	lead        time.Duration
	entryWindow time.Duration
	delay       time.Duration
	yield15m    bool

	anchorDeadline time.Duration
	anchorRetry    time.Duration

	// onCycle is invoked with the running pipeline count after every window.
	onCycle func(n int)

	mu         sync.Mutex
	running    bool
	cycleCount int
	ordered    map[string]*orderedWindow

	lastOpenTS int64

	stopCh chan struct{}
	done   chan struct{}
}

// orderedWindow keeps the window and its winning signal around until the
// executor sweep reports the outcome.
type orderedWindow struct {
	w   *clock.Window
	sig signal.Signal
}

func newLane(sv *services, tf clock.Timeframe) *Lane {
	l := &Lane{
		sv:             sv,
		tf:             tf,
		bucket:         risk.Bucket15m,
		lead:           time.Duration(sv.cfg.Strategy.EntryLeadSecs) * time.Second,
		entryWindow:    time.Duration(sv.cfg.Strategy.EntryWindowSecs) * time.Second,
		delay:          time.Duration(sv.cfg.Strategy.StrategyDelaySecs) * time.Second,
		anchorDeadline: anchorDeadline,
		anchorRetry:    anchorRetry,
		ordered:        make(map[string]*orderedWindow),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	if tf == clock.TF5m {
		l.bucket = risk.Bucket5m
		l.lead = time.Duration(sv.cfg.Strategy.EntryLead5mSecs) * time.Second
		l.entryWindow = time.Duration(sv.cfg.Strategy.EntryWindow5mSecs) * time.Second
		l.yield15m = true
	}
	return l
}

// Name is the lane's risk bucket, which doubles as its identity everywhere.
func (l *Lane) Name() string { return l.bucket }

func (l *Lane) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	log.Info().
		Str("timeframe", string(l.tf)).
		Dur("entry_lead", l.lead).
		Dur("entry_window", l.entryWindow).
		Dur("strategy_delay", l.delay).
		Msg("💰 Directional lane started")

	go l.run(ctx)
	return nil
}

func (l *Lane) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()
	close(l.stopCh)
	<-l.done
}

// run wakes entry_lead before each upcoming boundary and feeds it through
// the pipeline. lastOpenTS only moves forward, so no opening is ever
// processed twice even when a pipeline returns before its boundary.
func (l *Lane) run(ctx context.Context) {
	defer close(l.done)
	for {
		open := l.nextOpen(time.Now().UTC())
		if err := clock.SleepUntil(ctx, open.Add(-l.lead)); err != nil {
			return
		}
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		l.lastOpenTS = open.Unix()
		l.runWindow(ctx, open.Unix())

		l.mu.Lock()
		l.cycleCount++
		n := l.cycleCount
		cb := l.onCycle
		l.mu.Unlock()
		if cb != nil {
			cb(n)
		}
	}
}

// nextOpen picks the first boundary after now that this lane has not already
// owned. Waking a hair early must not run the same window twice.
func (l *Lane) nextOpen(now time.Time) time.Time {
	open := clock.NextBoundary(now, l.tf)
	if open.Unix() <= l.lastOpenTS {
		open = open.Add(l.tf.Duration())
	}
	return open
}

// runWindow is one full pipeline for the window opening at openTS.
func (l *Lane) runWindow(ctx context.Context, openTS int64) {
	w := clock.NewWindow(l.tf, openTS)

	if l.yield15m && clock.SharedWith15m(openTS) {
		log.Debug().Str("window", w.ID()).Msg("Skipping shared boundary, 15m lane owns it")
		l.skip(w, nil, clock.SkipOverlap)
		return
	}

	tick, err := l.captureAnchor(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("window", w.ID()).Msg("⚠️ No anchor tick, skipping window")
		l.skip(w, nil, clock.SkipNoAnchor)
		return
	}
	if err := w.SetAnchor(tick.Price, tick.TimestampMs); err != nil {
		return
	}
	l.sv.journal.Anchor(w.ID(), tick.Price, tick.Source)
	log.Info().
		Str("window", w.ID()).
		Str("anchor", tick.Price.String()).
		Str("source", string(tick.Source)).
		Msg("📌 Window anchor captured")

	// Let drift accumulate before reading the tape.
	if err := clock.Sleep(ctx, l.delay); err != nil {
		return
	}

	current, err := l.sv.feed.Latest()
	if err != nil {
		l.skip(w, nil, clock.SkipData)
		return
	}
	candles, err := l.sv.feed.Candles(candleHistory)
	if err != nil {
		l.skip(w, nil, clock.SkipData)
		return
	}
	market, err := l.sv.markets.ForWindow(ctx, l.tf, openTS)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.sv.journal.Error(l.bucket, err)
		l.skip(w, nil, clock.SkipData)
		return
	}

	// Payout and fee are estimated on the side the drift currently leans to.
	lean := signal.DirectionUp
	if current.Price.LessThan(w.Anchor) {
		lean = signal.DirectionDown
	}
	quote := market.Price(lean)
	payout := 0.0
	if q, _ := quote.Float64(); q > 0 && q < 1 {
		payout = (1 - q) / q
	}
	fee := l.sv.exec.FeePct(market.Token(lean), quote) / 100

	sig := l.sv.signals.Evaluate(signal.Input{
		WindowID:    w.ID(),
		Anchor:      w.Anchor,
		Current:     current.Price,
		Candles:     candles,
		PayoutRatio: payout,
		FeeEstimate: fee,
	})
	l.sv.journal.Signal(sig)
	_ = w.MarkEvaluated()

	if !l.tradeable(sig) {
		log.Info().
			Str("window", w.ID()).
			Str("reason", sig.Reason).
			Float64("confidence", sig.Confidence).
			Msg("📊 No trade this window")
		l.skip(w, &sig, clock.SkipSignal)
		return
	}

	dec := l.sv.risk.Size(l.bucket, sig.Confidence)
	if !dec.Allowed {
		log.Info().Str("window", w.ID()).Str("reason", dec.Reason).Msg("🚫 Risk veto")
		l.skip(w, &sig, clock.SkipRisk)
		return
	}

	octx, cancel := context.WithTimeout(ctx, l.entryWindow)
	defer cancel()
	trade, err := l.sv.exec.Buy(octx, executor.Request{
		WindowID:    w.ID(),
		Bucket:      l.bucket,
		ConditionID: market.ConditionID,
		TokenID:     market.Token(sig.Direction),
		Direction:   sig.Direction,
		SizeUSD:     dec.Stake,
		Quote:       market.Price(sig.Direction),
		Anchor:      w.Anchor,
		CloseTS:     w.CloseTS,
		Confidence:  sig.Confidence,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.sv.buyFailed(l.bucket, w.ID(), err)
		if octx.Err() != nil {
			l.skip(w, &sig, clock.SkipEntryWindow)
		} else {
			l.skip(w, &sig, clock.SkipExecution)
		}
		return
	}

	_ = w.MarkOrdered()
	l.sv.risk.RecordTrade(l.bucket, trade.SizeUSD)
	l.sv.recordOpen(*trade)

	l.mu.Lock()
	l.ordered[w.ID()] = &orderedWindow{w: w, sig: sig}
	l.mu.Unlock()
	l.saveWindow(w, &sig, decimal.Zero)

	log.Info().
		Str("window", w.ID()).
		Str("direction", string(sig.Direction)).
		Str("stake", trade.SizeUSD.String()).
		Float64("confidence", sig.Confidence).
		Msg("✅ Position opened")
}

// ResolveWindow closes the loop when the executor settles the window's
// trade. Called from the app's resolution hook.
func (l *Lane) ResolveWindow(windowID string, outcome clock.Outcome) {
	l.mu.Lock()
	ow := l.ordered[windowID]
	delete(l.ordered, windowID)
	l.mu.Unlock()
	if ow == nil {
		return
	}
	if err := ow.w.Resolve(outcome, time.Now().UTC()); err != nil {
		return
	}
	settled := decimal.Zero
	if p, err := l.sv.feed.PriceAt(ow.w.Close()); err == nil {
		settled = p
	}
	l.saveWindow(ow.w, &ow.sig, settled)
	log.Info().Str("window", windowID).Str("outcome", string(outcome)).Msg("📅 Window resolved")
}

// tradeable reports whether a signal clears the confidence floor. The floor
// itself does not trade: 0.60 exactly stays out, 0.6001 goes in.
func (l *Lane) tradeable(sig signal.Signal) bool {
	return !sig.Hold() && sig.Confidence > l.sv.cfg.Strategy.MinConfidence
}

// captureAnchor polls the feed for a fresh tick until the anchor deadline.
func (l *Lane) captureAnchor(ctx context.Context) (feed.Tick, error) {
	deadline := time.Now().Add(l.anchorDeadline)
	for {
		tick, err := l.sv.feed.Latest()
		if err == nil {
			return tick, nil
		}
		if time.Now().After(deadline) {
			return feed.Tick{}, err
		}
		if err := clock.Sleep(ctx, l.anchorRetry); err != nil {
			return feed.Tick{}, err
		}
	}
}

func (l *Lane) skip(w *clock.Window, sig *signal.Signal, reason clock.SkipReason) {
	_ = w.MarkSkipped(reason)
	l.sv.journal.Skip(w.ID(), reason)
	l.saveWindow(w, sig, decimal.Zero)
}

func (l *Lane) saveWindow(w *clock.Window, sig *signal.Signal, settled decimal.Decimal) {
	rec := store.WindowRecord{
		WindowID:     w.ID(),
		Timeframe:    string(w.Timeframe),
		OpenTS:       w.OpenTS,
		CloseTS:      w.CloseTS,
		SkipReason:   string(w.Skip),
		Anchor:       w.Anchor,
		SettledPrice: settled,
		Outcome:      string(w.Outcome),
	}
	if sig != nil {
		rec.Direction = string(sig.Direction)
		rec.Confidence = sig.Confidence
		rec.DriftPct = sig.DriftPct
	}
	if err := l.sv.store.SaveWindow(rec); err != nil {
		log.Error().Err(err).Str("window", w.ID()).Msg("Window persist failed")
	}
}
