package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/executor"
	"github.com/web3guy0/oraclebot/internal/markets"
	"github.com/web3guy0/oraclebot/internal/risk"
)

const lateOrderTimeout = 10 * time.Second

// LateScanner hunts for windows in their closing minutes where drift has
// already picked a side. It anchors from the tick buffer, so a window the
// lanes never touched is still tradeable.
type LateScanner struct {
	sv *services

	tfs      []clock.Timeframe
	interval time.Duration
	lead     time.Duration
	minLeft  time.Duration
	maxEntry decimal.Decimal

	mu           sync.Mutex
	running      bool
	cache        []*markets.Market
	lastDiscover time.Time
	traded       map[string]int64 // window id -> close ts, marked on fill only

	stopCh chan struct{}
	done   chan struct{}
}

func newLateScanner(sv *services) *LateScanner {
	// 5m windows belong to the 5m lane when it runs; otherwise the scanner
	// covers them too.
	tfs := []clock.Timeframe{clock.TF15m}
	if !sv.cfg.FiveMinute {
		tfs = append(tfs, clock.TF5m)
	}
	return &LateScanner{
		sv:       sv,
		tfs:      tfs,
		interval: time.Duration(sv.cfg.Late.ScanSecs) * time.Second,
		lead:     time.Duration(sv.cfg.Late.LeadSecs) * time.Second,
		minLeft:  time.Duration(sv.cfg.Late.MinRemainSecs) * time.Second,
		maxEntry: decimal.NewFromFloat(sv.cfg.Late.MaxEntryPrice),
		traded:   make(map[string]int64),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *LateScanner) Name() string { return risk.BucketLate }

func (s *LateScanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	log.Info().
		Dur("scan", s.interval).
		Dur("lead", s.lead).
		Dur("min_remaining", s.minLeft).
		Str("max_entry", s.maxEntry.String()).
		Msg("🔮 Late-window scanner started")

	go s.run(ctx)
	return nil
}

func (s *LateScanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	close(s.stopCh)
	<-s.done
}

func (s *LateScanner) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scan(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *LateScanner) scan(ctx context.Context) {
	now := time.Now().UTC()
	s.prune(now)

	tick, err := s.sv.feed.Latest()
	if err != nil {
		return
	}

	for _, m := range s.liveMarkets(ctx, now) {
		if ctx.Err() != nil {
			return
		}
		remaining := m.Remaining(now)
		if remaining < s.minLeft || remaining > s.lead {
			continue
		}
		id := m.WindowID()
		s.mu.Lock()
		_, already := s.traded[id]
		s.mu.Unlock()
		if already {
			continue
		}

		anchor, err := s.sv.feed.PriceAt(time.Unix(m.OpenTS, 0).UTC())
		if err != nil {
			continue
		}
		sig := s.sv.late.Evaluate(id, anchor, tick.Price, remaining)
		if sig.Hold() {
			continue
		}

		token := m.Token(sig.Direction)
		ask, err := s.sv.exec.Ask(token)
		if err != nil || ask.IsZero() {
			continue
		}
		if ask.GreaterThan(s.maxEntry) {
			log.Debug().Str("window", id).Str("ask", ask.String()).Msg("Late entry too expensive")
			continue
		}

		dec := s.sv.risk.Size(risk.BucketLate, sig.Confidence)
		if !dec.Allowed {
			// Bucket limits apply to every candidate equally, stop the pass.
			log.Debug().Str("reason", dec.Reason).Msg("Late-window risk veto")
			return
		}

		octx, cancel := context.WithTimeout(ctx, lateOrderTimeout)
		trade, err := s.sv.exec.Buy(octx, executor.Request{
			WindowID:    id,
			Bucket:      risk.BucketLate,
			ConditionID: m.ConditionID,
			TokenID:     token,
			Direction:   sig.Direction,
			SizeUSD:     dec.Stake,
			Quote:       ask,
			Anchor:      anchor,
			CloseTS:     m.Close().Unix(),
			Confidence:  sig.Confidence,
		})
		cancel()
		if err != nil {
			s.sv.buyFailed(risk.BucketLate, id, err)
			continue
		}

		s.mu.Lock()
		s.traded[id] = m.Close().Unix()
		s.mu.Unlock()
		s.sv.risk.RecordTrade(risk.BucketLate, trade.SizeUSD)
		s.sv.recordOpen(*trade)

		log.Info().
			Str("window", id).
			Str("direction", string(sig.Direction)).
			Str("stake", trade.SizeUSD.String()).
			Float64("confidence", sig.Confidence).
			Float64("drift_pct", sig.DriftPct).
			Dur("remaining", remaining).
			Msg("🔮 Late-window entry")
	}
}

// liveMarkets refreshes discovery on its cadence and drops closed windows.
func (s *LateScanner) liveMarkets(ctx context.Context, now time.Time) []*markets.Market {
	s.mu.Lock()
	stale := now.Sub(s.lastDiscover) >= discoverInterval || len(s.cache) == 0
	cached := s.cache
	s.mu.Unlock()

	if stale {
		ms, err := s.sv.markets.Discover(ctx, s.tfs)
		if err != nil {
			log.Debug().Err(err).Msg("Late-window discovery failed")
		} else {
			cached = ms
			s.mu.Lock()
			s.lastDiscover = now
			s.mu.Unlock()
		}
	}

	live := make([]*markets.Market, 0, len(cached))
	for _, m := range cached {
		if m.Remaining(now) > 0 {
			live = append(live, m)
		}
	}
	s.mu.Lock()
	s.cache = live
	s.mu.Unlock()
	return live
}

func (s *LateScanner) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, closeTS := range s.traded {
		if now.Unix() > closeTS+60 {
			delete(s.traded, id)
		}
	}
}
