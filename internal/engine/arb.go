package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/clob"
	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/executor"
	"github.com/web3guy0/oraclebot/internal/markets"
	"github.com/web3guy0/oraclebot/internal/risk"
	"github.com/web3guy0/oraclebot/internal/signal"
	"github.com/web3guy0/oraclebot/internal/store"
)

const (
	arbBackoffBase = 2 * time.Second
	arbBackoffMax  = 300 * time.Second
	arbScanLogEach = 30
)

// ArbScanner buys both sides of a window when their asks sum below $1 by
// more than the fees. Legs land in the shared executor, so resolution nets
// the locked edge through the normal sweep.
type ArbScanner struct {
	sv *services

	tfs       []clock.Timeframe
	poll      time.Duration
	threshold decimal.Decimal
	minEdge   float64
	sizeUSD   decimal.Decimal
	cooldown  time.Duration

	mu           sync.Mutex
	running      bool
	cache        []*markets.Market
	lastDiscover time.Time
	coolUntil    map[string]time.Time
	backoffUntil time.Time
	errStreak    int
	scans        int
	fills        int

	stopCh chan struct{}
	done   chan struct{}
}

func newArbScanner(sv *services) *ArbScanner {
	var tfs []clock.Timeframe
	for _, raw := range sv.cfg.Arb.Timeframes {
		tf, err := clock.ParseTimeframe(raw)
		if err != nil {
			log.Warn().Str("timeframe", raw).Msg("⚠️ Unknown arb timeframe, ignored")
			continue
		}
		tfs = append(tfs, tf)
	}
	return &ArbScanner{
		sv:        sv,
		tfs:       tfs,
		poll:      time.Duration(sv.cfg.Arb.PollSecs) * time.Second,
		threshold: decimal.NewFromFloat(sv.cfg.Arb.SumThreshold),
		minEdge:   sv.cfg.Arb.MinEdgePct,
		sizeUSD:   decimal.NewFromFloat(sv.cfg.Arb.SizePerSideUSD),
		cooldown:  sv.cfg.Arb.MarketCooldown,
		coolUntil: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *ArbScanner) Name() string { return risk.BucketArb }

func (s *ArbScanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	log.Info().
		Str("threshold", s.threshold.String()).
		Float64("min_edge_pct", s.minEdge).
		Str("size_per_side", s.sizeUSD.String()).
		Dur("poll", s.poll).
		Msg("📡 Arb scanner started")

	go s.run(ctx)
	return nil
}

func (s *ArbScanner) Stop() {
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

func (s *ArbScanner) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.poll)
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

func (s *ArbScanner) scan(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	cooling := now.Before(s.backoffUntil)
	s.mu.Unlock()
	if cooling {
		return
	}

	ms, err := s.liveMarkets(ctx, now)
	if err != nil {
		s.backoff(err)
		return
	}

	s.mu.Lock()
	s.errStreak = 0
	s.scans++
	n, fills := s.scans, s.fills
	s.mu.Unlock()
	if n%arbScanLogEach == 0 {
		log.Info().Int("scan", n).Int("live", len(ms)).Int("fills", fills).Msg("📡 Arb scan status")
	}

	if ok, reason := s.sv.risk.CanTrade(risk.BucketArb); !ok {
		log.Debug().Str("reason", reason).Msg("Arb gated")
		return
	}

	for _, m := range ms {
		if ctx.Err() != nil {
			return
		}
		s.evaluate(ctx, m, now)
	}
}

// evaluate runs the gate ladder for one market: cooldown, gamma prefilter,
// live book verification, then the fee-aware edge.
func (s *ArbScanner) evaluate(ctx context.Context, m *markets.Market, now time.Time) {
	s.mu.Lock()
	until, cooling := s.coolUntil[m.ConditionID]
	s.mu.Unlock()
	if cooling && now.Before(until) {
		return
	}

	// Cheap prefilter on the gamma quotes before touching the book.
	gammaSum := m.PriceUp.Add(m.PriceDown)
	if gammaSum.IsZero() || gammaSum.GreaterThanOrEqual(s.threshold) {
		return
	}

	askUp, err := s.sv.exec.Ask(m.TokenUp)
	if err != nil || askUp.IsZero() {
		return
	}
	askDown, err := s.sv.exec.Ask(m.TokenDown)
	if err != nil || askDown.IsZero() {
		return
	}
	sum := askUp.Add(askDown)
	if sum.GreaterThanOrEqual(s.threshold) {
		return
	}

	sumF, _ := sum.Float64()
	grossEdge := (1 - sumF) * 100
	fees := s.sv.exec.FeePct(m.TokenUp, askUp) + s.sv.exec.FeePct(m.TokenDown, askDown)
	netEdge := grossEdge - fees
	if netEdge < s.minEdge {
		log.Debug().
			Str("slug", m.Slug).
			Float64("gross_pct", grossEdge).
			Float64("fees_pct", fees).
			Msg("Arb edge eaten by fees")
		return
	}

	// The cooldown starts at the attempt, filled or not.
	s.mu.Lock()
	s.coolUntil[m.ConditionID] = now.Add(s.cooldown)
	s.mu.Unlock()

	s.execute(ctx, m, askUp, askDown, sum, netEdge)
}

func (s *ArbScanner) execute(ctx context.Context, m *markets.Market, askUp, askDown, sum decimal.Decimal, netEdge float64) {
	// Equal shares on both legs lock the payout at shares x $1; the pricier
	// leg costs exactly size_per_side and the other less.
	maxAsk := askUp
	if askDown.GreaterThan(maxAsk) {
		maxAsk = askDown
	}
	shares := s.sizeUSD.Div(maxAsk)
	legUpUSD := shares.Mul(askUp).Round(2)
	legDownUSD := shares.Mul(askDown).Round(2)

	if !s.budgetFor(legUpUSD.Add(legDownUSD)) {
		log.Debug().Str("slug", m.Slug).Msg("Arb daily budget too thin for both legs")
		return
	}

	closeTS := m.Close().Unix()
	legUp, err := s.sv.exec.Buy(ctx, executor.Request{
		WindowID:    m.WindowID(),
		Bucket:      risk.BucketArb,
		ConditionID: m.ConditionID,
		TokenID:     m.TokenUp,
		Direction:   signal.DirectionUp,
		SizeUSD:     legUpUSD,
		Quote:       askUp,
		CloseTS:     closeTS,
	})
	if err != nil {
		s.sv.buyFailed(risk.BucketArb, m.WindowID(), err)
		s.recordFill(m, sum, netEdge, decimal.Zero, "failed")
		return
	}

	legDown, err := s.sv.exec.Buy(ctx, executor.Request{
		WindowID:    m.WindowID(),
		Bucket:      risk.BucketArb,
		ConditionID: m.ConditionID,
		TokenID:     m.TokenDown,
		Direction:   signal.DirectionDown,
		SizeUSD:     legDownUSD,
		Quote:       askDown,
		CloseTS:     closeTS,
	})
	if err != nil {
		s.sv.buyFailed(risk.BucketArb, m.WindowID(), err)
		s.rollback(ctx, m, legUp)
		s.recordFill(m, sum, netEdge, legUp.SizeUSD, "rolled_back")
		return
	}

	filled := legUp.SizeUSD.Add(legDown.SizeUSD)
	s.sv.risk.RecordTrade(risk.BucketArb, filled)
	for _, leg := range []*executor.Trade{legUp, legDown} {
		s.sv.journal.TradeOpened(*leg)
		if err := s.sv.store.SaveTrade(*leg); err != nil {
			log.Error().Err(err).Str("trade", leg.ID).Msg("Trade persist failed")
		}
		if s.sv.dash != nil {
			s.sv.dash.PushTrade(*leg)
		}
	}
	s.recordFill(m, sum, netEdge, filled, "filled")
	s.sv.notify.ArbFilled(m.Slug, sum, netEdge, filled)

	s.mu.Lock()
	s.fills++
	s.mu.Unlock()

	log.Info().
		Str("slug", m.Slug).
		Str("sum", sum.String()).
		Float64("net_edge_pct", netEdge).
		Str("size_usd", filled.String()).
		Msg("💰 Arb pair filled")
}

// rollback unwinds a one-legged fill with a marketable sell of the filled
// leg, accounted against the arb bucket like the entry.
func (s *ArbScanner) rollback(ctx context.Context, m *markets.Market, leg *executor.Trade) {
	price := leg.EntryPrice
	if bid, err := s.sv.exec.Bid(leg.TokenID); err == nil && !bid.IsZero() {
		price = bid
	}
	if _, err := s.sv.exec.Sell(ctx, leg.TokenID, leg.Shares, price, clob.OrderTypeFAK); err != nil {
		log.Warn().Err(err).Str("slug", m.Slug).Msg("⚠️ Arb rollback sell failed, leg stays open")
		s.sv.journal.Error(risk.BucketArb, err)
		return
	}
	s.sv.risk.RecordTrade(risk.BucketArb, leg.SizeUSD)
	log.Warn().
		Str("slug", m.Slug).
		Str("size_usd", leg.SizeUSD.String()).
		Msg("⚠️ One arb leg unfilled, rolled the other back")
}

func (s *ArbScanner) recordFill(m *markets.Market, sum decimal.Decimal, edge float64, sizeUSD decimal.Decimal, status string) {
	s.sv.journal.ArbFill(m.ConditionID, m.Slug, sum, edge, sizeUSD, status)
	if err := s.sv.store.SaveArbFill(store.ArbFillRecord{
		ConditionID: m.ConditionID,
		Slug:        m.Slug,
		SumPrice:    sum,
		EdgePct:     edge,
		SizeUSD:     sizeUSD,
		Status:      status,
	}); err != nil {
		log.Error().Err(err).Str("slug", m.Slug).Msg("Arb fill persist failed")
	}
}

// budgetFor checks the arb bucket has room for both legs today.
func (s *ArbScanner) budgetFor(total decimal.Decimal) bool {
	st, ok := s.sv.risk.Status()[risk.BucketArb]
	if !ok {
		return false
	}
	if st.BudgetUSD.IsZero() {
		return true
	}
	return st.BudgetUSD.Sub(st.UsedToday).GreaterThanOrEqual(total)
}

// liveMarkets refreshes discovery on its cadence, re-quotes the cache in
// between and drops closed windows.
func (s *ArbScanner) liveMarkets(ctx context.Context, now time.Time) ([]*markets.Market, error) {
	s.mu.Lock()
	stale := now.Sub(s.lastDiscover) >= discoverInterval || len(s.cache) == 0
	cached := s.cache
	s.mu.Unlock()

	if stale {
		ms, err := s.sv.markets.Discover(ctx, s.tfs)
		if err != nil {
			return nil, err
		}
		cached = ms
		s.mu.Lock()
		s.lastDiscover = now
		s.mu.Unlock()
	} else {
		s.sv.markets.RefreshPrices(ctx, cached)
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
	return live, nil
}

func (s *ArbScanner) backoff(err error) {
	s.mu.Lock()
	s.errStreak++
	shift := uint(s.errStreak - 1)
	if shift > 8 {
		shift = 8
	}
	d := arbBackoffBase << shift
	if d > arbBackoffMax {
		d = arbBackoffMax
	}
	s.backoffUntil = time.Now().Add(d)
	streak := s.errStreak
	s.mu.Unlock()

	log.Warn().Err(err).Int("streak", streak).Dur("backoff", d).Msg("⚠️ Arb discovery failed, backing off")
	s.sv.journal.Error(risk.BucketArb, err)
}
