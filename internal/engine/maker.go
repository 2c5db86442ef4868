package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/clob"
	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/markets"
	"github.com/web3guy0/oraclebot/internal/risk"
)

const (
	cancelledKeepMax = 500
	cancelledKeep    = 200
)

var (
	makerMidLow    = decimal.NewFromFloat(0.35)
	makerMidHigh   = decimal.NewFromFloat(0.65)
	makerBandLow   = decimal.NewFromFloat(0.25)
	makerBandHigh  = decimal.NewFromFloat(0.75)
	minQuoteShares = decimal.NewFromInt(5)
)

// Maker posts two-sided post-only bids on the most liquid eligible window
// market. Fills are detected by diffing tracked order ids against the open
// orders, excluding ids we cancelled ourselves.
type Maker struct {
	sv *services

	tfs        []clock.Timeframe
	refresh    time.Duration
	offset     decimal.Decimal // per-level price offset below the mid
	sizeUSD    decimal.Decimal
	levels     int
	maxImb     decimal.Decimal
	pullBefore time.Duration
	maxOpen    int

	mu           sync.Mutex
	running      bool
	day          string
	cache        []*markets.Market
	lastDiscover time.Time
	active       map[string]*makerQuote
	cancelled    map[string]bool
	cancelLog    []string // insertion order so pruning drops the oldest
	yesFills     decimal.Decimal
	noFills      decimal.Decimal

	stopCh chan struct{}
	done   chan struct{}
}

type makerQuote struct {
	orderID     string
	conditionID string
	tokenID     string
	isYes       bool
	price       decimal.Decimal
	shares      decimal.Decimal
	closeTS     int64
}

func newMaker(sv *services) *Maker {
	var tfs []clock.Timeframe
	for _, raw := range sv.cfg.Maker.Timeframes {
		tf, err := clock.ParseTimeframe(raw)
		if err != nil {
			log.Warn().Str("timeframe", raw).Msg("⚠️ Unknown maker timeframe, ignored")
			continue
		}
		tfs = append(tfs, tf)
	}
	return &Maker{
		sv:         sv,
		tfs:        tfs,
		refresh:    time.Duration(sv.cfg.Maker.RefreshSecs) * time.Second,
		offset:     decimal.NewFromInt(int64(sv.cfg.Maker.SpreadBps)).Div(decimal.NewFromInt(2)).Div(decimal.NewFromInt(10000)),
		sizeUSD:    decimal.NewFromFloat(sv.cfg.Maker.SizePerSideUSD),
		levels:     sv.cfg.Maker.Levels,
		maxImb:     decimal.NewFromFloat(sv.cfg.Maker.MaxImbalanceUSD),
		pullBefore: sv.cfg.Maker.PullBeforeClose,
		maxOpen:    sv.cfg.Maker.MaxOpenOrders,
		day:        time.Now().UTC().Format("2006-01-02"),
		active:     make(map[string]*makerQuote),
		cancelled:  make(map[string]bool),
		yesFills:   decimal.Zero,
		noFills:    decimal.Zero,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (mk *Maker) Name() string { return risk.BucketMaker }

func (mk *Maker) Start(ctx context.Context) error {
	mk.mu.Lock()
	if mk.running {
		mk.mu.Unlock()
		return nil
	}
	mk.running = true
	mk.mu.Unlock()

	log.Info().
		Str("offset", mk.offset.String()).
		Str("size_per_side", mk.sizeUSD.String()).
		Int("levels", mk.levels).
		Dur("refresh", mk.refresh).
		Dur("pull_before_close", mk.pullBefore).
		Msg("📘 Market maker started")

	go mk.run(ctx)
	return nil
}

func (mk *Maker) Stop() {
	mk.mu.Lock()
	if !mk.running {
		mk.mu.Unlock()
		return
	}
	mk.running = false
	mk.mu.Unlock()
	close(mk.stopCh)
	<-mk.done
	mk.cancelQuotes()
}

func (mk *Maker) run(ctx context.Context) {
	defer close(mk.done)
	ticker := time.NewTicker(mk.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mk.cycle(ctx)
		case <-mk.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// cycle is one refresh: settle the books, pull what is about to expire,
// re-pick the market and quote it fresh.
func (mk *Maker) cycle(ctx context.Context) {
	mk.resetDay()
	mk.detectFills()

	now := time.Now().UTC()
	mk.pullExpiring(now)

	m := mk.pickMarket(ctx, now)
	if m == nil {
		return
	}
	mk.cancelQuotes()
	mk.post(m)
}

// detectFills treats a tracked order that left the open set, and that we
// did not cancel, as filled for its full quote size.
func (mk *Maker) detectFills() {
	mk.mu.Lock()
	tracked := len(mk.active)
	mk.mu.Unlock()
	if tracked == 0 {
		return
	}

	open, err := mk.sv.clob.OpenOrders()
	if err != nil {
		log.Debug().Err(err).Msg("Open-order poll failed")
		return
	}
	alive := make(map[string]bool, len(open))
	for _, o := range open {
		alive[o.ID] = true
	}

	mk.mu.Lock()
	var filled []*makerQuote
	for id, q := range mk.active {
		if alive[id] || mk.cancelled[id] {
			continue
		}
		filled = append(filled, q)
		delete(mk.active, id)
	}
	for _, q := range filled {
		usd := q.price.Mul(q.shares)
		if q.isYes {
			mk.yesFills = mk.yesFills.Add(usd)
		} else {
			mk.noFills = mk.noFills.Add(usd)
		}
	}
	mk.mu.Unlock()

	for _, q := range filled {
		usd := q.price.Mul(q.shares)
		mk.sv.risk.RecordTrade(risk.BucketMaker, usd)
		log.Info().
			Str("order", q.orderID).
			Bool("yes", q.isYes).
			Str("price", q.price.String()).
			Str("usd", usd.String()).
			Msg("📗 Quote filled")
	}
}

// pullExpiring cancels every quote on markets inside the pull window.
func (mk *Maker) pullExpiring(now time.Time) {
	mk.mu.Lock()
	expiring := make(map[string][]*makerQuote)
	for _, q := range mk.active {
		if time.Unix(q.closeTS, 0).Sub(now) <= mk.pullBefore {
			expiring[q.conditionID] = append(expiring[q.conditionID], q)
		}
	}
	for _, qs := range expiring {
		for _, q := range qs {
			mk.markCancelledLocked(q.orderID)
			delete(mk.active, q.orderID)
		}
	}
	mk.mu.Unlock()

	for cond, qs := range expiring {
		if err := mk.sv.clob.CancelMarketOrders(cond); err != nil {
			log.Warn().Err(err).Str("condition", cond).Msg("⚠️ Quote pull failed")
			continue
		}
		log.Info().Str("condition", cond).Int("quotes", len(qs)).Msg("⏱️ Quotes pulled before close")
	}
}

// cancelQuotes clears every tracked quote ahead of a re-quote. Ids go into
// the cancelled set first so a late cancel is never read as a fill.
func (mk *Maker) cancelQuotes() {
	mk.mu.Lock()
	ids := make([]string, 0, len(mk.active))
	for id := range mk.active {
		ids = append(ids, id)
		mk.markCancelledLocked(id)
	}
	mk.active = make(map[string]*makerQuote)
	mk.mu.Unlock()

	for _, id := range ids {
		if err := mk.sv.clob.Cancel(id); err != nil {
			log.Debug().Err(err).Str("order", id).Msg("Quote cancel failed")
		}
	}
}

// pickMarket returns the most liquid window still outside the pull window.
func (mk *Maker) pickMarket(ctx context.Context, now time.Time) *markets.Market {
	mk.mu.Lock()
	stale := now.Sub(mk.lastDiscover) >= discoverInterval || len(mk.cache) == 0
	cached := mk.cache
	mk.mu.Unlock()

	if stale {
		ms, err := mk.sv.markets.Discover(ctx, mk.tfs)
		if err != nil {
			log.Debug().Err(err).Msg("Maker discovery failed")
		} else {
			cached = ms
			mk.mu.Lock()
			mk.cache = ms
			mk.lastDiscover = now
			mk.mu.Unlock()
		}
	}

	var best *markets.Market
	for _, m := range cached {
		if m.Remaining(now) <= mk.pullBefore {
			continue
		}
		if best == nil || m.Liquidity.GreaterThan(best.Liquidity) {
			best = m
		}
	}
	return best
}

func (mk *Maker) post(m *markets.Market) {
	mid, err := mk.sv.clob.Midpoint(m.TokenUp)
	if err != nil || mid.IsZero() {
		return
	}
	if mid.LessThanOrEqual(makerMidLow) || mid.GreaterThanOrEqual(makerMidHigh) {
		log.Debug().Str("mid", mid.String()).Msg("Mid outside quoting band")
		return
	}
	if ok, reason := mk.sv.risk.CanTrade(risk.BucketMaker); !ok {
		log.Debug().Str("reason", reason).Msg("Maker gated")
		return
	}

	mk.mu.Lock()
	imbalance := mk.yesFills.Sub(mk.noFills)
	openCount := len(mk.active)
	mk.mu.Unlock()

	skipYes := imbalance.GreaterThanOrEqual(mk.maxImb)
	skipNo := imbalance.Neg().GreaterThanOrEqual(mk.maxImb)
	if skipYes || skipNo {
		log.Info().Str("imbalance", imbalance.String()).Msg("⏫ Inventory imbalance, quoting light side only")
	}

	one := decimal.NewFromInt(1)
	closeTS := m.Close().Unix()
	for level := 0; level < mk.levels; level++ {
		off := mk.offset.Mul(decimal.NewFromInt(int64(level + 1)))
		if !skipYes {
			mk.placeQuote(m, m.TokenUp, true, mid.Sub(off), closeTS, &openCount)
		}
		if !skipNo {
			mk.placeQuote(m, m.TokenDown, false, one.Sub(mid).Sub(off), closeTS, &openCount)
		}
	}
}

func (mk *Maker) placeQuote(m *markets.Market, tokenID string, isYes bool, price decimal.Decimal, closeTS int64, openCount *int) {
	if *openCount >= mk.maxOpen {
		return
	}
	price = price.Round(2)
	if price.LessThan(makerBandLow) || price.GreaterThan(makerBandHigh) {
		return
	}
	shares := mk.sizeUSD.Div(price).Round(2)
	if shares.LessThan(minQuoteShares) {
		shares = minQuoteShares
	}

	signed, err := mk.sv.clob.CreateSignedOrder(tokenID, clob.Buy, price, shares)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Quote signing failed")
		return
	}
	resp, err := mk.sv.clob.SubmitPostOnly(signed, clob.OrderTypeGTC)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Quote rejected")
		return
	}
	if !resp.Success || resp.OrderID == "" {
		log.Debug().Str("error", resp.ErrorMsg).Msg("Quote not accepted")
		return
	}

	mk.mu.Lock()
	mk.active[resp.OrderID] = &makerQuote{
		orderID:     resp.OrderID,
		conditionID: m.ConditionID,
		tokenID:     tokenID,
		isYes:       isYes,
		price:       price,
		shares:      shares,
		closeTS:     closeTS,
	}
	mk.mu.Unlock()
	*openCount++

	log.Info().
		Str("order", resp.OrderID).
		Bool("yes", isYes).
		Str("price", price.String()).
		Str("shares", shares.String()).
		Msg("📘 Quote posted")
}

// resetDay clears the fill tallies and the cancelled-id memory at UTC
// midnight. Live quotes stay tracked.
func (mk *Maker) resetDay() {
	today := time.Now().UTC().Format("2006-01-02")
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if today == mk.day {
		return
	}
	mk.day = today
	mk.yesFills = decimal.Zero
	mk.noFills = decimal.Zero
	mk.cancelled = make(map[string]bool)
	mk.cancelLog = nil
	log.Info().Msg("📅 Maker daily reset")
}

// markCancelledLocked remembers an id we cancelled; caller holds mu.
func (mk *Maker) markCancelledLocked(id string) {
	if mk.cancelled[id] {
		return
	}
	mk.cancelled[id] = true
	mk.cancelLog = append(mk.cancelLog, id)
	if len(mk.cancelLog) > cancelledKeepMax {
		cut := len(mk.cancelLog) - cancelledKeep
		for _, old := range mk.cancelLog[:cut] {
			delete(mk.cancelled, old)
		}
		mk.cancelLog = append([]string(nil), mk.cancelLog[cut:]...)
	}
}
