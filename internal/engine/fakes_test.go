package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/oraclebot/internal/clob"
	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/config"
	"github.com/web3guy0/oraclebot/internal/executor"
	"github.com/web3guy0/oraclebot/internal/feed"
	"github.com/web3guy0/oraclebot/internal/journal"
	"github.com/web3guy0/oraclebot/internal/markets"
	"github.com/web3guy0/oraclebot/internal/risk"
	"github.com/web3guy0/oraclebot/internal/signal"
)

// testConfig mirrors the documented defaults without touching the env.
func testConfig() *config.Config {
	return &config.Config{
		Bankroll: decimal.NewFromInt(500),
		Strategy: config.StrategyConfig{
			MinConfidence:     0.60,
			DeadZonePct:       0.04,
			MinVolatilityPct:  0.03,
			MaxVolatilityPct:  3.0,
			EntryLeadSecs:     60,
			EntryWindowSecs:   30,
			StrategyDelaySecs: 45,
			EntryLead5mSecs:   55,
			EntryWindow5mSecs: 20,
		},
		Risk: config.RiskConfig{
			KellyFraction:    0.25,
			MinTradeUSD:      1,
			MaxTradeUSD:      25,
			MaxDailyTrades:   20,
			MaxStreak:        5,
			CooldownMins:     60,
			DailyLossCapPct:  25,
			Max5mTradeUSD:    10,
			Max5mDailyTrades: 30,
			Max5mStreak:      4,
			Cooldown5mMins:   30,
			DailyLossCap5m:   15,
		},
		Arb: config.ArbConfig{
			SumThreshold:   0.98,
			MinEdgePct:     1.0,
			SizePerSideUSD: 5,
			PollSecs:       8,
			MaxDailyTrades: 50,
			DailyBudgetUSD: 20,
			MarketCooldown: 120 * time.Second,
			Timeframes:     []string{"5m", "15m", "30m", "1h"},
		},
		Late: config.LateWindowConfig{
			LeadSecs:       150,
			MinRemainSecs:  30,
			MinDriftPct:    0.08,
			BaseConfidence: 0.80,
			MaxConfidence:  0.95,
			DriftScalePct:  0.25,
			MaxEntryPrice:  0.80,
			MaxDailyTrades: 12,
			BudgetPct:      25,
			MaxTradeUSD:    8,
			ScanSecs:       3,
		},
		Maker: config.MakerConfig{
			SpreadBps:       400,
			SizePerSideUSD:  3,
			Levels:          1,
			RefreshSecs:     15,
			MaxImbalanceUSD: 10,
			PullBeforeClose: 60 * time.Second,
			DailyBudgetUSD:  50,
			MaxOpenOrders:   4,
			Timeframes:      []string{"15m", "5m"},
		},
		Hedge: config.HedgeConfig{
			MinConfidence: 0.65,
			ReversalPct:   0.10,
			MaxEntryPrice: 0.60,
			MaxTradeUSD:   10,
			WatchLastSecs: 120,
		},
	}
}

// fakeFeed serves a scripted tick sequence: each Latest pops the next tick
// until one remains, which then sticks. PriceAt answers from the history map.
type fakeFeed struct {
	mu          sync.Mutex
	ticks       []feed.Tick
	err         error
	latestCalls int
	candles     []feed.Candle
	candlesErr  error
	history     map[int64]decimal.Decimal
	subs        []func(feed.Tick)
}

func tickAt(price float64) feed.Tick {
	return feed.Tick{
		Source:      feed.SourceChainlinkRTDS,
		Asset:       "BTCUSD",
		Price:       decimal.NewFromFloat(price),
		TimestampMs: time.Now().UnixMilli(),
	}
}

func (f *fakeFeed) Latest() (feed.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls++
	if f.err != nil {
		return feed.Tick{}, f.err
	}
	switch len(f.ticks) {
	case 0:
		return feed.Tick{}, feed.ErrNoTick
	case 1:
		return f.ticks[0], nil
	default:
		t := f.ticks[0]
		f.ticks = f.ticks[1:]
		return t, nil
	}
}

func (f *fakeFeed) Candles(int) ([]feed.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.candlesErr != nil {
		return nil, f.candlesErr
	}
	return f.candles, nil
}

func (f *fakeFeed) PriceAt(ts time.Time) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.history[ts.Unix()]; ok {
		return p, nil
	}
	return decimal.Zero, feed.ErrNoTick
}

func (f *fakeFeed) Reconciled() (feed.Reconciled, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ticks) == 0 {
		return feed.Reconciled{}, feed.ErrNoTick
	}
	return feed.Reconciled{Price: f.ticks[0].Price}, nil
}

func (f *fakeFeed) Connected() bool { return true }

func (f *fakeFeed) Subscribe(fn func(feed.Tick)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
}

func (f *fakeFeed) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestCalls
}

// upCandles builds a rising close series whose per-candle returns vary enough
// to clear the volatility floor: +0.25% then -0.05%, net up.
func upCandles(n int, base float64) []feed.Candle {
	out := make([]feed.Candle, n)
	price := base
	start := time.Now().Add(-time.Duration(n) * time.Minute).UnixMilli()
	for i := 0; i < n; i++ {
		step := 0.0025
		if i%2 == 1 {
			step = -0.0005
		}
		price *= 1 + step
		d := decimal.NewFromFloat(price)
		out[i] = feed.Candle{
			OpenTime:  start + int64(i)*60_000,
			Open:      d,
			High:      d,
			Low:       d,
			Close:     d,
			Volume:    decimal.NewFromInt(1),
			CloseTime: start + int64(i+1)*60_000 - 1,
		}
	}
	return out
}

type sellCall struct {
	tokenID string
	shares  decimal.Decimal
	price   decimal.Decimal
	typ     clob.OrderType
}

// fakeTrader records every Buy attempt and mints a Trade per success.
// errQueue scripts per-call failures; buyWait simulates a slow venue while
// honoring the order context.
type fakeTrader struct {
	mu       sync.Mutex
	buys     []executor.Request
	trades   []executor.Trade
	errQueue []error
	buyErr   error
	buyWait  time.Duration
	sells    []sellCall
	sellErr  error
	asks     map[string]decimal.Decimal
	bids     map[string]decimal.Decimal
	askCalls int
	feePct   float64
	open     []executor.Trade
	stats    executor.Stats
	seq      int
	allOff   bool
}

func (f *fakeTrader) Buy(ctx context.Context, req executor.Request) (*executor.Trade, error) {
	if f.buyWait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.buyWait):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buys = append(f.buys, req)

	err := f.buyErr
	if len(f.errQueue) > 0 {
		err = f.errQueue[0]
		f.errQueue = f.errQueue[1:]
	}
	if err != nil {
		return nil, err
	}

	price := req.Quote
	if price.IsZero() {
		price = decimal.NewFromFloat(0.5)
	}
	f.seq++
	t := executor.Trade{
		ID:          fmt.Sprintf("t-%d", f.seq),
		WindowID:    req.WindowID,
		Bucket:      req.Bucket,
		ConditionID: req.ConditionID,
		TokenID:     req.TokenID,
		Direction:   req.Direction,
		Shares:      req.SizeUSD.Div(price).Round(2),
		EntryPrice:  price,
		SizeUSD:     req.SizeUSD,
		OrderID:     fmt.Sprintf("0xo%d", f.seq),
		OrderType:   clob.OrderTypeFOK,
		Confidence:  req.Confidence,
		EnteredAt:   time.Now().UTC(),
		Anchor:      req.Anchor,
		CloseTS:     req.CloseTS,
	}
	f.trades = append(f.trades, t)
	return &t, nil
}

func (f *fakeTrader) Sell(_ context.Context, tokenID string, shares, price decimal.Decimal, typ clob.OrderType) (*clob.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sellErr != nil {
		return nil, f.sellErr
	}
	f.sells = append(f.sells, sellCall{tokenID: tokenID, shares: shares, price: price, typ: typ})
	return &clob.OrderResponse{Success: true, OrderID: fmt.Sprintf("0xs%d", len(f.sells))}, nil
}

func (f *fakeTrader) Ask(tokenID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.askCalls++
	if p, ok := f.asks[tokenID]; ok {
		return p, nil
	}
	return decimal.Zero, errors.New("no book")
}

func (f *fakeTrader) Bid(tokenID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.bids[tokenID]; ok {
		return p, nil
	}
	return decimal.Zero, errors.New("no book")
}

func (f *fakeTrader) FeePct(string, decimal.Decimal) float64 { return f.feePct }

func (f *fakeTrader) OpenTrades() []executor.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Trade(nil), f.open...)
}

func (f *fakeTrader) Stats() executor.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeTrader) CancelAllOrders() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allOff = true
	return nil
}

func (f *fakeTrader) buyCalls() []executor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Request(nil), f.buys...)
}

func (f *fakeTrader) sellCalls() []sellCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sellCall(nil), f.sells...)
}

// fakeMarkets answers ForWindow from a keyed map and Discover from a list.
type fakeMarkets struct {
	mu        sync.Mutex
	byWindow  map[string]*markets.Market
	list      []*markets.Market
	err       error
	discovers int
	refreshes int
}

func (f *fakeMarkets) Discover(context.Context, []clock.Timeframe) ([]*markets.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovers++
	if f.err != nil {
		return nil, f.err
	}
	return append([]*markets.Market(nil), f.list...), nil
}

func (f *fakeMarkets) ForWindow(_ context.Context, tf clock.Timeframe, openTS int64) (*markets.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byWindow[fmt.Sprintf("%s-%d", tf, openTS)]; ok {
		return m, nil
	}
	return nil, errors.New("gamma: no market for window")
}

func (f *fakeMarkets) RefreshPrices(context.Context, []*markets.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
}

type quoteParams struct {
	tokenID string
	side    clob.Side
	price   decimal.Decimal
	size    decimal.Decimal
	orderID string
}

// fakeQuoter pairs each SubmitPostOnly with its CreateSignedOrder params and
// assigns sequential order ids.
type fakeQuoter struct {
	mu         sync.Mutex
	mid        decimal.Decimal
	midErr     error
	created    map[*clob.SignedOrder]quoteParams
	posted     []quoteParams
	rejectAll  bool
	openList   []clob.OpenOrder
	openErr    error
	cancels    []string
	mktCancels []string
	seq        int
}

func (f *fakeQuoter) Midpoint(string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.midErr != nil {
		return decimal.Zero, f.midErr
	}
	return f.mid, nil
}

func (f *fakeQuoter) CreateSignedOrder(tokenID string, side clob.Side, price, size decimal.Decimal) (*clob.SignedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created == nil {
		f.created = make(map[*clob.SignedOrder]quoteParams)
	}
	s := &clob.SignedOrder{Order: &clob.CTFOrder{}}
	f.created[s] = quoteParams{tokenID: tokenID, side: side, price: price, size: size}
	return s, nil
}

func (f *fakeQuoter) SubmitPostOnly(signed *clob.SignedOrder, _ clob.OrderType) (*clob.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectAll {
		return &clob.OrderResponse{Success: false, ErrorMsg: "post-only order would cross"}, nil
	}
	f.seq++
	p := f.created[signed]
	p.orderID = fmt.Sprintf("q-%d", f.seq)
	f.posted = append(f.posted, p)
	return &clob.OrderResponse{Success: true, OrderID: p.orderID, Status: "live"}, nil
}

func (f *fakeQuoter) OpenOrders() ([]clob.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return append([]clob.OpenOrder(nil), f.openList...), nil
}

func (f *fakeQuoter) Cancel(orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return nil
}

func (f *fakeQuoter) CancelMarketOrders(conditionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mktCancels = append(f.mktCancels, conditionID)
	return nil
}

func (f *fakeQuoter) postedQuotes() []quoteParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]quoteParams(nil), f.posted...)
}

// testRig bundles the fakes behind a services value, with a real risk
// manager and a real journal in a temp dir. Store, notifier and dashboard
// stay nil: the first two tolerate it, the engines guard the third.
type testRig struct {
	sv      *services
	cfg     *config.Config
	feed    *fakeFeed
	trader  *fakeTrader
	markets *fakeMarkets
	quoter  *fakeQuoter
	risk    *risk.Manager
	journal *journal.Journal
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	cfg := testConfig()

	j, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	ff := &fakeFeed{history: make(map[int64]decimal.Decimal)}
	tr := &fakeTrader{
		asks: make(map[string]decimal.Decimal),
		bids: make(map[string]decimal.Decimal),
	}
	fm := &fakeMarkets{byWindow: make(map[string]*markets.Market)}
	fq := &fakeQuoter{}
	rm := risk.New(cfg)

	return &testRig{
		sv: &services{
			cfg:     cfg,
			feed:    ff,
			signals: signal.NewEngine(cfg.Strategy),
			late:    signal.NewLateEvaluator(cfg.Late),
			risk:    rm,
			markets: fm,
			exec:    tr,
			clob:    fq,
			journal: j,
		},
		cfg:     cfg,
		feed:    ff,
		trader:  tr,
		markets: fm,
		quoter:  fq,
		risk:    rm,
		journal: j,
	}
}

// journalText reads one journal stream back as a string, empty if the stream
// was never written.
func (r *testRig) journalText(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(r.journal.Dir(), name))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		require.NoError(t, err)
	}
	return string(b)
}

func testMarket(tf clock.Timeframe, openTS int64) *markets.Market {
	return &markets.Market{
		ConditionID: fmt.Sprintf("0xcond-%s-%d", tf, openTS),
		Question:    "Bitcoin Up or Down",
		Slug:        markets.Slug(tf, openTS),
		Timeframe:   tf,
		OpenTS:      openTS,
		TokenUp:     fmt.Sprintf("tok-up-%d", openTS),
		TokenDown:   fmt.Sprintf("tok-down-%d", openTS),
		PriceUp:     decimal.NewFromFloat(0.5),
		PriceDown:   decimal.NewFromFloat(0.5),
		Liquidity:   decimal.NewFromInt(10000),
		EndDate:     time.Unix(openTS, 0).UTC().Add(tf.Duration()),
		TickSize:    "0.01",
		FetchedAt:   time.Now().UTC(),
	}
}
