// Package engine wires the trading lanes together: the 15m and 5m
// directional pipelines, the late-window conviction scanner, the two-sided
// arbitrage scanner, the post-only market maker and the reversal hedger.
// Each lane is an Engine with its own goroutine; the App owns their
// lifecycle, routes executor resolutions back to the owning lane, and feeds
// the dashboard from a heartbeat loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/clob"
	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/config"
	"github.com/web3guy0/oraclebot/internal/dashboard"
	"github.com/web3guy0/oraclebot/internal/executor"
	"github.com/web3guy0/oraclebot/internal/feed"
	"github.com/web3guy0/oraclebot/internal/journal"
	"github.com/web3guy0/oraclebot/internal/markets"
	"github.com/web3guy0/oraclebot/internal/notify"
	"github.com/web3guy0/oraclebot/internal/risk"
	"github.com/web3guy0/oraclebot/internal/signal"
	"github.com/web3guy0/oraclebot/internal/store"
)

// Engine is one trading lane. Start launches its goroutine and returns
// immediately; Stop signals it and waits for the loop to exit.
type Engine interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Timing knobs shared by the lanes.
const (
	heartbeatInterval = 2 * time.Second
	shutdownJoin      = 5 * time.Second
	tickPushInterval  = time.Second
	discoverInterval  = 45 * time.Second
	reconcileEvery    = 30 * time.Second
)

// priceSource is the slice of the oracle feed the lanes consume.
type priceSource interface {
	Latest() (feed.Tick, error)
	Candles(limit int) ([]feed.Candle, error)
	PriceAt(ts time.Time) (decimal.Decimal, error)
	Reconciled() (feed.Reconciled, error)
	Connected() bool
	Subscribe(fn func(feed.Tick))
}

// trader is the slice of the order executor the lanes consume.
type trader interface {
	Buy(ctx context.Context, req executor.Request) (*executor.Trade, error)
	Sell(ctx context.Context, tokenID string, shares, price decimal.Decimal, typ clob.OrderType) (*clob.OrderResponse, error)
	Ask(tokenID string) (decimal.Decimal, error)
	Bid(tokenID string) (decimal.Decimal, error)
	FeePct(tokenID string, price decimal.Decimal) float64
	OpenTrades() []executor.Trade
	Stats() executor.Stats
	CancelAllOrders() error
}

// marketSource is the slice of the gamma discovery service the lanes consume.
type marketSource interface {
	Discover(ctx context.Context, tfs []clock.Timeframe) ([]*markets.Market, error)
	ForWindow(ctx context.Context, tf clock.Timeframe, openTS int64) (*markets.Market, error)
	RefreshPrices(ctx context.Context, ms []*markets.Market)
}

// sizer is the slice of the risk manager the lanes consume.
type sizer interface {
	CanTrade(name string) (bool, string)
	Size(name string, confidence float64) risk.Decision
	RecordTrade(name string, size decimal.Decimal)
	RecordWin(name string, pnl decimal.Decimal)
	RecordLoss(name string, pnl decimal.Decimal)
	RecordPush(name string)
	Bankroll() decimal.Decimal
	Status() map[string]risk.BucketStatus
}

// quoter is the slice of the CLOB client the market maker consumes.
type quoter interface {
	Midpoint(tokenID string) (decimal.Decimal, error)
	CreateSignedOrder(tokenID string, side clob.Side, price, size decimal.Decimal) (*clob.SignedOrder, error)
	SubmitPostOnly(signed *clob.SignedOrder, typ clob.OrderType) (*clob.OrderResponse, error)
	OpenOrders() ([]clob.OpenOrder, error)
	Cancel(orderID string) error
	CancelMarketOrders(conditionID string) error
}

// AppContext carries every shared component the lanes depend on. Built once
// in main; nothing in this package reaches for package-level state.
type AppContext struct {
	Cfg      *config.Config
	Feed     *feed.Feed
	Markets  *markets.Service
	Exec     *executor.Executor
	CLOB     *clob.Client
	Risk     *risk.Manager
	Journal  *journal.Journal
	Store    *store.Store
	Dash     *dashboard.Server
	Notifier *notify.Notifier
}

// services is AppContext behind the narrow interfaces, shared by the lanes.
type services struct {
	cfg     *config.Config
	feed    priceSource
	signals *signal.Engine
	late    *signal.LateEvaluator
	risk    sizer
	markets marketSource
	exec    trader
	clob    quoter
	journal *journal.Journal
	store   *store.Store
	dash    *dashboard.Server
	notify  *notify.Notifier
}

// recordOpen fans a verified entry out to the journal, store, notifier and
// dashboard. Every lane that opens positions goes through here.
func (s *services) recordOpen(t executor.Trade) {
	s.journal.TradeOpened(t)
	if err := s.store.SaveTrade(t); err != nil {
		log.Error().Err(err).Str("trade", t.ID).Msg("Trade persist failed")
	}
	s.notify.PositionOpened(t)
	if s.dash != nil {
		s.dash.PushTrade(t)
	}
}

// buyFailed journals a failed entry and escalates phantom fills to the
// operator, since those may have cost real money without a recorded position.
func (s *services) buyFailed(bucket, windowID string, err error) {
	s.journal.Error(bucket, err)
	var phantom *executor.PhantomError
	if errors.As(err, &phantom) {
		s.notify.PhantomFill(windowID, phantom.OrderID)
	}
}

// App owns the selected lanes and the heartbeat. Done is closed when the app
// decides to exit on its own: cycle budget consumed (exit 0) or a runtime
// fatal such as an unwritable journal (exit 2).
type App struct {
	sv      *services
	engines []Engine
	lanes   map[string]*Lane // bucket name -> directional lane, for resolution routing

	cancel  context.CancelFunc
	stopCh  chan struct{}
	hbDone  chan struct{}
	recDone chan struct{}
	doneCh  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	running  bool
	hbOn     bool
	exitCode int
	cycles   int
	lastTick time.Time
}

// NewApp builds the lane set selected by the config flags and registers the
// resolution hook on the executor.
func NewApp(ac AppContext) *App {
	sv := &services{
		cfg:     ac.Cfg,
		feed:    ac.Feed,
		signals: signal.NewEngine(ac.Cfg.Strategy),
		late:    signal.NewLateEvaluator(ac.Cfg.Late),
		risk:    ac.Risk,
		markets: ac.Markets,
		exec:    ac.Exec,
		journal: ac.Journal,
		store:   ac.Store,
		dash:    ac.Dash,
		notify:  ac.Notifier,
	}
	if ac.CLOB != nil {
		sv.clob = ac.CLOB
	}

	a := &App{
		sv:      sv,
		lanes:   make(map[string]*Lane),
		stopCh:  make(chan struct{}),
		hbDone:  make(chan struct{}),
		recDone: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if ac.Cfg.ArbOnly {
		a.engines = append(a.engines, newArbScanner(sv))
	} else {
		lane15 := newLane(sv, clock.TF15m)
		lane15.onCycle = a.onCycle
		a.engines = append(a.engines, lane15)
		a.lanes[lane15.Name()] = lane15

		if ac.Cfg.FiveMinute {
			lane5 := newLane(sv, clock.TF5m)
			a.engines = append(a.engines, lane5)
			a.lanes[lane5.Name()] = lane5
		}
		if ac.Cfg.LateWindow {
			a.engines = append(a.engines, newLateScanner(sv))
		}
		if ac.Cfg.ArbEnabled {
			a.engines = append(a.engines, newArbScanner(sv))
		}
		if ac.Cfg.MakerEnabled && sv.clob != nil {
			a.engines = append(a.engines, newMaker(sv))
		}
		if ac.Cfg.HedgeEnabled {
			a.engines = append(a.engines, newHedger(sv))
		}
	}

	if ac.Exec != nil {
		ac.Exec.OnResolved(a.onResolved)
	}
	return a
}

// Lanes returns the names of the engines the app will run.
func (a *App) Lanes() []string {
	names := make([]string, 0, len(a.engines))
	for _, e := range a.engines {
		names = append(names, e.Name())
	}
	return names
}

// Start launches every engine plus the heartbeat. An engine that refuses to
// start aborts the whole launch.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	for _, e := range a.engines {
		if err := e.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start %s: %w", e.Name(), err)
		}
	}

	if a.sv.dash != nil {
		a.mu.Lock()
		a.hbOn = true
		a.mu.Unlock()
		go a.heartbeatLoop()
		a.sv.feed.Subscribe(a.pushTick)
	}
	go a.reconcileLoop()

	log.Info().Strs("lanes", a.Lanes()).Msg("🚀 All lanes running")
	return nil
}

// Stop cancels the run context, joins the lanes with a bounded wait and
// pulls any resting orders. Safe to call more than once.
func (a *App) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	hbOn := a.hbOn
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	var wg sync.WaitGroup
	for _, e := range a.engines {
		wg.Add(1)
		go func(e Engine) {
			defer wg.Done()
			e.Stop()
		}(e)
	}
	joined := make(chan struct{})
	go func() {
		wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(shutdownJoin):
		log.Warn().Msg("⚠️ Lane join timed out, continuing shutdown")
	}

	close(a.stopCh)
	if hbOn {
		<-a.hbDone
	}
	<-a.recDone

	if err := a.sv.exec.CancelAllOrders(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Cancel-all on shutdown failed")
	}
	a.writePerformance()
	a.finish(0)
}

// Done is closed when the app wants the process to exit.
func (a *App) Done() <-chan struct{} { return a.doneCh }

// ExitCode is valid once Done is closed.
func (a *App) ExitCode() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitCode
}

func (a *App) finish(code int) {
	a.once.Do(func() {
		a.mu.Lock()
		a.exitCode = code
		a.mu.Unlock()
		close(a.doneCh)
	})
}

// onCycle counts completed 15m pipelines against the --cycles budget.
func (a *App) onCycle(n int) {
	a.mu.Lock()
	a.cycles = n
	budget := a.sv.cfg.Cycles
	a.mu.Unlock()

	if budget > 0 && n >= budget {
		log.Info().Int("cycles", n).Msg("📅 Cycle budget consumed, shutting down")
		a.finish(0)
	}
}

// onResolved is the executor's settlement hook: book the P&L into the owning
// bucket, journal and persist the trade, hand the window back to its lane
// and refresh the performance snapshot.
func (a *App) onResolved(t executor.Trade) {
	switch t.Outcome {
	case clock.OutcomeWin:
		a.sv.risk.RecordWin(t.Bucket, t.PnL)
	case clock.OutcomeLoss:
		a.sv.risk.RecordLoss(t.Bucket, t.PnL)
	case clock.OutcomePush:
		a.sv.risk.RecordPush(t.Bucket)
	}

	a.sv.journal.TradeResolved(t)
	if err := a.sv.store.SaveTrade(t); err != nil {
		log.Error().Err(err).Str("trade", t.ID).Msg("Trade persist failed")
	}
	a.sv.notify.PositionResolved(t)
	if a.sv.dash != nil {
		a.sv.dash.PushTrade(t)
	}

	if lane, ok := a.lanes[t.Bucket]; ok {
		lane.ResolveWindow(t.WindowID, t.Outcome)
	}

	a.writePerformance()
}

// writePerformance rewrites performance.json. A write failure here means the
// journal directory is gone or the disk is full, which the taxonomy treats
// as fatal.
func (a *App) writePerformance() {
	if err := a.sv.journal.WritePerformance(a.performance()); err != nil {
		log.Error().Err(err).Msg("Performance snapshot write failed")
		a.finish(2)
	}
}

func (a *App) performance() journal.Performance {
	st := a.sv.exec.Stats()
	a.mu.Lock()
	cycles := a.cycles
	a.mu.Unlock()

	winRate := 0.0
	if st.Wins+st.Losses > 0 {
		winRate = float64(st.Wins) / float64(st.Wins+st.Losses) * 100
	}
	return journal.Performance{
		UpdatedAt:     time.Now().UTC(),
		Bankroll:      a.sv.risk.Bankroll(),
		TotalPnL:      st.RealizedPnL,
		Wins:          st.Wins,
		Losses:        st.Losses,
		Pushes:        st.Pushes,
		Phantoms:      st.Phantoms,
		OpenPositions: st.Open,
		WinRatePct:    winRate,
		Cycles:        cycles,
		Buckets:       a.sv.risk.Status(),
	}
}

// stateStats is the headline block of the dashboard snapshot.
type stateStats struct {
	Bankroll      decimal.Decimal `json:"bankroll"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	Pushes        int             `json:"pushes"`
	Phantoms      int             `json:"phantoms"`
	OpenPositions int             `json:"open_positions"`
	BTCPrice      decimal.Decimal `json:"btc_price"`
	FeedConnected bool            `json:"feed_connected"`
	Cycles        int             `json:"cycles"`
}

// state is the full dashboard snapshot pushed by the heartbeat.
type state struct {
	At         time.Time                    `json:"at"`
	Stats      stateStats                   `json:"stats"`
	OpenTrades []executor.Trade             `json:"open_trades"`
	Buckets    map[string]risk.BucketStatus `json:"buckets"`
}

func (a *App) snapshot() state {
	st := a.sv.exec.Stats()
	a.mu.Lock()
	cycles := a.cycles
	a.mu.Unlock()

	price := decimal.Zero
	if tick, err := a.sv.feed.Latest(); err == nil {
		price = tick.Price
	}
	return state{
		At: time.Now().UTC(),
		Stats: stateStats{
			Bankroll:      a.sv.risk.Bankroll(),
			RealizedPnL:   st.RealizedPnL,
			Wins:          st.Wins,
			Losses:        st.Losses,
			Pushes:        st.Pushes,
			Phantoms:      st.Phantoms,
			OpenPositions: st.Open,
			BTCPrice:      price,
			FeedConnected: a.sv.feed.Connected(),
			Cycles:        cycles,
		},
		OpenTrades: a.sv.exec.OpenTrades(),
		Buckets:    a.sv.risk.Status(),
	}
}

func (a *App) heartbeatLoop() {
	defer close(a.hbDone)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sv.dash.PushState(a.snapshot())
		case <-a.stopCh:
			return
		}
	}
}

// reconcileLoop cross-checks the oracle sources on a timer and journals any
// snapshot where they disagree, so divergence is visible in the audit trail
// even when no window is live.
func (a *App) reconcileLoop() {
	defer close(a.recDone)
	ticker := time.NewTicker(reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r, err := a.sv.feed.Reconciled()
			if err != nil {
				continue
			}
			if r.Diverged {
				log.Warn().
					Float64("spread_pct", r.SpreadPct).
					Str("price", r.Price.String()).
					Msg("⚠️ Oracle sources diverged")
				a.sv.journal.Reconciled(r)
			}
		case <-a.stopCh:
			return
		}
	}
}

// pushTick forwards feed ticks to the dashboard, throttled to one per second.
func (a *App) pushTick(t feed.Tick) {
	a.mu.Lock()
	now := time.Now()
	if now.Sub(a.lastTick) < tickPushInterval {
		a.mu.Unlock()
		return
	}
	a.lastTick = now
	a.mu.Unlock()

	a.sv.dash.PushTick(map[string]interface{}{
		"price":  t.Price,
		"source": t.Source,
	})
}
