// Package executor places and tracks CLOB orders. One instance serves every
// lane: the ladder is FoK first, then a capped GTC retry on thin books, and
// every reported fill is re-verified against the order book before a
// position is recorded. Resolution runs as a background sweep.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/clob"
	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/signal"
)

const (
	defaultFOKTimeout  = 2 * time.Second
	defaultRestingWait = 10 * time.Second
	verifyFirstDelay   = 3 * time.Second
	verifySecondDelay  = 2 * time.Second

	sweepInterval = 30 * time.Second
	// How long after close the CLOB gets to settle before the oracle
	// comparison takes over.
	oracleFallbackGrace = 5 * time.Minute

	// GTC retry headroom over the FoK limit.
	slippagePct = 0.02

	resolvedKeep = 200
)

var (
	minPrice      = decimal.NewFromFloat(0.01)
	maxPrice      = decimal.NewFromFloat(0.99)
	minShares     = decimal.NewFromInt(5)
	autoSellPrice = decimal.NewFromFloat(0.99)

	// ErrPhantom means the CLOB confirmed an order but two status polls
	// found no settled shares. The position is not recorded.
	ErrPhantom = errors.New("executor: phantom fill, no settled shares")
	// ErrUnfilled means the GTC retry rested without matching and was
	// cancelled cleanly.
	ErrUnfilled = errors.New("executor: order unfilled")

	errFOKTimeout = errors.New("executor: fok submit timed out")
)

// PhantomError carries the order ID of a phantom fill so callers can
// point the operator at the exact order on the exchange. It matches
// ErrPhantom under errors.Is.
type PhantomError struct {
	OrderID string
}

func (e *PhantomError) Error() string { return ErrPhantom.Error() + " (order " + e.OrderID + ")" }

func (e *PhantomError) Is(target error) bool { return target == ErrPhantom }

// State is an order's lifecycle phase.
type State string

const (
	StateSubmitted State = "submitted"
	StateMatched   State = "matched"
	StateFilled    State = "filled"
	StatePhantom   State = "phantom"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Order is the audit record of one accepted submission.
type Order struct {
	ID      string          `json:"id"`
	TokenID string          `json:"token_id"`
	Side    clob.Side       `json:"side"`
	Type    clob.OrderType  `json:"type"`
	Price   decimal.Decimal `json:"price"`
	Shares  decimal.Decimal `json:"shares"`
	State   State           `json:"state"`
	At      time.Time       `json:"at"`
}

// Request is everything one buy needs. The caller resolves market and
// direction down to a single token before it reaches the executor.
type Request struct {
	WindowID    string
	Bucket      string
	ConditionID string
	TokenID     string
	Direction   signal.Direction
	SizeUSD     decimal.Decimal
	Quote       decimal.Decimal // last outcome price, used when the book is empty
	Anchor      decimal.Decimal
	CloseTS     int64
	Confidence  float64
}

// Trade is a verified position. Open until the sweep settles it.
type Trade struct {
	ID          string           `json:"id"`
	WindowID    string           `json:"window_id"`
	Bucket      string           `json:"bucket"`
	ConditionID string           `json:"condition_id"`
	TokenID     string           `json:"token_id"`
	Direction   signal.Direction `json:"direction"`
	Shares      decimal.Decimal  `json:"shares"`
	EntryPrice  decimal.Decimal  `json:"entry_price"`
	SizeUSD     decimal.Decimal  `json:"size_usd"`
	OrderID     string           `json:"order_id"`
	OrderType   clob.OrderType   `json:"order_type"`
	Confidence  float64          `json:"confidence"`
	EnteredAt   time.Time        `json:"entered_at"`
	Anchor      decimal.Decimal  `json:"anchor"`
	CloseTS     int64            `json:"close_ts"`
	Outcome     clock.Outcome    `json:"outcome,omitempty"`
	PnL         decimal.Decimal  `json:"pnl"`
	ResolvedAt  time.Time        `json:"resolved_at,omitempty"`
	Redeemed    bool             `json:"redeemed,omitempty"`
}

// Open reports whether the trade still awaits resolution.
func (t *Trade) Open() bool { return t.Outcome == "" }

// Stats is a snapshot of the executor's ledger.
type Stats struct {
	Open        int             `json:"open"`
	Resolved    int             `json:"resolved"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	Pushes      int             `json:"pushes"`
	Phantoms    int             `json:"phantoms"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// clobClient is the slice of the CLOB client the executor exercises.
type clobClient interface {
	CreateSignedOrder(tokenID string, side clob.Side, price, size decimal.Decimal) (*clob.SignedOrder, error)
	Submit(signed *clob.SignedOrder, typ clob.OrderType) (*clob.OrderResponse, error)
	OrderStatus(orderID string) (string, decimal.Decimal, error)
	Cancel(orderID string) error
	BookPrice(tokenID string) (bid, ask decimal.Decimal, err error)
	Market(conditionID string) (*clob.MarketInfo, error)
	CancelAll() error
	Balance() (decimal.Decimal, error)
	FeePctForPrice(tokenID string, price decimal.Decimal) float64
}

// Executor owns order placement and the position ledger.
type Executor struct {
	clob    clobClient
	priceAt func(time.Time) (decimal.Decimal, error) // oracle settle fallback

	mu         sync.Mutex
	open       []*Trade
	resolved   []*Trade
	orders     []Order
	phantoms   int
	onResolved func(Trade)

	fokTimeout   time.Duration
	restingWait  time.Duration
	verifyDelays [2]time.Duration
	now          func() time.Time

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds the executor. priceAt is the oracle lookup used to settle
// windows the CLOB is slow to resolve; nil disables the fallback.
func New(client clobClient, priceAt func(time.Time) (decimal.Decimal, error)) *Executor {
	return &Executor{
		clob:         client,
		priceAt:      priceAt,
		fokTimeout:   defaultFOKTimeout,
		restingWait:  defaultRestingWait,
		verifyDelays: [2]time.Duration{verifyFirstDelay, verifySecondDelay},
		now:          time.Now,
	}
}

// OnResolved registers the callback fired with a copy of each settled trade.
func (e *Executor) OnResolved(fn func(Trade)) {
	e.mu.Lock()
	e.onResolved = fn
	e.mu.Unlock()
}

// Start launches the resolution sweep.
func (e *Executor) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.sweepLoop()
	log.Info().Msg("📋 Order executor started")
}

// Stop halts the sweep. Open orders are the caller's to cancel.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.stopCh:
			return
		}
	}
}

// Buy runs the full ladder for one position: price discovery, FoK, GTC
// retry on a thin book, then fill verification. Returns the recorded trade
// or ErrUnfilled / ErrPhantom.
func (e *Executor) Buy(ctx context.Context, req Request) (*Trade, error) {
	if !req.SizeUSD.IsPositive() {
		return nil, fmt.Errorf("buy %s: size must be positive, got %s", req.WindowID, req.SizeUSD)
	}

	price := req.Quote
	if _, ask, err := e.clob.BookPrice(req.TokenID); err == nil && ask.IsPositive() {
		price = ask
	}
	price = clampPrice(price)
	if !price.IsPositive() {
		return nil, fmt.Errorf("buy %s: no price for token", req.WindowID)
	}

	shares := req.SizeUSD.Div(price).Round(2)
	if shares.LessThan(minShares) {
		shares = minShares // CLOB floor; may nudge the cost above the stake
	}

	log.Info().
		Str("window", req.WindowID).
		Str("direction", string(req.Direction)).
		Str("price", price.String()).
		Str("shares", shares.String()).
		Str("bucket", req.Bucket).
		Msg("💰 Placing order")

	orderID, orderType, fillPrice, err := e.ladder(ctx, req.TokenID, price, shares)
	if err != nil {
		return nil, err
	}

	verified, err := e.verifyFill(ctx, orderID, shares)
	if err != nil {
		if errors.Is(err, ErrPhantom) {
			e.mu.Lock()
			e.phantoms++
			e.mu.Unlock()
			e.setOrderState(orderID, StatePhantom)
			log.Error().Str("window", req.WindowID).Str("order_id", orderID).Msg("👻 Phantom fill, position not recorded")
			return nil, &PhantomError{OrderID: orderID}
		}
		return nil, err
	}
	e.setOrderState(orderID, StateFilled)

	trade := &Trade{
		ID:          tradeID(e.now(), req.Direction),
		WindowID:    req.WindowID,
		Bucket:      req.Bucket,
		ConditionID: req.ConditionID,
		TokenID:     req.TokenID,
		Direction:   req.Direction,
		Shares:      verified,
		EntryPrice:  fillPrice,
		SizeUSD:     verified.Mul(fillPrice),
		OrderID:     orderID,
		OrderType:   orderType,
		Confidence:  req.Confidence,
		EnteredAt:   e.now().UTC(),
		Anchor:      req.Anchor,
		CloseTS:     req.CloseTS,
		PnL:         decimal.Zero,
	}

	e.mu.Lock()
	e.open = append(e.open, trade)
	e.mu.Unlock()

	log.Info().
		Str("trade_id", trade.ID).
		Str("window", trade.WindowID).
		Str("entry", fillPrice.String()).
		Str("size_usd", trade.SizeUSD.String()).
		Msg("✅ Position opened")

	out := *trade
	return &out, nil
}

// ladder submits FoK at the limit, retrying as a capped GTC when the book
// is too thin to fill at once.
func (e *Executor) ladder(ctx context.Context, tokenID string, price, shares decimal.Decimal) (orderID string, typ clob.OrderType, fillPrice decimal.Decimal, err error) {
	signed, err := e.clob.CreateSignedOrder(tokenID, clob.Buy, price, shares)
	if err != nil {
		return "", "", decimal.Zero, fmt.Errorf("sign fok: %w", err)
	}

	resp, err := e.submitWithTimeout(ctx, signed, clob.OrderTypeFOK)
	if err == nil && resp != nil && resp.Success {
		e.recordOrder(resp.OrderID, tokenID, clob.Buy, clob.OrderTypeFOK, price, shares, StateMatched)
		return resp.OrderID, clob.OrderTypeFOK, price, nil
	}
	if !thinBook(resp, err) {
		return "", "", decimal.Zero, rejectErr("fok", resp, err)
	}

	gtcPrice := clampPrice(price.Mul(decimal.NewFromFloat(1 + slippagePct)).Round(2))
	log.Info().
		Str("limit", gtcPrice.String()).
		Msg("📉 Book too thin for FoK, resting a capped GTC")

	signed, err = e.clob.CreateSignedOrder(tokenID, clob.Buy, gtcPrice, shares)
	if err != nil {
		return "", "", decimal.Zero, fmt.Errorf("sign gtc: %w", err)
	}
	resp, err = e.clob.Submit(signed, clob.OrderTypeGTC)
	if err != nil || resp == nil || !resp.Success {
		return "", "", decimal.Zero, rejectErr("gtc", resp, err)
	}
	orderID = resp.OrderID
	e.recordOrder(orderID, tokenID, clob.Buy, clob.OrderTypeGTC, gtcPrice, shares, StateSubmitted)

	if err := clock.Sleep(ctx, e.restingWait); err != nil {
		_ = e.clob.Cancel(orderID)
		e.setOrderState(orderID, StateCancelled)
		return "", "", decimal.Zero, err
	}

	status, matched, serr := e.clob.OrderStatus(orderID)
	if serr == nil && fillStatus(status) && matched.IsPositive() {
		e.setOrderState(orderID, StateMatched)
		return orderID, clob.OrderTypeGTC, gtcPrice, nil
	}
	if cerr := e.clob.Cancel(orderID); cerr == nil {
		log.Info().Str("order_id", orderID).Msg("🚫 GTC rested unfilled, cancelled")
		e.setOrderState(orderID, StateCancelled)
		return "", "", decimal.Zero, ErrUnfilled
	}
	// Cancel refused: the order matched while we were deciding.
	log.Warn().Str("order_id", orderID).Msg("⚠️ Cancel refused, treating order as filled")
	e.setOrderState(orderID, StateMatched)
	return orderID, clob.OrderTypeGTC, gtcPrice, nil
}

// submitWithTimeout bounds the FoK round trip. A response arriving after the
// deadline is logged and abandoned; the ladder moves on to GTC.
func (e *Executor) submitWithTimeout(ctx context.Context, signed *clob.SignedOrder, typ clob.OrderType) (*clob.OrderResponse, error) {
	type result struct {
		resp *clob.OrderResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := e.clob.Submit(signed, typ)
		ch <- result{resp, err}
	}()

	timer := time.NewTimer(e.fokTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-timer.C:
		go func() {
			r := <-ch
			if r.err == nil && r.resp != nil && r.resp.Success {
				log.Warn().Str("order_id", r.resp.OrderID).Msg("⚠️ FoK response landed after timeout")
			}
		}()
		return nil, errFOKTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// verifyFill polls the order until the CLOB reports settled shares. Two
// empty polls after a success response mean the fill never existed.
func (e *Executor) verifyFill(ctx context.Context, orderID string, want decimal.Decimal) (decimal.Decimal, error) {
	for _, delay := range e.verifyDelays {
		if err := clock.Sleep(ctx, delay); err != nil {
			return decimal.Zero, err
		}
		status, matched, err := e.clob.OrderStatus(orderID)
		if err != nil {
			// Can't prove the negative; keep the position rather than
			// dropping a live fill.
			log.Warn().Str("order_id", orderID).Err(err).Msg("⚠️ Fill verification unavailable, assuming filled")
			return want, nil
		}
		if fillStatus(status) && matched.IsPositive() {
			return matched, nil
		}
	}
	return decimal.Zero, ErrPhantom
}

// Sell submits a sell order. Used for the arb rollback and for redeeming
// resolved winners early.
func (e *Executor) Sell(ctx context.Context, tokenID string, shares, price decimal.Decimal, typ clob.OrderType) (*clob.OrderResponse, error) {
	limit := clampPrice(price)
	signed, err := e.clob.CreateSignedOrder(tokenID, clob.Sell, limit, shares)
	if err != nil {
		return nil, fmt.Errorf("sign sell: %w", err)
	}
	resp, err := e.clob.Submit(signed, typ)
	if err != nil {
		return resp, fmt.Errorf("sell rejected: %w", err)
	}
	if resp != nil && resp.Success {
		e.recordOrder(resp.OrderID, tokenID, clob.Sell, typ, limit, shares, StateSubmitted)
	}
	return resp, nil
}

func (e *Executor) recordOrder(id, tokenID string, side clob.Side, typ clob.OrderType, price, shares decimal.Decimal, state State) {
	e.mu.Lock()
	e.orders = append(e.orders, Order{
		ID:      id,
		TokenID: tokenID,
		Side:    side,
		Type:    typ,
		Price:   price,
		Shares:  shares,
		State:   state,
		At:      e.now().UTC(),
	})
	if len(e.orders) > resolvedKeep {
		e.orders = e.orders[len(e.orders)-resolvedKeep:]
	}
	e.mu.Unlock()
}

func (e *Executor) setOrderState(id string, state State) {
	e.mu.Lock()
	for i := len(e.orders) - 1; i >= 0; i-- {
		if e.orders[i].ID == id {
			e.orders[i].State = state
			break
		}
	}
	e.mu.Unlock()
}

// RecentOrders returns copies of the latest order audit records, newest last.
func (e *Executor) RecentOrders(n int) []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.orders) {
		n = len(e.orders)
	}
	return append([]Order(nil), e.orders[len(e.orders)-n:]...)
}

// sweep settles every open trade whose window has closed.
func (e *Executor) sweep() {
	now := e.now().UTC()

	e.mu.Lock()
	due := make([]*Trade, 0, len(e.open))
	for _, t := range e.open {
		if now.Unix() > t.CloseTS {
			due = append(due, t)
		}
	}
	e.mu.Unlock()

	for _, t := range due {
		outcome, ok := e.settle(t, now)
		if !ok {
			continue
		}
		e.finalize(t, outcome, now)
	}
}

// settle determines the outcome: CLOB winner first, oracle comparison once
// the grace period passes.
func (e *Executor) settle(t *Trade, now time.Time) (clock.Outcome, bool) {
	info, err := e.clob.Market(t.ConditionID)
	if err == nil && info != nil {
		for _, tok := range info.Tokens {
			if !tok.Winner {
				continue
			}
			if tok.TokenID == t.TokenID {
				return clock.OutcomeWin, true
			}
			return clock.OutcomeLoss, true
		}
	}

	if e.priceAt == nil || now.Sub(time.Unix(t.CloseTS, 0)) < oracleFallbackGrace {
		return "", false
	}
	settled, perr := e.priceAt(time.Unix(t.CloseTS, 0).UTC())
	if perr != nil {
		log.Debug().Str("trade_id", t.ID).Err(perr).Msg("Oracle settle price unavailable")
		return "", false
	}
	switch cmp := settled.Cmp(t.Anchor); {
	case cmp == 0:
		return clock.OutcomePush, true
	case (cmp > 0) == (t.Direction == signal.DirectionUp):
		return clock.OutcomeWin, true
	default:
		return clock.OutcomeLoss, true
	}
}

func (e *Executor) finalize(t *Trade, outcome clock.Outcome, now time.Time) {
	e.mu.Lock()
	t.Outcome = outcome
	t.ResolvedAt = now
	switch outcome {
	case clock.OutcomeWin:
		t.PnL = t.Shares.Sub(t.SizeUSD) // $1 per share at settlement
	case clock.OutcomeLoss:
		t.PnL = t.SizeUSD.Neg()
	default:
		t.PnL = decimal.Zero
	}
	for i, open := range e.open {
		if open == t {
			e.open = append(e.open[:i], e.open[i+1:]...)
			break
		}
	}
	e.resolved = append(e.resolved, t)
	if len(e.resolved) > resolvedKeep {
		e.resolved = e.resolved[len(e.resolved)-resolvedKeep:]
	}
	cb := e.onResolved
	snapshot := *t
	e.mu.Unlock()

	log.Info().
		Str("trade_id", snapshot.ID).
		Str("window", snapshot.WindowID).
		Str("outcome", string(outcome)).
		Str("pnl", snapshot.PnL.String()).
		Msg("📅 Window resolved")

	if outcome == clock.OutcomeWin && e.redeemWinner(snapshot) {
		e.mu.Lock()
		t.Redeemed = true
		e.mu.Unlock()
		snapshot.Redeemed = true
	}
	if cb != nil {
		cb(snapshot)
	}
}

// redeemWinner sells a settled winner at 0.99 instead of waiting for the
// on-chain redemption.
func (e *Executor) redeemWinner(t Trade) bool {
	resp, err := e.Sell(context.Background(), t.TokenID, t.Shares, autoSellPrice, clob.OrderTypeGTC)
	if err != nil || resp == nil || !resp.Success {
		log.Warn().Str("trade_id", t.ID).Err(err).Msg("⚠️ Winner auto-sell failed, awaiting redemption")
		return false
	}
	log.Info().Str("trade_id", t.ID).Str("shares", t.Shares.String()).Msg("💵 Winner sold at 0.99")
	return true
}

// OpenTrades returns copies of every unresolved position.
func (e *Executor) OpenTrades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trade, 0, len(e.open))
	for _, t := range e.open {
		out = append(out, *t)
	}
	return out
}

// RecentResolved returns copies of the latest settled positions, newest last.
func (e *Executor) RecentResolved(n int) []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.resolved) {
		n = len(e.resolved)
	}
	out := make([]Trade, 0, n)
	for _, t := range e.resolved[len(e.resolved)-n:] {
		out = append(out, *t)
	}
	return out
}

// Stats snapshots the ledger.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Open:        len(e.open),
		Resolved:    len(e.resolved),
		Phantoms:    e.phantoms,
		RealizedPnL: decimal.Zero,
	}
	for _, t := range e.resolved {
		switch t.Outcome {
		case clock.OutcomeWin:
			s.Wins++
		case clock.OutcomeLoss:
			s.Losses++
		case clock.OutcomePush:
			s.Pushes++
		}
		s.RealizedPnL = s.RealizedPnL.Add(t.PnL)
	}
	return s
}

// Balance reads the funder's available USDC.
func (e *Executor) Balance() (decimal.Decimal, error) {
	return e.clob.Balance()
}

// FeePct estimates the taker fee percent for a fill at the given price.
func (e *Executor) FeePct(tokenID string, price decimal.Decimal) float64 {
	return e.clob.FeePctForPrice(tokenID, price)
}

// Ask returns the current best ask for a token.
func (e *Executor) Ask(tokenID string) (decimal.Decimal, error) {
	_, ask, err := e.clob.BookPrice(tokenID)
	return ask, err
}

// Bid returns the current best bid for a token.
func (e *Executor) Bid(tokenID string) (decimal.Decimal, error) {
	bid, _, err := e.clob.BookPrice(tokenID)
	return bid, err
}

// CancelAllOrders pulls every resting order. Called on shutdown.
func (e *Executor) CancelAllOrders() error {
	return e.clob.CancelAll()
}

func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.GreaterThan(maxPrice) {
		return maxPrice
	}
	if p.LessThan(minPrice) && p.IsPositive() {
		return minPrice
	}
	return p
}

func fillStatus(s string) bool {
	switch strings.ToLower(s) {
	case "matched", "filled":
		return true
	}
	return false
}

// thinBook recognizes the CLOB's FoK liquidity reject, and treats a timed
// out FoK the same way.
func thinBook(resp *clob.OrderResponse, err error) bool {
	if errors.Is(err, errFOKTimeout) {
		return true
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if resp != nil && resp.ErrorMsg != "" {
		msg += " " + resp.ErrorMsg
	}
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "fully filled or killed") ||
		strings.Contains(msg, "couldn't be fully filled")
}

func tradeID(now time.Time, dir signal.Direction) string {
	initial := "U"
	if dir == signal.DirectionDown {
		initial = "D"
	}
	return fmt.Sprintf("T-%d-%s", now.UnixMilli(), initial)
}

func rejectErr(stage string, resp *clob.OrderResponse, err error) error {
	if err != nil {
		return fmt.Errorf("%s rejected: %w", stage, err)
	}
	if resp != nil && resp.ErrorMsg != "" {
		return fmt.Errorf("%s rejected: %s", stage, resp.ErrorMsg)
	}
	return fmt.Errorf("%s rejected", stage)
}
