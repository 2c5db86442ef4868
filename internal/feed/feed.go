// Package feed maintains the oracle price picture. A persistent RTDS
// websocket streams the Chainlink resolution prices (primary); Binance REST
// and an on-chain Chainlink read poll on a slow cadence as secondaries so
// oracle lag or manipulation shows up as divergence. Callers always get a
// snapshot and a staleness verdict, never a blocking fetch.
package feed

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/config"
)

// Source identifies where a tick came from. The RTDS Chainlink topic is
// authoritative; everything else is redundancy.
type Source string

const (
	SourceChainlinkRTDS Source = "chainlink_rtds"
	SourceBinanceRTDS   Source = "binance_rtds"
	SourceBinanceREST   Source = "binance_rest"
	SourceChainlinkRPC  Source = "chainlink_rpc"
)

// Tick is one observed price.
type Tick struct {
	Source      Source          `json:"source"`
	Asset       string          `json:"asset"`
	Price       decimal.Decimal `json:"price"`
	TimestampMs int64           `json:"timestamp_ms"`
}

// Age returns how long ago the tick was observed.
func (t Tick) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-t.TimestampMs) * time.Millisecond
}

// Candle is one Binance kline.
type Candle struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

// Reconciled aggregates all fresh sources into one view.
type Reconciled struct {
	Price     decimal.Decimal            `json:"price"`
	SpreadPct float64                    `json:"spread_pct"`
	Sources   map[Source]decimal.Decimal `json:"sources"`
	Diverged  bool                       `json:"diverged"`
}

var (
	// ErrNoTick means no source has delivered a price yet.
	ErrNoTick = errors.New("feed: no tick received yet")
	// ErrStale means the freshest primary tick is older than stale_ms.
	ErrStale = errors.New("feed: tick is stale")
)

// Feed is the shared price source for every lane. Safe for concurrent use.
type Feed struct {
	cfg config.FeedConfig

	rtds      *rtdsClient
	binance   *binanceClient
	chainlink *chainlinkClient

	mu     sync.RWMutex
	latest map[Source]Tick

	bufferMu sync.RWMutex
	buffer   []Tick // primary ticks, ~5 minutes

	subMu sync.RWMutex
	subs  []func(Tick)

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a feed from config. Call Start to begin streaming.
func New(cfg config.Config) *Feed {
	f := &Feed{
		cfg:    cfg.Feed,
		latest: make(map[Source]Tick),
		buffer: make([]Tick, 0, 2048),
		stopCh: make(chan struct{}),
	}
	f.rtds = newRTDSClient(cfg.RTDSWSURL, cfg.Feed, f.handlePrimaryTick)
	f.binance = newBinanceClient(cfg.BinanceAPIURL)
	f.chainlink = newChainlinkClient(cfg.PolygonRPCURL)
	return f
}

// Start launches the primary stream and the secondary pollers.
func (f *Feed) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	// Prime the secondaries once so divergence checks work from the start.
	if tick, err := f.binance.BookTickerMid(); err != nil {
		log.Warn().Err(err).Msg("Initial Binance fetch failed, continuing anyway")
	} else {
		f.storeTick(tick)
	}

	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		f.rtds.run()
	}()
	go func() {
		defer f.wg.Done()
		f.secondaryLoop()
	}()

	log.Info().Str("url", f.rtds.url).Msg("📡 Price feed started")
	return nil
}

// Stop tears down the stream and pollers and waits for them to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopCh)
	f.rtds.stop()
	f.wg.Wait()
}

// Subscribe registers a callback invoked for every primary tick. Callbacks
// run on the stream goroutine and must return quickly.
func (f *Feed) Subscribe(fn func(Tick)) {
	f.subMu.Lock()
	f.subs = append(f.subs, fn)
	f.subMu.Unlock()
}

// Latest returns the freshest primary tick. Returns ErrStale with the tick
// when the last one aged past stale_ms, ErrNoTick when nothing arrived yet.
// The Chainlink topic wins over the relayed Binance topic when both are fresh.
func (f *Feed) Latest() (Tick, error) {
	now := time.Now()
	f.mu.RLock()
	defer f.mu.RUnlock()

	var best Tick
	found := false
	for _, src := range []Source{SourceChainlinkRTDS, SourceBinanceRTDS} {
		t, ok := f.latest[src]
		if !ok {
			continue
		}
		if !f.stale(t, now) {
			return t, nil
		}
		if !found || t.TimestampMs > best.TimestampMs {
			best = t
			found = true
		}
	}
	if !found {
		return Tick{}, ErrNoTick
	}
	return best, ErrStale
}

// Reconciled aggregates every fresh source. Price preference follows the
// resolution chain: RTDS Chainlink, then RTDS Binance, then the median.
// Divergence above the configured threshold is flagged, never acted on here.
func (f *Feed) Reconciled() (Reconciled, error) {
	now := time.Now()
	f.mu.RLock()
	fresh := make(map[Source]Tick)
	for src, t := range f.latest {
		if !f.stale(t, now) {
			fresh[src] = t
		}
	}
	f.mu.RUnlock()

	if len(fresh) == 0 {
		return Reconciled{}, ErrNoTick
	}

	var price decimal.Decimal
	switch {
	case !fresh[SourceChainlinkRTDS].Price.IsZero():
		price = fresh[SourceChainlinkRTDS].Price
	case !fresh[SourceBinanceRTDS].Price.IsZero():
		price = fresh[SourceBinanceRTDS].Price
	default:
		prices := make([]decimal.Decimal, 0, len(fresh))
		for _, t := range fresh {
			prices = append(prices, t.Price)
		}
		price = median(prices)
	}

	lo, hi := price, price
	sources := make(map[Source]decimal.Decimal, len(fresh))
	for src, t := range fresh {
		sources[src] = t.Price
		if t.Price.LessThan(lo) {
			lo = t.Price
		}
		if t.Price.GreaterThan(hi) {
			hi = t.Price
		}
	}

	spread := 0.0
	if len(fresh) > 1 && !price.IsZero() {
		spreadDec := hi.Sub(lo).Div(price).Mul(decimal.NewFromInt(100))
		spread, _ = spreadDec.Float64()
	}

	return Reconciled{
		Price:     price,
		SpreadPct: spread,
		Sources:   sources,
		Diverged:  spread > f.cfg.DivergencePct,
	}, nil
}

// PriceAt returns the primary price at a past instant: the last buffered tick
// at or before ts, falling back to a Binance 1-second kline when the buffer
// cannot answer. Used to settle windows against their close.
func (f *Feed) PriceAt(ts time.Time) (decimal.Decimal, error) {
	target := ts.UnixMilli()

	f.bufferMu.RLock()
	var hit Tick
	found := false
	for _, t := range f.buffer {
		if t.TimestampMs > target {
			break
		}
		hit = t
		found = true
	}
	f.bufferMu.RUnlock()

	// A buffered tick counts only if it lands close enough to ts; windows
	// settle on the oracle print at close, not one from half a minute ago.
	if found && target-hit.TimestampMs <= 15_000 {
		return hit.Price, nil
	}
	return f.binance.PriceAt(ts)
}

// Candles fetches the most recent 1-minute candles, oldest first.
func (f *Feed) Candles(limit int) ([]Candle, error) {
	return f.binance.Klines("BTCUSDT", "1m", limit)
}

// Connected reports whether the primary stream currently holds a connection.
func (f *Feed) Connected() bool {
	return f.rtds.connected()
}

func (f *Feed) stale(t Tick, now time.Time) bool {
	return now.UnixMilli()-t.TimestampMs > f.cfg.StaleMs
}

// handlePrimaryTick runs on the RTDS read goroutine.
func (f *Feed) handlePrimaryTick(t Tick) {
	f.storeTick(t)

	f.bufferMu.Lock()
	f.buffer = append(f.buffer, t)
	cutoff := time.Now().Add(-5 * time.Minute).UnixMilli()
	for len(f.buffer) > 0 && f.buffer[0].TimestampMs < cutoff {
		f.buffer = f.buffer[1:]
	}
	f.bufferMu.Unlock()

	f.subMu.RLock()
	subs := f.subs
	f.subMu.RUnlock()
	for _, fn := range subs {
		fn(t)
	}
}

func (f *Feed) storeTick(t Tick) {
	f.mu.Lock()
	f.latest[t.Source] = t
	f.mu.Unlock()
}

func (f *Feed) secondaryLoop() {
	ticker := time.NewTicker(f.cfg.SecondaryPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if tick, err := f.binance.BookTickerMid(); err != nil {
				log.Debug().Err(err).Msg("Binance secondary fetch failed")
			} else {
				f.storeTick(tick)
			}
			if tick, err := f.chainlink.LatestRoundData(); err != nil {
				log.Debug().Err(err).Msg("Chainlink RPC fetch failed")
			} else {
				f.storeTick(tick)
			}
		case <-f.stopCh:
			return
		}
	}
}

func median(prices []decimal.Decimal) decimal.Decimal {
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	n := len(prices)
	if n%2 == 1 {
		return prices[n/2]
	}
	return prices[n/2-1].Add(prices[n/2]).Div(decimal.NewFromInt(2))
}
