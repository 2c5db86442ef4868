package feed

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/oraclebot/internal/config"
)

func testFeedConfig() config.FeedConfig {
	return config.FeedConfig{
		StaleMs:          30_000,
		DivergencePct:    1.0,
		SecondaryPoll:    2 * time.Second,
		WatchdogInterval: 10 * time.Second,
		SilenceTimeout:   30 * time.Second,
		BackoffInitial:   5 * time.Second,
		BackoffMax:       120 * time.Second,
	}
}

func newTestFeed(binanceURL string) *Feed {
	return New(config.Config{
		Feed:          testFeedConfig(),
		RTDSWSURL:     "ws://127.0.0.1:1", // never dialed in these tests
		BinanceAPIURL: binanceURL,
		PolygonRPCURL: "http://127.0.0.1:1",
	})
}

func tick(src Source, price float64, at time.Time) Tick {
	return Tick{
		Source:      src,
		Asset:       "BTC",
		Price:       decimal.NewFromFloat(price),
		TimestampMs: at.UnixMilli(),
	}
}

func TestLatestPrefersChainlinkTopic(t *testing.T) {
	t.Parallel()

	f := newTestFeed("http://127.0.0.1:1")
	now := time.Now()

	f.storeTick(tick(SourceBinanceRTDS, 60010, now))
	f.storeTick(tick(SourceChainlinkRTDS, 60000, now))

	got, err := f.Latest()
	require.NoError(t, err)
	assert.Equal(t, SourceChainlinkRTDS, got.Source)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(60000)))
}

func TestLatestFallsBackToRelayedBinance(t *testing.T) {
	t.Parallel()

	f := newTestFeed("http://127.0.0.1:1")
	now := time.Now()

	// Chainlink topic aged out, relayed Binance still fresh.
	f.storeTick(tick(SourceChainlinkRTDS, 60000, now.Add(-45*time.Second)))
	f.storeTick(tick(SourceBinanceRTDS, 60010, now))

	got, err := f.Latest()
	require.NoError(t, err)
	assert.Equal(t, SourceBinanceRTDS, got.Source)
}

func TestLatestStaleAndMissing(t *testing.T) {
	t.Parallel()

	f := newTestFeed("http://127.0.0.1:1")

	_, err := f.Latest()
	assert.ErrorIs(t, err, ErrNoTick)

	f.storeTick(tick(SourceChainlinkRTDS, 60000, time.Now().Add(-time.Minute)))
	got, err := f.Latest()
	assert.ErrorIs(t, err, ErrStale)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(60000)), "stale tick still returned for caller judgment")
}

func TestReconciledSpreadAndDivergence(t *testing.T) {
	t.Parallel()

	f := newTestFeed("http://127.0.0.1:1")
	now := time.Now()

	f.storeTick(tick(SourceChainlinkRTDS, 60000, now))
	f.storeTick(tick(SourceBinanceRTDS, 60030, now))
	f.storeTick(tick(SourceBinanceREST, 60060, now))

	rec, err := f.Reconciled()
	require.NoError(t, err)
	assert.True(t, rec.Price.Equal(decimal.NewFromInt(60000)), "chainlink price is authoritative")
	assert.InDelta(t, 0.1, rec.SpreadPct, 0.001)
	assert.False(t, rec.Diverged)
	assert.Len(t, rec.Sources, 3)
}

func TestReconciledFlagsDivergence(t *testing.T) {
	t.Parallel()

	f := newTestFeed("http://127.0.0.1:1")
	now := time.Now()

	// 1.5% apart: flagged, never acted on.
	f.storeTick(tick(SourceChainlinkRTDS, 60000, now))
	f.storeTick(tick(SourceBinanceREST, 60900, now))

	rec, err := f.Reconciled()
	require.NoError(t, err)
	assert.True(t, rec.Diverged)
	assert.Greater(t, rec.SpreadPct, 1.0)
}

func TestReconciledIgnoresStaleSources(t *testing.T) {
	t.Parallel()

	f := newTestFeed("http://127.0.0.1:1")
	now := time.Now()

	f.storeTick(tick(SourceChainlinkRTDS, 60000, now))
	f.storeTick(tick(SourceBinanceREST, 61000, now.Add(-2*time.Minute)))

	rec, err := f.Reconciled()
	require.NoError(t, err)
	assert.Len(t, rec.Sources, 1)
	assert.False(t, rec.Diverged)
}

func TestSubscribeFanout(t *testing.T) {
	t.Parallel()

	f := newTestFeed("http://127.0.0.1:1")

	var got []Tick
	f.Subscribe(func(tk Tick) { got = append(got, tk) })
	f.Subscribe(func(tk Tick) { got = append(got, tk) })

	f.handlePrimaryTick(tick(SourceChainlinkRTDS, 60000, time.Now()))
	assert.Len(t, got, 2)
}

func TestPriceAtUsesBuffer(t *testing.T) {
	t.Parallel()

	f := newTestFeed("http://127.0.0.1:1")
	now := time.Now()

	f.handlePrimaryTick(tick(SourceChainlinkRTDS, 59990, now.Add(-90*time.Second)))
	f.handlePrimaryTick(tick(SourceChainlinkRTDS, 60000, now.Add(-62*time.Second)))
	f.handlePrimaryTick(tick(SourceChainlinkRTDS, 60100, now.Add(-20*time.Second)))

	// Last tick at or before the instant wins.
	price, err := f.PriceAt(now.Add(-60 * time.Second))
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(60000)))
}

func TestPriceAtFallsBackToKline(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "interval=1s")
		w.Write([]byte(`[[1748780100000,"60123.45","60130.00","60120.00","60125.00","1.5",1748780100999]]`))
	}))
	defer srv.Close()

	f := newTestFeed(srv.URL)
	// Buffer holds nothing near the instant, so the 1s kline answers.
	price, err := f.PriceAt(at)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("60123.45")))
}

func TestMedian(t *testing.T) {
	t.Parallel()

	odd := []decimal.Decimal{
		decimal.NewFromInt(3), decimal.NewFromInt(1), decimal.NewFromInt(2),
	}
	assert.True(t, median(odd).Equal(decimal.NewFromInt(2)))

	even := []decimal.Decimal{
		decimal.NewFromInt(4), decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(3),
	}
	assert.True(t, median(even).Equal(decimal.RequireFromString("2.5")))
}
