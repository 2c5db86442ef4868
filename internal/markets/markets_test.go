package markets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/oraclebot/internal/clob"
	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/signal"
)

// 2025-06-01 12:15:00 UTC, a shared 5m/15m boundary.
const boundaryTS = int64(1748780100)

func eventJSON(slug, conditionID string, priceUp, priceDown string) string {
	outcomePrices, _ := json.Marshal([]string{priceUp, priceDown})
	tokens, _ := json.Marshal([]string{"gamma-up", "gamma-down"})
	event := map[string]interface{}{
		"slug":      slug,
		"title":     "Bitcoin Up or Down?",
		"closed":    false,
		"liquidity": "1500.5",
		"markets": []map[string]interface{}{{
			"conditionId":   conditionID,
			"question":      "Bitcoin Up or Down?",
			"slug":          slug,
			"outcomePrices": string(outcomePrices),
			"clobTokenIds":  string(tokens),
			"volumeNum":     321.5,
			"liquidityNum":  1200.0,
			"endDate":       time.Unix(boundaryTS+900, 0).UTC().Format(time.RFC3339),
		}},
	}
	b, _ := json.Marshal(event)
	return string(b)
}

type fakeTokenSource struct {
	calls int
	info  *clob.MarketInfo
	err   error
}

func (f *fakeTokenSource) Market(string) (*clob.MarketInfo, error) {
	f.calls++
	return f.info, f.err
}

func TestSlugRoundTrip(t *testing.T) {
	t.Parallel()
	slug := Slug(clock.TF15m, boundaryTS)
	assert.Equal(t, "btc-updown-15m-1748780100", slug)

	tf, ts, ok := ParseSlug(slug)
	require.True(t, ok)
	assert.Equal(t, clock.TF15m, tf)
	assert.Equal(t, boundaryTS, ts)

	_, _, ok = ParseSlug("eth-updown-15m-1748780100")
	assert.False(t, ok)
	_, _, ok = ParseSlug("btc-updown-15m-notanumber")
	assert.False(t, ok)
}

func TestBySlugParsesEventAndEnriches(t *testing.T) {
	t.Parallel()
	slug := Slug(clock.TF15m, boundaryTS)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events/slug/"+slug, r.URL.Path)
		fmt.Fprint(w, eventJSON(slug, "0xcond", "0.52", "0.48"))
	}))
	defer srv.Close()

	enricher := &fakeTokenSource{info: &clob.MarketInfo{
		ConditionID:     "0xcond",
		MinimumTickSize: "0.001",
		Tokens: []clob.MarketToken{
			{TokenID: "clob-up", Outcome: "Up"},
			{TokenID: "clob-down", Outcome: "Down"},
		},
	}}
	svc := New(srv.URL, enricher)

	m, err := svc.BySlug(context.Background(), slug)
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, "0xcond", m.ConditionID)
	assert.Equal(t, clock.TF15m, m.Timeframe)
	assert.Equal(t, boundaryTS, m.OpenTS)
	assert.Equal(t, "15m-1748780100", m.WindowID())

	// CLOB token ids win over gamma's.
	assert.Equal(t, "clob-up", m.TokenUp)
	assert.Equal(t, "clob-down", m.TokenDown)
	assert.Equal(t, "0.001", m.TickSize)
	assert.Equal(t, 1, enricher.calls)

	assert.True(t, m.PriceUp.Equal(decimal.NewFromFloat(0.52)))
	assert.True(t, m.PriceDown.Equal(decimal.NewFromFloat(0.48)))
	assert.True(t, m.Liquidity.Equal(decimal.NewFromFloat(1200)))

	assert.Equal(t, "clob-up", m.Token(signal.DirectionUp))
	assert.Equal(t, "clob-down", m.Token(signal.DirectionDown))
	assert.True(t, m.Price(signal.DirectionDown).Equal(decimal.NewFromFloat(0.48)))
}

func TestBySlugMissingEventReturnsNil(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc := New(srv.URL, nil)
	m, err := svc.BySlug(context.Background(), "btc-updown-15m-123")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestEnrichmentFailureKeepsGammaTokens(t *testing.T) {
	t.Parallel()
	slug := Slug(clock.TF15m, boundaryTS)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, eventJSON(slug, "0xcond", "0.52", "0.48"))
	}))
	defer srv.Close()

	svc := New(srv.URL, &fakeTokenSource{err: fmt.Errorf("clob down")})
	m, err := svc.BySlug(context.Background(), slug)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "gamma-up", m.TokenUp)
	assert.Equal(t, "gamma-down", m.TokenDown)
	assert.Equal(t, "0.01", m.TickSize)
}

func TestDiscoverProbesOffsetsAndSorts(t *testing.T) {
	t.Parallel()
	now := time.Unix(boundaryTS+60, 0).UTC() // one minute into the live window

	var (
		mu     sync.Mutex
		probed []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := r.URL.Path[len("/events/slug/"):]
		mu.Lock()
		probed = append(probed, slug)
		mu.Unlock()
		switch slug {
		case Slug(clock.TF15m, boundaryTS):
			fmt.Fprint(w, eventJSON(slug, "0xlive", "0.50", "0.50"))
		case Slug(clock.TF15m, boundaryTS+900):
			fmt.Fprint(w, eventJSON(slug, "0xnext", "0.50", "0.50"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	svc := New(srv.URL, nil)
	svc.now = func() time.Time { return now }

	ms, err := svc.Discover(context.Background(), []clock.Timeframe{clock.TF15m})
	require.NoError(t, err)
	require.Len(t, ms, 2)

	// The -1 offset window is already closed at now, so only the live
	// window and the two upcoming ones get probed.
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, probed, 3)
	for _, slug := range probed {
		_, ts, ok := ParseSlug(slug)
		require.True(t, ok)
		assert.GreaterOrEqual(t, ts, boundaryTS)
	}
}

func TestDiscoverFallsBackToPagination(t *testing.T) {
	t.Parallel()
	slug := Slug(clock.TF15m, boundaryTS)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events" {
			assert.Equal(t, "crypto", r.URL.Query().Get("tag_slug"))
			assert.Equal(t, "false", r.URL.Query().Get("closed"))
			fmt.Fprintf(w, "[%s]", eventJSON(slug, "0xpaged", "0.51", "0.49"))
			return
		}
		w.WriteHeader(http.StatusNotFound) // every slug probe misses
	}))
	defer srv.Close()

	svc := New(srv.URL, nil)
	svc.now = func() time.Time { return time.Unix(boundaryTS+60, 0).UTC() }

	ms, err := svc.Discover(context.Background(), []clock.Timeframe{clock.TF15m})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "0xpaged", ms[0].ConditionID)
}

func TestRefreshPricesUpdatesInPlace(t *testing.T) {
	t.Parallel()
	slug := Slug(clock.TF15m, boundaryTS)
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, eventJSON(slug, "0xcond", "0.61", "0.39"))
	}))
	defer srv.Close()

	svc := New(srv.URL, nil)
	m := &Market{
		Slug:      slug,
		Timeframe: clock.TF15m,
		OpenTS:    boundaryTS,
		TokenUp:   "keep-up",
		PriceUp:   decimal.NewFromFloat(0.50),
	}
	svc.RefreshPrices(context.Background(), []*Market{m})

	assert.Equal(t, 1, hits)
	assert.True(t, m.PriceUp.Equal(decimal.NewFromFloat(0.61)), "price updated")
	assert.Equal(t, "keep-up", m.TokenUp, "tokens untouched")
}

func TestTargetOpenTSFlipsNearBoundary(t *testing.T) {
	t.Parallel()

	// 60s before the boundary: the upcoming window is the target.
	atLead := time.Unix(boundaryTS-60, 0).UTC()
	assert.Equal(t, boundaryTS, TargetOpenTS(atLead, clock.TF15m))

	// Mid-window: the live window is the target.
	mid := time.Unix(boundaryTS-450, 0).UTC()
	assert.Equal(t, boundaryTS-900, TargetOpenTS(mid, clock.TF15m))
}

func TestFilterWindow(t *testing.T) {
	t.Parallel()
	ms := []*Market{
		{Timeframe: clock.TF5m, OpenTS: boundaryTS},
		{Timeframe: clock.TF15m, OpenTS: boundaryTS - 900},
		{Timeframe: clock.TF15m, OpenTS: boundaryTS},
	}

	now := time.Unix(boundaryTS-30, 0).UTC() // inside the flip lead
	got := FilterWindow(ms, clock.TF15m, now)
	require.NotNil(t, got)
	assert.Equal(t, boundaryTS, got.OpenTS)
	assert.Equal(t, clock.TF15m, got.Timeframe)

	assert.Nil(t, FilterWindow(ms, clock.TF1h, now))
}

func TestMarketWindowTiming(t *testing.T) {
	t.Parallel()
	m := &Market{Timeframe: clock.TF15m, OpenTS: boundaryTS}

	assert.Equal(t, time.Unix(boundaryTS+900, 0).UTC(), m.Close())
	now := time.Unix(boundaryTS+800, 0).UTC()
	assert.Equal(t, 100*time.Second, m.Remaining(now))
	assert.Negative(t, m.Remaining(time.Unix(boundaryTS+901, 0).UTC()))
}
