// Package markets discovers Polymarket BTC up/down windows. Slugs are
// deterministic (btc-updown-{tf}-{open_ts}), so discovery walks a small set
// of candidate timestamps instead of paging the whole events feed, with
// pagination kept as a fallback for slug scheme drift.
package markets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/clob"
	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/signal"
)

const (
	httpTimeout = 5 * time.Second

	// Offsets (in window lengths) around the current boundary that get a
	// slug probe: the previous window, the live one, and the next two.
	offsetFirst = -1
	offsetLast  = 2

	// A wake-up this close to the next boundary targets the upcoming
	// window rather than the dying one.
	windowFlipLead = 90 * time.Second

	paginationPageSize = 100
	paginationMaxPages = 5
)

var slugPattern = regexp.MustCompile(`^btc-updown-(\d+[mh])-(\d+)$`)

// Market is one BTC up/down window with everything the lanes need to trade
// it: real CLOB token ids, latest outcome prices, and the window identity
// parsed from the slug.
type Market struct {
	ConditionID string
	Question    string
	Slug        string
	Timeframe   clock.Timeframe
	OpenTS      int64
	TokenUp     string
	TokenDown   string
	PriceUp     decimal.Decimal
	PriceDown   decimal.Decimal
	Liquidity   decimal.Decimal
	Volume      decimal.Decimal
	EndDate     time.Time
	NegRisk     bool
	TickSize    string
	FetchedAt   time.Time
}

// WindowID is the window identity shared with the lanes.
func (m *Market) WindowID() string {
	return fmt.Sprintf("%s-%d", m.Timeframe, m.OpenTS)
}

// Close returns the window close time derived from the slug.
func (m *Market) Close() time.Time {
	return time.Unix(m.OpenTS+m.Timeframe.Seconds(), 0).UTC()
}

// Remaining returns time until the window closes, negative once closed.
func (m *Market) Remaining(now time.Time) time.Duration {
	return m.Close().Sub(now)
}

// Token returns the outcome token for a trade direction.
func (m *Market) Token(dir signal.Direction) string {
	if dir == signal.DirectionDown {
		return m.TokenDown
	}
	return m.TokenUp
}

// Price returns the quoted price for a trade direction.
func (m *Market) Price(dir signal.Direction) decimal.Decimal {
	if dir == signal.DirectionDown {
		return m.PriceDown
	}
	return m.PriceUp
}

// tokenSource is the slice of the CLOB client enrichment needs.
type tokenSource interface {
	Market(conditionID string) (*clob.MarketInfo, error)
}

// Service fetches markets from the gamma API and enriches them with CLOB
// token metadata. Safe for concurrent use.
type Service struct {
	gammaURL string
	http     *http.Client
	clob     tokenSource
	now      func() time.Time
}

// New builds the discovery service. The CLOB source may be nil in tests;
// markets then keep the gamma token ids.
func New(gammaURL string, clobSource tokenSource) *Service {
	return &Service{
		gammaURL: gammaURL,
		http:     &http.Client{Timeout: httpTimeout},
		clob:     clobSource,
		now:      time.Now,
	}
}

// Slug builds the deterministic market slug for a window.
func Slug(tf clock.Timeframe, openTS int64) string {
	return fmt.Sprintf("btc-updown-%s-%d", tf, openTS)
}

// ParseSlug extracts the timeframe and open timestamp from a market slug.
func ParseSlug(slug string) (clock.Timeframe, int64, bool) {
	m := slugPattern.FindStringSubmatch(slug)
	if m == nil {
		return "", 0, false
	}
	tf, err := clock.ParseTimeframe(m[1])
	if err != nil {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return tf, ts, true
}

// Discover probes the deterministic slugs around now for each timeframe and
// returns every live market found, most liquid first. Falls back to paging
// the crypto events feed when no slug resolves.
func (s *Service) Discover(ctx context.Context, tfs []clock.Timeframe) ([]*Market, error) {
	now := s.now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		markets []*Market
	)
	for _, tf := range tfs {
		floor := clock.FloorBoundary(now, tf).Unix()
		for off := int64(offsetFirst); off <= offsetLast; off++ {
			openTS := floor + off*tf.Seconds()
			if openTS+tf.Seconds() <= now.Unix() {
				continue // already closed
			}
			slug := Slug(tf, openTS)
			wg.Add(1)
			go func() {
				defer wg.Done()
				m, err := s.BySlug(ctx, slug)
				if err != nil {
					log.Debug().Str("slug", slug).Err(err).Msg("Slug probe failed")
					return
				}
				if m == nil {
					return
				}
				mu.Lock()
				markets = append(markets, m)
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	if len(markets) == 0 {
		paged, err := s.discoverViaPagination(ctx, tfs)
		if err != nil {
			return nil, err
		}
		markets = paged
	}

	sort.Slice(markets, func(i, j int) bool {
		return markets[i].Liquidity.GreaterThan(markets[j].Liquidity)
	})
	return markets, nil
}

// ForWindow fetches the market for one exact window. Returns an error when
// the market does not exist yet.
func (s *Service) ForWindow(ctx context.Context, tf clock.Timeframe, openTS int64) (*Market, error) {
	slug := Slug(tf, openTS)
	m, err := s.BySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("no market for %s", slug)
	}
	return m, nil
}

// gammaEvent is the events payload shape. clobTokenIds and outcomePrices
// arrive as JSON encoded strings inside the JSON.
type gammaEvent struct {
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	EndDate   string `json:"endDate"`
	Closed    bool   `json:"closed"`
	Liquidity string `json:"liquidity"`
	Markets   []struct {
		ConditionID   string  `json:"conditionId"`
		Question      string  `json:"question"`
		Slug          string  `json:"slug"`
		Outcomes      string  `json:"outcomes"`
		OutcomePrices string  `json:"outcomePrices"`
		ClobTokenIds  string  `json:"clobTokenIds"`
		VolumeNum     float64 `json:"volumeNum"`
		LiquidityNum  float64 `json:"liquidityNum"`
		EndDate       string  `json:"endDate"`
		NegRisk       bool    `json:"negRisk"`
	} `json:"markets"`
}

// BySlug fetches one event by slug. Returns (nil, nil) when the event does
// not exist, so callers can probe speculative slugs cheaply.
func (s *Service) BySlug(ctx context.Context, slug string) (*Market, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.gammaURL+"/events/slug/"+slug, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gamma fetch %s: %w", slug, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gamma %s status %d: %s", slug, resp.StatusCode, string(body))
	}

	var event gammaEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("parse event %s: %w", slug, err)
	}
	return s.fromEvent(&event)
}

// fromEvent converts a gamma event into a Market, enriching token ids from
// the CLOB when a source is wired.
func (s *Service) fromEvent(event *gammaEvent) (*Market, error) {
	if len(event.Markets) == 0 {
		return nil, nil
	}
	gm := event.Markets[0]
	if gm.OutcomePrices == "" || gm.OutcomePrices == "null" {
		return nil, nil // no liquidity yet
	}

	tf, openTS, ok := ParseSlug(event.Slug)
	if !ok {
		if tf, openTS, ok = ParseSlug(gm.Slug); !ok {
			return nil, fmt.Errorf("unrecognized slug %q", event.Slug)
		}
	}

	var prices, tokens []string
	if err := json.Unmarshal([]byte(gm.OutcomePrices), &prices); err != nil {
		return nil, fmt.Errorf("parse outcomePrices: %w", err)
	}
	if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokens); err != nil {
		return nil, fmt.Errorf("parse clobTokenIds: %w", err)
	}
	if len(prices) < 2 || len(tokens) < 2 {
		return nil, nil
	}

	priceUp, _ := decimal.NewFromString(prices[0])
	priceDown, _ := decimal.NewFromString(prices[1])

	liquidity := decimal.NewFromFloat(gm.LiquidityNum)
	if liquidity.IsZero() && event.Liquidity != "" {
		liquidity, _ = decimal.NewFromString(event.Liquidity)
	}

	m := &Market{
		ConditionID: gm.ConditionID,
		Question:    gm.Question,
		Slug:        event.Slug,
		Timeframe:   tf,
		OpenTS:      openTS,
		TokenUp:     tokens[0],
		TokenDown:   tokens[1],
		PriceUp:     priceUp,
		PriceDown:   priceDown,
		Liquidity:   liquidity,
		Volume:      decimal.NewFromFloat(gm.VolumeNum),
		NegRisk:     gm.NegRisk,
		TickSize:    "0.01",
		FetchedAt:   s.now(),
	}
	if gm.EndDate != "" {
		m.EndDate, _ = time.Parse(time.RFC3339, gm.EndDate)
	} else if event.EndDate != "" {
		m.EndDate, _ = time.Parse(time.RFC3339, event.EndDate)
	}

	s.enrich(m)
	return m, nil
}

// enrich swaps gamma token ids for the CLOB's own, which are the ones order
// submission accepts, and picks up tick size and neg-risk.
func (s *Service) enrich(m *Market) {
	if s.clob == nil {
		return
	}
	info, err := s.clob.Market(m.ConditionID)
	if err != nil {
		log.Debug().Str("condition", m.ConditionID).Err(err).Msg("CLOB enrichment failed, keeping gamma tokens")
		return
	}
	if up, ok := info.Token("Up"); ok {
		m.TokenUp = up.TokenID
	}
	if down, ok := info.Token("Down"); ok {
		m.TokenDown = down.TokenID
	}
	if ts := info.MinimumTickSize.String(); ts != "" && ts != "0" {
		m.TickSize = ts
	}
	m.NegRisk = m.NegRisk || info.NegRisk
}

// RefreshPrices re-reads outcome prices from gamma for markets already
// discovered. Token ids are left alone, so no CLOB round trips.
func (s *Service) RefreshPrices(ctx context.Context, ms []*Market) {
	for _, m := range ms {
		req, err := http.NewRequestWithContext(ctx, "GET", s.gammaURL+"/events/slug/"+m.Slug, nil)
		if err != nil {
			continue
		}
		resp, err := s.http.Do(req)
		if err != nil {
			log.Debug().Str("slug", m.Slug).Err(err).Msg("Price refresh failed")
			continue
		}
		var event gammaEvent
		err = json.NewDecoder(resp.Body).Decode(&event)
		resp.Body.Close()
		if err != nil || len(event.Markets) == 0 {
			continue
		}
		var prices []string
		if json.Unmarshal([]byte(event.Markets[0].OutcomePrices), &prices) == nil && len(prices) >= 2 {
			if up, err := decimal.NewFromString(prices[0]); err == nil {
				m.PriceUp = up
			}
			if down, err := decimal.NewFromString(prices[1]); err == nil {
				m.PriceDown = down
			}
			m.FetchedAt = s.now()
		}
	}
}

// discoverViaPagination walks the crypto events feed looking for BTC up/down
// windows. Slow path, only used when every slug probe misses.
func (s *Service) discoverViaPagination(ctx context.Context, tfs []clock.Timeframe) ([]*Market, error) {
	want := make(map[clock.Timeframe]bool, len(tfs))
	for _, tf := range tfs {
		want[tf] = true
	}

	var markets []*Market
	for page := 0; page < paginationMaxPages; page++ {
		q := url.Values{
			"tag_slug": {"crypto"},
			"closed":   {"false"},
			"limit":    {strconv.Itoa(paginationPageSize)},
			"offset":   {strconv.Itoa(page * paginationPageSize)},
		}
		req, err := http.NewRequestWithContext(ctx, "GET", s.gammaURL+"/events?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gamma pagination: %w", err)
		}
		var events []gammaEvent
		err = json.NewDecoder(resp.Body).Decode(&events)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("parse events page %d: %w", page, err)
		}
		if len(events) == 0 {
			break
		}
		for i := range events {
			tf, _, ok := ParseSlug(events[i].Slug)
			if !ok || !want[tf] || events[i].Closed {
				continue
			}
			m, err := s.fromEvent(&events[i])
			if err != nil || m == nil {
				continue
			}
			markets = append(markets, m)
		}
		if len(events) < paginationPageSize {
			break
		}
	}
	if len(markets) > 0 {
		log.Info().Int("markets", len(markets)).Msg("🔍 Discovery fell back to pagination")
	}
	return markets, nil
}

// TargetOpenTS picks the window a wake-up at now should trade: the upcoming
// window when the boundary is close, otherwise the live one.
func TargetOpenTS(now time.Time, tf clock.Timeframe) int64 {
	next := clock.NextBoundary(now, tf)
	if next.Sub(now) <= windowFlipLead {
		return next.Unix()
	}
	return clock.FloorBoundary(now, tf).Unix()
}

// FilterWindow returns the market matching the target window for the
// timeframe, or nil when none of the candidates covers it.
func FilterWindow(ms []*Market, tf clock.Timeframe, now time.Time) *Market {
	target := TargetOpenTS(now, tf)
	for _, m := range ms {
		if m.Timeframe == tf && m.OpenTS == target {
			return m
		}
	}
	return nil
}
