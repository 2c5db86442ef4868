package feed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// binanceClient covers the REST surface the feed needs: the book-ticker mid
// as a secondary price, 1-minute klines for indicators, and 1-second klines
// to read a price at an exact past instant.
type binanceClient struct {
	baseURL string
	http    *http.Client
}

func newBinanceClient(baseURL string) *binanceClient {
	return &binanceClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 3 * time.Second},
	}
}

// BookTickerMid returns the BTCUSDT bid/ask midpoint.
func (c *binanceClient) BookTickerMid() (Tick, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/bookTicker?symbol=BTCUSDT", c.baseURL)

	resp, err := c.http.Get(url)
	if err != nil {
		return Tick{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Tick{}, fmt.Errorf("binance bookTicker status %d", resp.StatusCode)
	}

	var raw struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Tick{}, err
	}

	bid, err := decimal.NewFromString(raw.BidPrice)
	if err != nil {
		return Tick{}, fmt.Errorf("parse bid: %w", err)
	}
	ask, err := decimal.NewFromString(raw.AskPrice)
	if err != nil {
		return Tick{}, fmt.Errorf("parse ask: %w", err)
	}

	return Tick{
		Source:      SourceBinanceREST,
		Asset:       "BTC",
		Price:       bid.Add(ask).Div(decimal.NewFromInt(2)),
		TimestampMs: time.Now().UnixMilli(),
	}, nil
}

// Klines fetches historical candles, oldest first.
func (c *binanceClient) Klines(symbol, interval string, limit int) ([]Candle, error) {
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d",
		c.baseURL, symbol, interval, limit)

	resp, err := c.http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance klines status %d", resp.StatusCode)
	}

	var raw [][]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		openTime, _ := k[0].(float64)
		closeTime, _ := k[6].(float64)
		candle := Candle{
			OpenTime:  int64(openTime),
			CloseTime: int64(closeTime),
		}
		if s, ok := k[1].(string); ok {
			candle.Open, _ = decimal.NewFromString(s)
		}
		if s, ok := k[2].(string); ok {
			candle.High, _ = decimal.NewFromString(s)
		}
		if s, ok := k[3].(string); ok {
			candle.Low, _ = decimal.NewFromString(s)
		}
		if s, ok := k[4].(string); ok {
			candle.Close, _ = decimal.NewFromString(s)
		}
		if s, ok := k[5].(string); ok {
			candle.Volume, _ = decimal.NewFromString(s)
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// PriceAt reads the open of the 1-second candle at t.
func (c *binanceClient) PriceAt(t time.Time) (decimal.Decimal, error) {
	startMs := t.Unix() * 1000
	url := fmt.Sprintf("%s/api/v3/klines?symbol=BTCUSDT&interval=1s&startTime=%d&endTime=%d&limit=1",
		c.baseURL, startMs, startMs+1000)

	resp, err := c.http.Get(url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch 1s kline: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("binance 1s kline status %d", resp.StatusCode)
	}

	var raw [][]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("decode kline: %w", err)
	}
	if len(raw) == 0 || len(raw[0]) < 2 {
		return decimal.Zero, fmt.Errorf("no kline data at %d", t.Unix())
	}

	open, ok := raw[0][1].(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected kline shape at %d", t.Unix())
	}
	price, err := decimal.NewFromString(open)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price: %w", err)
	}
	return price, nil
}
