package clob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// MarketToken is one outcome token of a CLOB market.
type MarketToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
	Winner  bool    `json:"winner"`
}

// MarketInfo is the CLOB's view of a condition: real token ids, tick size
// and, once settled, the winning outcome.
type MarketInfo struct {
	ConditionID     string        `json:"condition_id"`
	Question        string        `json:"question"`
	Closed          bool          `json:"closed"`
	Active          bool          `json:"active"`
	NegRisk         bool          `json:"neg_risk"`
	MinimumTickSize json.Number   `json:"minimum_tick_size"`
	Tokens          []MarketToken `json:"tokens"`
}

// Token returns the token whose outcome matches, case-insensitively.
func (m *MarketInfo) Token(outcome string) (MarketToken, bool) {
	for _, t := range m.Tokens {
		if strings.EqualFold(t.Outcome, outcome) {
			return t, true
		}
	}
	return MarketToken{}, false
}

// Winner returns the settled outcome name, or "" while the market is live.
func (m *MarketInfo) Winner() string {
	for _, t := range m.Tokens {
		if t.Winner {
			return t.Outcome
		}
	}
	return ""
}

// Market fetches one market by condition id. Public endpoint, no L2 auth.
func (c *Client) Market(conditionID string) (*MarketInfo, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/markets/" + conditionID)
	if err != nil {
		return nil, fmt.Errorf("market lookup: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market lookup %d: %s", resp.StatusCode, string(body))
	}

	var info MarketInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse market: %w", err)
	}
	return &info, nil
}

// Midpoint returns the bid-ask midpoint for a token.
func (c *Client) Midpoint(tokenID string) (decimal.Decimal, error) {
	resp, err := c.httpClient.Get(fmt.Sprintf("%s/midpoint?token_id=%s", c.baseURL, tokenID))
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("midpoint lookup failed: %d", resp.StatusCode)
	}
	var result struct {
		Mid string `json:"mid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(result.Mid)
}

// CancelAll removes every resting order for the wallet. Used on shutdown so
// no quote outlives the process.
func (c *Client) CancelAll() error {
	req, err := http.NewRequest("DELETE", c.baseURL+"/cancel-all", nil)
	if err != nil {
		return err
	}
	c.signL2(req, "DELETE", "/cancel-all", nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cancel all failed: %s", string(body))
	}
	return nil
}

// CancelMarketOrders removes the wallet's resting orders in one market.
func (c *Client) CancelMarketOrders(conditionID string) error {
	body := []byte(fmt.Sprintf(`{"market":%q}`, conditionID))
	req, err := http.NewRequest("DELETE", c.baseURL+"/cancel-market-orders", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.signL2(req, "DELETE", "/cancel-market-orders", body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cancel market orders failed: %s", string(respBody))
	}
	return nil
}
