package clob

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/web3guy0/oraclebot/internal/config"
)

const (
	httpTimeout   = 5 * time.Second
	statusTimeout = 3 * time.Second

	// Submission breaker: trip after repeated rejects so a broken book or
	// revoked credentials don't burn the daily budgets.
	submitMinRequests  = 5
	submitFailureRatio = 0.6
	submitOpenTimeout  = 30 * time.Second

	feeCacheTTL = 60 * time.Second

	// Parabolic worst-case taker fee (percent at a 50c share) used when the
	// fee-rate endpoint is unavailable.
	feeFallbackPct = 1.56
)

// OrderResponse is the CLOB's answer to an order submission.
type OrderResponse struct {
	Success  bool     `json:"success"`
	OrderID  string   `json:"orderID"`
	Status   string   `json:"status"`
	ErrorMsg string   `json:"errorMsg,omitempty"`
	TxHashes []string `json:"transactionsHashes,omitempty"`
}

// OpenOrder is one resting order from /data/orders.
type OpenOrder struct {
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Status       string `json:"status"`
}

type feeEntry struct {
	bps      int64
	cachedAt time.Time
}

// Client talks to the Polymarket CLOB. One instance serves every lane; the
// submit path is serialized so concurrent lanes cannot race the wallet nonce
// and is guarded by a circuit breaker.
type Client struct {
	baseURL    string
	creds      Credentials
	privateKey *ecdsa.PrivateKey
	address    common.Address
	funder     common.Address
	sigType    int
	httpClient *http.Client
	signer     *orderSigner
	breaker    *gobreaker.CircuitBreaker

	submitMu sync.Mutex

	feeMu    sync.Mutex
	feeCache map[string]feeEntry

	onBreakerOpen func(name string)
}

// New builds the client from wallet credentials, deriving L2 API
// credentials when none are configured.
func New(cfg *config.Config) (*Client, error) {
	pk, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	c := &Client{
		baseURL:    cfg.CLOBBaseURL,
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
		sigType:    cfg.SignatureType,
		httpClient: &http.Client{Timeout: httpTimeout},
		feeCache:   make(map[string]feeEntry),
		creds: Credentials{
			APIKey:     cfg.APIKey,
			Secret:     cfg.APISecret,
			Passphrase: cfg.Passphrase,
		},
	}
	if cfg.Funder != "" {
		c.funder = common.HexToAddress(cfg.Funder)
		log.Info().
			Str("signer", c.address.Hex()).
			Str("funder", c.funder.Hex()).
			Int("sig_type", c.sigType).
			Msg("Wallet loaded (proxy mode)")
	} else {
		c.funder = c.address
		log.Info().Str("address", c.address.Hex()).Msg("Wallet loaded")
	}
	c.signer = newOrderSigner(pk, c.address, c.funder, c.sigType)

	if c.creds.APIKey == "" || c.creds.Secret == "" {
		log.Info().Msg("Deriving API credentials from wallet...")
		creds, err := c.deriveCredentials()
		if err != nil {
			return nil, fmt.Errorf("derive API credentials: %w", err)
		}
		c.creds = *creds
		log.Info().Str("api_key", abbrev(creds.APIKey)).Msg("API credentials derived")
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "clob-submit",
		Timeout: submitOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= submitMinRequests && ratio >= submitFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("⚡ Submit breaker state change")
			if to == gobreaker.StateOpen && c.onBreakerOpen != nil {
				c.onBreakerOpen(name)
			}
		},
	})
	return c, nil
}

// OnBreakerOpen registers a callback fired when the submit breaker trips.
func (c *Client) OnBreakerOpen(fn func(string)) { c.onBreakerOpen = fn }

// Address returns the signing address.
func (c *Client) Address() common.Address { return c.address }

// Funder returns the address holding the USDC.
func (c *Client) Funder() common.Address { return c.funder }

// CreateSignedOrder builds and signs an order for submission.
func (c *Client) CreateSignedOrder(tokenID string, side Side, price, size decimal.Decimal) (*SignedOrder, error) {
	return c.signer.createSignedOrder(tokenID, side, price, size)
}

// Submit posts a signed order. Non-2xx responses return both the decoded
// body and an error so callers can inspect the reject reason.
func (c *Client) Submit(signed *SignedOrder, typ OrderType) (*OrderResponse, error) {
	return c.submit(signed, typ, false)
}

// SubmitPostOnly posts a signed order that must rest: the CLOB rejects it
// instead of crossing the book. Used by the quoting engine.
func (c *Client) SubmitPostOnly(signed *SignedOrder, typ OrderType) (*OrderResponse, error) {
	return c.submit(signed, typ, true)
}

func (c *Client) submit(signed *SignedOrder, typ OrderType, postOnly bool) (*OrderResponse, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.postOrder(signed, typ, postOnly)
	})
	if resp, ok := result.(*OrderResponse); ok {
		return resp, err
	}
	return nil, err
}

func (c *Client) postOrder(signed *SignedOrder, typ OrderType, postOnly bool) (*OrderResponse, error) {
	body, err := json.Marshal(signed.submitPayload(c.creds.APIKey, typ, postOnly))
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	req, err := http.NewRequest("POST", c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.signL2(req, "POST", "/order", body)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	log.Debug().
		Int("status", resp.StatusCode).
		Dur("api_time", time.Since(start)).
		RawJSON("response", respBody).
		Msg("CLOB order response")

	var orderResp OrderResponse
	if err := json.Unmarshal(respBody, &orderResp); err != nil {
		return nil, fmt.Errorf("parse order response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &orderResp, fmt.Errorf("order rejected: %s", orderResp.ErrorMsg)
	}
	return &orderResp, nil
}

// OrderStatus queries one order. Returns the status string and the matched
// size; callers compare statuses case-insensitively.
func (c *Client) OrderStatus(orderID string) (string, decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	path := "/data/order/" + orderID
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return "", decimal.Zero, err
	}
	c.signL2(req, "GET", path, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", decimal.Zero, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", decimal.Zero, fmt.Errorf("order lookup %d: %s", resp.StatusCode, string(body))
	}

	var info struct {
		Status      string `json:"status"`
		SizeMatched string `json:"size_matched"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", decimal.Zero, fmt.Errorf("parse order status: %w", err)
	}
	matched, _ := decimal.NewFromString(info.SizeMatched)
	return info.Status, matched, nil
}

// Cancel removes a resting order. A failed cancel usually means the order
// filled first; callers re-verify.
func (c *Client) Cancel(orderID string) error {
	body := []byte(fmt.Sprintf(`{"orderID":%q}`, orderID))
	req, err := http.NewRequest("DELETE", c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.signL2(req, "DELETE", "/order", body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cancel failed: %s", string(respBody))
	}
	return nil
}

// OpenOrders lists the wallet's resting orders.
func (c *Client) OpenOrders() ([]OpenOrder, error) {
	req, err := http.NewRequest("GET", c.baseURL+"/data/orders", nil)
	if err != nil {
		return nil, err
	}
	c.signL2(req, "GET", "/data/orders", nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open orders %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []OpenOrder `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse open orders: %w", err)
	}
	return result.Data, nil
}

// Balance returns the funder's available USDC.
func (c *Client) Balance() (decimal.Decimal, error) {
	endpoint := "/balance-allowance"
	url := fmt.Sprintf("%s%s?asset_type=COLLATERAL&signature_type=%d", c.baseURL, endpoint, c.sigType)
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	c.signL2(req, "GET", endpoint, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("balance error %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid balance value %q", result.Balance)
	}
	// USDC carries 6 decimals on chain.
	return balance.Shift(-6), nil
}

// BookPrice returns the best bid and ask for a token.
func (c *Client) BookPrice(tokenID string) (bestBid, bestAsk decimal.Decimal, err error) {
	resp, err := c.httpClient.Get(fmt.Sprintf("%s/book?token_id=%s", c.baseURL, tokenID))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, decimal.Zero, fmt.Errorf("book lookup failed: %d", resp.StatusCode)
	}

	var book struct {
		Bids []struct {
			Price string `json:"price"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
		} `json:"asks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(book.Bids) > 0 {
		bestBid, _ = decimal.NewFromString(book.Bids[0].Price)
	}
	if len(book.Asks) > 0 {
		bestAsk, _ = decimal.NewFromString(book.Asks[0].Price)
	}
	return bestBid, bestAsk, nil
}

// Price returns the current side-specific price for a token.
func (c *Client) Price(tokenID string, side Side) (decimal.Decimal, error) {
	resp, err := c.httpClient.Get(fmt.Sprintf("%s/price?token_id=%s&side=%s", c.baseURL, tokenID, side))
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price lookup failed: %d", resp.StatusCode)
	}
	var result struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(result.Price)
}

// FeeRateBps returns the taker fee rate for a token, cached for a minute.
func (c *Client) FeeRateBps(tokenID string) (int64, error) {
	c.feeMu.Lock()
	if entry, ok := c.feeCache[tokenID]; ok && time.Since(entry.cachedAt) < feeCacheTTL {
		c.feeMu.Unlock()
		return entry.bps, nil
	}
	c.feeMu.Unlock()

	resp, err := c.httpClient.Get(fmt.Sprintf("%s/fee-rate?token_id=%s", c.baseURL, tokenID))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fee lookup failed: %d", resp.StatusCode)
	}

	var raw map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return 0, err
	}
	val, ok := raw["fee_rate_bps"]
	if !ok {
		val, ok = raw["feeRateBps"]
	}
	if !ok {
		return 0, fmt.Errorf("fee rate missing from response")
	}
	bps, err := val.Int64()
	if err != nil {
		return 0, err
	}

	c.feeMu.Lock()
	c.feeCache[tokenID] = feeEntry{bps: bps, cachedAt: time.Now()}
	c.feeMu.Unlock()
	return bps, nil
}

// FeePctForPrice returns the effective taker fee percent for a fill at the
// given share price. Polymarket charges fees on the cheaper leg, so the
// effective rate is fee_rate x (1 - price). Falls back to a parabolic
// worst-case curve when the endpoint is unavailable.
func (c *Client) FeePctForPrice(tokenID string, price decimal.Decimal) float64 {
	p, _ := price.Float64()
	if bps, err := c.FeeRateBps(tokenID); err == nil && bps > 0 {
		return float64(bps) / 10000.0 * (1.0 - p) * 100
	}
	return feeFallbackPct * 4.0 * p * (1.0 - p)
}

// TestConnection verifies the CLOB answers.
func (c *Client) TestConnection() error {
	resp, err := c.httpClient.Get(c.baseURL + "/time")
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	log.Info().Msg("✅ CLOB API connection verified")
	return nil
}

func abbrev(s string) string {
	if len(s) > 20 {
		return s[:20] + "..."
	}
	return s
}
