package feed

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Chainlink BTC/USD aggregator on Polygon, the feed Polymarket settles
// against. Reading it straight off the chain catches RTDS relay lag.
const (
	btcUSDFeedAddress       = "0xc907E116054Ad103354f2D350FD2514433D57F6f"
	latestRoundDataSelector = "feaf968c" // latestRoundData()
	chainlinkFeedDecimals   = 8
)

// chainlinkClient reads the on-chain aggregator over plain JSON-RPC.
type chainlinkClient struct {
	rpcURL      string
	feedAddress string
	http        *http.Client
}

func newChainlinkClient(rpcURL string) *chainlinkClient {
	return &chainlinkClient{
		rpcURL:      rpcURL,
		feedAddress: btcUSDFeedAddress,
		http:        &http.Client{Timeout: 3 * time.Second},
	}
}

// LatestRoundData calls latestRoundData() and returns the answer as a tick.
// The tick carries the fetch time, not the round's updatedAt; round lag is
// exactly what divergence against the RTDS relay should expose.
func (c *chainlinkClient) LatestRoundData() (Tick, error) {
	result, err := c.ethCall(latestRoundDataSelector)
	if err != nil {
		return Tick{}, err
	}

	// (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt,
	// uint80 answeredInRound) as five 32-byte words.
	if len(result) < 160 {
		return Tick{}, fmt.Errorf("short latestRoundData response: %d bytes", len(result))
	}

	answer := new(big.Int).SetBytes(result[32:64])
	if answer.Sign() <= 0 {
		return Tick{}, fmt.Errorf("non-positive oracle answer")
	}

	return Tick{
		Source:      SourceChainlinkRPC,
		Asset:       "BTC",
		Price:       decimal.NewFromBigInt(answer, -chainlinkFeedDecimals),
		TimestampMs: time.Now().UnixMilli(),
	}, nil
}

// ethCall performs an eth_call RPC request against the feed contract.
func (c *chainlinkClient) ethCall(selector string) ([]byte, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_call",
		"params": []interface{}{
			map[string]string{
				"to":   c.feedAddress,
				"data": "0x" + selector,
			},
			"latest",
		},
		"id": 1,
	}

	body, _ := json.Marshal(payload)
	resp, err := c.http.Post(c.rpcURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}

	return hex.DecodeString(strings.TrimPrefix(rpcResp.Result, "0x"))
}
