package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/config"
)

// rtdsClient keeps one long-lived connection to the Polymarket real-time
// data service and pushes every price message into the feed. Reconnects with
// exponential backoff; a watchdog force-closes the socket when it goes quiet
// so a half-dead connection cannot stall the stream.
type rtdsClient struct {
	url    string
	cfg    config.FeedConfig
	onTick func(Tick)

	mu      sync.Mutex
	conn    *websocket.Conn
	lastMsg time.Time
	isConn  bool

	stopCh chan struct{}
}

func newRTDSClient(url string, cfg config.FeedConfig, onTick func(Tick)) *rtdsClient {
	return &rtdsClient{
		url:    url,
		cfg:    cfg,
		onTick: onTick,
		stopCh: make(chan struct{}),
	}
}

// run loops connect/subscribe/read until stopped. Backoff doubles from the
// configured floor to the cap and resets on every successful connect.
func (c *rtdsClient) run() {
	backoff := c.cfg.BackoffInitial

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("🔌 RTDS connect failed")
			if !c.sleep(backoff) {
				return
			}
			backoff = minDuration(backoff*2, c.cfg.BackoffMax)
			continue
		}

		backoff = c.cfg.BackoffInitial
		c.setConn(conn)

		if err := c.subscribe(conn); err != nil {
			log.Warn().Err(err).Msg("🔌 RTDS subscribe failed")
			c.closeConn()
			if !c.sleep(backoff) {
				return
			}
			continue
		}
		log.Info().Msg("✅ RTDS stream connected")

		done := make(chan struct{})
		go c.watchdog(done)
		c.readLoop(conn)
		close(done)
		c.closeConn()

		select {
		case <-c.stopCh:
			return
		default:
		}
		log.Warn().Dur("retry_in", backoff).Msg("🔌 RTDS stream disconnected, reconnecting")
		if !c.sleep(backoff) {
			return
		}
	}
}

func (c *rtdsClient) stop() {
	close(c.stopCh)
	c.closeConn()
}

func (c *rtdsClient) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConn
}

func (c *rtdsClient) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.url, nil)
	return conn, err
}

// subscribe sends one message per topic; the RTDS server drops combined
// subscriptions on some deployments.
func (c *rtdsClient) subscribe(conn *websocket.Conn) error {
	chainlink := map[string]interface{}{
		"action": "subscribe",
		"subscriptions": []map[string]string{
			{"topic": "crypto_prices_chainlink", "type": "*", "filters": ""},
		},
	}
	binance := map[string]interface{}{
		"action": "subscribe",
		"subscriptions": []map[string]string{
			{"topic": "crypto_prices", "type": "update", "filters": "btcusdt"},
		},
	}
	for _, msg := range []map[string]interface{}{chainlink, binance} {
		payload, _ := json.Marshal(msg)
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *rtdsClient) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(message)
	}
}

type rtdsMessage struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Payload struct {
		Symbol    string  `json:"symbol"`
		Value     float64 `json:"value"`
		Timestamp int64   `json:"timestamp"`
	} `json:"payload"`
}

func (c *rtdsClient) handleMessage(data []byte) {
	var msg rtdsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Payload.Value <= 0 {
		return
	}

	var source Source
	switch {
	case msg.Topic == "crypto_prices_chainlink" && msg.Payload.Symbol == "btc/usd":
		source = SourceChainlinkRTDS
	case msg.Topic == "crypto_prices" && msg.Payload.Symbol == "btcusdt":
		source = SourceBinanceRTDS
	default:
		return
	}

	// Timestamps arrive as seconds on some topics, milliseconds on others.
	ts := msg.Payload.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	} else if ts < 1_000_000_000_000 {
		ts *= 1000
	}

	c.mu.Lock()
	c.lastMsg = time.Now()
	c.mu.Unlock()

	c.onTick(Tick{
		Source:      source,
		Asset:       "BTC",
		Price:       decimal.NewFromFloat(msg.Payload.Value),
		TimestampMs: ts,
	})
}

// watchdog force-closes the socket when no price arrived within the silence
// timeout, which kicks readLoop out of its blocking read and triggers the
// reconnect path.
func (c *rtdsClient) watchdog(done chan struct{}) {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			last := c.lastMsg
			c.mu.Unlock()
			if last.IsZero() {
				continue
			}
			if age := time.Since(last); age > c.cfg.SilenceTimeout {
				log.Warn().Dur("silence", age).Msg("🐕 RTDS watchdog: stream silent, forcing reconnect")
				c.mu.Lock()
				c.lastMsg = time.Time{}
				c.mu.Unlock()
				c.closeConn()
				return
			}
		case <-done:
			return
		case <-c.stopCh:
			return
		}
	}
}

func (c *rtdsClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.isConn = true
	c.mu.Unlock()
}

func (c *rtdsClient) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.isConn = false
	c.mu.Unlock()
}

func (c *rtdsClient) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopCh:
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
