package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot. Wallet credentials come from
// the environment; tunables have env overrides; run-mode switches come from
// CLI flags merged in by main.
type Config struct {
	// Wallet / CLOB auth
	PrivateKey    string // POLY_PRIVATE_KEY (hex, no 0x prefix required)
	Funder        string // POLY_FUNDER (proxy wallet holding funds)
	SignatureType int    // POLY_SIG_TYPE: 0=EOA, 1=email/Magic, 2=browser wallet

	// Derived or pre-provisioned L2 credentials
	APIKey     string
	APISecret  string
	Passphrase string

	// Endpoints
	CLOBBaseURL   string
	GammaBaseURL  string
	RTDSWSURL     string
	PolygonRPCURL string
	BinanceAPIURL string

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64

	// Persistence
	DatabaseURL string // postgres:// DSN or sqlite file path
	LogDir      string

	// Run mode (flags)
	Bankroll         decimal.Decimal
	Cycles           int
	ArbEnabled       bool
	ArbOnly          bool
	LateWindow       bool
	FiveMinute       bool
	MakerEnabled     bool
	HedgeEnabled     bool
	Dashboard        bool
	DashboardPort    int
	SyncLiveBankroll bool
	Debug            bool

	Strategy StrategyConfig
	Risk     RiskConfig
	Arb      ArbConfig
	Late     LateWindowConfig
	Maker    MakerConfig
	Hedge    HedgeConfig
	Feed     FeedConfig
}

// StrategyConfig tunes the directional signal lanes.
type StrategyConfig struct {
	MinConfidence     float64 // signals at or below this are vetoed
	DeadZonePct       float64 // |drift| below this is a hold
	MinVolatilityPct  float64
	MaxVolatilityPct  float64
	EntryLeadSecs     int // 15m lane: sleep until boundary-lead
	EntryWindowSecs   int // order must be submitted within this after evaluation
	StrategyDelaySecs int // post-anchor drift accumulation delay
	EntryLead5mSecs   int
	EntryWindow5mSecs int
}

// RiskConfig carries per-bucket limits. Buckets are isolated; see risk.Manager.
type RiskConfig struct {
	KellyFraction   float64
	MinTradeUSD     float64
	MaxTradeUSD     float64 // 15m hard cap
	MaxDailyTrades  int
	MaxStreak       int
	CooldownMins    int
	DailyLossCapPct float64

	Max5mTradeUSD    float64
	Max5mDailyTrades int
	Max5mStreak      int
	Cooldown5mMins   int
	DailyLossCap5m   float64
}

// ArbConfig tunes the cross-timeframe arbitrage scanner.
type ArbConfig struct {
	SumThreshold   float64 // trigger when ask(YES)+ask(NO) < this
	MinEdgePct     float64
	SizePerSideUSD float64
	PollSecs       int
	MaxDailyTrades int
	DailyBudgetUSD float64
	MarketCooldown time.Duration
	Timeframes     []string
}

// LateWindowConfig tunes the end-of-window conviction scanner.
type LateWindowConfig struct {
	LeadSecs       int // start scanning when remaining <= this
	MinRemainSecs  int
	MinDriftPct    float64
	BaseConfidence float64
	MaxConfidence  float64
	DriftScalePct  float64
	MaxEntryPrice  float64
	MaxDailyTrades int
	BudgetPct      float64
	MaxTradeUSD    float64
	ScanSecs       int
}

// MakerConfig tunes the post-only quoting engine.
type MakerConfig struct {
	SpreadBps       int
	SizePerSideUSD  float64
	Levels          int
	RefreshSecs     int
	MaxImbalanceUSD float64
	PullBeforeClose time.Duration
	DailyBudgetUSD  float64
	MaxOpenOrders   int
	Timeframes      []string
}

// HedgeConfig tunes the reversal hedge on open directional positions.
type HedgeConfig struct {
	MinConfidence float64
	ReversalPct   float64
	MaxEntryPrice float64
	MaxTradeUSD   float64
	WatchLastSecs int
}

// FeedConfig tunes the oracle price feed.
type FeedConfig struct {
	StaleMs          int64
	DivergencePct    float64
	SecondaryPoll    time.Duration
	WatchdogInterval time.Duration
	SilenceTimeout   time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

// Load builds the configuration from environment variables. CLI flags are
// merged afterwards by main.
func Load() (*Config, error) {
	cfg := &Config{
		PrivateKey:    strings.TrimPrefix(os.Getenv("POLY_PRIVATE_KEY"), "0x"),
		Funder:        os.Getenv("POLY_FUNDER"),
		SignatureType: getEnvInt("POLY_SIG_TYPE", -1),

		APIKey:     os.Getenv("POLY_API_KEY"),
		APISecret:  os.Getenv("POLY_API_SECRET"),
		Passphrase: os.Getenv("POLY_PASSPHRASE"),

		CLOBBaseURL:   getEnv("CLOB_BASE_URL", "https://clob.polymarket.com"),
		GammaBaseURL:  getEnv("GAMMA_BASE_URL", "https://gamma-api.polymarket.com"),
		RTDSWSURL:     getEnv("RTDS_WS_URL", "wss://ws-live-data.polymarket.com"),
		PolygonRPCURL: getEnv("POLYGON_RPC_URL", "https://polygon-rpc.com"),
		BinanceAPIURL: getEnv("BINANCE_API_URL", "https://api.binance.com"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabaseURL: getEnv("DATABASE_URL", "data/oraclebot.db"),
		LogDir:      getEnv("LOG_DIR", "logs"),

		Bankroll:      getEnvDecimal("BANKROLL", decimal.NewFromInt(500)),
		DashboardPort: getEnvInt("DASHBOARD_PORT", 8765),
		Debug:         getEnvBool("DEBUG", false),

		Strategy: StrategyConfig{
			MinConfidence:     getEnvFloat("MIN_CONFIDENCE", 0.60),
			DeadZonePct:       getEnvFloat("DEAD_ZONE_PCT", 0.04),
			MinVolatilityPct:  getEnvFloat("MIN_VOLATILITY_PCT", 0.03),
			MaxVolatilityPct:  getEnvFloat("MAX_VOLATILITY_PCT", 3.0),
			EntryLeadSecs:     getEnvInt("ENTRY_LEAD_SECS", 60),
			EntryWindowSecs:   getEnvInt("ENTRY_WINDOW_SECS", 30),
			StrategyDelaySecs: getEnvInt("STRATEGY_DELAY_SECS", 45),
			EntryLead5mSecs:   getEnvInt("ENTRY_LEAD_5M_SECS", 55),
			EntryWindow5mSecs: getEnvInt("ENTRY_WINDOW_5M_SECS", 20),
		},

		Risk: RiskConfig{
			KellyFraction:   getEnvFloat("KELLY_FRACTION", 0.25),
			MinTradeUSD:     getEnvFloat("MIN_TRADE_USD", 1.0),
			MaxTradeUSD:     getEnvFloat("MAX_TRADE_USD", 25.0),
			MaxDailyTrades:  getEnvInt("MAX_DAILY_TRADES", 20),
			MaxStreak:       getEnvInt("MAX_LOSS_STREAK", 5),
			CooldownMins:    getEnvInt("COOLDOWN_MINS", 60),
			DailyLossCapPct: getEnvFloat("DAILY_LOSS_CAP_PCT", 25.0),

			Max5mTradeUSD:    getEnvFloat("MAX_5M_TRADE_USD", 10.0),
			Max5mDailyTrades: getEnvInt("MAX_5M_DAILY_TRADES", 30),
			Max5mStreak:      getEnvInt("MAX_5M_LOSS_STREAK", 4),
			Cooldown5mMins:   getEnvInt("COOLDOWN_5M_MINS", 30),
			DailyLossCap5m:   getEnvFloat("DAILY_LOSS_CAP_5M_PCT", 15.0),
		},

		Arb: ArbConfig{
			SumThreshold:   getEnvFloat("ARB_SUM_THRESHOLD", 0.98),
			MinEdgePct:     getEnvFloat("ARB_MIN_EDGE_PCT", 1.0),
			SizePerSideUSD: getEnvFloat("ARB_SIZE_USD", 5.0),
			PollSecs:       getEnvInt("ARB_POLL_SECS", 8),
			MaxDailyTrades: getEnvInt("ARB_MAX_DAILY_TRADES", 50),
			DailyBudgetUSD: getEnvFloat("ARB_DAILY_BUDGET_USD", 20.0),
			MarketCooldown: getEnvDuration("ARB_MARKET_COOLDOWN", 120*time.Second),
			Timeframes:     splitList(getEnv("ARB_TIMEFRAMES", "5m,15m,30m,1h")),
		},

		Late: LateWindowConfig{
			LeadSecs:       getEnvInt("LATE_LEAD_SECS", 150),
			MinRemainSecs:  getEnvInt("LATE_MIN_REMAIN_SECS", 30),
			MinDriftPct:    getEnvFloat("LATE_MIN_DRIFT_PCT", 0.08),
			BaseConfidence: getEnvFloat("LATE_BASE_CONFIDENCE", 0.80),
			MaxConfidence:  getEnvFloat("LATE_MAX_CONFIDENCE", 0.95),
			DriftScalePct:  getEnvFloat("LATE_DRIFT_SCALE_PCT", 0.25),
			MaxEntryPrice:  getEnvFloat("LATE_MAX_ENTRY_PRICE", 0.80),
			MaxDailyTrades: getEnvInt("LATE_MAX_DAILY_TRADES", 12),
			BudgetPct:      getEnvFloat("LATE_BUDGET_PCT", 25.0),
			MaxTradeUSD:    getEnvFloat("LATE_MAX_TRADE_USD", 8.0),
			ScanSecs:       getEnvInt("LATE_SCAN_SECS", 3),
		},

		Maker: MakerConfig{
			SpreadBps:       getEnvInt("MM_SPREAD_BPS", 400),
			SizePerSideUSD:  getEnvFloat("MM_SIZE_USD", 3.0),
			Levels:          getEnvInt("MM_LEVELS", 1),
			RefreshSecs:     getEnvInt("MM_REFRESH_SECS", 15),
			MaxImbalanceUSD: getEnvFloat("MM_MAX_IMBALANCE_USD", 10.0),
			PullBeforeClose: getEnvDuration("MM_PULL_BEFORE_CLOSE", 60*time.Second),
			DailyBudgetUSD:  getEnvFloat("MM_DAILY_BUDGET_USD", 50.0),
			MaxOpenOrders:   getEnvInt("MM_MAX_OPEN_ORDERS", 4),
			Timeframes:      splitList(getEnv("MM_TIMEFRAMES", "15m,5m")),
		},

		Hedge: HedgeConfig{
			MinConfidence: getEnvFloat("HEDGE_MIN_CONFIDENCE", 0.65),
			ReversalPct:   getEnvFloat("HEDGE_REVERSAL_PCT", 0.10),
			MaxEntryPrice: getEnvFloat("HEDGE_MAX_ENTRY_PRICE", 0.60),
			MaxTradeUSD:   getEnvFloat("HEDGE_MAX_TRADE_USD", 10.0),
			WatchLastSecs: getEnvInt("HEDGE_WATCH_LAST_SECS", 120),
		},

		Feed: FeedConfig{
			StaleMs:          int64(getEnvInt("FEED_STALE_MS", 30000)),
			DivergencePct:    getEnvFloat("FEED_DIVERGENCE_PCT", 1.0),
			SecondaryPoll:    getEnvDuration("FEED_SECONDARY_POLL", 2*time.Second),
			WatchdogInterval: getEnvDuration("FEED_WATCHDOG_INTERVAL", 10*time.Second),
			SilenceTimeout:   getEnvDuration("FEED_SILENCE_TIMEOUT", 30*time.Second),
			BackoffInitial:   getEnvDuration("FEED_BACKOFF_INITIAL", 5*time.Second),
			BackoffMax:       getEnvDuration("FEED_BACKOFF_MAX", 120*time.Second),
		},
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, cfg.Validate()
}

// Validate checks the wallet credentials the CLOB requires. Called at startup;
// failures are fatal.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("POLY_PRIVATE_KEY is required")
	}
	if len(c.PrivateKey) != 64 {
		return fmt.Errorf("POLY_PRIVATE_KEY must be 32 bytes of hex, got %d chars", len(c.PrivateKey))
	}
	switch c.SignatureType {
	case 0:
		// EOA signs for itself; funder optional
	case 1, 2:
		if c.Funder == "" {
			return fmt.Errorf("POLY_FUNDER is required for POLY_SIG_TYPE=%d", c.SignatureType)
		}
	default:
		return fmt.Errorf("POLY_SIG_TYPE must be 0, 1 or 2, got %d", c.SignatureType)
	}
	if c.Funder != "" && !strings.HasPrefix(c.Funder, "0x") {
		return fmt.Errorf("POLY_FUNDER must be a 0x address")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
