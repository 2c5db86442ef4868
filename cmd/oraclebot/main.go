// Oraclebot - autonomous trader for Polymarket's Bitcoin Up/Down windows.
//
// Every window the bot anchors the Chainlink BTC/USD price at the boundary,
// lets drift accumulate, scores direction with a drift-dominant signal blend
// and buys the favored side when confidence and risk gates clear. Auxiliary
// lanes run alongside: cross-timeframe arbitrage on mispriced YES+NO sums,
// a late-window conviction scanner, a post-only maker and a reversal hedge.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/clob"
	"github.com/web3guy0/oraclebot/internal/config"
	"github.com/web3guy0/oraclebot/internal/dashboard"
	"github.com/web3guy0/oraclebot/internal/engine"
	"github.com/web3guy0/oraclebot/internal/executor"
	"github.com/web3guy0/oraclebot/internal/feed"
	"github.com/web3guy0/oraclebot/internal/journal"
	"github.com/web3guy0/oraclebot/internal/markets"
	"github.com/web3guy0/oraclebot/internal/notify"
	"github.com/web3guy0/oraclebot/internal/risk"
	"github.com/web3guy0/oraclebot/internal/store"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration, then merge CLI flags over the env defaults
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	parseFlags(cfg)

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("bankroll", cfg.Bankroll.StringFixed(2)).
		Int("cycles", cfg.Cycles).
		Bool("arb", cfg.ArbEnabled || cfg.ArbOnly).
		Bool("late_window", cfg.LateWindow).
		Bool("5m", cfg.FiveMinute).
		Bool("mm", cfg.MakerEnabled).
		Bool("hedge", cfg.HedgeEnabled).
		Msg("🎯 Oraclebot starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ====== CORE COMPONENTS ======

	// 1. Trade journal - JSONL streams + performance snapshot under LOG_DIR
	jnl, err := journal.Open(cfg.LogDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open journal")
	}
	log.Info().Str("dir", jnl.Dir()).Msg("📓 Journal open")

	// 2. Store - trade/window persistence. A broken DB never blocks trading.
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Persistence disabled")
		db = nil
	} else {
		log.Info().Msg("💾 Store ready")
	}

	// 3. CLOB client - EIP-712 signing, L2 auth, order submission
	clobClient, err := clob.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize CLOB client")
	}
	if err := clobClient.TestConnection(); err != nil {
		log.Fatal().Err(err).Msg("CLOB connection check failed")
	}
	log.Info().Msg("💳 CLOB client ready")

	// 4. Oracle price feed - RTDS WebSocket primary, Binance/Chainlink secondaries
	priceFeed := feed.New(*cfg)
	if err := priceFeed.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start price feed")
	}
	log.Info().Msg("📈 Oracle price feed connected")

	// 5. Order executor - FoK ladder, fill verification, resolution sweep
	exec := executor.New(clobClient, priceFeed.PriceAt)
	exec.Start()

	// 6. Market discovery via the gamma API
	mkts := markets.New(cfg.GammaBaseURL, clobClient)

	// 7. Risk manager - isolated per-lane buckets
	riskMgr := risk.New(cfg)
	if cfg.SyncLiveBankroll {
		if bal, err := exec.Balance(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Live balance unavailable, keeping --bankroll")
		} else {
			riskMgr.SetBankroll(bal)
			log.Info().Str("bankroll", bal.StringFixed(2)).Msg("💰 Bankroll synced from CLOB balance")
		}
	}

	// 8. Telegram notifier (optional)
	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram disabled")
	}
	clobClient.OnBreakerOpen(func(name string) { notifier.BreakerTripped(name) })

	// 9. Dashboard (optional)
	var dash *dashboard.Server
	if cfg.Dashboard {
		dash = dashboard.New(cfg.DashboardPort)
		if err := dash.Start(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Dashboard failed to start")
			dash = nil
		} else {
			log.Info().Str("addr", dash.Addr()).Msg("📊 Dashboard listening")
		}
	}

	// ====== ORCHESTRATOR ======

	app := engine.NewApp(engine.AppContext{
		Cfg:      cfg,
		Feed:     priceFeed,
		Markets:  mkts,
		Exec:     exec,
		CLOB:     clobClient,
		Risk:     riskMgr,
		Journal:  jnl,
		Store:    db,
		Dash:     dash,
		Notifier: notifier,
	})
	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start lanes")
	}
	notifier.Startup(riskMgr.Bankroll(), app.Lanes())

	// Wait for a signal, a consumed cycle budget or a runtime fatal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-app.Done():
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")
	app.Stop()

	st := exec.Stats()
	notifier.Shutdown(st.RealizedPnL, st.Wins, st.Losses, st.Pushes)
	if dash != nil {
		dash.Stop()
	}
	exec.Stop()
	priceFeed.Stop()
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Store close failed")
	}
	if err := jnl.Close(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Journal close failed")
	}

	log.Info().Msg("👋 Goodbye!")
	os.Exit(app.ExitCode())
}

// parseFlags binds the run-mode switches over the env-derived defaults.
func parseFlags(cfg *config.Config) {
	bankrollDefault, _ := cfg.Bankroll.Float64()
	bankroll := flag.Float64("bankroll", bankrollDefault, "working capital in USD")
	flag.IntVar(&cfg.Cycles, "cycles", cfg.Cycles, "stop after N 15m windows (0 = run forever)")
	flag.BoolVar(&cfg.ArbEnabled, "arb", cfg.ArbEnabled, "enable the cross-timeframe arb scanner")
	flag.BoolVar(&cfg.ArbOnly, "arb-only", cfg.ArbOnly, "run only the arb scanner")
	flag.BoolVar(&cfg.LateWindow, "late-window", cfg.LateWindow, "enable the late-window conviction scanner")
	flag.BoolVar(&cfg.FiveMinute, "5m", cfg.FiveMinute, "enable the 5m lane")
	flag.BoolVar(&cfg.MakerEnabled, "mm", cfg.MakerEnabled, "enable the post-only market maker")
	flag.BoolVar(&cfg.HedgeEnabled, "hedge", cfg.HedgeEnabled, "enable the reversal hedge")
	flag.BoolVar(&cfg.Dashboard, "dashboard", cfg.Dashboard, "serve the web dashboard")
	flag.BoolVar(&cfg.SyncLiveBankroll, "sync-live-bankroll", cfg.SyncLiveBankroll, "seed the bankroll from the live CLOB balance")
	flag.Parse()

	cfg.Bankroll = decimal.NewFromFloat(*bankroll)
}
