// Package journal writes the append-only JSONL audit trail and the
// performance snapshot. Every trade, signal, oracle reading and error lands
// in its own file under the log directory; the snapshot is rewritten
// atomically so a crash can never leave it half-written.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/executor"
	"github.com/web3guy0/oraclebot/internal/feed"
	"github.com/web3guy0/oraclebot/internal/risk"
	"github.com/web3guy0/oraclebot/internal/signal"
)

const (
	tradesFile      = "trades.jsonl"
	strategyFile    = "strategy.jsonl"
	oracleFile      = "oracle.jsonl"
	errorsFile      = "errors.jsonl"
	performanceFile = "performance.json"
)

// Performance is the snapshot other tools read. Rewritten after every
// resolution and on shutdown.
type Performance struct {
	UpdatedAt     time.Time                    `json:"updated_at"`
	Bankroll      decimal.Decimal              `json:"bankroll"`
	TotalPnL      decimal.Decimal              `json:"total_pnl"`
	Wins          int                          `json:"wins"`
	Losses        int                          `json:"losses"`
	Pushes        int                          `json:"pushes"`
	Phantoms      int                          `json:"phantoms"`
	OpenPositions int                          `json:"open_positions"`
	WinRatePct    float64                      `json:"win_rate_pct"`
	Cycles        int                          `json:"cycles"`
	Buckets       map[string]risk.BucketStatus `json:"buckets"`
}

// Journal owns the four JSONL streams and the performance file. Safe for
// concurrent use; zerolog serializes writes per file.
type Journal struct {
	dir   string
	files []*os.File

	trades   zerolog.Logger
	strategy zerolog.Logger
	oracle   zerolog.Logger
	errs     zerolog.Logger

	perfMu sync.Mutex
}

// Open creates the log directory and the journal files. Failure here is
// fatal to the caller: a bot that cannot journal must not trade.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}

	j := &Journal{dir: dir}
	for _, entry := range []struct {
		name   string
		logger *zerolog.Logger
	}{
		{tradesFile, &j.trades},
		{strategyFile, &j.strategy},
		{oracleFile, &j.oracle},
		{errorsFile, &j.errs},
	} {
		f, err := os.OpenFile(filepath.Join(dir, entry.name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			j.Close()
			return nil, fmt.Errorf("open %s: %w", entry.name, err)
		}
		j.files = append(j.files, f)
		*entry.logger = zerolog.New(f).With().Timestamp().Logger()
	}
	return j, nil
}

// Close flushes and closes every journal file.
func (j *Journal) Close() error {
	var firstErr error
	for _, f := range j.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	j.files = nil
	return firstErr
}

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.dir }

// TradeOpened records a verified entry.
func (j *Journal) TradeOpened(t executor.Trade) {
	j.trades.Log().
		Str("event", "opened").
		Str("trade_id", t.ID).
		Str("window_id", t.WindowID).
		Str("bucket", t.Bucket).
		Str("direction", string(t.Direction)).
		Str("shares", t.Shares.String()).
		Str("entry_price", t.EntryPrice.String()).
		Str("size_usd", t.SizeUSD.String()).
		Float64("confidence", t.Confidence).
		Str("order_id", t.OrderID).
		Str("order_type", string(t.OrderType)).
		Send()
}

// TradeResolved records a settlement with its P&L.
func (j *Journal) TradeResolved(t executor.Trade) {
	j.trades.Log().
		Str("event", "resolved").
		Str("trade_id", t.ID).
		Str("window_id", t.WindowID).
		Str("bucket", t.Bucket).
		Str("outcome", string(t.Outcome)).
		Str("pnl", t.PnL.String()).
		Str("shares", t.Shares.String()).
		Str("entry_price", t.EntryPrice.String()).
		Bool("redeemed", t.Redeemed).
		Send()
}

// ArbFill records one completed arbitrage pair.
func (j *Journal) ArbFill(conditionID, slug string, sum decimal.Decimal, edgePct float64, sizeUSD decimal.Decimal, status string) {
	j.trades.Log().
		Str("event", "arb_fill").
		Str("condition_id", conditionID).
		Str("slug", slug).
		Str("sum", sum.String()).
		Float64("edge_pct", edgePct).
		Str("size_usd", sizeUSD.String()).
		Str("status", status).
		Send()
}

// Signal records an evaluation verdict, traded or held.
func (j *Journal) Signal(s signal.Signal) {
	j.strategy.Log().
		Str("event", "signal").
		Str("window_id", s.WindowID).
		Str("direction", string(s.Direction)).
		Float64("confidence", s.Confidence).
		Float64("score", s.Score).
		Float64("drift_pct", s.DriftPct).
		Float64("volatility_pct", s.VolatilityPct).
		Str("reason", s.Reason).
		Send()
}

// Skip records a window that terminated without an order.
func (j *Journal) Skip(windowID string, reason clock.SkipReason) {
	j.strategy.Log().
		Str("event", "skip").
		Str("window_id", windowID).
		Str("reason", string(reason)).
		Send()
}

// Anchor records the anchor captured for a window.
func (j *Journal) Anchor(windowID string, price decimal.Decimal, source feed.Source) {
	j.oracle.Log().
		Str("event", "anchor").
		Str("window_id", windowID).
		Str("price", price.String()).
		Str("source", string(source)).
		Send()
}

// Reconciled records a multi-source oracle view, flagged when diverged.
func (j *Journal) Reconciled(r feed.Reconciled) {
	ev := j.oracle.Log().
		Str("event", "reconciled").
		Str("price", r.Price.String()).
		Float64("spread_pct", r.SpreadPct).
		Bool("diverged", r.Diverged)
	for source, price := range r.Sources {
		ev = ev.Str("src_"+string(source), price.String())
	}
	ev.Send()
}

// Error records a component failure.
func (j *Journal) Error(component string, err error) {
	j.errs.Log().
		Str("component", component).
		Str("error", err.Error()).
		Send()
}

// WritePerformance atomically replaces the performance snapshot: write to a
// temp file in the same directory, fsync, rename.
func (j *Journal) WritePerformance(p Performance) error {
	j.perfMu.Lock()
	defer j.perfMu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal performance: %w", err)
	}

	tmp, err := os.CreateTemp(j.dir, performanceFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(j.dir, performanceFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// ReadPerformance loads the last snapshot, if any.
func (j *Journal) ReadPerformance() (*Performance, error) {
	data, err := os.ReadFile(filepath.Join(j.dir, performanceFile))
	if err != nil {
		return nil, err
	}
	var p Performance
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse performance: %w", err)
	}
	return &p, nil
}
