package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/oraclebot/internal/clock"
	"github.com/web3guy0/oraclebot/internal/executor"
	"github.com/web3guy0/oraclebot/internal/feed"
	"github.com/web3guy0/oraclebot/internal/risk"
	"github.com/web3guy0/oraclebot/internal/signal"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line: %s", line)
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestOpenCreatesDirectoryAndFiles(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "logs")
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	for _, name := range []string{tradesFile, strategyFile, oracleFile, errorsFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestOpenFailsWhenDirUncreatable(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := Open(filepath.Join(blocker, "logs"))
	require.Error(t, err)
}

func TestTradeLifecycleEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	trade := executor.Trade{
		ID:         "T-1748780100000-U",
		WindowID:   "15m-1748780100",
		Bucket:     "15m",
		Direction:  signal.DirectionUp,
		Shares:     decimal.RequireFromString("19.23"),
		EntryPrice: decimal.RequireFromString("0.52"),
		SizeUSD:    decimal.RequireFromString("9.9996"),
		Confidence: 0.71,
		OrderID:    "0xabc",
		OrderType:  "FOK",
	}
	j.TradeOpened(trade)

	trade.Outcome = clock.OutcomeWin
	trade.PnL = decimal.RequireFromString("9.23")
	trade.Redeemed = true
	j.TradeResolved(trade)

	lines := readLines(t, filepath.Join(dir, tradesFile))
	require.Len(t, lines, 2)

	assert.Equal(t, "opened", lines[0]["event"])
	assert.Equal(t, "T-1748780100000-U", lines[0]["trade_id"])
	assert.Equal(t, "19.23", lines[0]["shares"])
	assert.Equal(t, "0.52", lines[0]["entry_price"])
	assert.NotEmpty(t, lines[0]["time"])

	assert.Equal(t, "resolved", lines[1]["event"])
	assert.Equal(t, "win", lines[1]["outcome"])
	assert.Equal(t, "9.23", lines[1]["pnl"])
	assert.Equal(t, true, lines[1]["redeemed"])
}

func TestSignalAndSkipEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	j.Signal(signal.Signal{
		WindowID:   "5m-1748780100",
		Direction:  signal.DirectionDown,
		Confidence: 0.66,
		Score:      -41.5,
		DriftPct:   -0.12,
		Reason:     "drift -0.12% below dead zone",
	})
	j.Skip("5m-1748781000", clock.SkipOverlap)

	lines := readLines(t, filepath.Join(dir, strategyFile))
	require.Len(t, lines, 2)
	assert.Equal(t, "signal", lines[0]["event"])
	assert.Equal(t, "DOWN", lines[0]["direction"])
	assert.Equal(t, -41.5, lines[0]["score"])
	assert.Equal(t, "skip", lines[1]["event"])
	assert.Equal(t, string(clock.SkipOverlap), lines[1]["reason"])
}

func TestOracleEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	j.Anchor("15m-1748780100", decimal.RequireFromString("104250.10"), feed.SourceChainlinkRTDS)
	j.Reconciled(feed.Reconciled{
		Price:     decimal.RequireFromString("104251.00"),
		SpreadPct: 0.004,
		Sources: map[feed.Source]decimal.Decimal{
			feed.SourceChainlinkRTDS: decimal.RequireFromString("104250.10"),
			feed.SourceBinanceRTDS:   decimal.RequireFromString("104251.90"),
		},
		Diverged: false,
	})

	lines := readLines(t, filepath.Join(dir, oracleFile))
	require.Len(t, lines, 2)
	assert.Equal(t, "anchor", lines[0]["event"])
	assert.Equal(t, "104250.1", lines[0]["price"]) // decimal String trims trailing zeros
	assert.Equal(t, "reconciled", lines[1]["event"])
	assert.Equal(t, "104250.1", lines[1]["src_chainlink_rtds"])
	assert.Equal(t, "104251.9", lines[1]["src_binance_rtds"])
}

func TestErrorEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	j.Error("feed", feed.ErrStale)

	lines := readLines(t, filepath.Join(dir, errorsFile))
	require.Len(t, lines, 1)
	assert.Equal(t, "feed", lines[0]["component"])
	assert.Contains(t, lines[0]["error"], "stale")
}

func TestWritePerformanceAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	p := Performance{
		UpdatedAt:     time.Unix(1748780100, 0).UTC(),
		Bankroll:      decimal.RequireFromString("512.40"),
		TotalPnL:      decimal.RequireFromString("12.40"),
		Wins:          3,
		Losses:        1,
		OpenPositions: 2,
		WinRatePct:    75,
		Buckets: map[string]risk.BucketStatus{
			"15m": {Name: "15m", PnLToday: decimal.RequireFromString("8.00")},
		},
	}
	require.NoError(t, j.WritePerformance(p))

	got, err := j.ReadPerformance()
	require.NoError(t, err)
	assert.True(t, got.Bankroll.Equal(p.Bankroll))
	assert.Equal(t, 3, got.Wins)
	assert.Equal(t, 75.0, got.WinRatePct)
	assert.True(t, got.Buckets["15m"].PnLToday.Equal(decimal.RequireFromString("8.00")))

	// No temp files may survive the rename.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}

	// Second write replaces, not appends.
	p.Wins = 4
	require.NoError(t, j.WritePerformance(p))
	got, err = j.ReadPerformance()
	require.NoError(t, err)
	assert.Equal(t, 4, got.Wins)
}
