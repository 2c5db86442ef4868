// Package store persists trades, window outcomes and arb fills through gorm.
// Postgres when the URL says so, SQLite on disk otherwise. The bot runs fine
// without it; callers treat a nil *Store as "persistence off".
package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/oraclebot/internal/executor"
)

type Store struct {
	db *gorm.DB
}

// TradeRecord mirrors one executor trade from entry through resolution.
type TradeRecord struct {
	ID          uint            `gorm:"primaryKey;autoIncrement"`
	TradeID     string          `gorm:"uniqueIndex"`
	WindowID    string          `gorm:"index"`
	Bucket      string          `gorm:"index"`
	ConditionID string
	TokenID     string
	Direction   string
	Shares      decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntryPrice  decimal.Decimal `gorm:"type:decimal(10,6)"`
	SizeUSD     decimal.Decimal `gorm:"type:decimal(20,6)"`
	OrderID     string
	OrderType   string
	Confidence  float64
	Anchor      decimal.Decimal `gorm:"type:decimal(20,6)"`
	Outcome     string          `gorm:"index"` // "", "win", "loss", "push"
	PnL         decimal.Decimal `gorm:"type:decimal(20,6)"`
	Redeemed    bool
	EnteredAt   time.Time
	ResolvedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WindowRecord captures how one market window ended, traded or skipped.
type WindowRecord struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	WindowID     string          `gorm:"uniqueIndex"`
	Timeframe    string          `gorm:"index"`
	OpenTS       int64
	CloseTS      int64
	SkipReason   string
	Direction    string
	Confidence   float64
	DriftPct     float64
	Anchor       decimal.Decimal `gorm:"type:decimal(20,6)"`
	SettledPrice decimal.Decimal `gorm:"type:decimal(20,6)"`
	Outcome      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ArbFillRecord is one completed both-sides arbitrage pair.
type ArbFillRecord struct {
	ID          uint            `gorm:"primaryKey;autoIncrement"`
	ConditionID string
	Slug        string          `gorm:"index"`
	SumPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	EdgePct     float64
	SizeUSD     decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status      string          `gorm:"index"` // "filled", "rolled_back", "failed"
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Open connects to the database named by databaseURL. A postgres:// or
// postgresql:// prefix selects Postgres; anything else is a SQLite path
// whose directory is created on demand.
func Open(databaseURL string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(databaseURL)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", databaseURL).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeRecord{}, &WindowRecord{}, &ArbFillRecord{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewTradeRecord converts an executor trade into its stored form.
func NewTradeRecord(t executor.Trade) TradeRecord {
	rec := TradeRecord{
		TradeID:     t.ID,
		WindowID:    t.WindowID,
		Bucket:      t.Bucket,
		ConditionID: t.ConditionID,
		TokenID:     t.TokenID,
		Direction:   string(t.Direction),
		Shares:      t.Shares,
		EntryPrice:  t.EntryPrice,
		SizeUSD:     t.SizeUSD,
		OrderID:     t.OrderID,
		OrderType:   string(t.OrderType),
		Confidence:  t.Confidence,
		Anchor:      t.Anchor,
		Outcome:     string(t.Outcome),
		PnL:         t.PnL,
		Redeemed:    t.Redeemed,
		EnteredAt:   t.EnteredAt,
	}
	if !t.ResolvedAt.IsZero() {
		resolved := t.ResolvedAt
		rec.ResolvedAt = &resolved
	}
	return rec
}

// SaveTrade upserts by trade id so the resolution pass updates the same row
// the entry pass created.
func (s *Store) SaveTrade(t executor.Trade) error {
	if s == nil {
		return nil
	}
	rec := NewTradeRecord(t)

	var existing TradeRecord
	err := s.db.Where("trade_id = ?", rec.TradeID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&rec).Error
	}
	if err != nil {
		return err
	}
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	return s.db.Save(&rec).Error
}

// GetTrade retrieves a single trade by its trade id.
func (s *Store) GetTrade(tradeID string) (*TradeRecord, error) {
	var rec TradeRecord
	err := s.db.First(&rec, "trade_id = ?", tradeID).Error
	return &rec, err
}

// RecentTrades returns the newest trades first.
func (s *Store) RecentTrades(limit int) ([]TradeRecord, error) {
	var recs []TradeRecord
	err := s.db.Order("entered_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// OpenTrades returns trades still awaiting resolution.
func (s *Store) OpenTrades() ([]TradeRecord, error) {
	var recs []TradeRecord
	err := s.db.Where("outcome = ?", "").Order("entered_at DESC").Find(&recs).Error
	return recs, err
}

// SaveWindow upserts by window id.
func (s *Store) SaveWindow(rec WindowRecord) error {
	if s == nil {
		return nil
	}
	var existing WindowRecord
	err := s.db.Where("window_id = ?", rec.WindowID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&rec).Error
	}
	if err != nil {
		return err
	}
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	return s.db.Save(&rec).Error
}

// SaveArbFill records one arbitrage pair attempt.
func (s *Store) SaveArbFill(rec ArbFillRecord) error {
	if s == nil {
		return nil
	}
	return s.db.Create(&rec).Error
}

// RecentArbFills returns the newest arb fills first.
func (s *Store) RecentArbFills(limit int) ([]ArbFillRecord, error) {
	var recs []ArbFillRecord
	err := s.db.Order("created_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// TotalPnL sums realized P&L across all resolved trades. Summed in Go so
// the decimal values stay exact; SQLite would coerce SUM to float.
func (s *Store) TotalPnL() (decimal.Decimal, error) {
	var pnls []decimal.Decimal
	err := s.db.Model(&TradeRecord{}).
		Where("outcome <> ?", "").
		Pluck("pn_l", &pnls).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range pnls {
		total = total.Add(p)
	}
	return total, nil
}

// GetStats aggregates counters for the dashboard and shutdown summary.
func (s *Store) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var tradeCount int64
	s.db.Model(&TradeRecord{}).Count(&tradeCount)
	stats["total_trades"] = tradeCount

	var winCount int64
	s.db.Model(&TradeRecord{}).Where("outcome = ?", "win").Count(&winCount)
	stats["won_trades"] = winCount

	var lossCount int64
	s.db.Model(&TradeRecord{}).Where("outcome = ?", "loss").Count(&lossCount)
	stats["lost_trades"] = lossCount

	var openCount int64
	s.db.Model(&TradeRecord{}).Where("outcome = ?", "").Count(&openCount)
	stats["open_positions"] = openCount

	pnl, _ := s.TotalPnL()
	stats["total_pnl"] = pnl

	var windowCount int64
	s.db.Model(&WindowRecord{}).Count(&windowCount)
	stats["windows_seen"] = windowCount

	var arbCount int64
	s.db.Model(&ArbFillRecord{}).Where("status = ?", "filled").Count(&arbCount)
	stats["arb_fills"] = arbCount

	type bucketCount struct {
		Bucket string
		Count  int64
	}
	var bucketCounts []bucketCount
	s.db.Model(&TradeRecord{}).Select("bucket, count(*) as count").Group("bucket").Scan(&bucketCounts)
	byBucket := make(map[string]int64)
	for _, bc := range bucketCounts {
		byBucket[bc.Bucket] = bc.Count
	}
	stats["by_bucket"] = byBucket

	return stats, nil
}
