package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/config"
)

// Bucket names. Each trading lane draws from its own bucket so a losing
// streak or exhausted budget in one lane never blocks another.
const (
	Bucket15m   = "15m"
	Bucket5m    = "5m"
	BucketLate  = "late_window"
	BucketArb   = "arb"
	BucketMaker = "mm"
	BucketHedge = "hedge"
)

// Limits defines a bucket's daily ceilings. Zero values disable the
// corresponding gate: MaxTrades=0 means uncapped, MaxStreak=0 disables the
// streak breaker, DailyLossPct=0 disables the loss breaker, and with both
// budget terms zero the bucket may spend the whole bankroll.
type Limits struct {
	MaxTrades    int
	MaxStreak    int
	Cooldown     time.Duration
	HardCapUSD   decimal.Decimal
	DailyLossPct float64
	BudgetPct    float64         // % of start-of-day bankroll
	BudgetUSD    decimal.Decimal // absolute daily cap
}

type bucket struct {
	limits        Limits
	tradesToday   int
	usedToday     decimal.Decimal
	pnlToday      decimal.Decimal
	wins          int
	losses        int
	streak        int
	cooldownUntil time.Time
}

// Decision is the outcome of a sizing request: either an approved stake or
// a veto with the gate that fired.
type Decision struct {
	Allowed bool
	Reason  string
	Stake   decimal.Decimal
}

// BucketStatus is a read-only snapshot of one bucket for the dashboard and
// the performance file.
type BucketStatus struct {
	Name          string          `json:"name"`
	TradesToday   int             `json:"trades_today"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	PnLToday      decimal.Decimal `json:"pnl_today"`
	UsedToday     decimal.Decimal `json:"used_today"`
	BudgetUSD     decimal.Decimal `json:"budget_usd"`
	Streak        int             `json:"loss_streak"`
	CooldownUntil time.Time       `json:"cooldown_until,omitempty"`
	CanTrade      bool            `json:"can_trade"`
	Reason        string          `json:"reason"`
}

// Manager is the gatekeeper: no lane places an order without an approved
// Decision, and every placement and resolution is recorded back so the
// daily ceilings hold.
type Manager struct {
	mu       sync.Mutex
	kelly    decimal.Decimal
	minTrade decimal.Decimal
	bankroll decimal.Decimal
	dayStart decimal.Decimal // start-of-day capital; loss caps and % budgets reference this
	totalPnL decimal.Decimal
	day      string
	buckets  map[string]*bucket
	now      func() time.Time
}

// New builds the manager with one bucket per lane, limits drawn from the
// per-lane config sections.
func New(cfg *config.Config) *Manager {
	m := &Manager{
		kelly:    decimal.NewFromFloat(cfg.Risk.KellyFraction),
		minTrade: decimal.NewFromFloat(cfg.Risk.MinTradeUSD),
		bankroll: cfg.Bankroll,
		dayStart: cfg.Bankroll,
		now:      time.Now,
		buckets: map[string]*bucket{
			Bucket15m: newBucket(Limits{
				MaxTrades:    cfg.Risk.MaxDailyTrades,
				MaxStreak:    cfg.Risk.MaxStreak,
				Cooldown:     time.Duration(cfg.Risk.CooldownMins) * time.Minute,
				HardCapUSD:   decimal.NewFromFloat(cfg.Risk.MaxTradeUSD),
				DailyLossPct: cfg.Risk.DailyLossCapPct,
			}),
			Bucket5m: newBucket(Limits{
				MaxTrades:    cfg.Risk.Max5mDailyTrades,
				MaxStreak:    cfg.Risk.Max5mStreak,
				Cooldown:     time.Duration(cfg.Risk.Cooldown5mMins) * time.Minute,
				HardCapUSD:   decimal.NewFromFloat(cfg.Risk.Max5mTradeUSD),
				DailyLossPct: cfg.Risk.DailyLossCap5m,
				BudgetPct:    30.0,
			}),
			BucketLate: newBucket(Limits{
				MaxTrades:  cfg.Late.MaxDailyTrades,
				MaxStreak:  3,
				Cooldown:   30 * time.Minute,
				HardCapUSD: decimal.NewFromFloat(cfg.Late.MaxTradeUSD),
				BudgetPct:  cfg.Late.BudgetPct,
			}),
			BucketArb: newBucket(Limits{
				MaxTrades: cfg.Arb.MaxDailyTrades,
				BudgetUSD: decimal.NewFromFloat(cfg.Arb.DailyBudgetUSD),
			}),
			BucketMaker: newBucket(Limits{
				BudgetUSD: decimal.NewFromFloat(cfg.Maker.DailyBudgetUSD),
			}),
			BucketHedge: newBucket(Limits{
				HardCapUSD: decimal.NewFromFloat(cfg.Hedge.MaxTradeUSD),
			}),
		},
	}
	m.day = m.today()
	return m
}

func newBucket(l Limits) *bucket {
	return &bucket{
		limits:    l,
		usedToday: decimal.Zero,
		pnlToday:  decimal.Zero,
	}
}

func (m *Manager) today() string {
	return m.now().UTC().Format("2006-01-02")
}

// resetDayLocked clears daily counters at 00:00 UTC. Cooldowns survive the
// reset: a breaker tripped at 23:55 still holds past midnight.
func (m *Manager) resetDayLocked() {
	today := m.today()
	if m.day == today {
		return
	}
	for name, b := range m.buckets {
		if b.tradesToday > 0 {
			log.Info().
				Str("bucket", name).
				Int("trades", b.tradesToday).
				Str("pnl", b.pnlToday.StringFixed(2)).
				Msg("📅 Daily reset (UTC midnight)")
		}
		b.tradesToday = 0
		b.usedToday = decimal.Zero
		b.pnlToday = decimal.Zero
		b.wins = 0
		b.losses = 0
		b.streak = 0
	}
	m.day = today
	m.dayStart = m.bankroll
}

// budgetLocked returns the bucket's daily spend ceiling.
func (m *Manager) budgetLocked(b *bucket) decimal.Decimal {
	budget := m.dayStart
	if m.dayStart.IsZero() {
		budget = m.bankroll
	}
	if b.limits.BudgetPct > 0 {
		budget = m.dayStart.Mul(decimal.NewFromFloat(b.limits.BudgetPct / 100))
	}
	if b.limits.BudgetUSD.IsPositive() && b.limits.BudgetUSD.LessThan(budget) {
		budget = b.limits.BudgetUSD
	}
	return budget
}

func (m *Manager) canTradeLocked(b *bucket) (bool, string) {
	now := m.now()
	if now.Before(b.cooldownUntil) {
		remaining := int(b.cooldownUntil.Sub(now).Seconds())
		return false, fmt.Sprintf("cooldown (%ds remaining)", remaining)
	}
	if b.limits.MaxTrades > 0 && b.tradesToday >= b.limits.MaxTrades {
		return false, fmt.Sprintf("daily trade limit (%d)", b.limits.MaxTrades)
	}
	budget := m.budgetLocked(b)
	if b.usedToday.GreaterThanOrEqual(budget) {
		return false, fmt.Sprintf("daily budget exhausted ($%s)", budget.StringFixed(2))
	}
	if b.limits.DailyLossPct > 0 && m.dayStart.IsPositive() {
		loss := decimal.Min(b.pnlToday, decimal.Zero).Abs()
		lossPct, _ := loss.Div(m.dayStart).Mul(decimal.NewFromInt(100)).Float64()
		if lossPct >= b.limits.DailyLossPct {
			return false, fmt.Sprintf("daily loss limit (%.1f%%)", lossPct)
		}
	}
	if !m.bankroll.IsPositive() {
		return false, "no capital"
	}
	return true, "OK"
}

// CanTrade runs the gates without sizing. Lanes with fixed stakes (arb legs,
// maker quotes) use this and report their own spend via RecordTrade.
func (m *Manager) CanTrade(name string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDayLocked()

	b, ok := m.buckets[name]
	if !ok {
		return false, "unknown bucket"
	}
	return m.canTradeLocked(b)
}

// Size runs the gates and, if they pass, computes a fractional-Kelly stake
// capped by the bucket's hard cap and remaining daily budget. Stakes under
// the minimum are vetoed rather than bumped up.
func (m *Manager) Size(name string, confidence float64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDayLocked()

	b, ok := m.buckets[name]
	if !ok {
		return Decision{Reason: "unknown bucket"}
	}
	if ok, reason := m.canTradeLocked(b); !ok {
		return Decision{Reason: reason}
	}

	edge := decimal.NewFromFloat(2*confidence - 1)
	if !edge.IsPositive() {
		return Decision{Reason: "no edge"}
	}

	stake := m.bankroll.Mul(edge).Mul(m.kelly)
	if b.limits.HardCapUSD.IsPositive() {
		stake = decimal.Min(stake, b.limits.HardCapUSD)
	}
	remaining := m.budgetLocked(b).Sub(b.usedToday)
	stake = decimal.Min(stake, remaining, m.bankroll)
	if stake.LessThan(m.minTrade) {
		return Decision{Reason: fmt.Sprintf("stake below minimum ($%s)", m.minTrade.StringFixed(2))}
	}
	return Decision{Allowed: true, Reason: "OK", Stake: stake.Round(2)}
}

// RecordTrade books a placement against the bucket's trade count and budget.
// P&L is booked separately when the position resolves.
func (m *Manager) RecordTrade(name string, size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDayLocked()

	b, ok := m.buckets[name]
	if !ok {
		return
	}
	b.tradesToday++
	b.usedToday = b.usedToday.Add(size)
}

// RecordWin books a winning resolution and clears the loss streak.
func (m *Manager) RecordWin(name string, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDayLocked()

	b, ok := m.buckets[name]
	if !ok {
		return
	}
	b.wins++
	b.streak = 0
	m.applyPnLLocked(name, b, pnl)
}

// RecordLoss books a losing resolution. Reaching the bucket's streak limit
// trips its cooldown.
func (m *Manager) RecordLoss(name string, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDayLocked()

	b, ok := m.buckets[name]
	if !ok {
		return
	}
	b.losses++
	b.streak++
	if b.limits.MaxStreak > 0 && b.streak >= b.limits.MaxStreak {
		b.cooldownUntil = m.now().Add(b.limits.Cooldown)
		log.Warn().
			Str("bucket", name).
			Int("streak", b.streak).
			Time("until", b.cooldownUntil).
			Msg("⚠️ Loss streak cooldown tripped")
	}
	m.applyPnLLocked(name, b, pnl)
}

// RecordPush books a flat resolution. The streak is left untouched.
func (m *Manager) RecordPush(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDayLocked()
}

func (m *Manager) applyPnLLocked(name string, b *bucket, pnl decimal.Decimal) {
	b.pnlToday = b.pnlToday.Add(pnl)
	m.totalPnL = m.totalPnL.Add(pnl)
	m.bankroll = m.bankroll.Add(pnl)
	log.Info().
		Str("bucket", name).
		Int("trades", b.tradesToday).
		Str("wl", fmt.Sprintf("%d/%d", b.wins, b.losses)).
		Str("pnl", b.pnlToday.StringFixed(2)).
		Str("capital", m.bankroll.StringFixed(2)).
		Msg("💰 Risk accounting")
}

// SetBankroll replaces the working capital, used by live-balance sync.
// The start-of-day reference is left alone so loss caps stay anchored.
func (m *Manager) SetBankroll(b decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bankroll = b
	if !m.dayStart.IsPositive() {
		m.dayStart = b
	}
}

// Bankroll returns the current working capital.
func (m *Manager) Bankroll() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bankroll
}

// TotalPnL returns realized P&L across all buckets since start.
func (m *Manager) TotalPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalPnL
}

// Status snapshots every bucket.
func (m *Manager) Status() map[string]BucketStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDayLocked()

	out := make(map[string]BucketStatus, len(m.buckets))
	for name, b := range m.buckets {
		can, reason := m.canTradeLocked(b)
		s := BucketStatus{
			Name:        name,
			TradesToday: b.tradesToday,
			Wins:        b.wins,
			Losses:      b.losses,
			PnLToday:    b.pnlToday,
			UsedToday:   b.usedToday,
			BudgetUSD:   m.budgetLocked(b),
			Streak:      b.streak,
			CanTrade:    can,
			Reason:      reason,
		}
		if !b.cooldownUntil.IsZero() {
			s.CooldownUntil = b.cooldownUntil
		}
		out[name] = s
	}
	return out
}
