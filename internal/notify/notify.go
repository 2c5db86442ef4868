// Package notify pushes trade events to Telegram. Outbound only: the bot
// never reads commands, it just tells the operator what happened. A nil
// *Notifier is a no-op so callers don't guard every call site.
package notify

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/oraclebot/internal/executor"
	"github.com/web3guy0/oraclebot/internal/signal"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends formatted alerts to a single chat.
type Notifier struct {
	api    sender
	chatID int64
}

// New connects to Telegram. Returns nil (notifications off) when the token
// or chat id is unset; the caller keeps working without alerts.
func New(token string, chatID int64) (*Notifier, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return &Notifier{api: api, chatID: chatID}, nil
}

// Startup announces the bot coming online with its live lanes.
func (n *Notifier) Startup(bankroll decimal.Decimal, lanes []string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(`🟢 *Oraclebot Online*

*Bankroll:* $%s
*Lanes:* %s

BTC up/down prediction system active.`,
		bankroll.StringFixed(2),
		strings.Join(lanes, ", "),
	)
	n.sendMarkdown(text)
}

// PositionOpened reports a verified entry.
func (n *Notifier) PositionOpened(t executor.Trade) {
	if n == nil {
		return
	}
	emoji := "🟢"
	if t.Direction == signal.DirectionDown {
		emoji = "🔴"
	}

	text := fmt.Sprintf(`%s *POSITION OPENED*

*Window:* %s
*Direction:* %s
*Size:* $%s @ $%s
*Shares:* %s
*Confidence:* %.0f%%

_ID: %s_`,
		emoji,
		escapeMarkdown(t.WindowID),
		string(t.Direction),
		t.SizeUSD.StringFixed(2),
		t.EntryPrice.StringFixed(3),
		t.Shares.StringFixed(2),
		t.Confidence*100,
		t.ID,
	)
	n.sendMarkdown(text)
}

// PositionResolved reports a settlement with its P&L.
func (n *Notifier) PositionResolved(t executor.Trade) {
	if n == nil {
		return
	}

	var result string
	switch t.Outcome {
	case "win":
		result = fmt.Sprintf("✅ WIN: +$%s", t.PnL.StringFixed(2))
	case "loss":
		result = fmt.Sprintf("❌ LOSS: -$%s", t.PnL.Neg().StringFixed(2))
	default:
		result = "⚪ PUSH: $0.00"
	}

	text := fmt.Sprintf(`📅 *WINDOW RESOLVED*

*Window:* %s
*Direction:* %s
*Result:* %s

_ID: %s_`,
		escapeMarkdown(t.WindowID),
		string(t.Direction),
		result,
		t.ID,
	)
	n.sendMarkdown(text)
}

// PhantomFill warns that an accepted order never settled any shares.
func (n *Notifier) PhantomFill(windowID, orderID string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(`👻 *PHANTOM FILL DETECTED*

Order accepted but zero shares settled.
*Window:* %s
_Order: %s_

Position NOT recorded. Check the exchange.`,
		escapeMarkdown(windowID),
		orderID,
	)
	n.sendMarkdown(text)
}

// BreakerTripped warns that the order path is suspended.
func (n *Notifier) BreakerTripped(component string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(`🚫 *CIRCUIT BREAKER OPEN*

Component: %s
Order submission suspended until the API recovers.`,
		component,
	)
	n.sendMarkdown(text)
}

// ArbFilled reports a completed both-sides pair.
func (n *Notifier) ArbFilled(slug string, sum decimal.Decimal, edgePct float64, sizeUSD decimal.Decimal) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(`💰 *ARB PAIR FILLED*

*Market:* %s
*Sum:* $%s
*Net edge:* %.2f%%
*Size:* $%s per side`,
		escapeMarkdown(slug),
		sum.StringFixed(3),
		edgePct,
		sizeUSD.StringFixed(2),
	)
	n.sendMarkdown(text)
}

// Shutdown posts the session summary on the way out.
func (n *Notifier) Shutdown(totalPnL decimal.Decimal, wins, losses, pushes int) {
	if n == nil {
		return
	}
	emoji := "⚪"
	if totalPnL.IsPositive() {
		emoji = "🟢"
	} else if totalPnL.IsNegative() {
		emoji = "🔴"
	}

	text := fmt.Sprintf(`🔴 *Oraclebot Offline*

*Session:*
%s Total P/L: $%s
├ Wins: %d
├ Losses: %d
└ Pushes: %d`,
		emoji,
		totalPnL.StringFixed(2),
		wins,
		losses,
		pushes,
	)
	n.sendMarkdown(text)
}

func (n *Notifier) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
