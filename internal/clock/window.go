package clock

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State is a window's pipeline phase.
type State string

const (
	StatePending   State = "pending"
	StateAnchored  State = "anchored"
	StateEvaluated State = "evaluated"
	StateOrdered   State = "ordered"
	StateResolved  State = "resolved"
	StateSkipped   State = "skipped"
)

// SkipReason explains why a window terminated without an order.
type SkipReason string

const (
	SkipOverlap     SkipReason = "overlap"      // 5m open shared with the 15m lane
	SkipNoAnchor    SkipReason = "no_anchor"    // no fresh tick within the anchor deadline
	SkipSignal      SkipReason = "signal"       // Hold or confidence below threshold
	SkipRisk        SkipReason = "risk"         // bucket vetoed the stake
	SkipExecution   SkipReason = "execution"    // order rejected, phantom, or failed
	SkipEntryWindow SkipReason = "entry_window" // submission deadline passed
	SkipData        SkipReason = "data"         // stale tick or short candle history
)

// Outcome is a resolved window's result relative to the entry side.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomePush Outcome = "push"
)

// Window is one market interval [OpenTS, CloseTS). A single lane goroutine
// owns it through its lifecycle; anything shared (dashboard, journal) gets
// copies.
type Window struct {
	Timeframe  Timeframe
	OpenTS     int64
	CloseTS    int64
	State      State
	Skip       SkipReason
	Outcome    Outcome
	Anchor     decimal.Decimal
	AnchorTS   int64 // unix ms of the anchor tick
	ResolvedAt int64
}

// NewWindow builds a pending window opening at the given boundary.
func NewWindow(tf Timeframe, openTS int64) *Window {
	return &Window{
		Timeframe: tf,
		OpenTS:    openTS,
		CloseTS:   openTS + tf.Seconds(),
		State:     StatePending,
	}
}

// ID is the globally unique window identity: timeframe plus open timestamp.
func (w *Window) ID() string {
	return fmt.Sprintf("%s-%d", w.Timeframe, w.OpenTS)
}

// Open returns the window open as UTC wall time.
func (w *Window) Open() time.Time {
	return time.Unix(w.OpenTS, 0).UTC()
}

// Close returns the window close as UTC wall time.
func (w *Window) Close() time.Time {
	return time.Unix(w.CloseTS, 0).UTC()
}

// Remaining returns time left until close, negative once closed.
func (w *Window) Remaining(now time.Time) time.Duration {
	return w.Close().Sub(now)
}

// Terminal reports whether the window reached Resolved or Skipped.
func (w *Window) Terminal() bool {
	return w.State == StateResolved || w.State == StateSkipped
}

// SetAnchor transitions Pending -> Anchored. The anchor is set exactly once.
func (w *Window) SetAnchor(price decimal.Decimal, tsMs int64) error {
	if w.State != StatePending {
		return fmt.Errorf("window %s: anchor in state %s", w.ID(), w.State)
	}
	w.Anchor = price
	w.AnchorTS = tsMs
	w.State = StateAnchored
	return nil
}

// MarkEvaluated transitions Anchored -> Evaluated.
func (w *Window) MarkEvaluated() error {
	if w.State != StateAnchored {
		return fmt.Errorf("window %s: evaluate in state %s", w.ID(), w.State)
	}
	w.State = StateEvaluated
	return nil
}

// MarkOrdered transitions Evaluated -> Ordered.
func (w *Window) MarkOrdered() error {
	if w.State != StateEvaluated {
		return fmt.Errorf("window %s: order in state %s", w.ID(), w.State)
	}
	w.State = StateOrdered
	return nil
}

// Resolve transitions Ordered -> Resolved with the settled outcome.
func (w *Window) Resolve(outcome Outcome, now time.Time) error {
	if w.State != StateOrdered {
		return fmt.Errorf("window %s: resolve in state %s", w.ID(), w.State)
	}
	w.Outcome = outcome
	w.ResolvedAt = now.Unix()
	w.State = StateResolved
	return nil
}

// MarkSkipped terminates any non-terminal window with a reason.
func (w *Window) MarkSkipped(reason SkipReason) error {
	if w.Terminal() {
		return fmt.Errorf("window %s: skip in state %s", w.ID(), w.State)
	}
	w.Skip = reason
	w.State = StateSkipped
	return nil
}
