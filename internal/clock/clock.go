// Package clock owns window timing: UTC boundary alignment, window identity
// and lifecycle state, and interruptible sleeps. All boundaries are UTC
// minutes divisible by the timeframe; sleeps run on the monotonic clock but
// callers re-read wall time every iteration so long runs cannot drift.
package clock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is a window length. The directional lanes trade 5m and 15m;
// 30m and 1h exist for the arb scanner.
type Timeframe string

const (
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
)

// ParseTimeframe maps a slug suffix to a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case TF5m, TF15m, TF30m, TF1h:
		return Timeframe(s), nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Seconds returns the window length in seconds.
func (tf Timeframe) Seconds() int64 {
	switch tf {
	case TF5m:
		return 300
	case TF15m:
		return 900
	case TF30m:
		return 1800
	case TF1h:
		return 3600
	}
	return 0
}

// Duration returns the window length.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Seconds()) * time.Second
}

// NextBoundary returns the first boundary strictly after now for the
// timeframe. Boundaries are Unix times divisible by the window length,
// which for whole-minute timeframes is exactly the UTC minutes divisible
// by the timeframe.
func NextBoundary(now time.Time, tf Timeframe) time.Time {
	secs := tf.Seconds()
	next := (now.Unix()/secs + 1) * secs
	return time.Unix(next, 0).UTC()
}

// FloorBoundary returns the open of the window containing now.
func FloorBoundary(now time.Time, tf Timeframe) time.Time {
	secs := tf.Seconds()
	return time.Unix((now.Unix()/secs)*secs, 0).UTC()
}

// SharedWith15m reports whether a 5m open timestamp is also a 15m boundary.
// The 5m lane yields those windows to the 15m lane, leaving it the
// :05/:10/:20/:25/:35/:40/:50/:55 openings.
func SharedWith15m(openTS int64) bool {
	return openTS%TF15m.Seconds() == 0
}

// ParseWindowID splits a "<timeframe>-<openTS>" window identifier back into
// its parts. Inverse of Window.ID.
func ParseWindowID(id string) (Timeframe, int64, error) {
	tfPart, tsPart, ok := strings.Cut(id, "-")
	if !ok {
		return "", 0, fmt.Errorf("bad window id %q", id)
	}
	tf, err := ParseTimeframe(tfPart)
	if err != nil {
		return "", 0, fmt.Errorf("bad window id %q: %w", id, err)
	}
	openTS, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad window id %q: %w", id, err)
	}
	return tf, openTS, nil
}

// SleepUntil blocks until target or until the context is cancelled. The wait
// itself rides the monotonic clock; compute target from a fresh UTC read.
func SleepUntil(ctx context.Context, target time.Time) error {
	d := time.Until(target)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sleep blocks for d or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
