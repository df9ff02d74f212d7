package lifecycle

import (
	"fmt"
	"time"
)

// WindowSet holds the time thresholds that drive windowed state evaluation.
// All thresholds are configuration, never compiled constants; per-product
// overrides are resolved by config before the calculators run.
type WindowSet struct {
	// ActiveWindow bounds the "active" lookback: a qualifying event in
	// (watermark-ActiveWindow, watermark] keeps the entity active.
	ActiveWindow time.Duration

	// DormantWindow bounds the dormant-vs-churned boundary: no qualifying
	// event in (watermark-DormantWindow, watermark] means churned.
	DormantWindow time.Duration

	// SignupGrace is how long after creation an entity with no qualifying
	// activity still counts as new rather than churn-track.
	SignupGrace time.Duration

	// ActivationThreshold is the number of qualifying events inside the
	// signup grace needed to promote new -> active.
	ActivationThreshold int
}

// DefaultWindows returns the stock 30/60-day thresholds.
func DefaultWindows() WindowSet {
	return WindowSet{
		ActiveWindow:        30 * 24 * time.Hour,
		DormantWindow:       60 * 24 * time.Hour,
		SignupGrace:         30 * 24 * time.Hour,
		ActivationThreshold: 1,
	}
}

// Validate checks internal consistency of the threshold set.
func (w WindowSet) Validate() error {
	if w.ActiveWindow <= 0 {
		return fmt.Errorf("active_window must be > 0")
	}
	if w.DormantWindow <= w.ActiveWindow {
		return fmt.Errorf("dormant_window (%s) must exceed active_window (%s)", w.DormantWindow, w.ActiveWindow)
	}
	if w.SignupGrace <= 0 {
		return fmt.Errorf("signup_grace must be > 0")
	}
	if w.ActivationThreshold < 1 {
		return fmt.Errorf("activation_threshold must be >= 1")
	}
	return nil
}

// InWindow reports whether ts falls inside the half-open window
// (watermark-size, watermark]. An event exactly size old is excluded,
// which pins down the boundary case: a 30-day-old event is outside the
// 30-day window, one at 29d23h59m59s is inside.
func InWindow(ts, watermark time.Time, size time.Duration) bool {
	if ts.After(watermark) {
		return false
	}
	return ts.After(watermark.Add(-size))
}

// ParseWindowSize parses a duration string into a time.Duration.
// Supports Go duration syntax (e.g. "12h", "90m") plus "Xd" for days,
// which time.ParseDuration does not accept.
func ParseWindowSize(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("window size must not be empty")
	}

	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("invalid window size %q: %w", s, err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("window size must be positive, got %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid window size %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window size must be positive, got %q", s)
	}
	return d, nil
}

// wholeDays converts an elapsed duration to full days, never negative.
func wholeDays(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}
