package throttle

import (
	"sort"
	"time"
)

// Threshold allows at most Count sends in any Period.
type Threshold struct {
	Period time.Duration
	Count  int
}

// Limiter holds one Window per configured period.
// It is not safe for concurrent use.
type Limiter struct {
	periods []time.Duration
	windows map[time.Duration]*Window
}

// NewLimiter builds a limiter. Thresholds with a non-positive period or count are ignored;
// a repeated period keeps the last count.
func NewLimiter(thresholds []Threshold) *Limiter {
	l := &Limiter{windows: make(map[time.Duration]*Window, len(thresholds))}
	for _, threshold := range thresholds {
		if threshold.Period <= 0 || threshold.Count <= 0 {
			continue
		}
		if _, exists := l.windows[threshold.Period]; !exists {
			l.periods = append(l.periods, threshold.Period)
		}
		l.windows[threshold.Period] = NewWindow(threshold.Count)
	}
	sort.Slice(l.periods, func(i, j int) bool { return l.periods[i] < l.periods[j] })
	return l
}

// Empty reports whether no thresholds are configured.
func (l *Limiter) Empty() bool {
	return len(l.periods) == 0
}

// ShouldSuppress reports whether a send at now must be withheld. For any period it
// suppresses when the oldest slot lies within the period (the window is full), or when
// suppressed is already set and the newest send lies within the period. A non-nil
// hypothetical is pushed onto a copy of each window first, answering whether a further
// send would still be suppressed after one at that instant.
func (l *Limiter) ShouldSuppress(now time.Time, hypothetical *time.Time, suppressed bool) bool {
	for _, period := range l.periods {
		window := l.windows[period]
		if hypothetical != nil {
			window = window.clone()
			window.Push(*hypothetical)
		}
		if within(window.Oldest(), now, period) {
			return true
		}
		if suppressed && within(window.Newest(), now, period) {
			return true
		}
	}
	return false
}

// Record pushes at onto every window.
func (l *Limiter) Record(at time.Time) {
	for _, period := range l.periods {
		l.windows[period].Push(at)
	}
}

// Window returns the window for period, or nil.
func (l *Limiter) Window(period time.Duration) *Window {
	return l.windows[period]
}

func within(at, now time.Time, period time.Duration) bool {
	if at.IsZero() {
		return false
	}
	return now.Sub(at) < period
}
