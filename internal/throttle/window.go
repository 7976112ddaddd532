// Package throttle implements sliding-window suppression of notifications.
package throttle

import "time"

// Window keeps the N most recent send times, oldest first.
// Unused slots hold the zero time.
type Window struct {
	times []time.Time
}

// NewWindow creates a window of fixed length size (minimum 1).
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{times: make([]time.Time, size)}
}

// Len returns the fixed window length.
func (w *Window) Len() int {
	return len(w.times)
}

// Oldest returns the first slot, zero while the window has not filled.
func (w *Window) Oldest() time.Time {
	return w.times[0]
}

// Newest returns the last recorded send time.
func (w *Window) Newest() time.Time {
	return w.times[len(w.times)-1]
}

// Push appends at and drops the oldest slot.
func (w *Window) Push(at time.Time) {
	copy(w.times, w.times[1:])
	w.times[len(w.times)-1] = at
}

// Times returns a copy of the slots.
func (w *Window) Times() []time.Time {
	out := make([]time.Time, len(w.times))
	copy(out, w.times)
	return out
}

func (w *Window) clone() *Window {
	return &Window{times: w.Times()}
}
