package during

import (
	"time"

	"escalator/internal/domain"
)

const (
	// DefaultHorizon bounds FindNext searches.
	DefaultHorizon = 8 * 24 * time.Hour

	initialStep = time.Hour
	minimumStep = time.Second
	stepFactor  = 60
)

// Evaluator binds a predicate to one alert and memoizes results per instant.
// It is not safe for concurrent use; create one per evaluation pass.
type Evaluator struct {
	predicate Predicate
	alert     *domain.Alert
	calendar  Calendar
	location  *time.Location
	memo      map[int64]bool
}

// NewEvaluator builds an evaluator. A nil predicate is Always, a nil location is time.Local.
func NewEvaluator(predicate Predicate, alert *domain.Alert, calendar Calendar, location *time.Location) *Evaluator {
	if predicate == nil {
		predicate = Always
	}
	if location == nil {
		location = time.Local
	}
	return &Evaluator{
		predicate: predicate,
		alert:     alert,
		calendar:  calendar,
		location:  location,
		memo:      make(map[int64]bool),
	}
}

// IsActive evaluates the predicate with t bound as the current instant.
func (e *Evaluator) IsActive(t time.Time) bool {
	key := t.UnixNano()
	if active, ok := e.memo[key]; ok {
		return active
	}
	active := e.predicate.Active(Env{Now: t.In(e.location), Alert: e.alert, Calendar: e.calendar})
	e.memo[key] = active
	return active
}

// FindNext is FindNextWithin with the default horizon.
func (e *Evaluator) FindNext(start time.Time, after time.Duration) (time.Time, bool) {
	return e.FindNextWithin(start, after, DefaultHorizon)
}

// FindNextWithin returns the first instant at or after start+after when the predicate is
// active. The search steps by an hour, narrowing to minutes and then seconds around an
// inactive-to-active boundary. It gives up once past start+horizon.
func (e *Evaluator) FindNextWithin(start time.Time, after, horizon time.Duration) (time.Time, bool) {
	t := start.Add(after)
	if e.IsActive(t) {
		return t, true
	}

	limit := start.Add(horizon)
	step := initialStep
	for !t.After(limit) {
		if e.IsActive(t) {
			return t, true
		}
		if step > minimumStep && e.IsActive(t.Add(step)) {
			step /= stepFactor
			continue
		}
		t = t.Add(step)
	}
	return time.Time{}, false
}
