package during

import (
	"testing"
	"time"

	"escalator/internal/domain"
)

type fakeCalendar struct {
	holidays map[string]bool
	empty    map[string]bool
}

func (c fakeCalendar) BankHoliday(at time.Time) bool {
	return c.holidays[at.Format(time.DateOnly)]
}

func (c fakeCalendar) GroupEmpty(category string, _ time.Time) bool {
	return c.empty[category]
}

// 2024-03-09 is a Saturday.
var saturdayNoon = time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

func TestFindNextReturnsStartWhenAlreadyActive(t *testing.T) {
	t.Parallel()

	e := NewEvaluator(Always, nil, nil, time.UTC)
	got, ok := e.FindNext(saturdayNoon, 0)
	if !ok || !got.Equal(saturdayNoon) {
		t.Fatalf("expected %v, got %v ok=%v", saturdayNoon, got, ok)
	}

	got, ok = e.FindNext(saturdayNoon, 10*time.Minute)
	if !ok || !got.Equal(saturdayNoon.Add(10*time.Minute)) {
		t.Fatalf("expected offset start, got %v ok=%v", got, ok)
	}
}

func TestFindNextLandsOnExactSecondBoundary(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 4, 10, 0, 30, 0, time.UTC)
	e := NewEvaluator(Hours(14), nil, nil, time.UTC)
	got, ok := e.FindNext(start, 0)
	want := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	if !ok || !got.Equal(want) {
		t.Fatalf("expected %v, got %v ok=%v", want, got, ok)
	}
}

func TestFindNextWorkingHoursSkipsWeekendAndBankHoliday(t *testing.T) {
	t.Parallel()

	e := NewEvaluator(WorkingHours(), nil, fakeCalendar{}, time.UTC)
	got, ok := e.FindNext(saturdayNoon, 0)
	want := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	if !ok || !got.Equal(want) {
		t.Fatalf("expected monday 09:00, got %v ok=%v", got, ok)
	}

	cal := fakeCalendar{holidays: map[string]bool{"2024-03-11": true}}
	e = NewEvaluator(WorkingHours(), nil, cal, time.UTC)
	got, ok = e.FindNext(saturdayNoon, 0)
	want = time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	if !ok || !got.Equal(want) {
		t.Fatalf("expected tuesday 09:00, got %v ok=%v", got, ok)
	}
}

func TestFindNextGivesUpPastHorizon(t *testing.T) {
	t.Parallel()

	e := NewEvaluator(Never, nil, nil, time.UTC)
	if got, ok := e.FindNext(saturdayNoon, 0); ok {
		t.Fatalf("expected no instant, got %v", got)
	}

	e = NewEvaluator(Hours(14), nil, nil, time.UTC)
	start := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	if got, ok := e.FindNextWithin(start, 0, 12*time.Hour); ok {
		t.Fatalf("expected nothing within 12h, got %v", got)
	}
}

func TestEvaluatorConvertsToLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+3", 3*3600)
	e := NewEvaluator(Hours(9), nil, nil, loc)
	if !e.IsActive(time.Date(2024, 3, 4, 6, 30, 0, 0, time.UTC)) {
		t.Fatalf("06:30 UTC is 09:30 in UTC+3")
	}
}

func TestIsActiveMemoizesPerInstant(t *testing.T) {
	t.Parallel()

	calls := 0
	counting := Func(func(Env) bool {
		calls++
		return false
	})
	e := NewEvaluator(counting, nil, nil, time.UTC)
	e.IsActive(saturdayNoon)
	e.IsActive(saturdayNoon)
	e.IsActive(saturdayNoon.Add(time.Second))
	if calls != 2 {
		t.Fatalf("expected 2 evaluations, got %d", calls)
	}
}

func TestAlertAgePredicates(t *testing.T) {
	t.Parallel()

	raised := saturdayNoon
	alert := &domain.Alert{AlertID: "a", Source: "s"}
	alert.Raise(raised)

	unacked := NewEvaluator(UnacknowledgedFor(10*time.Minute), alert, nil, time.UTC)
	got, ok := unacked.FindNext(raised, 0)
	if !ok || !got.Equal(raised.Add(10*time.Minute)) {
		t.Fatalf("expected raised+10m, got %v ok=%v", got, ok)
	}

	if err := alert.Acknowledge("ops", raised, time.Time{}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	unacked = NewEvaluator(UnacknowledgedFor(10*time.Minute), alert, nil, time.UTC)
	if unacked.IsActive(raised.Add(time.Hour)) {
		t.Fatalf("acknowledged alert must not match unacknowledged predicate")
	}
	if !NewEvaluator(RaisedFor(time.Minute), alert, nil, time.UTC).IsActive(raised.Add(time.Minute)) {
		t.Fatalf("raised_for must ignore acknowledgement")
	}
}

func TestCombinators(t *testing.T) {
	t.Parallel()

	env := Env{Now: saturdayNoon, Calendar: fakeCalendar{empty: map[string]bool{"oncall": true}}}
	if !And(DaytimeHours(), Weekdays(time.Saturday), GroupEmpty("oncall")).Active(env) {
		t.Fatalf("expected and to hold")
	}
	if Or(WorkingHours(), BankHoliday(), GroupEmpty("day")).Active(env) {
		t.Fatalf("expected or to fail")
	}
	if !Not(WorkingHours()).Active(env) {
		t.Fatalf("saturday is outside working hours")
	}
}
