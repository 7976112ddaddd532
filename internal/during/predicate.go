// Package during evaluates recurrence predicates against points in time and
// searches forward for the next instant a predicate becomes true.
package during

import (
	"time"

	"escalator/internal/domain"
)

// Calendar answers attendance and holiday questions for predicates.
type Calendar interface {
	BankHoliday(at time.Time) bool
	GroupEmpty(category string, at time.Time) bool
}

// Env is the fixed evaluation context of a predicate.
type Env struct {
	Now      time.Time
	Alert    *domain.Alert
	Calendar Calendar
}

// Predicate is a boolean condition over Env.
type Predicate interface {
	Active(env Env) bool
}

// Func adapts a closure to Predicate.
type Func func(env Env) bool

// Active calls f.
func (f Func) Active(env Env) bool {
	return f(env)
}

var (
	// Always is true at every instant.
	Always Predicate = Func(func(Env) bool { return true })
	// Never is false at every instant.
	Never Predicate = Func(func(Env) bool { return false })
)

// And is true when every predicate is true.
func And(predicates ...Predicate) Predicate {
	return Func(func(env Env) bool {
		for _, p := range predicates {
			if !p.Active(env) {
				return false
			}
		}
		return true
	})
}

// Or is true when any predicate is true.
func Or(predicates ...Predicate) Predicate {
	return Func(func(env Env) bool {
		for _, p := range predicates {
			if p.Active(env) {
				return true
			}
		}
		return false
	})
}

// Not negates p.
func Not(p Predicate) Predicate {
	return Func(func(env Env) bool { return !p.Active(env) })
}

// WorkingHours is Monday to Friday 09:00-17:00 outside bank holidays.
func WorkingHours() Predicate {
	return Func(func(env Env) bool {
		switch env.Now.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
		hour := env.Now.Hour()
		if hour < 9 || hour >= 17 {
			return false
		}
		return !isBankHoliday(env)
	})
}

// DaytimeHours is 08:00-20:00 on any day.
func DaytimeHours() Predicate {
	return Func(func(env Env) bool {
		hour := env.Now.Hour()
		return hour >= 8 && hour < 20
	})
}

// Weekdays is true on the listed days.
func Weekdays(days ...time.Weekday) Predicate {
	set := make(map[time.Weekday]struct{}, len(days))
	for _, day := range days {
		set[day] = struct{}{}
	}
	return Func(func(env Env) bool {
		_, ok := set[env.Now.Weekday()]
		return ok
	})
}

// Hours is true during the listed hours of the day (0-23).
func Hours(hours ...int) Predicate {
	set := make(map[int]struct{}, len(hours))
	for _, hour := range hours {
		set[hour] = struct{}{}
	}
	return Func(func(env Env) bool {
		_, ok := set[env.Now.Hour()]
		return ok
	})
}

// UnacknowledgedFor is true once a raised alert has gone unacknowledged for at least d.
func UnacknowledgedFor(d time.Duration) Predicate {
	return Func(func(env Env) bool {
		alert := env.Alert
		if alert == nil || !alert.IsRaised() || alert.IsAcknowledged() {
			return false
		}
		return env.Now.Sub(alert.RaisedAt) >= d
	})
}

// RaisedFor is true once the alert has been raised for at least d.
func RaisedFor(d time.Duration) Predicate {
	return Func(func(env Env) bool {
		alert := env.Alert
		if alert == nil || !alert.IsRaised() {
			return false
		}
		return env.Now.Sub(alert.RaisedAt) >= d
	})
}

// GroupEmpty is true when nobody from category is in attendance.
func GroupEmpty(category string) Predicate {
	return Func(func(env Env) bool {
		if env.Calendar == nil {
			return false
		}
		return env.Calendar.GroupEmpty(category, env.Now)
	})
}

// BankHoliday is true on bank holidays.
func BankHoliday() Predicate {
	return Func(isBankHoliday)
}

func isBankHoliday(env Env) bool {
	if env.Calendar == nil {
		return false
	}
	return env.Calendar.BankHoliday(env.Now)
}
