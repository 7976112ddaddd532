package during

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Expression is a Predicate compiled from configuration text.
type Expression struct {
	source   string
	program  *vm.Program
	logger   *slog.Logger
	reported atomic.Bool
}

// Option adjusts a compiled expression.
type Option func(*Expression)

// WithLogger sets the logger that receives runtime evaluation errors.
func WithLogger(logger *slog.Logger) Option {
	return func(x *Expression) {
		if logger != nil {
			x.logger = logger
		}
	}
}

// Compile type-checks source against the predicate environment and requires a bool result.
// Blank source compiles to Always.
func Compile(source string, opts ...Option) (Predicate, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return Always, nil
	}
	program, err := expr.Compile(trimmed, expr.Env(exprEnv(Env{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", trimmed, err)
	}
	x := &Expression{source: trimmed, program: program, logger: slog.Default()}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// Active runs the compiled program. Runtime errors evaluate to false; the
// first one is logged at warn level and later ones at debug.
func (x *Expression) Active(env Env) bool {
	result, err := expr.Run(x.program, exprEnv(env))
	if err != nil {
		level := slog.LevelDebug
		if x.reported.CompareAndSwap(false, true) {
			level = slog.LevelWarn
		}
		x.logger.Log(context.Background(), level, "expression evaluation failed", "expression", x.source, "error", err.Error())
		return false
	}
	active, _ := result.(bool)
	return active
}

// String returns the expression source.
func (x *Expression) String() string {
	return x.source
}

func exprEnv(env Env) map[string]any {
	now := env.Now
	values := map[string]any{
		"hour":         now.Hour(),
		"minute":       now.Minute(),
		"weekday":      int(now.Weekday()),
		"source":       "",
		"alert_id":     "",
		"subject":      "",
		"summary":      "",
		"detail":       "",
		"importance":   0,
		"update_type":  "",
		"raised":       false,
		"acknowledged": false,
		"cleared":      true,

		"working_hours": func() bool { return WorkingHours().Active(env) },
		"daytime_hours": func() bool { return DaytimeHours().Active(env) },
		"bank_holiday":  func() bool { return isBankHoliday(env) },
		"days_in_week": func(days ...int) bool {
			weekdays := make([]time.Weekday, 0, len(days))
			for _, day := range days {
				weekdays = append(weekdays, time.Weekday(day))
			}
			return Weekdays(weekdays...).Active(env)
		},
		"hours_in_day": func(hours ...int) bool { return Hours(hours...).Active(env) },
		"unacknowledged": func(seconds int) bool {
			return UnacknowledgedFor(time.Duration(seconds) * time.Second).Active(env)
		},
		"raised_for": func(seconds int) bool {
			return RaisedFor(time.Duration(seconds) * time.Second).Active(env)
		},
		"no_one_in": func(category string) bool { return GroupEmpty(category).Active(env) },
	}
	if alert := env.Alert; alert != nil {
		values["source"] = alert.Source
		values["alert_id"] = alert.AlertID
		values["subject"] = alert.Subject
		values["summary"] = alert.Summary
		values["detail"] = alert.Detail
		values["importance"] = alert.Importance
		values["update_type"] = string(alert.UpdateType)
		values["raised"] = alert.IsRaised()
		values["acknowledged"] = alert.IsAcknowledged()
		values["cleared"] = alert.IsCleared()
	}
	return values
}
