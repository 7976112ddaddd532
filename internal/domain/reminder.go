package domain

import "time"

// Reminder records that a notification rule fired for an alert and when it fires next.
// Params: alert reference, rule key, recipients label, level, last update type, fire/remind times.
// Returns: durable reminder row unique per (AlertRef, Rule); zero RemindAt means none.
type Reminder struct {
	ID         int64      `json:"id"`
	AlertRef   int64      `json:"alert_ref"`
	Rule       string     `json:"rule"`
	Recipient  string     `json:"recipient"`
	Level      Level      `json:"level"`
	UpdateType UpdateType `json:"update_type"`
	FiredAt    time.Time  `json:"fired_at"`
	RemindAt   time.Time  `json:"remind_at"`
}

// Pending reports whether another reminder is scheduled.
// Params: none.
// Returns: true when RemindAt is set.
func (r *Reminder) Pending() bool {
	return !r.RemindAt.IsZero()
}

// HistoryKind classifies one recipient-level notification outcome.
type HistoryKind string

const (
	// HistorySent marks delivered notification.
	HistorySent HistoryKind = "sent"
	// HistorySuppressed marks notification withheld by throttling or holiday.
	HistorySuppressed HistoryKind = "suppressed"
	// HistoryFailed marks notification that no destination accepted.
	HistoryFailed HistoryKind = "failed"
)

// HistoryEntry is audit row for one notification attempt.
// Params: uuid id, alert reference, recipient, level, outcome, and free-form detail.
// Returns: append-only history record.
type HistoryEntry struct {
	ID        string      `json:"id"`
	AlertRef  int64       `json:"alert_ref"`
	Recipient string      `json:"recipient"`
	Level     Level       `json:"level"`
	Kind      HistoryKind `json:"kind"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
