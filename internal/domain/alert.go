package domain

import (
	"fmt"
	"time"
)

// DefaultAcknowledgeFor is acknowledgement length used when caller passes no deadline.
const DefaultAcknowledgeFor = time.Hour

// UpdateType labels the last lifecycle transition of an alert.
// Params: constants raised/cleared/acknowledged/changed.
// Returns: transition label stored with alert and reminders.
type UpdateType string

const (
	// UpdateRaised marks alert raise.
	UpdateRaised UpdateType = "raised"
	// UpdateCleared marks alert clear.
	UpdateCleared UpdateType = "cleared"
	// UpdateAcknowledged marks acknowledgement by a recipient.
	UpdateAcknowledged UpdateType = "acknowledged"
	// UpdateChanged marks content change of an already raised alert.
	UpdateChanged UpdateType = "changed"
)

// Alert is one monitored condition identified by (AlertID, Source).
// Params: identity, content, lifecycle timestamps, and pending timers; zero time means unset.
// Returns: mutable lifecycle state machine persisted by store layer.
type Alert struct {
	ID         int64  `json:"id"`
	AlertID    string `json:"alert_id"`
	Source     string `json:"source"`
	Subject    string `json:"subject"`
	Summary    string `json:"summary"`
	Detail     string `json:"detail"`
	Importance int    `json:"importance"`

	RaisedAt       time.Time `json:"raised_at"`
	ClearedAt      time.Time `json:"cleared_at"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`

	WillRaiseAt         time.Time `json:"will_raise_at"`
	WillClearAt         time.Time `json:"will_clear_at"`
	WillUnacknowledgeAt time.Time `json:"will_unacknowledge_at"`

	UpdateType UpdateType `json:"update_type"`
	UpdatedAt  time.Time  `json:"updated_at"`

	persisted snapshot
}

// snapshot keeps values as they were at the last successful save.
type snapshot struct {
	stored     bool
	subject    string
	summary    string
	detail     string
	importance int
	updateType UpdateType
}

// Key returns human-readable identity of alert.
// Params: none.
// Returns: "source/alert_id".
func (a *Alert) Key() string {
	return a.Source + "/" + a.AlertID
}

// IsRaised reports raised state.
// Params: none.
// Returns: true when RaisedAt is set and newer than ClearedAt.
func (a *Alert) IsRaised() bool {
	if a.RaisedAt.IsZero() {
		return false
	}
	return a.ClearedAt.IsZero() || a.RaisedAt.After(a.ClearedAt)
}

// IsCleared reports cleared state.
// Params: none.
// Returns: negation of IsRaised.
func (a *Alert) IsCleared() bool {
	return !a.IsRaised()
}

// IsAcknowledged reports acknowledgement flag on top of raised state.
// Params: none.
// Returns: true when alert is raised and acknowledged.
func (a *Alert) IsAcknowledged() bool {
	return a.IsRaised() && !a.AcknowledgedAt.IsZero()
}

// Raise marks alert raised at given instant.
// Params: raise instant; RaisedAt only moves when it was unset.
// Returns: alert mutated in place.
func (a *Alert) Raise(at time.Time) {
	a.clearAcknowledgement()
	if a.RaisedAt.IsZero() {
		a.RaisedAt = at
	}
	a.WillRaiseAt = time.Time{}
	a.ClearedAt = time.Time{}
	// A content change keeps its label unless the alert comes back from cleared.
	if a.UpdateType != UpdateChanged || a.persisted.updateType == UpdateCleared {
		a.UpdateType = UpdateRaised
	}
}

// Clear marks alert cleared at given instant.
// Params: clear instant; ClearedAt only moves when it was unset.
// Returns: alert mutated in place; WillRaiseAt is kept.
func (a *Alert) Clear(at time.Time) {
	a.clearAcknowledgement()
	a.RaisedAt = time.Time{}
	if a.ClearedAt.IsZero() {
		a.ClearedAt = at
	}
	a.WillClearAt = time.Time{}
	a.UpdateType = UpdateCleared
}

// Acknowledge records acknowledgement by recipient until deadline.
// Params: acknowledging identity, current instant, and deadline (zero means now+1h).
// Returns: ErrInvalidTransition when alert is cleared.
func (a *Alert) Acknowledge(by string, now, until time.Time) error {
	if a.IsCleared() {
		return fmt.Errorf("%w: cannot acknowledge cleared alert %s", ErrInvalidTransition, a.Key())
	}
	if until.IsZero() {
		until = now.Add(DefaultAcknowledgeFor)
	}
	a.AcknowledgedBy = by
	a.AcknowledgedAt = now
	a.WillUnacknowledgeAt = until
	a.UpdateType = UpdateAcknowledged
	return nil
}

// Unacknowledge drops acknowledgement.
// Params: none.
// Returns: alert mutated in place with raised/cleared label.
func (a *Alert) Unacknowledge() {
	a.clearAcknowledgement()
	if a.IsRaised() {
		a.UpdateType = UpdateRaised
		return
	}
	a.UpdateType = UpdateCleared
}

// Poll applies pending timers that are due at now.
// Params: current instant.
// Returns: alert mutated in place; raise branch runs before the clear branch.
func (a *Alert) Poll(now time.Time) {
	if dueBy(a.WillUnacknowledgeAt, now) || dueBy(a.WillRaiseAt, now) {
		a.Raise(now)
	}
	if dueBy(a.WillClearAt, now) {
		a.Clear(now)
	}
}

// DueAt returns earliest pending timer.
// Params: none.
// Returns: earliest of WillClearAt/WillRaiseAt/WillUnacknowledgeAt and false when none is set.
func (a *Alert) DueAt() (time.Time, bool) {
	var due time.Time
	for _, candidate := range []time.Time{a.WillClearAt, a.WillRaiseAt, a.WillUnacknowledgeAt} {
		if candidate.IsZero() {
			continue
		}
		if due.IsZero() || candidate.Before(due) {
			due = candidate
		}
	}
	return due, !due.IsZero()
}

// ContentChanged reports content difference against last persisted snapshot.
// Params: none.
// Returns: true when subject/summary/detail/importance differ from stored values.
func (a *Alert) ContentChanged() bool {
	p := a.persisted
	return a.Subject != p.subject ||
		a.Summary != p.summary ||
		a.Detail != p.detail ||
		a.Importance != p.importance
}

// SignificantChange reports whether unsaved changes warrant a notification.
// Params: none.
// Returns: true for subject/summary change, update_type change, or a raise with changed content.
func (a *Alert) SignificantChange() bool {
	if a.UpdateType == "" {
		return false
	}
	p := a.persisted
	if !p.stored {
		return true
	}
	if a.Subject != p.subject || a.Summary != p.summary {
		return true
	}
	if a.UpdateType != p.updateType {
		return true
	}
	return (a.UpdateType == UpdateRaised || a.UpdateType == UpdateChanged) && a.ContentChanged()
}

// MarkPersisted records current values as stored snapshot.
// Params: none.
// Returns: snapshot updated in place.
func (a *Alert) MarkPersisted() {
	a.persisted = snapshot{
		stored:     true,
		subject:    a.Subject,
		summary:    a.Summary,
		detail:     a.Detail,
		importance: a.Importance,
		updateType: a.UpdateType,
	}
}

// Persisted reports whether alert was loaded from or saved to store.
// Params: none.
// Returns: true after MarkPersisted.
func (a *Alert) Persisted() bool {
	return a.persisted.stored
}

// PersistedUpdateType returns update type as last stored.
// Params: none.
// Returns: stored update type or empty string.
func (a *Alert) PersistedUpdateType() UpdateType {
	return a.persisted.updateType
}

// Clone returns detached copy including persisted snapshot.
// Params: none.
// Returns: copied alert.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cloned := *a
	return &cloned
}

func (a *Alert) clearAcknowledgement() {
	a.AcknowledgedAt = time.Time{}
	a.AcknowledgedBy = ""
	a.WillUnacknowledgeAt = time.Time{}
}

func dueBy(at, now time.Time) bool {
	return !at.IsZero() && !at.After(now)
}
