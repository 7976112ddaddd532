package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"escalator/internal/domain"
)

// MemoryStore keeps state in process memory for single-instance mode and tests.
// Params: maps guarded by one RWMutex; values are copied on every read and write.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu sync.RWMutex

	nextAlertID    int64
	nextReminderID int64
	alerts         map[int64]*domain.Alert
	alertKeys      map[string]int64
	reminders      map[int64]*domain.Reminder
	reminderKeys   map[reminderKey]int64
	history        map[int64][]domain.HistoryEntry
}

type reminderKey struct {
	alertRef int64
	rule     string
}

// NewMemoryStore creates empty in-memory store.
// Params: none.
// Returns: initialized store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:       make(map[int64]*domain.Alert),
		alertKeys:    make(map[string]int64),
		reminders:    make(map[int64]*domain.Reminder),
		reminderKeys: make(map[reminderKey]int64),
		history:      make(map[int64][]domain.HistoryEntry),
	}
}

// Alerts returns alert repository view.
func (s *MemoryStore) Alerts() AlertRepository { return memoryAlerts{s} }

// Reminders returns reminder repository view.
func (s *MemoryStore) Reminders() ReminderRepository { return memoryReminders{s} }

// History returns history repository view.
func (s *MemoryStore) History() HistoryRepository { return memoryHistory{s} }

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

type memoryAlerts struct{ s *MemoryStore }

func (r memoryAlerts) Create(_ context.Context, alert *domain.Alert) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := alert.Key()
	if _, exists := s.alertKeys[key]; exists {
		return ErrDuplicate
	}
	s.nextAlertID++
	alert.ID = s.nextAlertID
	alert.MarkPersisted()
	s.alerts[alert.ID] = alert.Clone()
	s.alertKeys[key] = alert.ID
	return nil
}

func (r memoryAlerts) Save(ctx context.Context, alert *domain.Alert) error {
	if alert.ID == 0 {
		return r.Create(ctx, alert)
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alert.ID]; !ok {
		return ErrNotFound
	}
	alert.MarkPersisted()
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

func (r memoryAlerts) Get(_ context.Context, id int64) (*domain.Alert, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return alert.Clone(), nil
}

func (r memoryAlerts) FindByKey(ctx context.Context, source, alertID string) (*domain.Alert, error) {
	key := (&domain.Alert{Source: source, AlertID: alertID}).Key()
	r.s.mu.RLock()
	id, ok := r.s.alertKeys[key]
	r.s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r memoryAlerts) FindAll(_ context.Context, filter AlertFilter) ([]*domain.Alert, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Alert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		if filter.Source != "" && alert.Source != filter.Source {
			continue
		}
		if filter.RaisedOnly && !alert.IsRaised() {
			continue
		}
		out = append(out, alert.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r memoryAlerts) EarliestDue(_ context.Context) (*domain.Alert, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.Alert
	var bestDue int64
	for _, alert := range s.alerts {
		due, ok := alert.DueAt()
		if !ok {
			continue
		}
		at := due.UnixNano()
		if best == nil || at < bestDue || (at == bestDue && alert.ID < best.ID) {
			best, bestDue = alert, at
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

type memoryReminders struct{ s *MemoryStore }

func (r memoryReminders) Find(_ context.Context, alertRef int64, rule string) (*domain.Reminder, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.reminderKeys[reminderKey{alertRef: alertRef, rule: rule}]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s.reminders[id]
	return &copied, nil
}

func (r memoryReminders) Save(_ context.Context, reminder *domain.Reminder) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reminderKey{alertRef: reminder.AlertRef, rule: reminder.Rule}
	if id, ok := s.reminderKeys[key]; ok {
		reminder.ID = id
	} else {
		s.nextReminderID++
		reminder.ID = s.nextReminderID
		s.reminderKeys[key] = reminder.ID
	}
	copied := *reminder
	s.reminders[reminder.ID] = &copied
	return nil
}

func (r memoryReminders) EarliestDue(_ context.Context) (*domain.Reminder, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.Reminder
	for _, reminder := range s.reminders {
		if !reminder.Pending() {
			continue
		}
		if best == nil || reminder.RemindAt.Before(best.RemindAt) ||
			(reminder.RemindAt.Equal(best.RemindAt) && reminder.ID < best.ID) {
			best = reminder
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	copied := *best
	return &copied, nil
}

func (r memoryReminders) ListByAlert(_ context.Context, alertRef int64) ([]*domain.Reminder, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Reminder, 0)
	for _, reminder := range s.reminders {
		if reminder.AlertRef != alertRef {
			continue
		}
		copied := *reminder
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].FiredAt.After(out[j].FiredAt)
	})
	return out, nil
}

type memoryHistory struct{ s *MemoryStore }

func (r memoryHistory) Record(_ context.Context, entry domain.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[entry.AlertRef] = append(s.history[entry.AlertRef], entry)
	return nil
}

func (r memoryHistory) ListByAlert(_ context.Context, alertRef int64, limit int) ([]domain.HistoryEntry, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[alertRef]
	out := make([]domain.HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
