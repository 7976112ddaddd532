package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AlertUpdate is one alert mention inside an inbound update.
// Params: alert id, optional raise/clear epoch seconds (0 = unset), and free-text content.
// Returns: per-alert transition request.
type AlertUpdate struct {
	ID         string `json:"id"`
	RaiseTime  int64  `json:"raise_time,omitempty"`
	ClearTime  int64  `json:"clear_time,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Importance int    `json:"importance,omitempty"`
}

// Update is one inbound transmission from a source.
// Params: source name, replace flag, transmission id/time, and alert list.
// Returns: validated update for ingest processing.
type Update struct {
	Source           string        `json:"source"`
	Replace          bool          `json:"replace,omitempty"`
	TransmissionID   int64         `json:"transmission_id,omitempty"`
	TransmissionTime int64         `json:"transmission_time,omitempty"`
	Alerts           []AlertUpdate `json:"alerts"`
}

// DecodeUpdate decodes and validates one update payload.
// Params: JSON document bytes.
// Returns: validated update or error wrapping ErrMalformedUpdate.
func DecodeUpdate(raw []byte) (Update, error) {
	var update Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return Update{}, fmt.Errorf("%w: decode update: %w", ErrMalformedUpdate, err)
	}
	if err := update.Validate(); err != nil {
		return Update{}, err
	}
	return update, nil
}

// Encode renders update into JSON wire form.
// Params: none.
// Returns: JSON bytes or encode error.
func (u Update) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// Validate checks update against wire contract.
// Params: update fields parsed from transport.
// Returns: error wrapping ErrMalformedUpdate when contract is violated.
func (u Update) Validate() error {
	if err := u.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
	}
	return nil
}

func (u Update) validate() error {
	if strings.TrimSpace(u.Source) == "" {
		return errors.New("source is required")
	}
	if u.TransmissionTime < 0 {
		return errors.New("transmission_time must be >=0")
	}
	seen := make(map[string]struct{}, len(u.Alerts))
	for i, alert := range u.Alerts {
		id := strings.TrimSpace(alert.ID)
		if id == "" {
			return fmt.Errorf("alerts[%d]: id is required", i)
		}
		if alert.RaiseTime < 0 || alert.ClearTime < 0 {
			return fmt.Errorf("alerts[%d]: raise_time/clear_time must be >=0", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("alerts[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// EpochTime converts epoch seconds into UTC time.
// Params: seconds since epoch; 0 means unset.
// Returns: UTC time or zero time.
func EpochTime(seconds int64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}
