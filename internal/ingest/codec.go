package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"escalator/internal/domain"
)

// decodeUpdates auto-detects a single update or a batch array.
// Params: raw JSON bytes with one object or array.
// Returns: validated updates or error wrapping ErrMalformedUpdate.
func decodeUpdates(raw []byte) ([]domain.Update, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrMalformedUpdate)
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	var updates []domain.Update
	if payload[0] == '[' {
		if err := decoder.Decode(&updates); err != nil {
			return nil, fmt.Errorf("%w: decode update batch: %w", domain.ErrMalformedUpdate, err)
		}
		if len(updates) == 0 {
			return nil, fmt.Errorf("%w: update batch must contain at least one update", domain.ErrMalformedUpdate)
		}
	} else {
		var update domain.Update
		if err := decoder.Decode(&update); err != nil {
			return nil, fmt.Errorf("%w: decode update: %w", domain.ErrMalformedUpdate, err)
		}
		updates = append(updates, update)
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedUpdate, err)
	}
	for i := range updates {
		if err := updates[i].Validate(); err != nil {
			return nil, fmt.Errorf("update[%d]: %w", i, err)
		}
	}
	return updates, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}
