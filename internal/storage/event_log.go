package storage

import (
	"context"
	"encoding/json"
	"fmt"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

// AppendEvent records an inbound webhook. Bodies that are not JSON are
// stored as a JSON string.
func (s *Store) AppendEvent(ctx context.Context, provider coreprocessor.Provider, eventName string, payload []byte) (string, error) {
	if !json.Valid(payload) {
		encoded, err := json.Marshal(string(payload))
		if err != nil {
			return "", fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = encoded
	}
	id := newID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_logs (id, provider, event_name, payload) VALUES ($1, $2, $3, $4)`,
		id, provider, eventName, payload,
	)
	if err != nil {
		return "", fmt.Errorf("failed to append %s event %q: %w", provider, eventName, err)
	}
	return id, nil
}
