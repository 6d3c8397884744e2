package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope of every ledger log entry
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Block     uint64          `json:"block"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, block uint64, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Block:     block,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}, nil
}

// DecodeEvent parses an envelope from raw bytes
func DecodeEvent(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if e.ID == uuid.Nil {
		return nil, fmt.Errorf("event without id")
	}
	return &e, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode %s data: %w", event.Type, err)
	}
	return &data, nil
}
