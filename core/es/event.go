package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// CurrentEventVersion is the payload schema version written for every event.
const CurrentEventVersion = 1

// Metadata carries the causal and audit context of an append.
type Metadata struct {
	UserID        string    `json:"userId"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CausationID   string    `json:"causationId,omitempty"`
}

// NewMetadata returns metadata for userID stamped with the current time.
func NewMetadata(userID string) Metadata {
	return Metadata{UserID: userID, Timestamp: time.Now().UTC()}
}

// WithCorrelation returns a copy of m linked to a chain of related events.
func (m Metadata) WithCorrelation(correlationID, causationID string) Metadata {
	m.CorrelationID = correlationID
	m.CausationID = causationID
	return m
}

// Event is a not yet persisted event as produced by a command.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into an Event. Payloads implementing
// Validate() error are validated first.
func NewEvent(eventType string, payload any) (Event, error) {
	if strings.TrimSpace(eventType) == "" {
		return Event{}, NewValidationError("event type is empty")
	}
	if v, ok := payload.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return Event{}, asValidationError(err)
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: data}, nil
}

// MustEvent is like NewEvent but panics on error. Meant for tests and fixtures.
func MustEvent(eventType string, payload any) Event {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// StoredEvent is an immutable, committed event.
type StoredEvent struct {
	ID             string          `json:"id"`
	StreamID       string          `json:"streamId"`
	StreamType     string          `json:"streamType"`
	EventType      string          `json:"eventType"`
	EventVersion   int             `json:"eventVersion"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       Metadata        `json:"metadata"`
	Sequence       uint64          `json:"sequence"`
	StreamSequence Version         `json:"streamSequence"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Decode unmarshals the payload into v.
func (e StoredEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload (event_id=%s): %w", e.EventType, e.ID, err)
	}
	return nil
}

func (e StoredEvent) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("type", e.EventType),
		slog.String("stream_id", e.StreamID),
		slog.String("stream_type", e.StreamType),
		slog.Uint64("seq", e.Sequence),
		e.StreamSequence.SlogAttrWithKey("stream_seq"),
	)
}

// DecodePayload decodes the payload of e into a T.
func DecodePayload[T any](e StoredEvent) (out T, err error) {
	err = e.Decode(&out)
	return
}
