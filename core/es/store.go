package es

import (
	"context"
	"math"
	"strings"
)

const (
	DefaultPage        = 1
	DefaultPageSize    = 50
	DefaultGetAllLimit = 500
)

// History is one page of a stream in descending stream sequence order.
type History struct {
	Events []StoredEvent `json:"events"`
	Total  int           `json:"total"`
}

// EventStore is the append-only event log.
type EventStore interface {
	Stream

	// Append writes events if the stream is still at expected. On mismatch it
	// returns a *ConcurrencyConflictError and writes nothing.
	Append(ctx context.Context, streamID, streamType string, events []Event, expected Version, meta Metadata) ([]StoredEvent, error)

	// AppendUnconditional writes events at the end of the stream without a
	// version check. Stream sequences are still assigned inside the write
	// transaction, so they stay gap-free.
	AppendUnconditional(ctx context.Context, streamID, streamType string, events []Event, meta Metadata) ([]StoredEvent, error)

	// GetStream returns every event of the stream in ascending stream sequence.
	GetStream(ctx context.Context, streamID string) ([]StoredEvent, error)

	// GetStreamFromSequence returns the events with stream sequence >= from.
	GetStreamFromSequence(ctx context.Context, streamID string, from Version) ([]StoredEvent, error)

	// GetEventHistory returns a page of the stream, newest first, and the total
	// number of events in the stream.
	GetEventHistory(ctx context.Context, streamID string, page, pageSize int) (*History, error)

	// GetAll returns up to limit events of all streams with a global sequence
	// greater than after, in ascending global sequence.
	GetAll(ctx context.Context, after uint64, limit int) ([]StoredEvent, error)

	Close() error
}

// AppendRequest is a validated append as handed to store implementations.
type AppendRequest struct {
	StreamID   string
	StreamType string
	Events     []StoredEvent
	Metadata   Metadata
}

// PrepareAppend validates append input and builds the events to store. ID,
// type, payload, metadata and created-at are filled; sequences are left for
// the store to assign.
func PrepareAppend(o StoreOpts, streamID, streamType string, events []Event, meta Metadata) (*AppendRequest, error) {
	if strings.TrimSpace(streamID) == "" {
		return nil, NewValidationError("stream id is empty")
	}
	if strings.TrimSpace(streamType) == "" {
		return nil, NewValidationError("stream type is empty")
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	if strings.TrimSpace(meta.UserID) == "" {
		return nil, NewValidationError("metadata user id is empty")
	}

	now := o.Now()
	if meta.Timestamp.IsZero() {
		meta.Timestamp = now
	}

	out := make([]StoredEvent, 0, len(events))
	for i, ev := range events {
		if strings.TrimSpace(ev.Type) == "" {
			return nil, NewValidationError("event %d: type is empty", i)
		}
		payload := ev.Payload
		if len(payload) == 0 {
			payload = []byte("null")
		}
		out = append(out, StoredEvent{
			ID:           o.NewID(),
			StreamID:     streamID,
			StreamType:   streamType,
			EventType:    ev.Type,
			EventVersion: CurrentEventVersion,
			Payload:      payload,
			Metadata:     meta,
			CreatedAt:    now,
		})
	}

	return &AppendRequest{
		StreamID:   streamID,
		StreamType: streamType,
		Events:     out,
		Metadata:   meta,
	}, nil
}

// Assign sets the stream sequences of the request, continuing after current.
func (r *AppendRequest) Assign(current Version) {
	for i := range r.Events {
		r.Events[i].StreamSequence = current + Version(i+1)
	}
}

// NormalizePage applies the history paging defaults and returns the offset.
// An offset that does not fit an int is clamped to math.MaxInt, which is
// past the end of any stream.
func NormalizePage(page, pageSize int) (int, int, int) {
	if page <= 0 {
		page = DefaultPage
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if page-1 > math.MaxInt/pageSize {
		return page, pageSize, math.MaxInt
	}
	return page, pageSize, (page - 1) * pageSize
}

// PageDescending cuts one history page out of an ascending stream.
func PageDescending(stream []StoredEvent, page, pageSize int) *History {
	_, pageSize, offset := NormalizePage(page, pageSize)
	h := &History{Events: []StoredEvent{}, Total: len(stream)}
	if offset >= len(stream) {
		return h
	}
	for i := len(stream) - 1 - offset; i >= 0 && len(h.Events) < pageSize; i-- {
		h.Events = append(h.Events, stream[i])
	}
	return h
}

// NormalizeLimit applies the GetAll default limit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultGetAllLimit
	}
	return limit
}
