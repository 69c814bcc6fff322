// internal/eventlog/event.go
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/user/cadpilot/internal/types"
)

// Kind identifies the typed record operation an Event carries. There is no
// removal kind for any entity; records are only superseded by update events.
type Kind string

const (
	KindMessageInsert Kind = "message_insert"
	KindMessageUpdate Kind = "message_update"
	KindChunkInsert   Kind = "chunk_insert"
	KindRunInsert     Kind = "run_insert"
	KindRunUpdate     Kind = "run_update"
)

// Event is one typed record appended to a session's stream. Seq is assigned
// by the log on append.
type Event struct {
	ID      types.EventID   `json:"id"`
	Seq     int64           `json:"seq"`
	Kind    Kind            `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Log is the append-only transport a session stream lives on. Create is
// idempotent; an appended event is visible to a subsequent Read.
type Log interface {
	Create(ctx context.Context, stream types.SessionID) error
	Append(ctx context.Context, stream types.SessionID, event *Event) error
	Read(ctx context.Context, stream types.SessionID, from int64) ([]*Event, error)
}

// MessageUpdate carries the new value plus the previously-observed value so
// the fold can detect lost updates.
type MessageUpdate struct {
	Value    types.Message `json:"value"`
	OldValue types.Message `json:"old_value"`
}

// RunUpdate carries the new value plus the previously-observed value.
type RunUpdate struct {
	Value    types.Run `json:"value"`
	OldValue types.Run `json:"old_value"`
}

func newEvent(kind Kind, payload any) *Event {
	data, _ := json.Marshal(payload)
	return &Event{
		ID:      types.NewEventID(),
		Kind:    kind,
		At:      time.Now().UTC(),
		Payload: data,
	}
}

// NewMessageInsert builds a message_insert event.
func NewMessageInsert(m *types.Message) *Event {
	return newEvent(KindMessageInsert, m)
}

// NewMessageUpdate builds a message_update event carrying both the new and
// the previously-observed message.
func NewMessageUpdate(value, oldValue *types.Message) *Event {
	return newEvent(KindMessageUpdate, MessageUpdate{Value: *value, OldValue: *oldValue})
}

// NewChunkInsert builds a chunk_insert event.
func NewChunkInsert(c *types.Chunk) *Event {
	return newEvent(KindChunkInsert, c)
}

// NewRunInsert builds a run_insert event.
func NewRunInsert(r *types.Run) *Event {
	return newEvent(KindRunInsert, r)
}

// NewRunUpdate builds a run_update event carrying both the new and the
// previously-observed run.
func NewRunUpdate(value, oldValue *types.Run) *Event {
	return newEvent(KindRunUpdate, RunUpdate{Value: *value, OldValue: *oldValue})
}
