// internal/eventlog/fold.go
package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/cadpilot/internal/types"
)

var (
	// ErrStaleUpdate is returned by Apply when an update event's old value no
	// longer matches the current record, i.e. another writer got there first.
	ErrStaleUpdate = errors.New("stale update: old value does not match current state")

	// ErrDuplicateInsert is returned by Apply when an insert event names an
	// id that already exists in the fold.
	ErrDuplicateInsert = errors.New("duplicate insert")

	// ErrUnknownRecord is returned by Apply when an update event names an id
	// the fold has never seen.
	ErrUnknownRecord = errors.New("unknown record")
)

// Collections is the materialized current-value view of a session stream,
// derived by folding events in seq order. Messages and chunks keep their
// append order so replay is deterministic.
type Collections struct {
	Messages []*types.Message
	Chunks   []*types.Chunk
	Runs     []*types.Run

	messageIndex map[types.MessageID]int
	runIndex     map[types.RunID]int
}

// NewCollections returns an empty fold.
func NewCollections() *Collections {
	return &Collections{
		messageIndex: make(map[types.MessageID]int),
		runIndex:     make(map[types.RunID]int),
	}
}

// Fold replays events in order into a fresh Collections, skipping stale
// updates. It never fails on conflict: by the time events are replayed the
// log's order is authoritative.
func Fold(events []*Event) (*Collections, error) {
	c := NewCollections()
	for _, ev := range events {
		if err := c.Apply(ev); err != nil {
			if errors.Is(err, ErrStaleUpdate) || errors.Is(err, ErrDuplicateInsert) {
				continue
			}
			return nil, err
		}
	}
	return c, nil
}

// Apply folds a single event into the collections. Update events are
// conditional: if the previously-observed value carried by the event does not
// match the current record, the update is rejected with ErrStaleUpdate.
func (c *Collections) Apply(ev *Event) error {
	switch ev.Kind {
	case KindMessageInsert:
		var m types.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			return fmt.Errorf("unmarshal message insert: %w", err)
		}
		if _, ok := c.messageIndex[m.ID]; ok {
			return fmt.Errorf("%w: message %s", ErrDuplicateInsert, m.ID)
		}
		c.messageIndex[m.ID] = len(c.Messages)
		c.Messages = append(c.Messages, &m)

	case KindMessageUpdate:
		var u MessageUpdate
		if err := json.Unmarshal(ev.Payload, &u); err != nil {
			return fmt.Errorf("unmarshal message update: %w", err)
		}
		i, ok := c.messageIndex[u.Value.ID]
		if !ok {
			return fmt.Errorf("%w: message %s", ErrUnknownRecord, u.Value.ID)
		}
		if !messagesEqual(c.Messages[i], &u.OldValue) {
			return fmt.Errorf("%w: message %s", ErrStaleUpdate, u.Value.ID)
		}
		m := u.Value
		c.Messages[i] = &m

	case KindChunkInsert:
		var ch types.Chunk
		if err := json.Unmarshal(ev.Payload, &ch); err != nil {
			return fmt.Errorf("unmarshal chunk insert: %w", err)
		}
		c.Chunks = append(c.Chunks, &ch)

	case KindRunInsert:
		var r types.Run
		if err := json.Unmarshal(ev.Payload, &r); err != nil {
			return fmt.Errorf("unmarshal run insert: %w", err)
		}
		if _, ok := c.runIndex[r.ID]; ok {
			return fmt.Errorf("%w: run %s", ErrDuplicateInsert, r.ID)
		}
		c.runIndex[r.ID] = len(c.Runs)
		c.Runs = append(c.Runs, &r)

	case KindRunUpdate:
		var u RunUpdate
		if err := json.Unmarshal(ev.Payload, &u); err != nil {
			return fmt.Errorf("unmarshal run update: %w", err)
		}
		i, ok := c.runIndex[u.Value.ID]
		if !ok {
			return fmt.Errorf("%w: run %s", ErrUnknownRecord, u.Value.ID)
		}
		if !runsEqual(c.Runs[i], &u.OldValue) {
			return fmt.Errorf("%w: run %s", ErrStaleUpdate, u.Value.ID)
		}
		r := u.Value
		c.Runs[i] = &r

	default:
		return fmt.Errorf("unknown event kind: %s", ev.Kind)
	}
	return nil
}

// Message returns the current value of a message by id.
func (c *Collections) Message(id types.MessageID) (*types.Message, bool) {
	i, ok := c.messageIndex[id]
	if !ok {
		return nil, false
	}
	return c.Messages[i], true
}

// Run returns the current value of a run by id.
func (c *Collections) Run(id types.RunID) (*types.Run, bool) {
	i, ok := c.runIndex[id]
	if !ok {
		return nil, false
	}
	return c.Runs[i], true
}

// messagesEqual compares two messages field by field. Times are compared
// with time.Equal so wall-clock representation differences don't count.
func messagesEqual(a, b *types.Message) bool {
	return a.ID == b.ID &&
		a.RunID == b.RunID &&
		a.Role == b.Role &&
		a.Status == b.Status &&
		a.Content == b.Content &&
		a.ToolName == b.ToolName &&
		bytes.Equal(a.ToolArgs, b.ToolArgs) &&
		a.ToolCallID == b.ToolCallID &&
		bytes.Equal(a.ToolResult, b.ToolResult) &&
		a.RequiresApproval == b.RequiresApproval &&
		a.ParentMessageID == b.ParentMessageID &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func runsEqual(a, b *types.Run) bool {
	if (a.EndedAt == nil) != (b.EndedAt == nil) {
		return false
	}
	if a.EndedAt != nil && !a.EndedAt.Equal(*b.EndedAt) {
		return false
	}
	return a.ID == b.ID &&
		a.Status == b.Status &&
		a.UserMessageID == b.UserMessageID &&
		a.AssistantMessageID == b.AssistantMessageID &&
		a.StartedAt.Equal(b.StartedAt) &&
		a.Error == b.Error
}
