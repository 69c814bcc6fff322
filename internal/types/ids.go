// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type SessionID string
type RunID string
type MessageID string
type EventID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}
