// internal/types/interfaces.go
package types

import (
	"context"
)

type SessionStore interface {
	Create(ctx context.Context, sessionContext Context) (*SessionIndex, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
}
