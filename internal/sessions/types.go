package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrStoreNotFound = errors.New("session not found in store")
)

// Session is a persistent conversation identity. The continuation token is
// assigned once, the first time the remote agent hands one back, and is the
// session's durable remote-side identity from then on.
type Session struct {
	ID                string    `json:"session_id"`
	Title             string    `json:"title"`
	Cwd               string    `json:"cwd"`
	ContinuationToken string    `json:"continuation_token,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastActiveAt      time.Time `json:"last_active_at"`
}

// Store persists session records across restarts.
type Store interface {
	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, limit int) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error
	Close() error
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	Title string `json:"title"`
	Cwd   string `json:"cwd"`
}
