package interfaces

import (
	"context"
	"time"

	"chunkrelay/pkg/types"
)

// Store is the durable record of sessions and their chunks.
// All methods are safe for concurrent use; failures are returned, never
// panicked, and the caller decides how to surface them.
type Store interface {
	// CreateSession inserts a new open session. It returns ErrSessionExists
	// when the id is taken or the user already has an open session.
	CreateSession(ctx context.Context, session *types.Session) error

	// AddChunk records a chunk. The session is not validated here.
	AddChunk(ctx context.Context, chunk *types.Chunk) error

	// GetSessionChunks returns the session's chunks ascending by index.
	// A session without chunks yields an empty slice.
	GetSessionChunks(ctx context.Context, sessionID string) ([]types.Chunk, error)

	// MarkSessionComplete closes a session. Marking a closed session again
	// succeeds.
	MarkSessionComplete(ctx context.Context, sessionID string) error

	// GetExpiredSessions lists open sessions created more than timeout ago.
	GetExpiredSessions(ctx context.Context, timeout time.Duration) ([]string, error)

	// GetUserSession returns the id of the user's open session, or
	// ErrSessionNotFound.
	GetUserSession(ctx context.Context, userID string) (string, error)

	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
