package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"chunkrelay/internal/logger"
	dbconfig "chunkrelay/pkg/database"
	"chunkrelay/pkg/interfaces"
	"chunkrelay/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager implements interfaces.Store on top of SQLite.
//
// SQLite does not tolerate concurrent writers, so every write is handed to a
// single writer goroutine. The handle is also pinned to one connection, which
// keeps reads from running concurrently with writes on it.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	stopped      chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	now          func() time.Time
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for expiry queries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager opens the database, applies the embedded migrations, validates
// the resulting schema and starts the writer goroutine.
func NewManager(config *dbconfig.Config, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.NewEmbeddedMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(manager)
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- op.operation(m.db)
		case <-m.shutdown:
			logger.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-m.stopped:
		// The loop may have finished this operation just before stopping.
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

// CreateSession inserts a new open session.
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO sessions (session_id, user_id, created_at, is_complete) VALUES (?, ?, ?, 0)`,
			session.ID,
			session.UserID,
			session.CreatedAt.Unix(),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("%w: %s", interfaces.ErrSessionExists, session.ID)
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// AddChunk records a chunk against a session id.
func (m *Manager) AddChunk(ctx context.Context, chunk *types.Chunk) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO chunks (session_id, url, index_num, filename) VALUES (?, ?, ?, ?)`,
			chunk.SessionID,
			chunk.URL,
			chunk.Index,
			chunk.Filename,
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
		return nil
	})
}

// GetSessionChunks returns chunks ascending by index. Duplicate indexes are
// kept and come back in insertion order.
func (m *Manager) GetSessionChunks(ctx context.Context, sessionID string) ([]types.Chunk, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT session_id, url, index_num, filename FROM chunks WHERE session_id = ? ORDER BY index_num ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	chunks := make([]types.Chunk, 0)
	for rows.Next() {
		var chunk types.Chunk
		if err := rows.Scan(&chunk.SessionID, &chunk.URL, &chunk.Index, &chunk.Filename); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk rows: %w", err)
	}

	return chunks, nil
}

// MarkSessionComplete closes a session; closing twice is not an error.
func (m *Manager) MarkSessionComplete(ctx context.Context, sessionID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx,
			`UPDATE sessions SET is_complete = 1 WHERE session_id = ?`,
			sessionID,
		); err != nil {
			return fmt.Errorf("failed to mark session complete: %w", err)
		}
		return nil
	})
}

// GetExpiredSessions lists open sessions with now - created_at > timeout,
// at one-second resolution.
func (m *Manager) GetExpiredSessions(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := m.now().Unix() - int64(timeout/time.Second)

	rows, err := m.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE is_complete = 0 AND created_at < ? ORDER BY created_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return ids, nil
}

// GetUserSession returns the id of the user's open session.
func (m *Manager) GetUserSession(ctx context.Context, userID string) (string, error) {
	var id string
	err := m.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE user_id = ? AND is_complete = 0 ORDER BY created_at DESC LIMIT 1`,
		userID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", interfaces.ErrSessionNotFound
		}
		return "", fmt.Errorf("failed to query user session: %w", err)
	}
	return id, nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var (
		session    types.Session
		createdAt  int64
		isComplete int
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, created_at, is_complete FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&session.ID, &session.UserID, &createdAt, &isComplete)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	session.CreatedAt = time.Unix(createdAt, 0)
	session.IsComplete = isComplete != 0
	return &session, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE is_complete = 0").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// Close shuts down the writer and closes the database. It is safe to call
// more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrConstraint
}
