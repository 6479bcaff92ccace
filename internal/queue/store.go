// Package queue provides durable persistence for inbound messages and
// outbound responses, with atomic claiming, retry bookkeeping, dead-lettering,
// and stale-claim recovery.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/agentmux/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "am-v1-messages-responses"

	// DefaultMaxRetries is the number of failed attempts before a message is
	// parked in the dead state.
	DefaultMaxRetries = 5

	// DefaultStaleThreshold bounds how long a claim may sit in processing
	// before recovery reclaims it.
	DefaultStaleThreshold = 10 * time.Minute

	// DefaultPruneAge is how long completed messages and acked responses are
	// retained before the pruner deletes them.
	DefaultPruneAge = 24 * time.Hour
)

// StaleRecoveryMarker is written to last_error when recovery requeues a claim.
const StaleRecoveryMarker = "requeued after stale claim"

// Sentinel errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateMessage = errors.New("duplicate message id")
)

// Status is the message / response state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDead       Status = "dead"
	StatusAcked      Status = "acked"
)

// DefaultAgent is the agent tag used for rows with no explicit target.
const DefaultAgent = "default"

// Message is one inbound message row.
type Message struct {
	ID             int64     `json:"id"`
	MessageID      string    `json:"messageId"`
	Channel        string    `json:"channel"`
	Sender         string    `json:"sender"`
	SenderID       string    `json:"senderId,omitempty"`
	Content        string    `json:"content"`
	Files          []string  `json:"files,omitempty"`
	Agent          string    `json:"agent,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	FromAgent      string    `json:"fromAgent,omitempty"`
	Status         Status    `json:"status"`
	RetryCount     int       `json:"retryCount"`
	LastError      string    `json:"lastError,omitempty"`
	ClaimedBy      string    `json:"claimedBy,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Internal reports whether the message was produced by another agent inside a
// team conversation rather than by an external sender.
func (m Message) Internal() bool {
	return m.FromAgent != ""
}

// Response is one outbound response row.
type Response struct {
	ID              int64      `json:"id"`
	MessageID       string     `json:"messageId"`
	Channel         string     `json:"channel"`
	Sender          string     `json:"sender"`
	SenderID        string     `json:"senderId,omitempty"`
	Content         string     `json:"content"`
	OriginalMessage string     `json:"originalMessage,omitempty"`
	Agent           string     `json:"agent,omitempty"`
	Files           []string   `json:"files,omitempty"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	AckedAt         *time.Time `json:"ackedAt,omitempty"`
}

// Counts aggregates queue depth for the status endpoint.
type Counts struct {
	Pending          int `json:"pending"`
	Processing       int `json:"processing"`
	Completed        int `json:"completed"`
	Dead             int `json:"dead"`
	ResponsesPending int `json:"responsesPending"`
}

// Store wraps the sqlite database holding the two queue tables.
type Store struct {
	db         *sql.DB
	bus        *bus.Bus // may be nil in tests
	maxRetries int
}

// DefaultDBPath returns the database location under the agentmux home.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "agentmux.db")
}

// Open opens (creating if needed) the queue database at path.
// eventBus may be nil; enqueue signals are then skipped.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, maxRetries: DefaultMaxRetries}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// SetMaxRetries overrides the dead-letter threshold.
func (s *Store) SetMaxRetries(n int) {
	if n > 0 {
		s.maxRetries = n
	}
}

// MaxRetries returns the dead-letter threshold.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when sqlite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			channel TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			sender_id TEXT,
			content TEXT NOT NULL,
			files TEXT,
			agent TEXT,
			conversation_id TEXT,
			from_agent TEXT,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK(status IN ('pending', 'processing', 'completed', 'dead')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			claimed_by TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS responses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			sender_id TEXT,
			content TEXT NOT NULL,
			original_message TEXT,
			agent TEXT,
			files TEXT,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK(status IN ('pending', 'acked')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			acked_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status_agent_created
			ON messages(status, agent, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id);`,
		`CREATE INDEX IF NOT EXISTS idx_responses_channel_status
			ON responses(channel, status);`,
		`CREATE INDEX IF NOT EXISTS idx_responses_agent_created
			ON responses(agent, created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return tx.Commit()
}
