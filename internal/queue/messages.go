package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentmux/internal/bus"
)

// EnqueueData is the insert payload for a new message.
type EnqueueData struct {
	MessageID      string
	Channel        string
	Sender         string
	SenderID       string
	Content        string
	Files          []string
	Agent          string // empty = unrouted (claimed by the default agent)
	ConversationID string
	FromAgent      string // non-empty marks an internal agent-to-agent message
}

// EnqueueMessage inserts a pending message and signals the bus.
// A duplicate external message id returns ErrDuplicateMessage.
func (s *Store) EnqueueMessage(ctx context.Context, data EnqueueData) (int64, error) {
	if strings.TrimSpace(data.MessageID) == "" {
		return 0, errors.New("message id is required")
	}
	files, err := encodeFiles(data.Files)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()

	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO messages (
				message_id, channel, sender, sender_id, content, files,
				agent, conversation_id, from_agent, status, created_at, updated_at
			)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?);
		`, data.MessageID, data.Channel, data.Sender, data.SenderID, data.Content, files,
			data.Agent, data.ConversationID, data.FromAgent, StatusPending, now, now)
		if execErr != nil {
			if strings.Contains(execErr.Error(), "UNIQUE constraint failed: messages.message_id") {
				return ErrDuplicateMessage
			}
			return fmt.Errorf("insert message: %w", execErr)
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return 0, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicMessageEnqueued, bus.MessageEvent{
			MessageID: data.MessageID,
			Channel:   data.Channel,
			Sender:    data.Sender,
			AgentID:   data.Agent,
		})
	}
	return id, nil
}

// ClaimNextMessage atomically claims the oldest pending message addressed to
// agentID. The default agent additionally claims rows with no agent tag.
// Returns nil when nothing is pending.
func (s *Store) ClaimNextMessage(ctx context.Context, agentID string) (*Message, error) {
	var claimed *Message
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var query string
		args := []any{StatusPending}
		if agentID == DefaultAgent {
			query = selectMessageColumns + `
				FROM messages
				WHERE status = ? AND (agent IS NULL OR agent = 'default')
				ORDER BY created_at ASC, id ASC
				LIMIT 1;`
		} else {
			query = selectMessageColumns + `
				FROM messages
				WHERE status = ? AND agent = ?
				ORDER BY created_at ASC, id ASC
				LIMIT 1;`
			args = append(args, agentID)
		}

		var msg Message
		row := tx.QueryRowContext(ctx, query, args...)
		if scanErr := scanMessage(row.Scan, &msg); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				claimed = nil
				return nil
			}
			return fmt.Errorf("select pending message: %w", scanErr)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET status = ?, claimed_by = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, StatusProcessing, agentID, now, msg.ID, StatusPending)
		if err != nil {
			return fmt.Errorf("claim message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n != 1 {
			// Lost the race; caller will poll again.
			claimed = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		msg.Status = StatusProcessing
		msg.ClaimedBy = agentID
		msg.UpdatedAt = now
		claimed = &msg
		return nil
	})
	return claimed, err
}

// CompleteMessage marks a processing message completed.
func (s *Store) CompleteMessage(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET status = ?, updated_at = ?
			WHERE id = ?;
		`, StatusCompleted, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("complete message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FailMessage increments the retry counter; the message returns to pending
// until the counter reaches the dead-letter threshold.
func (s *Store) FailMessage(ctx context.Context, id int64, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var retries int
		if err := tx.QueryRowContext(ctx, `
			SELECT retry_count FROM messages WHERE id = ?;
		`, id).Scan(&retries); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read retry count: %w", err)
		}

		retries++
		next := StatusPending
		if retries >= s.maxRetries {
			next = StatusDead
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET status = ?, retry_count = ?, last_error = ?, claimed_by = NULL, updated_at = ?
			WHERE id = ?;
		`, next, retries, errMsg, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("fail message: %w", err)
		}
		return tx.Commit()
	})
}

// DeadLetterMessage parks a message in the dead state immediately, bypassing
// the retry budget. Used for permanently unroutable messages.
func (s *Store) DeadLetterMessage(ctx context.Context, id int64, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET status = ?, last_error = ?, claimed_by = NULL, updated_at = ?
			WHERE id = ?;
		`, StatusDead, reason, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("dead-letter message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RecoverStaleMessages requeues every processing row whose updated_at is older
// than the threshold. Each recovery counts as a retry attempt; rows at the
// threshold go dead instead. Returns the number of rows touched.
// A zero threshold requeues every in-flight row (boot-time recovery).
func (s *Store) RecoverStaleMessages(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	var touched int
	err := retryOnBusy(ctx, 5, func() error {
		touched = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recover tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, retry_count
			FROM messages
			WHERE status = ? AND updated_at < ?;
		`, StatusProcessing, cutoff)
		if err != nil {
			return fmt.Errorf("query stale messages: %w", err)
		}
		type stale struct {
			id      int64
			retries int
		}
		var stales []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.id, &st.retries); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale message: %w", err)
			}
			stales = append(stales, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("stale rows: %w", err)
		}

		now := time.Now().UTC()
		for _, st := range stales {
			retries := st.retries + 1
			next := StatusPending
			if retries >= s.maxRetries {
				next = StatusDead
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages
				SET status = ?, retry_count = ?, claimed_by = NULL, last_error = ?, updated_at = ?
				WHERE id = ? AND status = ?;
			`, next, retries, StaleRecoveryMarker, now, st.id, StatusProcessing); err != nil {
				return fmt.Errorf("recover stale message: %w", err)
			}
			touched++
		}
		return tx.Commit()
	})
	return touched, err
}

// GetPendingAgents returns the distinct agent tags across pending rows,
// mapping untargeted rows to the default agent.
func (s *Store) GetPendingAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT COALESCE(NULLIF(agent, ''), 'default')
		FROM messages
		WHERE status = ?;
	`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, fmt.Errorf("scan pending agent: %w", err)
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending agent rows: %w", err)
	}
	return out, nil
}

// GetMessage returns a message row by internal id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, selectMessageColumns+` FROM messages WHERE id = ?;`, id)
	var msg Message
	if err := scanMessage(row.Scan, &msg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select message: %w", err)
	}
	return &msg, nil
}

// DeadMessages lists every dead-lettered row, oldest first.
func (s *Store) DeadMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessageColumns+`
		FROM messages
		WHERE status = ?
		ORDER BY created_at ASC, id ASC;
	`, StatusDead)
	if err != nil {
		return nil, fmt.Errorf("query dead messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// RetryDeadMessage returns a dead message to pending with a fresh retry budget.
func (s *Store) RetryDeadMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, retry_count = 0, last_error = NULL, claimed_by = NULL, updated_at = ?
		WHERE id = ? AND status = ?;
	`, StatusPending, time.Now().UTC(), id, StatusDead)
	if err != nil {
		return fmt.Errorf("retry dead message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message row.
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentUserMessages lists recent top-level (non-internal) messages, newest
// first, optionally filtered by routed agent ids.
func (s *Store) RecentUserMessages(ctx context.Context, agents []string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := selectMessageColumns + `
		FROM messages
		WHERE from_agent IS NULL`
	args := []any{}
	if len(agents) > 0 {
		query += ` AND COALESCE(NULLIF(agent, ''), 'default') IN (` + placeholders(len(agents)) + `)`
		for _, a := range agents {
			args = append(args, a)
		}
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// PruneCompletedMessages deletes completed rows older than the retention age.
func (s *Store) PruneCompletedMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE status = ? AND updated_at < ?;
	`, StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune completed messages: %w", err)
	}
	return res.RowsAffected()
}

// MessageCounts returns aggregate counts over both tables.
func (s *Store) MessageCounts(ctx context.Context) (Counts, error) {
	var c Counts
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM messages GROUP BY status;
	`)
	if err != nil {
		return c, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("scan message count: %w", err)
		}
		switch status {
		case StatusPending:
			c.Pending = n
		case StatusProcessing:
			c.Processing = n
		case StatusCompleted:
			c.Completed = n
		case StatusDead:
			c.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("message count rows: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM responses WHERE status = ?;
	`, StatusPending).Scan(&c.ResponsesPending); err != nil {
		return c, fmt.Errorf("count pending responses: %w", err)
	}
	return c, nil
}

const selectMessageColumns = `
	SELECT id, message_id, channel, sender, COALESCE(sender_id, ''), content,
		COALESCE(files, ''), COALESCE(agent, ''), COALESCE(conversation_id, ''),
		COALESCE(from_agent, ''), status, retry_count, COALESCE(last_error, ''),
		COALESCE(claimed_by, ''), created_at, updated_at`

func scanMessage(scanFn func(dest ...any) error, msg *Message) error {
	var files string
	if err := scanFn(
		&msg.ID,
		&msg.MessageID,
		&msg.Channel,
		&msg.Sender,
		&msg.SenderID,
		&msg.Content,
		&files,
		&msg.Agent,
		&msg.ConversationID,
		&msg.FromAgent,
		&msg.Status,
		&msg.RetryCount,
		&msg.LastError,
		&msg.ClaimedBy,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	); err != nil {
		return err
	}
	var err error
	msg.Files, err = decodeFiles(files)
	return err
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var msg Message
		if err := scanMessage(rows.Scan, &msg); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func encodeFiles(files []string) (string, error) {
	if len(files) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("encode files: %w", err)
	}
	return string(raw), nil
}

func decodeFiles(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var files []string
	if err := json.Unmarshal([]byte(raw), &files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return files, nil
}
