package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ResponseData is the insert payload for an outbound response.
type ResponseData struct {
	MessageID       string
	Channel         string
	Sender          string
	SenderID        string
	Content         string
	OriginalMessage string
	Agent           string
	Files           []string
}

// EnqueueResponse inserts a pending response row.
func (s *Store) EnqueueResponse(ctx context.Context, data ResponseData) (int64, error) {
	if strings.TrimSpace(data.MessageID) == "" {
		return 0, errors.New("message id is required")
	}
	files, err := encodeFiles(data.Files)
	if err != nil {
		return 0, err
	}

	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO responses (
				message_id, channel, sender, sender_id, content,
				original_message, agent, files, status, created_at
			)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?);
		`, data.MessageID, data.Channel, data.Sender, data.SenderID, data.Content,
			data.OriginalMessage, data.Agent, files, StatusPending, time.Now().UTC())
		if execErr != nil {
			return fmt.Errorf("insert response: %w", execErr)
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	return id, err
}

// AckResponse marks a response delivered. Acking an already-acked response is
// a no-op that preserves the original acked_at.
func (s *Store) AckResponse(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE responses
			SET status = ?, acked_at = COALESCE(acked_at, ?)
			WHERE id = ?;
		`, StatusAcked, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("ack response: %w", err)
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

// PendingResponses lists undelivered responses for a channel, oldest first.
func (s *Store) PendingResponses(ctx context.Context, channel string) ([]Response, error) {
	rows, err := s.db.QueryContext(ctx, selectResponseColumns+`
		FROM responses
		WHERE channel = ? AND status = ?
		ORDER BY created_at ASC, id ASC;
	`, channel, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending responses: %w", err)
	}
	defer rows.Close()
	return collectResponses(rows)
}

// RecentResponses lists recent responses, newest first, optionally filtered to
// the union of the given agent ids.
func (s *Store) RecentResponses(ctx context.Context, agents []string, limit int) ([]Response, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := selectResponseColumns + ` FROM responses`
	args := []any{}
	if len(agents) > 0 {
		query += ` WHERE COALESCE(NULLIF(agent, ''), 'default') IN (` + placeholders(len(agents)) + `)`
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
		return nil, fmt.Errorf("query recent responses: %w", err)
	}
	defer rows.Close()
	return collectResponses(rows)
}

// GetResponse returns a response row by id.
func (s *Store) GetResponse(ctx context.Context, id int64) (*Response, error) {
	row := s.db.QueryRowContext(ctx, selectResponseColumns+` FROM responses WHERE id = ?;`, id)
	var resp Response
	if err := scanResponse(row.Scan, &resp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select response: %w", err)
	}
	return &resp, nil
}

// PruneAckedResponses deletes acked rows older than the retention age.
func (s *Store) PruneAckedResponses(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM responses
		WHERE status = ? AND acked_at IS NOT NULL AND acked_at < ?;
	`, StatusAcked, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune acked responses: %w", err)
	}
	return res.RowsAffected()
}

const selectResponseColumns = `
	SELECT id, message_id, channel, sender, COALESCE(sender_id, ''), content,
		COALESCE(original_message, ''), COALESCE(agent, ''), COALESCE(files, ''),
		status, created_at, acked_at`

func scanResponse(scanFn func(dest ...any) error, resp *Response) error {
	var files string
	var ackedAt sql.NullTime
	if err := scanFn(
		&resp.ID,
		&resp.MessageID,
		&resp.Channel,
		&resp.Sender,
		&resp.SenderID,
		&resp.Content,
		&resp.OriginalMessage,
		&resp.Agent,
		&files,
		&resp.Status,
		&resp.CreatedAt,
		&ackedAt,
	); err != nil {
		return err
	}
	if ackedAt.Valid {
		t := ackedAt.Time
		resp.AckedAt = &t
	}
	var err error
	resp.Files, err = decodeFiles(files)
	return err
}

func collectResponses(rows *sql.Rows) ([]Response, error) {
	var out []Response
	for rows.Next() {
		var resp Response
		if err := scanResponse(rows.Scan, &resp); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out = append(out, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("response rows: %w", err)
	}
	return out, nil
}
