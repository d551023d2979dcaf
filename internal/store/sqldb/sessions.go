package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

type sessionStore struct {
	db *DB
}

func (s *sessionStore) Create(ctx context.Context, sess *store.Session) error {
	var deviceID any
	if sess.DeviceID != "" {
		deviceID = sess.DeviceID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, device_id, user_id, title, is_active, created_at, last_activity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, deviceID, sess.UserID, sess.Title, sess.IsActive, sess.CreatedAt, sess.LastActivity)
	return err
}

func (s *sessionStore) GetByID(ctx context.Context, id string) (*store.Session, error) {
	sess, err := scanSessionRow(s.db.QueryRowContext(ctx,
		`SELECT id, device_id, user_id, title, is_active, created_at, last_activity
		 FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return sess, err
}

func (s *sessionStore) List(ctx context.Context, opts store.SessionListOpts) ([]store.Session, int, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = $1`, opts.UserID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, user_id, title, is_active, created_at, last_activity
		 FROM sessions WHERE user_id = $1
		 ORDER BY last_activity DESC, id DESC
		 LIMIT $2 OFFSET $3`, opts.UserID, limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []store.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, total, rows.Err()
}

func (s *sessionStore) Rename(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = $1 WHERE id = $2`, title, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *sessionStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity = $1 WHERE id = $2`, at, id)
	return err
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

func (s *sessionStore) AppendMessage(ctx context.Context, m *store.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var toolCallID, toolCalls any
	if m.ToolCallID != "" {
		toolCallID = m.ToolCallID
	}
	if m.ToolCalls != "" {
		toolCalls = m.ToolCalls
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_call_id, tool_calls, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.SessionID, m.Role, m.Content, toolCallID, toolCalls, m.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity = $1 WHERE id = $2`, m.CreatedAt, m.SessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sessionStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error) {
	q := `SELECT id, session_id, role, content, tool_call_id, tool_calls, created_at
	      FROM messages WHERE session_id = $1
	      ORDER BY created_at, id`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var toolCallID, toolCalls sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCallID, &toolCalls, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ToolCallID = toolCallID.String
		m.ToolCalls = toolCalls.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *sessionStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}

func scanSessionRow(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var deviceID, title sql.NullString
	if err := row.Scan(&sess.ID, &deviceID, &sess.UserID, &title, &sess.IsActive, &sess.CreatedAt, &sess.LastActivity); err != nil {
		return nil, err
	}
	sess.DeviceID = deviceID.String
	sess.Title = title.String
	return &sess, nil
}
