package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is a conversation thread. Channel sessions are named
// "<channel>:<chat_id>"; /new appends a timestamp suffix.
type Session struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	LastSummarizedMsgID int64     `json:"last_summarized_msg_id"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Message is one turn in a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func validRole(role string) bool {
	switch role {
	case "user", "assistant", "system", "tool":
		return true
	}
	return false
}

// CreateSession inserts a new session with a generated UUID.
func (s *Store) CreateSession(name string) (*Session, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: session name required", ErrInvalidInput)
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, name, last_summarized_msg_id, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		sess.ID, sess.Name, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session by ID, or ErrNotFound.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, name, last_summarized_msg_id, created_at, updated_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// FindSessionByName returns the most recently created session with the given
// name, or ErrNotFound.
func (s *Store) FindSessionByName(name string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, name, last_summarized_msg_id, created_at, updated_at
		 FROM sessions WHERE name = ? ORDER BY created_at DESC LIMIT 1`, name)
	return scanSession(row)
}

// ListSessions returns sessions ordered by update time, newest first.
// prefix filters by name prefix when non-empty; limit 0 means no limit.
func (s *Store) ListSessions(prefix string, limit int) ([]Session, error) {
	query := `SELECT id, name, last_summarized_msg_id, created_at, updated_at FROM sessions`
	var args []any
	if prefix != "" {
		query += ` WHERE name LIKE ?`
		args = append(args, prefix+"%")
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.LastSummarizedMsgID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RenameSession updates a session's name.
func (s *Store) RenameSession(id, name string) error {
	if name == "" {
		return fmt.Errorf("%w: session name required", ErrInvalidInput)
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteSession removes a session and, via FK cascade, its messages.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AddMessage appends a message and bumps the session's updated_at.
func (s *Store) AddMessage(sessionID, role, content string) (*Message, error) {
	if !validRole(role) {
		return nil, fmt.Errorf("%w: invalid role %q", ErrInvalidInput, role)
	}
	if _, err := s.GetSession(sessionID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, role, content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return nil, err
	}
	return &Message{ID: id, SessionID: sessionID, Role: role, Content: content, CreatedAt: now}, nil
}

// GetMessages returns session messages in chronological order. When limit > 0
// only the most recent limit messages are returned (still oldest-first).
func (s *Store) GetMessages(sessionID string, limit int) ([]Message, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(
			`SELECT id, session_id, role, content, created_at FROM (
				SELECT id, session_id, role, content, created_at
				FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC`,
			sessionID, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, session_id, role, content, created_at
			 FROM messages WHERE session_id = ? ORDER BY id ASC`,
			sessionID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessagesAfter returns up to limit messages with ID greater than afterID,
// oldest first. Used by the overflow summarizer.
func (s *Store) MessagesAfter(sessionID string, afterID int64, limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, created_at
		 FROM messages WHERE session_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		sessionID, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearMessages deletes all messages in a session.
func (s *Store) ClearMessages(sessionID string) error {
	if _, err := s.GetSession(sessionID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE sessions SET updated_at = ?, last_summarized_msg_id = 0 WHERE id = ?`,
		time.Now().UTC(), sessionID,
	)
	return err
}

// MessageCount returns the number of messages in a session.
func (s *Store) MessageCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// SetLastSummarized records the summarization watermark for a session.
func (s *Store) SetLastSummarized(sessionID string, msgID int64) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET last_summarized_msg_id = ? WHERE id = ?`, msgID, sessionID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// LastUserMessageTime returns the timestamp of the newest user message across
// all sessions, or ErrNotFound when no user has ever written.
func (s *Store) LastUserMessageTime() (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRow(`SELECT MAX(created_at) FROM messages WHERE role = 'user'`).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, ErrNotFound
	}
	return ts.Time, nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.Name, &sess.LastSummarizedMsgID, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
