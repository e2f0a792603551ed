package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Subagent task states.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// SubagentTask records a background task spawned by the agent.
type SubagentTask struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Prompt    string    `json:"prompt"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateTask inserts a pending subagent task.
func (s *Store) CreateTask(sessionID, prompt string) (*SubagentTask, error) {
	now := time.Now().UTC()
	t := &SubagentTask{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Prompt:    prompt,
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO subagent_tasks (id, session_id, prompt, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Prompt, t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask returns a task by ID, or ErrNotFound.
func (s *Store) GetTask(id string) (*SubagentTask, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, prompt, status, result, created_at, updated_at
		 FROM subagent_tasks WHERE id = ?`, id)
	var t SubagentTask
	var result sql.NullString
	err := row.Scan(&t.ID, &t.SessionID, &t.Prompt, &t.Status, &result, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Result = result.String
	return &t, nil
}

// ListTasks returns tasks newest first, optionally filtered by session.
func (s *Store) ListTasks(sessionID string, limit int) ([]SubagentTask, error) {
	query := `SELECT id, session_id, prompt, status, result, created_at, updated_at FROM subagent_tasks`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubagentTask
	for rows.Next() {
		var t SubagentTask
		var result sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Prompt, &t.Status, &result, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Result = result.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskStats returns the task count per status.
func (s *Store) TaskStats() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM subagent_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// DeleteTask removes a task record, or ErrNotFound.
func (s *Store) DeleteTask(id string) error {
	return withRetry(func() error {
		res, err := s.db.Exec(`DELETE FROM subagent_tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// UpdateTaskStatus transitions a task and records its result.
func (s *Store) UpdateTaskStatus(id, status, result string) error {
	return withRetry(func() error {
		res, err := s.db.Exec(
			`UPDATE subagent_tasks SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
			status, nullStr(result), time.Now().UTC(), id,
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}
