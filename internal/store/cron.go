package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CronJob is a scheduled agent task. next_run and all timestamps are stored
// as naive Asia/Shanghai wall-clock times, matching the scheduler.
type CronJob struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Schedule        string     `json:"schedule"`
	Message         string     `json:"message"`
	Enabled         bool       `json:"enabled"`
	Channel         string     `json:"channel,omitempty"`
	ChatID          string     `json:"chat_id,omitempty"`
	DeliverResponse bool       `json:"deliver_response"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	LastStatus      string     `json:"last_status,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastResponse    string     `json:"last_response,omitempty"`
	RunCount        int        `json:"run_count"`
	ErrorCount      int        `json:"error_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const cronColumns = `id, name, schedule, message, enabled, channel, chat_id, deliver_response,
	next_run, last_run, last_status, last_error, last_response, run_count, error_count,
	created_at, updated_at`

// CreateCronJob inserts a job. Pass id == "" to generate a UUID; the builtin
// heartbeat job uses a fixed id.
func (s *Store) CreateCronJob(job *CronJob) error {
	if job.Name == "" || job.Schedule == "" {
		return fmt.Errorf("%w: name and schedule required", ErrInvalidInput)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	return withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO cron_jobs (id, name, schedule, message, enabled, channel, chat_id,
				deliver_response, next_run, run_count, error_count, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
			job.ID, job.Name, job.Schedule, job.Message, job.Enabled,
			nullStr(job.Channel), nullStr(job.ChatID), job.DeliverResponse,
			nullTime(job.NextRun), job.CreatedAt, job.UpdatedAt,
		)
		return err
	})
}

// GetCronJob returns a job by ID, or ErrNotFound.
func (s *Store) GetCronJob(id string) (*CronJob, error) {
	row := s.db.QueryRow(`SELECT `+cronColumns+` FROM cron_jobs WHERE id = ?`, id)
	return scanCronJob(row.Scan)
}

// ListCronJobs returns jobs ordered by creation, newest first.
func (s *Store) ListCronJobs(enabledOnly bool) ([]CronJob, error) {
	query := `SELECT ` + cronColumns + ` FROM cron_jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CronJob
	for rows.Next() {
		job, err := scanCronJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// DueCronJobs returns enabled jobs whose next_run is at or before now,
// earliest first.
func (s *Store) DueCronJobs(now time.Time) ([]CronJob, error) {
	rows, err := s.db.Query(
		`SELECT `+cronColumns+` FROM cron_jobs
		 WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CronJob
	for rows.Next() {
		job, err := scanCronJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// UpdateCronJob persists mutable job fields.
func (s *Store) UpdateCronJob(job *CronJob) error {
	job.UpdatedAt = time.Now()
	return withRetry(func() error {
		res, err := s.db.Exec(
			`UPDATE cron_jobs SET name = ?, schedule = ?, message = ?, enabled = ?,
				channel = ?, chat_id = ?, deliver_response = ?, next_run = ?, updated_at = ?
			 WHERE id = ?`,
			job.Name, job.Schedule, job.Message, job.Enabled,
			nullStr(job.Channel), nullStr(job.ChatID), job.DeliverResponse,
			nullTime(job.NextRun), job.UpdatedAt, job.ID,
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// RecordCronRun writes post-execution state: run stats, status, next_run.
// Retries on sqlite lock contention since the scheduler writes concurrently
// with the REST surface.
func (s *Store) RecordCronRun(job *CronJob) error {
	return withRetry(func() error {
		res, err := s.db.Exec(
			`UPDATE cron_jobs SET enabled = ?, next_run = ?, last_run = ?, last_status = ?,
				last_error = ?, last_response = ?, run_count = ?, error_count = ?, updated_at = ?
			 WHERE id = ?`,
			job.Enabled, nullTime(job.NextRun), nullTime(job.LastRun), nullStr(job.LastStatus),
			nullStr(job.LastError), nullStr(job.LastResponse), job.RunCount, job.ErrorCount,
			time.Now(), job.ID,
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// DeleteCronJob removes a job.
func (s *Store) DeleteCronJob(id string) error {
	return withRetry(func() error {
		res, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func scanCronJob(scan func(...any) error) (*CronJob, error) {
	var job CronJob
	var channel, chatID, lastStatus, lastError, lastResponse sql.NullString
	var nextRun, lastRun sql.NullTime
	err := scan(
		&job.ID, &job.Name, &job.Schedule, &job.Message, &job.Enabled,
		&channel, &chatID, &job.DeliverResponse,
		&nextRun, &lastRun, &lastStatus, &lastError, &lastResponse,
		&job.RunCount, &job.ErrorCount, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Channel = channel.String
	job.ChatID = chatID.String
	job.LastStatus = lastStatus.String
	job.LastError = lastError.String
	job.LastResponse = lastResponse.String
	if nextRun.Valid {
		t := nextRun.Time
		job.NextRun = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		job.LastRun = &t
	}
	return &job, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
