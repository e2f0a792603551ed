// Package cron schedules recurring agent tasks. Schedules are standard
// five-field cron expressions evaluated in Asia/Shanghai; the scheduler
// sleeps until the earliest next_run instead of polling.
package cron

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/countbot/countbot/internal/store"
)

// shanghaiTZ anchors schedule evaluation to the assistant's home timezone.
var shanghaiTZ = mustLoadLocation("Asia/Shanghai")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

func nowShanghai() time.Time {
	return time.Now().In(shanghaiTZ)
}

// Service is the job CRUD surface shared by the REST API and the
// scheduler.
type Service struct {
	store *store.Store

	// reschedule pokes the scheduler after job mutations; nil before the
	// scheduler is attached.
	reschedule func()
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// SetScheduler attaches the wake callback invoked after job mutations.
func (s *Service) SetScheduler(sched *Scheduler) {
	s.reschedule = sched.Reschedule
}

// ValidateSchedule reports whether expr is a valid cron expression.
func (s *Service) ValidateSchedule(expr string) bool {
	return gronx.New().IsValid(expr)
}

// NextRun computes the next fire time after base in Asia/Shanghai.
func (s *Service) NextRun(expr string, base time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(expr, base.In(shanghaiTZ), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return next, nil
}

// AddJob validates and persists a new job.
func (s *Service) AddJob(job *store.CronJob) error {
	if !s.ValidateSchedule(job.Schedule) {
		return fmt.Errorf("%w: invalid cron: %s", store.ErrInvalidInput, job.Schedule)
	}
	if job.Enabled {
		next, err := s.NextRun(job.Schedule, nowShanghai())
		if err != nil {
			return err
		}
		job.NextRun = &next
	}
	if err := s.store.CreateCronJob(job); err != nil {
		return err
	}
	slog.Info("cron job created", "id", job.ID, "name", job.Name, "schedule", job.Schedule)
	s.wake()
	return nil
}

// JobUpdate is a partial job mutation; nil fields are left unchanged.
type JobUpdate struct {
	Name            *string `json:"name,omitempty"`
	Schedule        *string `json:"schedule,omitempty"`
	Message         *string `json:"message,omitempty"`
	Enabled         *bool   `json:"enabled,omitempty"`
	Channel         *string `json:"channel,omitempty"`
	ChatID          *string `json:"chat_id,omitempty"`
	DeliverResponse *bool   `json:"deliver_response,omitempty"`
}

// UpdateJob applies a partial update and recomputes next_run.
func (s *Service) UpdateJob(id string, upd JobUpdate) (*store.CronJob, error) {
	job, err := s.store.GetCronJob(id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		job.Name = *upd.Name
	}
	if upd.Schedule != nil {
		if !s.ValidateSchedule(*upd.Schedule) {
			return nil, fmt.Errorf("%w: invalid cron: %s", store.ErrInvalidInput, *upd.Schedule)
		}
		job.Schedule = *upd.Schedule
	}
	if upd.Message != nil {
		job.Message = *upd.Message
	}
	if upd.Enabled != nil {
		job.Enabled = *upd.Enabled
	}
	if upd.Channel != nil {
		job.Channel = *upd.Channel
	}
	if upd.ChatID != nil {
		job.ChatID = *upd.ChatID
	}
	if upd.DeliverResponse != nil {
		job.DeliverResponse = *upd.DeliverResponse
	}

	if job.Enabled {
		next, err := s.NextRun(job.Schedule, nowShanghai())
		if err != nil {
			return nil, err
		}
		job.NextRun = &next
	} else {
		job.NextRun = nil
	}

	if err := s.store.UpdateCronJob(job); err != nil {
		return nil, err
	}
	slog.Info("cron job updated", "id", id, "name", job.Name)
	s.wake()
	return job, nil
}

// DeleteJob removes a job.
func (s *Service) DeleteJob(id string) error {
	if err := s.store.DeleteCronJob(id); err != nil {
		return err
	}
	slog.Info("cron job deleted", "id", id)
	s.wake()
	return nil
}

// GetJob returns one job.
func (s *Service) GetJob(id string) (*store.CronJob, error) {
	return s.store.GetCronJob(id)
}

// ListJobs returns all jobs, newest first.
func (s *Service) ListJobs(enabledOnly bool) ([]store.CronJob, error) {
	return s.store.ListCronJobs(enabledOnly)
}

func (s *Service) wake() {
	if s.reschedule != nil {
		s.reschedule()
	}
}

var weekdayNames = map[string]string{
	"0": "周日", "1": "周一", "2": "周二", "3": "周三",
	"4": "周四", "5": "周五", "6": "周六",
}

// DescribeSchedule renders a cron expression as Chinese prose. Unparseable
// expressions come back unchanged.
func DescribeSchedule(expr string) string {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return expr
	}
	minute, hour, day, month, weekday := parts[0], parts[1], parts[2], parts[3], parts[4]

	var desc []string
	switch {
	case minute == "*":
		desc = append(desc, "每分钟")
	case strings.HasPrefix(minute, "*/"):
		desc = append(desc, fmt.Sprintf("每 %s 分钟", minute[2:]))
	default:
		desc = append(desc, fmt.Sprintf("在第 %s 分钟", minute))
	}

	switch {
	case hour == "*":
		desc = append(desc, "每小时")
	case strings.HasPrefix(hour, "*/"):
		desc = append(desc, fmt.Sprintf("每 %s 小时", hour[2:]))
	default:
		desc = append(desc, fmt.Sprintf("在 %s 点", hour))
	}

	if day != "*" {
		desc = append(desc, fmt.Sprintf("每月第 %s 天", day))
	}
	if month != "*" {
		desc = append(desc, fmt.Sprintf("在 %s 月", month))
	}
	if weekday != "*" {
		name, ok := weekdayNames[weekday]
		if !ok {
			name = weekday
		}
		desc = append(desc, "在"+name)
	}
	return strings.Join(desc, " ")
}
