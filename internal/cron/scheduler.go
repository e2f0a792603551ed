package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/countbot/countbot/internal/store"
)

const (
	defaultMaxConcurrent = 3
	defaultJobTimeout    = 300 * time.Second

	// idleWake bounds the sleep when no job is scheduled, so jobs added
	// outside the Reschedule path are still picked up.
	idleWake = time.Minute

	stopGrace = 30 * time.Second

	errorTextLimit    = 1000
	responseTextLimit = 1000
)

// ExecuteFunc runs one due job and returns the agent response.
type ExecuteFunc func(ctx context.Context, job *store.CronJob) (string, error)

// Scheduler wakes exactly when the earliest job is due and executes due
// jobs with bounded concurrency.
type Scheduler struct {
	store   *store.Store
	service *Service
	execute ExecuteFunc
	timeout time.Duration
	sem     chan struct{}

	mu     sync.Mutex
	active map[string]struct{}

	wake chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(st *store.Store, svc *Service, execute ExecuteFunc) *Scheduler {
	return &Scheduler{
		store:   st,
		service: svc,
		execute: execute,
		timeout: defaultJobTimeout,
		sem:     make(chan struct{}, defaultMaxConcurrent),
		active:  make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Run drives the scheduler until ctx is cancelled, then waits up to
// stopGrace for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) {
	s.recomputeNextRuns()
	slog.Info("cron scheduler started",
		"max_concurrent", cap(s.sem), "job_timeout", s.timeout)

	for {
		delay := s.nextWakeDelay()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.drain()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		s.dispatchDue(ctx)
	}
}

// Reschedule wakes the scheduler so it re-reads next_run times.
func (s *Scheduler) Reschedule() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunNow triggers a job immediately, even when disabled. It reports false
// when the job is already executing.
func (s *Scheduler) RunNow(id string) bool {
	s.mu.Lock()
	if _, running := s.active[id]; running {
		s.mu.Unlock()
		return false
	}
	s.active[id] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(context.Background(), id, true)
	return true
}

// IsJobActive reports whether a job is currently executing.
func (s *Scheduler) IsJobActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// ActiveJobCount returns the number of executing jobs.
func (s *Scheduler) ActiveJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// recomputeNextRuns refreshes next_run for all enabled jobs at startup,
// discarding fire times missed while the process was down.
func (s *Scheduler) recomputeNextRuns() {
	jobs, err := s.store.ListCronJobs(true)
	if err != nil {
		slog.Error("cron recompute failed", "error", err)
		return
	}
	for i := range jobs {
		job := &jobs[i]
		next, err := s.service.NextRun(job.Schedule, nowShanghai())
		if err != nil {
			slog.Error("cron next run failed", "job", job.ID, "error", err)
			continue
		}
		job.NextRun = &next
		if err := s.store.UpdateCronJob(job); err != nil {
			slog.Error("cron job update failed", "job", job.ID, "error", err)
		}
	}
	slog.Debug("cron next runs recomputed", "jobs", len(jobs))
}

// nextWakeDelay returns the time until the earliest enabled next_run,
// idleWake when nothing is scheduled, and zero for overdue jobs.
// Executing jobs keep their stale next_run until the run is recorded, so
// they are excluded; otherwise the timer would re-arm at zero for the
// whole run.
func (s *Scheduler) nextWakeDelay() time.Duration {
	jobs, err := s.store.ListCronJobs(true)
	if err != nil {
		slog.Error("cron list failed", "error", err)
		return idleWake
	}

	var earliest *time.Time
	for i := range jobs {
		nr := jobs[i].NextRun
		if nr == nil || s.IsJobActive(jobs[i].ID) {
			continue
		}
		if earliest == nil || nr.Before(*earliest) {
			earliest = nr
		}
	}
	if earliest == nil {
		return idleWake
	}

	delay := time.Until(*earliest)
	if delay < 0 {
		slog.Warn("cron job overdue", "by", (-delay).Round(time.Second))
		return 0
	}
	slog.Debug("next cron wake", "in", delay.Round(time.Second), "at", *earliest)
	return delay
}

// dispatchDue starts every due job that is not already running.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	due, err := s.store.DueCronJobs(nowShanghai())
	if err != nil {
		slog.Error("cron due query failed", "error", err)
		return
	}

	for i := range due {
		job := due[i]
		s.mu.Lock()
		if _, running := s.active[job.ID]; running {
			s.mu.Unlock()
			continue
		}
		s.active[job.ID] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runJob(ctx, job.ID, false)
	}
}

func (s *Scheduler) runJob(ctx context.Context, jobID string, force bool) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, jobID)
		s.mu.Unlock()
	}()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return
	}

	// Re-read the job: it may have been edited or disabled while queued.
	job, err := s.store.GetCronJob(jobID)
	if err != nil || (!job.Enabled && !force) {
		return
	}

	started := nowShanghai()
	slog.Info("executing cron job", "id", job.ID, "name", job.Name)

	jobCtx, cancel := context.WithTimeout(ctx, s.timeout)
	response, err := s.execute(jobCtx, job)
	cancel()

	job.LastRun = &started
	job.RunCount++
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		job.LastStatus = "error"
		job.LastError = fmt.Sprintf("Timed out after %ds", int(s.timeout.Seconds()))
		job.ErrorCount++
		slog.Error("cron job timed out", "id", job.ID, "timeout", s.timeout)
	case err != nil:
		job.LastStatus = "error"
		job.LastError = truncate(err.Error(), errorTextLimit)
		job.ErrorCount++
		slog.Error("cron job failed", "id", job.ID, "error", err)
	default:
		job.LastStatus = "ok"
		job.LastError = ""
		job.LastResponse = truncate(response, responseTextLimit)
		slog.Info("cron job completed", "id", job.ID, "name", job.Name)
	}

	// Next fire time counts from when this run started, not when it
	// finished, so long jobs do not drift the schedule.
	if job.Enabled {
		next, nerr := s.service.NextRun(job.Schedule, started)
		if nerr != nil {
			job.Enabled = false
			job.LastError = truncate("Invalid schedule: "+nerr.Error(), errorTextLimit)
			slog.Error("cron job disabled, schedule invalid", "id", job.ID, "error", nerr)
		} else {
			job.NextRun = &next
		}
	}

	if err := s.store.RecordCronRun(job); err != nil {
		slog.Error("cron run record failed", "id", job.ID, "error", err)
	}
}

// drain waits for in-flight jobs, bounded by stopGrace.
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		slog.Warn("cron scheduler stop grace elapsed with jobs still running",
			"active", s.ActiveJobCount())
	}
	slog.Info("cron scheduler stopped")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
