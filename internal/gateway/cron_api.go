package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/countbot/countbot/internal/cron"
	"github.com/countbot/countbot/internal/store"
)

// isBuiltinJob reports whether a job is system-owned; builtins can be
// toggled and retargeted but never renamed, rewritten or deleted.
func isBuiltinJob(id string) bool {
	return strings.HasPrefix(id, "builtin:")
}

type cronJobView struct {
	store.CronJob
	ScheduleDescription string `json:"schedule_description"`
	Builtin             bool   `json:"builtin"`
	Running             bool   `json:"running"`
}

func (s *Server) cronView(job store.CronJob) cronJobView {
	v := cronJobView{
		CronJob:             job,
		ScheduleDescription: cron.DescribeSchedule(job.Schedule),
		Builtin:             isBuiltinJob(job.ID),
	}
	if s.sched != nil {
		v.Running = s.sched.IsJobActive(job.ID)
	}
	return v
}

func (s *Server) handleListCronJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.cron.ListJobs(false)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]cronJobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, s.cronView(job))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  views,
		"count": len(views),
	})
}

type createCronRequest struct {
	Name            string `json:"name"`
	Schedule        string `json:"schedule"`
	Message         string `json:"message"`
	Enabled         *bool  `json:"enabled"`
	Channel         string `json:"channel"`
	ChatID          string `json:"chat_id"`
	DeliverResponse bool   `json:"deliver_response"`
}

func (s *Server) handleCreateCronJob(w http.ResponseWriter, r *http.Request) {
	var req createCronRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Schedule == "" || req.Message == "" {
		writeDetail(w, http.StatusBadRequest, "name, schedule and message are required")
		return
	}

	job := &store.CronJob{
		Name:            req.Name,
		Schedule:        req.Schedule,
		Message:         req.Message,
		Enabled:         req.Enabled == nil || *req.Enabled,
		Channel:         req.Channel,
		ChatID:          req.ChatID,
		DeliverResponse: req.DeliverResponse,
	}
	if err := s.cron.AddJob(job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.cronView(*job))
}

func (s *Server) handleGetCronJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cron.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cronView(*job))
}

func (s *Server) handleUpdateCronJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var upd cron.JobUpdate
	if !decodeBody(w, r, &upd) {
		return
	}
	if isBuiltinJob(id) && (upd.Name != nil || upd.Message != nil) {
		writeDetail(w, http.StatusForbidden, "内置任务不允许修改名称或内容")
		return
	}

	job, err := s.cron.UpdateJob(id, upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cronView(*job))
}

func (s *Server) handleDeleteCronJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if isBuiltinJob(id) {
		writeDetail(w, http.StatusForbidden, "内置任务不允许删除")
		return
	}
	if err := s.cron.DeleteJob(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleRunCronJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cron.GetJob(id); err != nil {
		writeError(w, err)
		return
	}
	if s.sched == nil {
		writeDetail(w, http.StatusServiceUnavailable, "调度器未启动")
		return
	}
	if !s.sched.RunNow(id) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "任务正在执行中",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "任务已触发",
	})
}

func (s *Server) handleValidateCron(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Schedule string `json:"schedule"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	valid := s.cron.ValidateSchedule(req.Schedule)
	resp := map[string]interface{}{"valid": valid}
	if valid {
		resp["description"] = cron.DescribeSchedule(req.Schedule)
		if next, err := s.cron.NextRun(req.Schedule, time.Now()); err == nil {
			resp["next_run"] = next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
