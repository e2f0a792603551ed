package gateway

import (
	"net/http"
	"strconv"

	"github.com/countbot/countbot/internal/store"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	tasks, err := s.store.ListTasks(r.URL.Query().Get("session_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []store.SubagentTask{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.TaskStats()
	if err != nil {
		writeError(w, err)
		return
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     total,
		"pending":   stats[store.TaskPending],
		"running":   stats[store.TaskRunning],
		"completed": stats[store.TaskCompleted],
		"failed":    stats[store.TaskFailed],
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleCancelTask stops a pending or running task; finished tasks are
// left untouched.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if task.Status != store.TaskPending && task.Status != store.TaskRunning {
		writeDetail(w, http.StatusBadRequest, "任务已结束，无法取消")
		return
	}

	// Subagent runs get their own session named after the task.
	if sess, err := s.store.FindSessionByName("subagent:" + id); err == nil {
		s.loop.Cancel(sess.ID)
	}
	if err := s.store.UpdateTaskStatus(id, store.TaskFailed, "cancelled by user"); err != nil {
		writeError(w, err)
		return
	}
	s.notifyTask("task_status", id, map[string]interface{}{"status": store.TaskFailed})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "任务已取消",
	})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteTask(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
