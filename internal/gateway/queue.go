package gateway

import "net/http"

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	var stats map[string]interface{}
	if s.handler != nil {
		stats = s.handler.QueueStats()
	} else {
		stats = map[string]interface{}{
			"inbound_size":  s.bus.InboundSize(),
			"outbound_size": s.bus.Stats().OutboundSize,
			"active_tasks":  0,
		}
	}

	snap := s.cfg.Snapshot()
	if snap.RateLimit.Enabled {
		stats["rate_limiter"] = map[string]interface{}{
			"enabled": true,
			"rate":    snap.RateLimit.Rate,
			"per":     snap.RateLimit.Per,
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeDetail(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if s.loop.Cancel(req.SessionID) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "任务已取消",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": false,
		"message": "没有正在执行的任务",
	})
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []string
	if s.handler != nil {
		tasks = s.handler.ActiveTasks()
	}
	if tasks == nil {
		tasks = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_tasks": tasks,
		"count":        len(tasks),
	})
}
