package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/stewardq/internal/cron"
	"github.com/basket/stewardq/internal/queue"
)

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		schedules, err := s.cfg.Store.ListSchedules(r.Context())
		if err != nil {
			s.internalError(w, "list schedules", err)
			return
		}
		if schedules == nil {
			schedules = []*queue.Schedule{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})

	case http.MethodPost:
		var body struct {
			Name     string         `json:"name"`
			CronExpr string         `json:"cron_expr"`
			Room     string         `json:"room"`
			Task     string         `json:"task"`
			Params   map[string]any `json:"params"`
			Enabled  *bool          `json:"enabled"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "decode body failed")
			return
		}
		if body.Name == "" || body.Room == "" || body.Task == "" {
			writeError(w, http.StatusBadRequest, "name, room and task required")
			return
		}
		next, err := cron.NextRun(body.CronExpr, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var params json.RawMessage
		if body.Params != nil {
			params, err = json.Marshal(body.Params)
			if err != nil {
				writeError(w, http.StatusBadRequest, "encode params failed")
				return
			}
		}
		enabled := true
		if body.Enabled != nil {
			enabled = *body.Enabled
		}
		sched, err := s.cfg.Store.CreateSchedule(r.Context(), &queue.Schedule{
			Name:     body.Name,
			CronExpr: body.CronExpr,
			Room:     body.Room,
			Task:     body.Task,
			Params:   params,
			Enabled:  enabled,
		}, next)
		if err != nil {
			s.internalError(w, "create schedule", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"schedule": sched})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleScheduleByID serves /api/schedules/{id} and its enable/disable verbs.
func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "schedule id required")
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var enabled bool
		switch parts[1] {
		case "enable":
			enabled = true
		case "disable":
			enabled = false
		default:
			writeError(w, http.StatusNotFound, "unknown action")
			return
		}
		if err := s.cfg.Store.SetScheduleEnabled(r.Context(), id, enabled); err != nil {
			notFoundOr500(w, s, "toggle schedule", err)
			return
		}
		sched, err := s.cfg.Store.GetSchedule(r.Context(), id)
		if err != nil {
			notFoundOr500(w, s, "get schedule", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedule": sched})
		return
	}

	switch r.Method {
	case http.MethodGet:
		sched, err := s.cfg.Store.GetSchedule(r.Context(), id)
		if err != nil {
			notFoundOr500(w, s, "get schedule", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedule": sched})
	case http.MethodDelete:
		if err := s.cfg.Store.DeleteSchedule(r.Context(), id); err != nil {
			notFoundOr500(w, s, "delete schedule", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
