// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mofsim/gpusched/internal/alerts"
	"github.com/mofsim/gpusched/internal/callback"
	"github.com/mofsim/gpusched/internal/task"
)

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  s.cfg.Models.All(),
		"summary": s.cfg.Models.Summary(),
	})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Models.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"gpus":    s.cfg.GPUs.States(),
		"summary": s.cfg.GPUs.Summary(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Scheduler.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Scheduler.Stats())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workers": s.cfg.Workers.Workers(),
		"active":  s.cfg.Workers.ActiveCount(),
	})
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeBadRequest(w, "worker id required")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Workers.Heartbeat(r.Context(), id))
}

func (s *Server) handleAlertRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.cfg.Alerts.Rules()})
}

func (s *Server) handleAddAlertRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID              string       `json:"id"`
		Name            string       `json:"name"`
		Metric          string       `json:"metric"`
		Op              alerts.Op    `json:"op"`
		Threshold       float64      `json:"threshold"`
		Level           alerts.Level `json:"level"`
		CooldownSeconds int          `json:"cooldown_seconds"`
		Channels        []string     `json:"channels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	rule := alerts.Rule{
		ID:        req.ID,
		Name:      req.Name,
		Metric:    req.Metric,
		Op:        req.Op,
		Threshold: req.Threshold,
		Level:     req.Level,
		Cooldown:  time.Duration(req.CooldownSeconds) * time.Second,
		Channels:  req.Channels,
	}
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	if err := s.cfg.Alerts.AddRule(&rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleRemoveAlertRule(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Alerts.RemoveRule(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableAlertRule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.Alerts.SetEnabled(chi.URLParam(r, "id"), enabled); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.cfg.Alerts.Active()})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "malformed limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.cfg.Alerts.History(limit)})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, task.ErrValidation)
		return
	}
	var body struct {
		ResolvedBy string `json:"resolved_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.ResolvedBy == "" {
		body.ResolvedBy = "api"
	}
	if err := s.cfg.Alerts.Resolve(id, body.ResolvedBy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) handleCallbackHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := callback.Filter{
		TaskID: q.Get("task_id"),
		Event:  q.Get("event"),
	}
	if v := q.Get("success"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "malformed success flag")
			return
		}
		f.Success = &ok
	}
	writeJSON(w, http.StatusOK, map[string]any{"callbacks": s.cfg.Callbacks.History(f)})
}

func (s *Server) handleCallbackStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Callbacks.Stats())
}
