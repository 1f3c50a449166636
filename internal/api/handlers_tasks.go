// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/service"
	"github.com/mofsim/gpusched/internal/task"
	"github.com/mofsim/gpusched/internal/tasklog"
)

// taskView is the wire shape of a task.
type taskView struct {
	ID           string            `json:"id"`
	Type         string            `json:"task_type"`
	Model        string            `json:"model"`
	StructureRef string            `json:"structure"`
	Parameters   map[string]any    `json:"parameters,omitempty"`
	Priority     string            `json:"priority"`
	State        string            `json:"state"`
	Position     *int              `json:"position,omitempty"`
	AtomCount    int               `json:"atom_count,omitempty"`
	Formula      string            `json:"formula,omitempty"`
	GPUID        *int              `json:"gpu_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Result       map[string]any    `json:"result,omitempty"`
	OutputFiles  map[string]string `json:"output_files,omitempty"`
	Error        string            `json:"error,omitempty"`
}

func viewOf(t *task.Task) taskView {
	return taskView{
		ID:           t.ID.String(),
		Type:         string(t.Type),
		Model:        t.Model,
		StructureRef: t.StructureRef,
		Parameters:   t.Parameters,
		Priority:     t.Priority.String(),
		State:        string(t.State),
		AtomCount:    t.AtomCount,
		Formula:      t.Formula,
		GPUID:        t.GPUID,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		Result:       t.Result,
		OutputFiles:  t.OutputFiles,
		Error:        t.ErrorMessage,
	}
}

func taskID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed task id", task.ErrValidation)
	}
	return id, nil
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	t, err := s.cfg.Tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	v := viewOf(t)
	s.attachQueuePosition(r, t, &v)
	writeJSON(w, http.StatusAccepted, v)
}

// attachQueuePosition fills the view's queue slot while the task waits.
func (s *Server) attachQueuePosition(r *http.Request, t *task.Task, v *taskView) {
	if t.State != lifecycle.StateQueued {
		return
	}
	if pos, ok, err := s.cfg.Tasks.QueuePosition(r.Context(), t.ID); err == nil && ok {
		v.Position = &pos
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.cfg.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	v := viewOf(t)
	s.attachQueuePosition(r, t, &v)
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.cfg.Tasks.Result(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           t.ID.String(),
		"state":        string(t.State),
		"result":       t.Result,
		"output_files": t.OutputFiles,
		"error":        t.ErrorMessage,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		State: lifecycle.State(q.Get("state")),
		Type:  task.Type(q.Get("task_type")),
		Model: q.Get("model"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "malformed limit")
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "malformed offset")
			return
		}
		f.Offset = n
	}

	tasks, total, err := s.cfg.Tasks.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]taskView, len(tasks))
	for i, t := range tasks {
		views[i] = viewOf(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views, "total": total})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.cfg.Tasks.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "malformed limit")
			return
		}
		limit = n
	}
	entries := s.cfg.TaskLogs.Get(id.String(), r.URL.Query().Get("level"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// handleTaskLogStream streams task log entries as server-sent events.
// Heartbeat entries keep idle connections alive.
func (s *Server) handleTaskLogStream(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for entry := range s.cfg.TaskLogs.Stream(r.Context(), id.String(), 15*time.Second) {
		if entry.Level == tasklog.LevelHeartbeat {
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: log\ndata: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}
