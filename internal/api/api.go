// SPDX-License-Identifier: MIT

// Package api provides the HTTP surface of the scheduler daemon.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/alerts"
	"github.com/mofsim/gpusched/internal/callback"
	"github.com/mofsim/gpusched/internal/gpu"
	"github.com/mofsim/gpusched/internal/health"
	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/model"
	"github.com/mofsim/gpusched/internal/sched"
	"github.com/mofsim/gpusched/internal/service"
	"github.com/mofsim/gpusched/internal/tasklog"
	"github.com/mofsim/gpusched/internal/worker"
)

// Config carries the server's collaborators and limits.
type Config struct {
	Tasks     *service.TaskService
	Scheduler *sched.Scheduler
	GPUs      *gpu.Manager
	Models    *model.Registry
	Alerts    *alerts.Engine
	Callbacks *callback.Dispatcher
	Workers   *worker.Manager
	TaskLogs  *tasklog.Service
	Health    *health.Manager

	// SubmitPerMinute rate-limits task submission per client IP. Default 60.
	SubmitPerMinute int
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger zerolog.Logger
}

// NewServer builds a Server over the given collaborators.
func NewServer(cfg Config) *Server {
	if cfg.SubmitPerMinute <= 0 {
		cfg.SubmitPerMinute = 60
	}
	return &Server{cfg: cfg, logger: log.WithComponent("api")}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	if s.cfg.Health != nil {
		r.Get("/healthz", s.cfg.Health.ServeHealth)
		r.Get("/readyz", s.cfg.Health.ServeReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(submitRateLimit(s.cfg.SubmitPerMinute)).Post("/tasks", s.handleSubmitTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Delete("/tasks/{id}", s.handleCancelTask)
		r.Get("/tasks/{id}/result", s.handleTaskResult)
		r.Get("/tasks/{id}/logs", s.handleTaskLogs)
		r.Get("/tasks/{id}/logs/stream", s.handleTaskLogStream)

		r.Get("/models", s.handleListModels)
		r.Get("/models/{name}", s.handleGetModel)

		r.Get("/gpus", s.handleGPUs)
		r.Get("/queue", s.handleQueue)
		r.Get("/scheduler/stats", s.handleSchedulerStats)

		r.Get("/workers", s.handleWorkers)
		r.Post("/workers/{id}/heartbeat", s.handleWorkerHeartbeat)

		r.Get("/alerts/rules", s.handleAlertRules)
		r.Post("/alerts/rules", s.handleAddAlertRule)
		r.Delete("/alerts/rules/{id}", s.handleRemoveAlertRule)
		r.Post("/alerts/rules/{id}/enable", s.handleEnableAlertRule(true))
		r.Post("/alerts/rules/{id}/disable", s.handleEnableAlertRule(false))
		r.Get("/alerts/active", s.handleActiveAlerts)
		r.Get("/alerts/history", s.handleAlertHistory)
		r.Post("/alerts/{id}/resolve", s.handleResolveAlert)

		r.Get("/callbacks", s.handleCallbackHistory)
		r.Get("/callbacks/stats", s.handleCallbackStats)
	})
	return r
}

// submitRateLimit bounds submissions per client IP with a sliding window.
func submitRateLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
		}),
	)
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int(log.FieldStatus, ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}
