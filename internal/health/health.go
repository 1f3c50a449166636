// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness checks for the daemon.
// It supports Docker HEALTHCHECK and Kubernetes probes with per-component
// status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mofsim/gpusched/internal/gpu"
	"github.com/mofsim/gpusched/internal/log"
)

// Status represents the overall health/readiness status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one component health probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checkers behind the probe endpoints.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates a health check manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component checker.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

func (m *Manager) runChecks(ctx context.Context) (map[string]CheckResult, Status) {
	if len(m.checkers) == 0 {
		return nil, StatusHealthy
	}
	checks := make(map[string]CheckResult, len(m.checkers))
	overall := StatusHealthy
	for _, c := range m.checkers {
		result := c.Check(ctx)
		checks[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return checks, overall
}

// Health performs the liveness check. The process being able to answer is
// the signal; component checks are informational only.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	}
	if verbose {
		resp.Checks, resp.Status = m.runChecks(ctx)
	}
	return resp
}

// Ready performs the readiness check. Any unhealthy component makes the
// daemon not ready.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	checks, overall := m.runChecks(ctx)
	return ReadinessResponse{
		Ready:     overall != StatusUnhealthy,
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	}
}

// ServeHealth handles liveness probe requests. Always 200.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("failed to encode health response")
	}
}

// ServeReady handles readiness probe requests. 503 while not ready.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("readiness")

	resp := m.Ready(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("failed to encode readiness response")
	}
}

// Pinger is the slice of a store the checker needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes any Pinger, typically the task repository.
type PingChecker struct {
	name   string
	target Pinger
}

// NewPingChecker creates a checker over a Pinger.
func NewPingChecker(name string, target Pinger) *PingChecker {
	return &PingChecker{name: name, target: target}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	if c.target == nil {
		return CheckResult{Status: StatusHealthy, Message: "not configured (optional)"}
	}
	if err := c.target.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// RedisChecker probes the queue's Redis backend.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a checker over a Redis client.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	if c.client == nil {
		return CheckResult{Status: StatusHealthy, Message: "not configured (optional)"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// GPUChecker grades the fleet: no schedulable GPU is unhealthy, any errored
// device is degraded.
type GPUChecker struct {
	gpus *gpu.Manager
}

// NewGPUChecker creates a checker over the GPU manager.
func NewGPUChecker(gpus *gpu.Manager) *GPUChecker {
	return &GPUChecker{gpus: gpus}
}

func (c *GPUChecker) Name() string { return "gpus" }

func (c *GPUChecker) Check(_ context.Context) CheckResult {
	s := c.gpus.Summary()
	msg := fmt.Sprintf("%d total, %d free, %d busy, %d error", s.Total, s.Free, s.Busy, s.Error)

	if s.Free+s.Busy == 0 {
		return CheckResult{Status: StatusUnhealthy, Message: msg, Error: "no schedulable GPUs"}
	}
	if s.Error > 0 {
		return CheckResult{Status: StatusDegraded, Message: msg}
	}
	return CheckResult{Status: StatusHealthy, Message: msg}
}
