// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/gpu"
	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/task"
)

// WorkerStatus is the liveness label of a worker process.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

// Info is the registry's view of one worker process.
type Info struct {
	ID            string       `json:"id"`
	Hostname      string       `json:"hostname"`
	GPUs          []int        `json:"gpus"`
	Status        WorkerStatus `json:"status"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// ManagerConfig shapes a Manager.
type ManagerConfig struct {
	Repo task.Repository
	GPUs *gpu.Manager
	// Notifier receives failure events for tasks lost with their worker.
	Notifier Notifier
	// HeartbeatTimeout flags a worker offline. Default 30s.
	HeartbeatTimeout time.Duration
	// CheckInterval paces the monitor loop. Default 10s.
	CheckInterval time.Duration
	// Redis, when set, mirrors worker records for external observers.
	Redis     *redis.Client
	KeyPrefix string
}

// Manager tracks worker liveness through heartbeats. A worker that stops
// beating is flagged offline; its in-flight tasks fail and its GPUs return
// to the pool.
type Manager struct {
	repo     task.Repository
	gpus     *gpu.Manager
	notifier Notifier
	timeout  time.Duration
	interval time.Duration
	redis    *redis.Client
	prefix   string
	logger   zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*Info
}

// NewManager builds a worker registry.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Repo == nil || cfg.GPUs == nil {
		return nil, errors.New("worker: repo and gpus are required")
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gpusched:workers:"
	}
	return &Manager{
		repo:     cfg.Repo,
		gpus:     cfg.GPUs,
		notifier: cfg.Notifier,
		timeout:  cfg.HeartbeatTimeout,
		interval: cfg.CheckInterval,
		redis:    cfg.Redis,
		prefix:   cfg.KeyPrefix,
		logger:   log.WithComponent("worker.manager"),
		workers:  make(map[string]*Info),
	}, nil
}

// Register adds or refreshes a worker record. Re-registering an existing
// id is a no-op beyond refreshing its fields.
func (m *Manager) Register(ctx context.Context, id, hostname string, gpus []int) *Info {
	now := time.Now().UTC()

	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok {
		w = &Info{ID: id, RegisteredAt: now}
		m.workers[id] = w
	}
	w.Hostname = hostname
	w.GPUs = append([]int(nil), gpus...)
	w.Status = WorkerOnline
	w.LastHeartbeat = now
	snapshot := *w
	m.mu.Unlock()

	m.mirror(ctx, &snapshot)
	m.logger.Info().
		Str(log.FieldWorkerID, id).
		Str("hostname", hostname).
		Ints("gpus", gpus).
		Msg("worker registered")
	return &snapshot
}

// Heartbeat refreshes a worker's liveness. Unknown ids register a minimal
// record so a restarted manager re-learns its fleet from traffic alone.
func (m *Manager) Heartbeat(ctx context.Context, id string) *Info {
	now := time.Now().UTC()

	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok {
		w = &Info{ID: id, RegisteredAt: now}
		m.workers[id] = w
	}
	revived := w.Status == WorkerOffline
	w.Status = WorkerOnline
	w.LastHeartbeat = now
	snapshot := *w
	m.mu.Unlock()

	heartbeats.Inc()
	m.mirror(ctx, &snapshot)
	if revived {
		m.logger.Info().Str(log.FieldWorkerID, id).Msg("worker back online")
	}
	return &snapshot
}

// Deregister removes a worker record.
func (m *Manager) Deregister(ctx context.Context, id string) bool {
	m.mu.Lock()
	_, ok := m.workers[id]
	delete(m.workers, id)
	m.mu.Unlock()

	if ok && m.redis != nil {
		_ = m.redis.Del(ctx, m.prefix+id).Err()
	}
	return ok
}

// Workers lists all known workers sorted by id.
func (m *Manager) Workers() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount reports the number of online workers.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, w := range m.workers {
		if w.Status == WorkerOnline {
			n++
		}
	}
	return n
}

// Run drives the liveness sweep until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("heartbeat_timeout", m.timeout).Msg("worker monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("worker monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep flags workers past the heartbeat timeout and reclaims their work.
func (m *Manager) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.timeout)

	var lost []Info
	m.mu.Lock()
	for _, w := range m.workers {
		if w.Status == WorkerOnline && w.LastHeartbeat.Before(cutoff) {
			w.Status = WorkerOffline
			lost = append(lost, *w)
		}
	}
	m.mu.Unlock()

	for i := range lost {
		w := &lost[i]
		workersLost.Inc()
		m.logger.Warn().
			Str(log.FieldWorkerID, w.ID).
			Time("last_heartbeat", w.LastHeartbeat).
			Msg("worker lost")
		m.mirror(ctx, w)
		m.reclaim(ctx, w)
	}
}

// reclaim fails in-flight tasks of a lost worker and frees its GPUs.
func (m *Manager) reclaim(ctx context.Context, w *Info) {
	for _, gpuID := range w.GPUs {
		st, err := m.gpus.Get(gpuID)
		if err != nil || st.Status != gpu.StatusBusy || st.CurrentTaskID == "" {
			continue
		}
		taskID := st.CurrentTaskID

		if id, err := uuid.Parse(taskID); err == nil {
			m.failLostTask(ctx, id, w.ID)
		}
		if err := m.gpus.Release(gpuID, taskID); err != nil {
			m.logger.Error().Err(err).Int(log.FieldGPUID, gpuID).Msg("gpu release after worker loss failed")
		}
	}
}

func (m *Manager) failLostTask(ctx context.Context, id uuid.UUID, workerID string) {
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return
	}
	if lifecycle.ValidateTransition(t.State, lifecycle.StateFailed) != nil {
		return
	}
	now := time.Now().UTC()
	t.State = lifecycle.StateFailed
	t.CompletedAt = &now
	t.ErrorMessage = "worker_lost"
	if err := m.repo.Update(ctx, t); err != nil {
		m.logger.Error().Err(err).Str(log.FieldTaskID, id.String()).Msg("failing lost task failed")
		return
	}
	if m.notifier != nil {
		m.notifier.TaskEvent(ctx, t, task.EventFailed)
	}
	m.logger.Warn().
		Str(log.FieldTaskID, id.String()).
		Str(log.FieldWorkerID, workerID).
		Str(log.FieldReason, "worker_lost").
		Msg("failed in-flight task of lost worker")
}

// mirror writes the worker record to Redis for external observers. The TTL
// lets records of dead managers age out on their own.
func (m *Manager) mirror(ctx context.Context, w *Info) {
	if m.redis == nil {
		return
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := m.redis.Set(ctx, m.prefix+w.ID, payload, 4*m.timeout).Err(); err != nil {
		m.logger.Debug().Err(err).Str(log.FieldWorkerID, w.ID).Msg("worker mirror write failed")
	}
}
