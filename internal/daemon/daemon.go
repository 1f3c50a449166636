// SPDX-License-Identifier: MIT

// Package daemon assembles the scheduler from configuration and runs
// its subsystems under one lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mofsim/gpusched/internal/alerts"
	"github.com/mofsim/gpusched/internal/api"
	"github.com/mofsim/gpusched/internal/callback"
	"github.com/mofsim/gpusched/internal/config"
	"github.com/mofsim/gpusched/internal/executor"
	"github.com/mofsim/gpusched/internal/gpu"
	"github.com/mofsim/gpusched/internal/health"
	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/model"
	"github.com/mofsim/gpusched/internal/queue"
	"github.com/mofsim/gpusched/internal/sched"
	"github.com/mofsim/gpusched/internal/service"
	"github.com/mofsim/gpusched/internal/structure"
	"github.com/mofsim/gpusched/internal/task"
	"github.com/mofsim/gpusched/internal/tasklog"
	"github.com/mofsim/gpusched/internal/version"
	"github.com/mofsim/gpusched/internal/worker"
)

// Options overrides collaborators that normally come from the
// environment. Zero values select the defaults.
type Options struct {
	// Backend materializes calculators. Nil selects the mock backend.
	Backend model.Backend
	// Structures resolves structure references. Nil selects the
	// data-dir store.
	Structures worker.AtomsSource
}

// Daemon owns every subsystem of the scheduler.
type Daemon struct {
	cfg    config.Config
	logger zerolog.Logger

	repo      task.Repository
	sqlite    *task.SQLiteRepository // nil with the memory repository
	queue     queue.Queue
	redis     *redis.Client // nil without a Redis backend
	gpus      *gpu.Manager
	models    *model.Registry
	loader    *model.CachingLoader
	scheduler *sched.Scheduler
	pool      *worker.Pool
	workers   *worker.Manager
	callbacks *callback.Dispatcher
	alerts    *alerts.Engine
	checker   *alerts.Checker
	tasklogs  *tasklog.Service
	tasks     *service.TaskService
	api       *api.Server
	health    *health.Manager
	streak    *failureStreak

	mu   sync.Mutex
	addr string
}

// New wires the daemon from configuration.
func New(cfg config.Config, opts Options) (*Daemon, error) {
	d := &Daemon{cfg: cfg, logger: log.WithComponent("daemon")}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("daemon: create data dir: %w", err)
		}
	}

	if err := d.buildStorage(); err != nil {
		return nil, err
	}
	if err := d.buildGPUs(); err != nil {
		return nil, err
	}
	if err := d.buildPipeline(opts); err != nil {
		return nil, err
	}
	d.buildAlerts()
	d.buildHTTP()
	return d, nil
}

func (d *Daemon) buildStorage() error {
	if d.cfg.SQLitePath != "" {
		repo, err := task.OpenSQLite(d.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("daemon: open sqlite: %w", err)
		}
		d.sqlite = repo
		d.repo = repo
		d.logger.Info().Str("path", d.cfg.SQLitePath).Msg("using sqlite task repository")
	} else {
		d.repo = task.NewMemoryRepository()
		d.logger.Info().Msg("using in-memory task repository")
	}

	if d.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:         d.cfg.RedisAddr,
			Password:     d.cfg.RedisPassword,
			DB:           d.cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("daemon: redis ping: %w", err)
		}
		d.redis = client
		d.queue = queue.NewRedisQueueFromClient(client)
		d.logger.Info().Str("addr", d.cfg.RedisAddr).Msg("using redis task queue")
	} else {
		d.queue = queue.NewMemoryQueue()
		d.logger.Info().Msg("using in-memory task queue")
	}
	return nil
}

func (d *Daemon) buildGPUs() error {
	devices := d.cfg.GPUDevices
	var prober gpu.Prober
	if len(devices) > 0 {
		prober = gpu.NewSMIProber()
	} else {
		n := d.cfg.MockGPUs
		if n <= 0 {
			n = 1
		}
		for i := range n {
			devices = append(devices, i)
		}
		prober = gpu.NewMockProber(devices...)
		d.logger.Warn().Int("devices", n).Msg("no gpu devices configured, using mock telemetry")
	}

	gpus, err := gpu.NewManager(gpu.Config{
		Devices:         devices,
		Reserved:        d.cfg.ReservedGPUs,
		MaxModelsPerGPU: d.cfg.MaxModelsPerGPU,
		SafetyMarginMB:  d.cfg.MemorySafetyMarginMB,
		Prober:          prober,
	})
	if err != nil {
		return fmt.Errorf("daemon: gpu manager: %w", err)
	}
	d.gpus = gpus
	return nil
}

func (d *Daemon) buildPipeline(opts Options) error {
	models, err := model.NewRegistry(d.cfg.ModelCatalogFile)
	if err != nil {
		return fmt.Errorf("daemon: model catalog: %w", err)
	}
	d.models = models

	backend := opts.Backend
	if backend == nil {
		backend = model.MockBackend(200 * time.Millisecond)
		d.logger.Warn().Msg("no inference backend configured, using mock calculators")
	}
	d.loader = model.NewCachingLoader(models, backend)

	structures := opts.Structures
	if structures == nil {
		structures = structure.NewStore(d.cfg.DataDir)
	}

	d.callbacks = callback.NewDispatcher(callback.Config{
		Secret:      d.cfg.WebhookSecret,
		Client:      &http.Client{Timeout: d.cfg.WebhookTimeout},
		MaxRetries:  d.cfg.WebhookMaxRetries,
		RetryDelay:  d.cfg.WebhookRetryDelay,
		Workers:     d.cfg.CallbackInflight,
		HistorySize: d.cfg.CallbackMaxHistory,
	})
	d.tasklogs = tasklog.New(0)
	d.streak = &failureStreak{}
	notifier := &fanNotifier{callbacks: d.callbacks, streak: d.streak}

	base := make(map[string]int)
	for _, rec := range models.All() {
		base[rec.Name] = rec.MemoryMB()
	}
	estimator := sched.NewEstimator(base)

	pool, err := worker.NewPool(worker.PoolConfig{
		Repo:       d.repo,
		GPUs:       d.gpus,
		Models:     d.loader,
		Executors:  executor.NewRegistry(),
		Structures: structures,
		Notifier:   notifier,
		Logs:       d.tasklogs,
		OOM:        estimator,
	})
	if err != nil {
		return fmt.Errorf("daemon: worker pool: %w", err)
	}
	d.pool = pool

	scheduler, err := sched.New(sched.Config{
		Queue:        d.queue,
		Repo:         d.repo,
		GPUs:         d.gpus,
		Estimator:    estimator,
		Dispatcher:   pool,
		PollInterval: d.cfg.PollInterval,
		MaxModels:    d.cfg.MaxModelsPerGPU,
	})
	if err != nil {
		return fmt.Errorf("daemon: scheduler: %w", err)
	}
	d.scheduler = scheduler

	workers, err := worker.NewManager(worker.ManagerConfig{
		Repo:             d.repo,
		GPUs:             d.gpus,
		Notifier:         notifier,
		HeartbeatTimeout: d.cfg.HeartbeatTimeout,
		CheckInterval:    d.cfg.HeartbeatInterval,
		Redis:            d.redis,
	})
	if err != nil {
		return fmt.Errorf("daemon: worker manager: %w", err)
	}
	d.workers = workers

	tasks, err := service.New(service.Config{
		Repo:      d.repo,
		Queue:     d.queue,
		Models:    models,
		Canceller: pool,
		Notifier:  notifier,
	})
	if err != nil {
		return fmt.Errorf("daemon: task service: %w", err)
	}
	d.tasks = tasks
	return nil
}

func (d *Daemon) buildAlerts() {
	notifiers := []alerts.Notifier{alerts.NewLogNotifier()}
	if d.cfg.AlertSinkFile != "" {
		notifiers = append(notifiers, alerts.NewFileNotifier(d.cfg.AlertSinkFile))
	}
	d.alerts = alerts.NewEngine(notifiers...)

	if d.cfg.AlertRuleFile != "" {
		n, err := d.alerts.LoadRulesFile(d.cfg.AlertRuleFile)
		if err != nil {
			d.logger.Error().Err(err).Str("path", d.cfg.AlertRuleFile).Msg("loading alert rules failed")
		} else {
			d.logger.Info().Int("rules", n).Str("path", d.cfg.AlertRuleFile).Msg("loaded alert rules")
		}
	}

	d.checker = alerts.NewChecker(d.alerts, d.cfg.AlertCheckInterval,
		gpuMetrics(d.gpus),
		queueMetrics(d.queue),
		workerMetrics(d.workers),
		diskMetrics(d.cfg.DataDir),
		failureMetrics(d.streak),
	)
}

func (d *Daemon) buildHTTP() {
	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewGPUChecker(d.gpus))
	if d.sqlite != nil {
		hm.RegisterChecker(health.NewPingChecker("sqlite", d.sqlite))
	}
	if d.redis != nil {
		hm.RegisterChecker(health.NewRedisChecker(d.redis))
	}
	d.health = hm

	d.api = api.NewServer(api.Config{
		Tasks:     d.tasks,
		Scheduler: d.scheduler,
		GPUs:      d.gpus,
		Models:    d.models,
		Alerts:    d.alerts,
		Callbacks: d.callbacks,
		Workers:   d.workers,
		TaskLogs:  d.tasklogs,
		Health:    hm,
	})
}

// Addr returns the bound listen address once Run has opened the socket.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Run starts every subsystem and blocks until the context ends or a
// subsystem fails. Shutdown drains the HTTP server before returning.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	d.mu.Lock()
	d.addr = ln.Addr().String()
	d.mu.Unlock()

	d.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("version", version.Version).
		Int("gpus", d.gpus.Summary().Total).
		Msg("daemon starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.scheduler.Run(ctx) })
	g.Go(func() error { return d.pool.Run(ctx) })
	g.Go(func() error { return d.workers.Run(ctx) })
	g.Go(func() error { return d.runLocalWorker(ctx) })
	g.Go(func() error { return d.callbacks.Run(ctx) })
	g.Go(func() error { return d.checker.Run(ctx) })
	g.Go(func() error { return d.runMaintenance(ctx) })

	srv := &http.Server{
		Handler:           d.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = g.Wait()
	d.close()
	if errors.Is(err, context.Canceled) {
		d.logger.Info().Msg("daemon stopped")
		return nil
	}
	return err
}

// runMaintenance prunes terminal task rows past the retention window.
func (d *Daemon) runMaintenance(ctx context.Context) error {
	retention := d.cfg.TaskRetention
	if retention <= 0 {
		retention = 168 * time.Hour
	}
	interval := d.cfg.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			n, err := d.repo.PruneTerminal(ctx, cutoff)
			if err != nil {
				d.logger.Error().Err(err).Msg("pruning terminal tasks failed")
				continue
			}
			if n > 0 {
				d.logger.Info().Int("pruned", n).Time("cutoff", cutoff).Msg("terminal tasks pruned")
			}
		}
	}
}

// runLocalWorker registers the in-process pool as a worker and keeps it
// beating. Without it the liveness registry sees an empty fleet in the
// single-process deployment and the no-active-workers rule fires forever.
func (d *Daemon) runLocalWorker(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	id := "worker-" + hostname

	var devices []int
	for _, st := range d.gpus.States() {
		devices = append(devices, st.Index)
	}
	d.workers.Register(ctx, id, hostname, devices)

	interval := d.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.workers.Deregister(context.WithoutCancel(ctx), id)
			return ctx.Err()
		case <-ticker.C:
			d.workers.Heartbeat(ctx, id)
		}
	}
}

func (d *Daemon) close() {
	if d.sqlite != nil {
		if err := d.sqlite.Close(); err != nil {
			d.logger.Error().Err(err).Msg("closing sqlite failed")
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.Error().Err(err).Msg("closing redis failed")
		}
	}
}
