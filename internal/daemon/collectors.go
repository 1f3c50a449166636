// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"sync/atomic"
	"syscall"

	"github.com/mofsim/gpusched/internal/alerts"
	"github.com/mofsim/gpusched/internal/callback"
	"github.com/mofsim/gpusched/internal/gpu"
	"github.com/mofsim/gpusched/internal/queue"
	"github.com/mofsim/gpusched/internal/task"
	"github.com/mofsim/gpusched/internal/worker"
)

// failureStreak counts consecutive failed or timed-out tasks. Any
// completion resets it.
type failureStreak struct {
	n atomic.Int64
}

func (f *failureStreak) observe(event string) {
	switch event {
	case task.EventFailed, task.EventTimeout:
		f.n.Add(1)
	case task.EventCompleted:
		f.n.Store(0)
	}
}

// fanNotifier feeds task events to the webhook dispatcher and the
// failure streak in one hop.
type fanNotifier struct {
	callbacks *callback.Dispatcher
	streak    *failureStreak
}

func (n *fanNotifier) TaskEvent(ctx context.Context, t *task.Task, event string) {
	n.streak.observe(event)
	n.callbacks.TaskEvent(ctx, t, event)
}

func gpuMetrics(gpus *gpu.Manager) alerts.Collector {
	return func(_ context.Context) (map[string]float64, error) {
		s := gpus.Summary()
		return map[string]float64{
			alerts.MetricAvailableGPUs:      float64(s.Free),
			alerts.MetricMinGPUFreeMemoryGB: float64(s.MinFreeMemoryMB) / 1024,
			alerts.MetricMaxGPUTemp:         float64(s.MaxTemperatureC),
		}, nil
	}
}

func queueMetrics(q queue.Queue) alerts.Collector {
	return func(ctx context.Context) (map[string]float64, error) {
		size, err := q.Size(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]float64{alerts.MetricQueueLength: float64(size)}, nil
	}
}

func workerMetrics(m *worker.Manager) alerts.Collector {
	return func(_ context.Context) (map[string]float64, error) {
		return map[string]float64{alerts.MetricActiveWorkers: float64(m.ActiveCount())}, nil
	}
}

func diskMetrics(dir string) alerts.Collector {
	return func(_ context.Context) (map[string]float64, error) {
		var st syscall.Statfs_t
		if err := syscall.Statfs(dir, &st); err != nil {
			return nil, err
		}
		freeGB := float64(st.Bavail) * float64(st.Bsize) / (1 << 30)
		return map[string]float64{alerts.MetricDiskFreeGB: freeGB}, nil
	}
}

func failureMetrics(streak *failureStreak) alerts.Collector {
	return func(_ context.Context) (map[string]float64, error) {
		return map[string]float64{alerts.MetricConsecutiveFailures: float64(streak.n.Load())}, nil
	}
}
