// SPDX-License-Identifier: MIT

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "worker",
		Name:      "tasks_total",
		Help:      "Executed tasks by type and outcome.",
	}, []string{"task_type", "outcome"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gpusched",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Wall time from running to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 12),
	}, []string{"task_type"})

	runningTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpusched",
		Subsystem: "worker",
		Name:      "running_tasks",
		Help:      "Tasks currently executing.",
	})

	heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "worker",
		Name:      "heartbeats_total",
		Help:      "Worker heartbeats received.",
	})

	workersLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "worker",
		Name:      "lost_total",
		Help:      "Workers flagged offline after missing heartbeats.",
	})
)
