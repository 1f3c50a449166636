// SPDX-License-Identifier: MIT

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gpusched",
			Name:      "queue_size",
			Help:      "Current number of tasks waiting in the priority queue",
		},
		[]string{"priority"},
	)

	queueWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gpusched",
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting in the priority queue before dequeue",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5min
		},
		[]string{"priority"},
	)

	queueOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpusched",
			Name:      "queue_operations_total",
			Help:      "Total queue operations by kind",
		},
		[]string{"op"}, // op: "enqueue|dequeue|remove|reprioritize"
	)
)
