// SPDX-License-Identifier: MIT

package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scheduleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "sched",
		Name:      "outcomes_total",
		Help:      "Scheduling attempts by outcome.",
	}, []string{"outcome"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gpusched",
		Subsystem: "sched",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one scheduler tick.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)
