// SPDX-License-Identifier: MIT

package callback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "callback",
		Name:      "deliveries_total",
		Help:      "Webhook delivery results.",
	}, []string{"event", "outcome"})

	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gpusched",
		Subsystem: "callback",
		Name:      "delivery_duration_seconds",
		Help:      "Wall time of one delivery including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpusched",
		Subsystem: "callback",
		Name:      "queue_depth",
		Help:      "Deliveries waiting for a dispatcher slot.",
	})

	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "callback",
		Name:      "dropped_total",
		Help:      "Deliveries dropped because the queue was full.",
	})
)
