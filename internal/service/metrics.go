// SPDX-License-Identifier: MIT

package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "service",
		Name:      "submissions_total",
		Help:      "Accepted task submissions by type and priority.",
	}, []string{"task_type", "priority"})

	cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "service",
		Name:      "cancellations_total",
		Help:      "Cancellations by the stage they caught the task in.",
	}, []string{"stage"})
)
