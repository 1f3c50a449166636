// SPDX-License-Identifier: MIT

package alerts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	alertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "alerts",
		Name:      "triggered_total",
		Help:      "Alerts fired by rule and level.",
	}, []string{"rule_id", "level"})

	notifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "alerts",
		Name:      "notify_failures_total",
		Help:      "Failed alert channel deliveries.",
	}, []string{"channel"})
)
