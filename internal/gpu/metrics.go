// SPDX-License-Identifier: MIT

package gpu

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memoryFree = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpusched",
		Subsystem: "gpu",
		Name:      "memory_free_mb",
		Help:      "Free device memory in MiB from the last probe.",
	}, []string{"gpu"})

	temperature = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpusched",
		Subsystem: "gpu",
		Name:      "temperature_celsius",
		Help:      "Core temperature from the last probe.",
	}, []string{"gpu"})

	utilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpusched",
		Subsystem: "gpu",
		Name:      "utilization_percent",
		Help:      "Device utilization from the last probe.",
	}, []string{"gpu"})

	busyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpusched",
		Subsystem: "gpu",
		Name:      "busy",
		Help:      "1 while a task owns the device.",
	}, []string{"gpu"})

	allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "gpu",
		Name:      "allocations_total",
		Help:      "Device allocations by outcome.",
	}, []string{"outcome"})

	modelEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "gpu",
		Name:      "model_evictions_total",
		Help:      "Models evicted from device caches.",
	})

	probeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "gpu",
		Name:      "probe_failures_total",
		Help:      "Telemetry probes that returned an error.",
	})
)
