// SPDX-License-Identifier: MIT

// Package gpu tracks device telemetry and ownership for the scheduler.
package gpu

import "time"

// Status is the scheduling state of one device.
type Status string

const (
	StatusFree     Status = "free"
	StatusBusy     Status = "busy"
	StatusError    Status = "error"
	StatusReserved Status = "reserved"
)

// Telemetry is one probe sample for one device.
type Telemetry struct {
	Index          int
	Name           string
	MemoryTotalMB  int
	MemoryUsedMB   int
	MemoryFreeMB   int
	UtilizationPct int
	TemperatureC   int
}

// State is the manager's view of one device. Telemetry fields hold the
// last successful sample; the manager never fabricates readings.
type State struct {
	Index          int       `json:"index"`
	Name           string    `json:"name"`
	MemoryTotalMB  int       `json:"memory_total_mb"`
	MemoryUsedMB   int       `json:"memory_used_mb"`
	MemoryFreeMB   int       `json:"memory_free_mb"`
	UtilizationPct int       `json:"utilization_pct"`
	TemperatureC   int       `json:"temperature_c"`
	Status         Status    `json:"status"`
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	LoadedModels   []string  `json:"loaded_models"` // LRU order, oldest first
	LastCompleted  time.Time `json:"last_completed,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
	TelemetryAt    time.Time `json:"telemetry_at,omitzero"`
}

// HasModel reports whether the model is resident on the device.
func (s *State) HasModel(model string) bool {
	for _, m := range s.LoadedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Summary aggregates the fleet for health and alerting.
type Summary struct {
	Total           int `json:"total"`
	Free            int `json:"free"`
	Busy            int `json:"busy"`
	Error           int `json:"error"`
	Reserved        int `json:"reserved"`
	MinFreeMemoryMB int `json:"min_free_memory_mb"`
	MaxTemperatureC int `json:"max_temperature_c"`
}
