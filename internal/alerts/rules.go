// SPDX-License-Identifier: MIT

package alerts

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Metric names published by the built-in collectors.
const (
	MetricAvailableGPUs       = "available_gpus"
	MetricMinGPUFreeMemoryGB  = "min_gpu_free_memory_gb"
	MetricMaxGPUTemp          = "max_gpu_temp"
	MetricQueueLength         = "queue_length"
	MetricConsecutiveFailures = "consecutive_failures"
	MetricDiskFreeGB          = "disk_free_gb"
	MetricActiveWorkers       = "active_workers"
)

// builtinRules is the stock rule set. Every install starts with these; they
// can be disabled but not removed.
func builtinRules() []*Rule {
	return []*Rule{
		{
			ID: "no_available_gpus", Name: "No available GPUs",
			Metric: MetricAvailableGPUs, Op: OpLessThan, Threshold: 1,
			Level: LevelCritical, Cooldown: 60 * time.Second,
			Enabled: true, Builtin: true,
		},
		{
			ID: "low_gpu_memory", Name: "Low GPU memory",
			Metric: MetricMinGPUFreeMemoryGB, Op: OpLessThan, Threshold: 2,
			Level: LevelWarning, Cooldown: 300 * time.Second,
			Enabled: true, Builtin: true,
		},
		{
			ID: "high_gpu_temperature", Name: "High GPU temperature",
			Metric: MetricMaxGPUTemp, Op: OpGreaterThan, Threshold: 85,
			Level: LevelWarning, Cooldown: 300 * time.Second,
			Enabled: true, Builtin: true,
		},
		{
			ID: "queue_backlog", Name: "Queue backlog",
			Metric: MetricQueueLength, Op: OpGreaterThan, Threshold: 100,
			Level: LevelWarning, Cooldown: 600 * time.Second,
			Enabled: true, Builtin: true,
		},
		{
			ID: "consecutive_failures", Name: "Consecutive task failures",
			Metric: MetricConsecutiveFailures, Op: OpGreaterThan, Threshold: 5,
			Level: LevelWarning, Cooldown: 300 * time.Second,
			Enabled: true, Builtin: true,
		},
		{
			ID: "low_disk_space", Name: "Low disk space",
			Metric: MetricDiskFreeGB, Op: OpLessThan, Threshold: 50,
			Level: LevelWarning, Cooldown: 3600 * time.Second,
			Enabled: true, Builtin: true,
		},
		{
			ID: "no_active_workers", Name: "No active workers",
			Metric: MetricActiveWorkers, Op: OpLessThan, Threshold: 1,
			Level: LevelCritical, Cooldown: 60 * time.Second,
			Enabled: true, Builtin: true,
		},
	}
}

// ruleFile is the YAML shape for operator-defined rules.
type ruleFile struct {
	Rules []struct {
		ID              string   `yaml:"id"`
		Name            string   `yaml:"name"`
		Metric          string   `yaml:"metric"`
		Op              Op       `yaml:"op"`
		Threshold       float64  `yaml:"threshold"`
		Level           Level    `yaml:"level"`
		CooldownSeconds int      `yaml:"cooldown_seconds"`
		Channels        []string `yaml:"channels"`
	} `yaml:"rules"`
}

// LoadRulesFile adds custom rules from a YAML file to the engine.
func (e *Engine) LoadRulesFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read alert rules: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse alert rules: %w", err)
	}

	added := 0
	for _, rr := range f.Rules {
		r := &Rule{
			ID:        rr.ID,
			Name:      rr.Name,
			Metric:    rr.Metric,
			Op:        rr.Op,
			Threshold: rr.Threshold,
			Level:     rr.Level,
			Cooldown:  time.Duration(rr.CooldownSeconds) * time.Second,
			Channels:  rr.Channels,
		}
		if r.Name == "" {
			r.Name = r.ID
		}
		if err := e.AddRule(r); err != nil {
			return added, fmt.Errorf("rule %q: %w", rr.ID, err)
		}
		added++
	}
	return added, nil
}
