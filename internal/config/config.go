// SPDX-License-Identifier: MIT

// Package config loads daemon configuration from the environment.
package config

import (
	"time"
)

// Config holds all tunables recognized by the scheduler daemon. Values come
// from environment variables with the defaults of the scheduler design.
type Config struct {
	// HTTP surface
	ListenAddr string

	// Scheduler
	PollInterval time.Duration

	// GPU manager
	GPUDevices           []int // explicit device list; empty means probe
	ReservedGPUs         []int
	MaxModelsPerGPU      int
	MemorySafetyMarginMB int
	MockGPUs             int // number of mock devices when no hardware probe is available

	// Workers
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Callbacks
	WebhookMaxRetries  int
	WebhookRetryDelay  time.Duration
	WebhookTimeout     time.Duration
	WebhookSecret      string
	CallbackMaxHistory int
	CallbackInflight   int

	// Models
	ModelCatalogFile string // optional YAML catalog overriding the builtin records

	// Alerts
	AlertCheckInterval time.Duration
	AlertRuleFile      string
	AlertSinkFile      string

	// Queue backend
	RedisAddr     string // empty selects the in-memory queue
	RedisPassword string
	RedisDB       int

	// Task repository
	SQLitePath string // empty selects the in-memory repository

	// Task data
	DataDir string

	// Retention of terminal task rows
	TaskRetention time.Duration
	PruneInterval time.Duration
}

// FromEnv builds a Config from environment variables, applying defaults.
func FromEnv() Config {
	return Config{
		ListenAddr: ParseString("LISTEN_ADDR", ":8080"),

		PollInterval: time.Duration(ParseInt("POLL_INTERVAL_MS", 100)) * time.Millisecond,

		GPUDevices:           ParseIntList("GPU_VISIBLE_DEVICES", nil),
		ReservedGPUs:         ParseIntList("GPU_RESERVED_DEVICES", nil),
		MaxModelsPerGPU:      ParseInt("MAX_MODELS_PER_GPU", 2),
		MemorySafetyMarginMB: ParseInt("MEMORY_SAFETY_MARGIN_MB", 2048),
		MockGPUs:             ParseInt("GPU_MOCK_DEVICES", 1),

		HeartbeatInterval: time.Duration(ParseInt("HEARTBEAT_INTERVAL_SECONDS", 10)) * time.Second,
		HeartbeatTimeout:  time.Duration(ParseInt("HEARTBEAT_TIMEOUT_SECONDS", 30)) * time.Second,

		WebhookMaxRetries:  ParseInt("WEBHOOK_MAX_RETRIES", 3),
		WebhookRetryDelay:  ParseDuration("WEBHOOK_RETRY_DELAY", 5*time.Second),
		WebhookTimeout:     ParseDuration("WEBHOOK_TIMEOUT", 30*time.Second),
		WebhookSecret:      ParseString("WEBHOOK_SECRET", ""),
		CallbackMaxHistory: ParseInt("CALLBACK_MAX_HISTORY", 1000),
		CallbackInflight:   ParseInt("CALLBACK_MAX_INFLIGHT", 8),

		ModelCatalogFile: ParseString("MODEL_CATALOG_FILE", ""),

		AlertCheckInterval: time.Duration(ParseInt("ALERT_CHECK_INTERVAL_SECONDS", 60)) * time.Second,
		AlertRuleFile:      ParseString("ALERT_RULE_FILE", ""),
		AlertSinkFile:      ParseString("ALERT_SINK_FILE", ""),

		RedisAddr:     ParseString("REDIS_ADDR", ""),
		RedisPassword: ParseString("REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("REDIS_DB", 0),

		SQLitePath: ParseString("SQLITE_PATH", ""),

		DataDir: ParseString("DATA_DIR", "./data"),

		TaskRetention: time.Duration(ParseInt("TASK_RETENTION_HOURS", 168)) * time.Hour,
		PruneInterval: ParseDuration("PRUNE_INTERVAL", time.Hour),
	}
}
