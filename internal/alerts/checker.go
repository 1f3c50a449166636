// SPDX-License-Identifier: MIT

package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
)

// Collector samples a slice of the system's health as named metrics.
type Collector func(ctx context.Context) (map[string]float64, error)

// Checker periodically samples every registered collector and feeds the
// merged metrics through the engine.
type Checker struct {
	engine     *Engine
	interval   time.Duration
	collectors []Collector
	logger     zerolog.Logger
}

// NewChecker builds a checker. Interval defaults to 60s.
func NewChecker(engine *Engine, interval time.Duration, collectors ...Collector) *Checker {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Checker{
		engine:     engine,
		interval:   interval,
		collectors: collectors,
		logger:     log.WithComponent("alerts.checker"),
	}
}

// Register adds a collector. Not safe to call after Run starts.
func (c *Checker) Register(col Collector) {
	c.collectors = append(c.collectors, col)
}

// Run drives the check loop until the context ends.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.interval).Msg("alert checker started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("alert checker stopped")
			return ctx.Err()
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check samples all collectors once. A failing collector is logged and
// skipped; its metrics stay absent so dependent rules do not fire on
// fabricated zeros.
func (c *Checker) Check(ctx context.Context) []*Alert {
	merged := make(map[string]float64)
	for _, col := range c.collectors {
		metrics, err := col(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("metric collector failed")
			continue
		}
		for k, v := range metrics {
			merged[k] = v
		}
	}
	return c.engine.Evaluate(ctx, merged)
}
