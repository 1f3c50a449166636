// SPDX-License-Identifier: MIT

// Package alerts evaluates operational metrics against threshold rules and
// fans triggered alerts out to notification channels.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/task"
)

// Level grades an alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Op is a threshold comparison operator.
type Op string

const (
	OpGreaterThan Op = "gt"
	OpLessThan    Op = "lt"
	OpGreaterEq   Op = "ge"
	OpLessEq      Op = "le"
	OpEqual       Op = "eq"
	OpNotEqual    Op = "ne"
)

// compare applies the operator to a sampled value.
func (o Op) compare(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpLessThan:
		return value < threshold
	case OpGreaterEq:
		return value >= threshold
	case OpLessEq:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	}
	return false
}

// Rule binds a metric to a threshold. Triggering is rate-limited by the
// cooldown so a persistently bad metric does not flood the channels.
type Rule struct {
	ID            string        `json:"id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	Metric        string        `json:"metric" yaml:"metric"`
	Op            Op            `json:"op" yaml:"op"`
	Threshold     float64       `json:"threshold" yaml:"threshold"`
	Level         Level         `json:"level" yaml:"level"`
	Cooldown      time.Duration `json:"cooldown" yaml:"-"`
	Channels      []string      `json:"channels,omitempty" yaml:"channels"`
	Enabled       bool          `json:"enabled" yaml:"-"`
	Builtin       bool          `json:"builtin" yaml:"-"`
	LastTriggered time.Time     `json:"last_triggered,omitzero" yaml:"-"`
	TriggerCount  int           `json:"trigger_count" yaml:"-"`
}

// Validate rejects rules the engine cannot evaluate.
func (r *Rule) Validate() error {
	if r.ID == "" || r.Metric == "" {
		return fmt.Errorf("%w: alert rule needs id and metric", task.ErrValidation)
	}
	switch r.Op {
	case OpGreaterThan, OpLessThan, OpGreaterEq, OpLessEq, OpEqual, OpNotEqual:
	default:
		return fmt.Errorf("%w: unknown operator %q", task.ErrValidation, r.Op)
	}
	switch r.Level {
	case LevelInfo, LevelWarning, LevelCritical:
	default:
		return fmt.Errorf("%w: unknown level %q", task.ErrValidation, r.Level)
	}
	return nil
}

// Alert is one firing of a rule.
type Alert struct {
	ID          uuid.UUID  `json:"id"`
	RuleID      string     `json:"rule_id"`
	RuleName    string     `json:"rule_name"`
	Level       Level      `json:"level"`
	Metric      string     `json:"metric"`
	Value       float64    `json:"value"`
	Threshold   float64    `json:"threshold"`
	Message     string     `json:"message"`
	TriggeredAt time.Time  `json:"triggered_at"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
}

// Notifier is one delivery channel for alerts.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a *Alert) error
}

// maxHistory bounds the alert ring.
const maxHistory = 1000

// Engine owns the rule set and the alert history.
type Engine struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	rules     map[string]*Rule
	notifiers map[string]Notifier
	history   []*Alert // ring, oldest first
}

// NewEngine builds an engine carrying the built-in rules.
func NewEngine(notifiers ...Notifier) *Engine {
	e := &Engine{
		logger:    log.WithComponent("alerts"),
		rules:     make(map[string]*Rule),
		notifiers: make(map[string]Notifier),
	}
	for _, n := range notifiers {
		e.notifiers[n.Name()] = n
	}
	for _, r := range builtinRules() {
		e.rules[r.ID] = r
	}
	return e
}

// AddRule registers a custom rule. Replacing a built-in id is rejected.
func (e *Engine) AddRule(r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.rules[r.ID]; ok && existing.Builtin {
		return fmt.Errorf("%w: rule %q is built in", task.ErrValidation, r.ID)
	}
	if r.Cooldown <= 0 {
		r.Cooldown = 5 * time.Minute
	}
	r.Enabled = true
	e.rules[r.ID] = r
	return nil
}

// RemoveRule drops a custom rule.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("%w: alert rule %q", task.ErrNotFound, id)
	}
	if r.Builtin {
		return fmt.Errorf("%w: rule %q is built in", task.ErrValidation, id)
	}
	delete(e.rules, id)
	return nil
}

// SetEnabled flips a rule on or off.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("%w: alert rule %q", task.ErrNotFound, id)
	}
	r.Enabled = enabled
	return nil
}

// Rules lists all rules sorted by id.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Evaluate checks every enabled rule against the sampled metrics and
// returns the alerts that fired. Rules whose metric is absent are skipped.
func (e *Engine) Evaluate(ctx context.Context, metrics map[string]float64) []*Alert {
	now := time.Now().UTC()

	var fired []*Alert
	e.mu.Lock()
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		value, ok := metrics[r.Metric]
		if !ok || !r.Op.compare(value, r.Threshold) {
			continue
		}
		if !r.LastTriggered.IsZero() && now.Sub(r.LastTriggered) < r.Cooldown {
			continue
		}
		r.LastTriggered = now
		r.TriggerCount++

		a := &Alert{
			ID:          uuid.New(),
			RuleID:      r.ID,
			RuleName:    r.Name,
			Level:       r.Level,
			Metric:      r.Metric,
			Value:       value,
			Threshold:   r.Threshold,
			Message:     fmt.Sprintf("%s: %s is %g (threshold %s %g)", r.Name, r.Metric, value, r.Op, r.Threshold),
			TriggeredAt: now,
		}
		fired = append(fired, a)
		e.history = append(e.history, a)
	}
	if len(e.history) > maxHistory {
		e.history = e.history[len(e.history)-maxHistory:]
	}
	channels := e.channelsLocked(fired)
	e.mu.Unlock()

	for i, a := range fired {
		alertsTriggered.WithLabelValues(a.RuleID, string(a.Level)).Inc()
		e.logger.Warn().
			Str(log.FieldAlertID, a.ID.String()).
			Str(log.FieldRuleID, a.RuleID).
			Str("level", string(a.Level)).
			Float64("value", a.Value).
			Msg(a.Message)
		e.notifyAll(ctx, a, channels[i])
	}
	return fired
}

// channelsLocked resolves each fired alert's channel list under the lock.
func (e *Engine) channelsLocked(fired []*Alert) [][]string {
	out := make([][]string, len(fired))
	for i, a := range fired {
		if r, ok := e.rules[a.RuleID]; ok {
			out[i] = append([]string(nil), r.Channels...)
		}
	}
	return out
}

// notifyAll fans one alert out. An empty channel list means every channel.
func (e *Engine) notifyAll(ctx context.Context, a *Alert, channels []string) {
	e.mu.RLock()
	targets := make([]Notifier, 0, len(e.notifiers))
	if len(channels) == 0 {
		for _, n := range e.notifiers {
			targets = append(targets, n)
		}
	} else {
		for _, name := range channels {
			if n, ok := e.notifiers[name]; ok {
				targets = append(targets, n)
			}
		}
	}
	e.mu.RUnlock()

	for _, n := range targets {
		if err := n.Notify(ctx, a); err != nil {
			notifyFailures.WithLabelValues(n.Name()).Inc()
			e.logger.Error().Err(err).
				Str(log.FieldAlertID, a.ID.String()).
				Str("channel", n.Name()).
				Msg("alert notification failed")
		}
	}
}

// Active lists unresolved alerts, newest first.
func (e *Engine) Active() []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Alert, 0)
	for i := len(e.history) - 1; i >= 0; i-- {
		if !e.history[i].Resolved {
			out = append(out, *e.history[i])
		}
	}
	return out
}

// History returns up to limit alerts, newest first.
func (e *Engine) History(limit int) []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]Alert, 0, limit)
	for i := len(e.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *e.history[i])
	}
	return out
}

// Resolve marks an alert handled.
func (e *Engine) Resolve(id uuid.UUID, by string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.history {
		if a.ID == id {
			if a.Resolved {
				return nil
			}
			now := time.Now().UTC()
			a.Resolved = true
			a.ResolvedAt = &now
			a.ResolvedBy = by
			return nil
		}
	}
	return fmt.Errorf("%w: alert %s", task.ErrNotFound, id)
}
