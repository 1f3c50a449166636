// SPDX-License-Identifier: MIT

// Package callback delivers task lifecycle events to subscriber webhooks.
package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/task"
)

// Record is one finished delivery attempt chain.
type Record struct {
	ID          uuid.UUID  `json:"id"`
	TaskID      string     `json:"task_id"`
	Event       string     `json:"event"`
	URL         string     `json:"url"`
	Success     bool       `json:"success"`
	StatusCode  int        `json:"status_code,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Stats aggregates the delivery history.
type Stats struct {
	Total     int `json:"total"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Filter narrows a history query. Zero values match everything.
type Filter struct {
	TaskID  string
	Event   string
	Success *bool
}

// Config shapes a Dispatcher.
type Config struct {
	// Secret signs payloads with HMAC-SHA256 when non-empty.
	Secret string
	// Client defaults to a 10s-timeout http.Client.
	Client *http.Client
	// MaxRetries after the first attempt. Default 3.
	MaxRetries int
	// RetryDelay before the first retry, doubled each retry. Default 5s.
	RetryDelay time.Duration
	// Workers bounds in-flight deliveries. Default 8.
	Workers int
	// QueueSize bounds waiting deliveries. Default 256.
	QueueSize int
	// HistorySize bounds the delivery record ring. Default 1000.
	HistorySize int
	// RatePerSecond throttles outbound requests. Default 20.
	RatePerSecond float64
}

type delivery struct {
	record  *Record
	payload map[string]any
}

// Dispatcher fans task events out to webhooks with signing, retries and a
// bounded worker pool.
type Dispatcher struct {
	secret     string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	workers    int
	limiter    *rate.Limiter
	logger     zerolog.Logger

	queue chan delivery

	mu          sync.RWMutex
	history     []*Record // ring, oldest first
	historySize int
	pending     int
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	return &Dispatcher{
		secret:      cfg.Secret,
		client:      cfg.Client,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		workers:     cfg.Workers,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Workers),
		logger:      log.WithComponent("callback"),
		queue:       make(chan delivery, cfg.QueueSize),
		historySize: cfg.HistorySize,
	}
}

// Run drives the delivery workers until the context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range d.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case dl := <-d.queue:
					queueDepth.Dec()
					d.deliver(ctx, dl)
				}
			}
		})
	}
	d.logger.Info().Int("workers", d.workers).Msg("callback dispatcher started")
	err := g.Wait()
	d.logger.Info().Msg("callback dispatcher stopped")
	return err
}

// TaskEvent queues a delivery if the task subscribed to the event. It never
// blocks; a full queue drops the delivery.
func (d *Dispatcher) TaskEvent(_ context.Context, t *task.Task, event string) {
	if t.Callback == nil || t.Callback.URL == "" || !subscribed(t.Callback, event) {
		return
	}

	rec := &Record{
		ID:        uuid.New(),
		TaskID:    t.ID.String(),
		Event:     event,
		URL:       t.Callback.URL,
		CreatedAt: time.Now().UTC(),
	}
	dl := delivery{record: rec, payload: buildPayload(t, event, rec.CreatedAt)}

	select {
	case d.queue <- dl:
		queueDepth.Inc()
		d.mu.Lock()
		d.pending++
		d.mu.Unlock()
	default:
		dropped.Inc()
		d.logger.Warn().
			Str(log.FieldTaskID, rec.TaskID).
			Str(log.FieldEvent, event).
			Msg("callback queue full, delivery dropped")
	}
}

// subscribed checks the event against the callback's subscription list. An
// empty list means terminal success and failure only.
func subscribed(cb *task.Callback, event string) bool {
	events := cb.Events
	if len(events) == 0 {
		events = task.DefaultCallbackEvents
	}
	for _, e := range events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// buildPayload assembles the wire body minus the signature.
func buildPayload(t *task.Task, event string, ts time.Time) map[string]any {
	data := map[string]any{
		"task_type": string(t.Type),
		"model":     t.Model,
		"state":     string(t.State),
	}
	if t.GPUID != nil {
		data["gpu_id"] = *t.GPUID
	}
	if t.State == lifecycle.StateCompleted && t.Result != nil {
		data["result"] = t.Result
	}
	if t.ErrorMessage != "" {
		data["error"] = t.ErrorMessage
	}
	return map[string]any{
		"event":     event,
		"task_id":   t.ID.String(),
		"timestamp": ts.UTC().Format(time.RFC3339),
		"data":      data,
	}
}

// Sign computes the payload signature: HMAC-SHA256 over the canonical JSON
// encoding (sorted keys, no insignificant whitespace), hex encoded with a
// sha256= prefix. The signature field itself is never part of the input.
func Sign(secret string, payload map[string]any) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// deliver posts the payload, retrying with doubling delays.
func (d *Dispatcher) deliver(ctx context.Context, dl delivery) {
	start := time.Now()
	rec := dl.record

	body, err := d.encode(dl.payload)
	if err != nil {
		d.record(rec, false, 0, err)
		return
	}

	delay := d.retryDelay
	var lastStatus int
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				d.record(rec, false, lastStatus, ctx.Err())
				return
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err := d.limiter.Wait(ctx); err != nil {
			d.record(rec, false, lastStatus, err)
			return
		}

		rec.Attempts = attempt + 1
		lastStatus, lastErr = d.post(ctx, rec, body)
		if lastErr == nil {
			d.record(rec, true, lastStatus, nil)
			deliveryDuration.Observe(time.Since(start).Seconds())
			return
		}
		d.logger.Debug().
			Err(lastErr).
			Str(log.FieldCallbackID, rec.ID.String()).
			Int(log.FieldAttempt, rec.Attempts).
			Msg("callback attempt failed")
	}
	d.record(rec, false, lastStatus, lastErr)
	deliveryDuration.Observe(time.Since(start).Seconds())
}

// encode marshals the payload, appending the signature field when signing
// is configured.
func (d *Dispatcher) encode(payload map[string]any) ([]byte, error) {
	if d.secret != "" {
		sig, err := Sign(d.secret, payload)
		if err != nil {
			return nil, err
		}
		signed := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			signed[k] = v
		}
		signed["signature"] = sig
		payload = signed
	}
	return json.Marshal(payload)
}

// post performs one HTTP attempt. Any connect error or non-2xx status is
// retryable.
func (d *Dispatcher) post(ctx context.Context, rec *Record, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", rec.Event)
	req.Header.Set("X-Webhook-Id", rec.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// record closes out a delivery in the history ring.
func (d *Dispatcher) record(rec *Record, success bool, status int, cause error) {
	rec.Success = success
	rec.StatusCode = status
	if cause != nil {
		rec.Error = cause.Error()
	}
	if success {
		now := time.Now().UTC()
		rec.DeliveredAt = &now
	}

	outcome := "delivered"
	if !success {
		outcome = "failed"
	}
	deliveries.WithLabelValues(rec.Event, outcome).Inc()

	d.mu.Lock()
	d.pending--
	d.history = append(d.history, rec)
	if len(d.history) > d.historySize {
		d.history = d.history[len(d.history)-d.historySize:]
	}
	d.mu.Unlock()

	evt := d.logger.Info()
	if !success {
		evt = d.logger.Warn().Str(log.FieldReason, rec.Error)
	}
	evt.Str(log.FieldCallbackID, rec.ID.String()).
		Str(log.FieldTaskID, rec.TaskID).
		Str(log.FieldEvent, rec.Event).
		Str(log.FieldURL, rec.URL).
		Int(log.FieldStatus, status).
		Int(log.FieldAttempt, rec.Attempts).
		Msg("callback delivery finished")
}

// History returns matching records, newest first.
func (d *Dispatcher) History(f Filter) []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Record, 0, len(d.history))
	for i := len(d.history) - 1; i >= 0; i-- {
		rec := d.history[i]
		if f.TaskID != "" && rec.TaskID != f.TaskID {
			continue
		}
		if f.Event != "" && rec.Event != f.Event {
			continue
		}
		if f.Success != nil && rec.Success != *f.Success {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// Stats summarizes the history ring and the in-flight backlog.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Stats{Total: len(d.history), Pending: d.pending}
	for _, rec := range d.history {
		if rec.Success {
			s.Delivered++
		} else {
			s.Failed++
		}
	}
	return s
}
