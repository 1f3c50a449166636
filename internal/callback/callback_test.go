// SPDX-License-Identifier: MIT

package callback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/queue"
	"github.com/mofsim/gpusched/internal/task"
)

type capturedRequest struct {
	body    map[string]any
	headers http.Header
}

type captureServer struct {
	*httptest.Server
	mu       sync.Mutex
	got      []capturedRequest
	failures int32 // first N requests answer 500
}

func newCaptureServer(t *testing.T, failures int) *captureServer {
	t.Helper()
	cs := &captureServer{failures: int32(failures)}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))

		cs.mu.Lock()
		cs.got = append(cs.got, capturedRequest{body: body, headers: r.Header.Clone()})
		cs.mu.Unlock()

		if atomic.AddInt32(&cs.failures, -1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *captureServer) requests() []capturedRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]capturedRequest(nil), cs.got...)
}

func testTask(url string, events ...string) *task.Task {
	tk := task.New(task.TypeOptimization, "mace_prod", "mof-5.cif", nil, queue.PriorityHigh)
	tk.State = lifecycle.StateCompleted
	tk.Result = map[string]any{"converged": true}
	tk.Callback = &task.Callback{URL: url, Events: events}
	gpuID := 1
	tk.GPUID = &gpuID
	return tk
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitStats(t *testing.T, d *Dispatcher, total int) Stats {
	t.Helper()
	var s Stats
	require.Eventually(t, func() bool {
		s = d.Stats()
		return s.Total >= total && s.Pending == 0
	}, 5*time.Second, 5*time.Millisecond)
	return s
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	srv := newCaptureServer(t, 0)
	d := NewDispatcher(Config{Secret: "s3cret", RetryDelay: time.Millisecond, Client: srv.Client()})
	runDispatcher(t, d)

	tk := testTask(srv.URL)
	d.TaskEvent(context.Background(), tk, task.EventCompleted)

	stats := waitStats(t, d, 1)
	require.Equal(t, 1, stats.Delivered)

	reqs := srv.requests()
	require.Len(t, reqs, 1)
	body := reqs[0].body

	require.Equal(t, task.EventCompleted, body["event"])
	require.Equal(t, tk.ID.String(), body["task_id"])
	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	require.NoError(t, err)

	data := body["data"].(map[string]any)
	require.Equal(t, "completed", data["state"])
	require.Equal(t, "mace_prod", data["model"])
	require.Equal(t, float64(1), data["gpu_id"])
	require.Equal(t, map[string]any{"converged": true}, data["result"])

	require.Equal(t, task.EventCompleted, reqs[0].headers.Get("X-Webhook-Event"))
	require.NotEmpty(t, reqs[0].headers.Get("X-Webhook-Id"))

	// The signature verifies against the body minus the signature field.
	sig := body["signature"].(string)
	delete(body, "signature")
	canonical, err := json.Marshal(body)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(canonical)
	require.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	srv := newCaptureServer(t, 2)
	d := NewDispatcher(Config{RetryDelay: time.Millisecond, Client: srv.Client()})
	runDispatcher(t, d)

	d.TaskEvent(context.Background(), testTask(srv.URL), task.EventCompleted)

	stats := waitStats(t, d, 1)
	require.Equal(t, 1, stats.Delivered)
	require.Len(t, srv.requests(), 3)

	recs := d.History(Filter{})
	require.Len(t, recs, 1)
	require.True(t, recs[0].Success)
	require.Equal(t, 3, recs[0].Attempts)
	require.Equal(t, http.StatusOK, recs[0].StatusCode)
	require.NotNil(t, recs[0].DeliveredAt)
}

func TestDispatcher_GivesUpAfterMaxRetries(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	srv := newCaptureServer(t, 100)
	d := NewDispatcher(Config{MaxRetries: 2, RetryDelay: time.Millisecond, Client: srv.Client()})
	runDispatcher(t, d)

	d.TaskEvent(context.Background(), testTask(srv.URL), task.EventCompleted)

	stats := waitStats(t, d, 1)
	require.Equal(t, 1, stats.Failed)
	require.Len(t, srv.requests(), 3) // initial attempt plus two retries

	recs := d.History(Filter{})
	require.Len(t, recs, 1)
	require.False(t, recs[0].Success)
	require.Equal(t, http.StatusInternalServerError, recs[0].StatusCode)
	require.Contains(t, recs[0].Error, "500")
}

func TestDispatcher_SubscriptionFilter(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	srv := newCaptureServer(t, 0)
	d := NewDispatcher(Config{RetryDelay: time.Millisecond, Client: srv.Client()})
	runDispatcher(t, d)
	ctx := context.Background()

	// Default subscription covers completed and failed only.
	d.TaskEvent(ctx, testTask(srv.URL), task.EventStarted)
	d.TaskEvent(ctx, testTask(srv.URL), task.EventCompleted)

	// Wildcard covers everything.
	d.TaskEvent(ctx, testTask(srv.URL, "*"), task.EventProgress)

	// Explicit lists are exact.
	d.TaskEvent(ctx, testTask(srv.URL, task.EventFailed), task.EventCompleted)

	// No callback at all.
	bare := testTask(srv.URL)
	bare.Callback = nil
	d.TaskEvent(ctx, bare, task.EventCompleted)

	stats := waitStats(t, d, 2)
	require.Equal(t, 2, stats.Delivered)

	events := make([]string, 0, 2)
	for _, r := range srv.requests() {
		events = append(events, r.body["event"].(string))
	}
	require.ElementsMatch(t, []string{task.EventCompleted, task.EventProgress}, events)
}

func TestDispatcher_HistoryFilterAndStats(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	good := newCaptureServer(t, 0)
	bad := newCaptureServer(t, 100)
	d := NewDispatcher(Config{MaxRetries: 1, RetryDelay: time.Millisecond, Client: good.Client()})
	runDispatcher(t, d)
	ctx := context.Background()

	okTask := testTask(good.URL)
	d.TaskEvent(ctx, okTask, task.EventCompleted)
	d.TaskEvent(ctx, testTask(bad.URL), task.EventFailed)

	stats := waitStats(t, d, 2)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Delivered)
	require.Equal(t, 1, stats.Failed)

	byTask := d.History(Filter{TaskID: okTask.ID.String()})
	require.Len(t, byTask, 1)
	require.Equal(t, task.EventCompleted, byTask[0].Event)

	failed := false
	require.Len(t, d.History(Filter{Success: &failed}), 1)
	require.Len(t, d.History(Filter{Event: task.EventFailed}), 1)
}

func TestSign_CanonicalAndKeyed(t *testing.T) {
	payload := map[string]any{"b": 2, "a": map[string]any{"y": 1, "x": "v"}}

	s1, err := Sign("k", payload)
	require.NoError(t, err)
	require.True(t, len(s1) == len("sha256=")+64)

	// Same content in different insertion order signs identically.
	other := map[string]any{"a": map[string]any{"x": "v", "y": 1}, "b": 2}
	s2, err := Sign("k", other)
	require.NoError(t, err)
	require.Equal(t, s1, s2)

	s3, err := Sign("other-key", payload)
	require.NoError(t, err)
	require.NotEqual(t, s1, s3)
}
