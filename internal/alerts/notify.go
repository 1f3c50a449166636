// SPDX-License-Identifier: MIT

package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
)

// LogNotifier writes alerts to the structured log. It is the channel of
// last resort and never fails.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("alerts.log")}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, a *Alert) error {
	evt := n.logger.Warn()
	if a.Level == LevelCritical {
		evt = n.logger.Error()
	}
	evt.Str(log.FieldAlertID, a.ID.String()).
		Str(log.FieldRuleID, a.RuleID).
		Str("metric", a.Metric).
		Float64("value", a.Value).
		Float64("threshold", a.Threshold).
		Msg(a.Message)
	return nil
}

// FileNotifier appends alerts to a JSON-lines file. Each write replaces the
// file atomically so readers never observe a torn line.
type FileNotifier struct {
	mu   sync.Mutex
	path string
}

func NewFileNotifier(path string) *FileNotifier {
	return &FileNotifier{path: path}
}

func (n *FileNotifier) Name() string { return "file" }

func (n *FileNotifier) Notify(_ context.Context, a *Alert) error {
	line, err := json.Marshal(a)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	existing, err := os.ReadFile(n.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read alert file: %w", err)
	}
	content := append(existing, line...)
	content = append(content, '\n')
	if err := renameio.WriteFile(n.path, content, 0o644); err != nil {
		return fmt.Errorf("write alert file: %w", err)
	}
	return nil
}

// WebhookNotifier posts alerts as JSON to an operator endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, a *Alert) error {
	body, err := json.Marshal(map[string]any{"type": "alert", "alert": a})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
