package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"hades/internal/config"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 256
)

// Webhook event types.
const (
	EventInjectSubmitted = "inject.submitted"
	EventInjectReport    = "inject.report"
)

type webhookDispatcher struct {
	hooks   []config.WebhookConfig
	filters []eventFilter
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics

	mu     sync.Mutex
	closed bool
	queue  chan webhookEvent
	done   chan struct{}
}

// startWebhookDispatcher returns nil when no hook is enabled.
func startWebhookDispatcher(hooks []config.WebhookConfig, logger *slog.Logger, m *metrics) *webhookDispatcher {
	var active []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		active = append(active, hook)
	}
	if len(active) == 0 {
		return nil
	}
	d := &webhookDispatcher{
		hooks:   active,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		logger:  logger,
		metrics: m,
		queue:   make(chan webhookEvent, defaultWebhookQueue),
		done:    make(chan struct{}),
	}
	for _, hook := range active {
		d.filters = append(d.filters, newEventFilter(hook.Events))
	}
	go d.run()
	return d
}

// enqueue never blocks the request path; a full queue drops the event.
func (d *webhookDispatcher) enqueue(evt webhookEvent) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- evt:
	default:
		d.logger.Warn("webhook: queue full, dropping event", slog.String("type", evt.Type), slog.String("task_id", evt.TaskID))
		d.metrics.webhookDelivery.WithLabelValues("dropped").Inc()
	}
}

// close stops accepting events and waits for queued ones to be delivered.
func (d *webhookDispatcher) close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *webhookDispatcher) run() {
	defer close(d.done)
	for evt := range d.queue {
		d.dispatchAll(evt)
	}
}

func (d *webhookDispatcher) dispatchAll(evt webhookEvent) {
	for i, hook := range d.hooks {
		if !d.filters[i].match(evt.Type) {
			continue
		}
		if err := d.postEvent(context.Background(), hook, evt); err != nil {
			d.logger.Warn("webhook: delivery failed", slog.String("url", hook.URL), slog.String("error", err.Error()))
			d.metrics.webhookDelivery.WithLabelValues("failed").Inc()
			continue
		}
		d.metrics.webhookDelivery.WithLabelValues("delivered").Inc()
	}
}

type webhookEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	TaskID     string          `json:"task_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func newWebhookEvent(id, typ, taskID string, now time.Time, payload []byte) webhookEvent {
	evt := webhookEvent{
		ID:      id,
		Type:    typ,
		TaskID:  taskID,
		TS:      now.UTC().Format(time.RFC3339),
		Payload: json.RawMessage("{}"),
	}
	if len(payload) > 0 {
		if json.Valid(payload) {
			evt.Payload = json.RawMessage(payload)
		} else {
			evt.PayloadRaw = string(payload)
		}
	}
	return evt
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt webhookEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hades-Event", evt.Type)
	req.Header.Set("X-Hades-Delivery", evt.ID)
	req.Header.Set("X-Hades-Task", evt.TaskID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Hades-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
