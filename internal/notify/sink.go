package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/metrics"
	"github.com/google/uuid"
)

// Notification is a single local notification.
type Notification struct {
	ID        uuid.UUID
	Title     string
	Body      string
	Data      map[string]any
	CreatedAt time.Time
}

// Sink delivers notifications to one channel.
type Sink interface {
	Name() string
	// Available reports whether the channel can deliver at all in this
	// environment (configured endpoint, device present).
	Available() bool
	// RequestPermission asks the channel for delivery permission.
	RequestPermission(ctx context.Context) (bool, error)
	Schedule(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "notify", "sink", "log")}
}

func (s *LogSink) Name() string    { return "log" }
func (s *LogSink) Available() bool { return true }

func (s *LogSink) RequestPermission(context.Context) (bool, error) { return true, nil }

func (s *LogSink) Schedule(_ context.Context, n Notification) error {
	s.logger.Info("notification", "id", n.ID, "title", n.Title, "body", n.Body)
	return nil
}

// WebhookSink posts notifications as JSON to a generic HTTP endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSink) Name() string    { return "webhook" }
func (w *WebhookSink) Available() bool { return w.url != "" }

// RequestPermission is granted whenever an endpoint is configured; a webhook
// has no consent step of its own.
func (w *WebhookSink) RequestPermission(context.Context) (bool, error) {
	return w.Available(), nil
}

func (w *WebhookSink) Schedule(ctx context.Context, n Notification) error {
	payload := map[string]any{
		"id":    n.ID.String(),
		"title": n.Title,
		"body":  n.Body,
		"data":  n.Data,
		"time":  n.CreatedAt.UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, w.url, "webhook", payload)
}

// SlackSink posts notifications to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
	client     *http.Client
}

func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSink) Name() string    { return "slack" }
func (s *SlackSink) Available() bool { return s.webhookURL != "" }

func (s *SlackSink) RequestPermission(context.Context) (bool, error) {
	return s.Available(), nil
}

func (s *SlackSink) Schedule(ctx context.Context, n Notification) error {
	emoji := ":bell:"
	switch n.Data["changeType"] {
	case "increase":
		emoji = ":inbox_tray:"
	case "decrease":
		emoji = ":outbox_tray:"
	}
	text := fmt.Sprintf("%s *%s*\n%s", emoji, n.Title, n.Body)
	return postJSON(ctx, s.client, s.webhookURL, "slack", map[string]string{"text": text})
}

func postJSON(ctx context.Context, client *http.Client, url, name string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s notification: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", name, resp.StatusCode)
	}
	return nil
}

// MultiSink fans notifications out to every available sink.
type MultiSink struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewMultiSink(logger *slog.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{
		sinks:  sinks,
		logger: logger.With("component", "notify"),
	}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Available() bool {
	for _, s := range m.sinks {
		if s.Available() {
			return true
		}
	}
	return false
}

// RequestPermission asks every available sink. A single denial or error
// denies the whole fan-out.
func (m *MultiSink) RequestPermission(ctx context.Context) (bool, error) {
	asked := 0
	for _, s := range m.sinks {
		if !s.Available() {
			continue
		}
		asked++
		granted, err := s.RequestPermission(ctx)
		if err != nil {
			return false, fmt.Errorf("request %s permission: %w", s.Name(), err)
		}
		if !granted {
			m.logger.Warn("notification permission denied", "sink", s.Name())
			return false, nil
		}
	}
	return asked > 0, nil
}

// Schedule delivers n to every available sink and returns the first error.
// One failing sink does not stop delivery to the others.
func (m *MultiSink) Schedule(ctx context.Context, n Notification) error {
	var firstErr error
	for _, s := range m.sinks {
		if !s.Available() {
			continue
		}
		if err := s.Schedule(ctx, n); err != nil {
			metrics.NotificationFailuresTotal.WithLabelValues(s.Name()).Inc()
			m.logger.Warn("notification delivery failed", "sink", s.Name(), "id", n.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.NotificationsSentTotal.WithLabelValues(s.Name()).Inc()
	}
	return firstErr
}
