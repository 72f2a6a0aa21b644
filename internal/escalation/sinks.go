package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

// Notifier delivers escalation events to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event models.EscalationEvent) error
}

// LogSink writes escalation events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name implements Notifier.
func (s *LogSink) Name() string { return "log" }

// Notify implements Notifier.
func (s *LogSink) Notify(ctx context.Context, event models.EscalationEvent) error {
	level := slog.LevelWarn
	if event.Level >= models.EscalationLevelDisaster-1 {
		level = slog.LevelError
	}
	s.logger.LogAttrs(ctx, level, "escalation",
		slog.String("incident_id", event.IncidentID),
		slog.String("target_id", event.TargetID),
		slog.Int("level", event.Level),
		slog.String("urgency", Urgency(event.Level)),
		slog.String("reason", event.Reason),
		slog.String("summary", event.Summary),
		slog.Int("attempts", len(event.Attempts)))
	return nil
}

// WebhookSink posts escalation events as JSON to a chat or paging webhook.
type WebhookSink struct {
	url        string
	httpClient *http.Client
}

// NewWebhookSink constructs a WebhookSink.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: url, httpClient: &http.Client{Timeout: timeout}}
}

// Name implements Notifier.
func (s *WebhookSink) Name() string { return "webhook" }

// Notify implements Notifier.
func (s *WebhookSink) Notify(ctx context.Context, event models.EscalationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook %s returned %d: %s", s.url, resp.StatusCode, string(data))
	}
	return nil
}

// RedisSink publishes escalation events on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink constructs a RedisSink on an existing client.
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// Name implements Notifier.
func (s *RedisSink) Name() string { return "redis" }

// Notify implements Notifier.
func (s *RedisSink) Notify(ctx context.Context, event models.EscalationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

// FileSink writes one JSON document per escalation event into a directory.
type FileSink struct {
	dir string
}

// NewFileSink constructs a FileSink, creating dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create escalation directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Name implements Notifier.
func (s *FileSink) Name() string { return "file" }

// Notify implements Notifier.
func (s *FileSink) Notify(_ context.Context, event models.EscalationEvent) error {
	payload, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s-L%d.json", event.Timestamp.UTC().Format("20060102T150405Z"), event.IncidentID, event.Level)
	tmp, err := os.CreateTemp(s.dir, ".escalation-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, name))
}
