// Package notify delivers best-effort operator notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Level is the severity of a notification
type Level int

const (
	Info Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "info"
	}
}

// embed colors
func (l Level) color() int {
	switch l {
	case Warning:
		return 0xF1C40F
	case Critical:
		return 0xE74C3C
	default:
		return 0x2ECC71
	}
}

// Message is a single operator notification
type Message struct {
	Level Level
	Title string
	Body  string
	Time  time.Time
}

// Notifier delivers one message. Implementations may block.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Sender queues a message without blocking the caller.
type Sender interface {
	Send(msg Message)
}

// WebhookNotifier posts Discord-style embeds to a webhook URL.
type WebhookNotifier struct {
	url    string
	footer string
	client *http.Client
}

func NewWebhookNotifier(url, footer string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		footer: footer,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       msg.Title,
				"description": msg.Body,
				"color":       msg.Level.color(),
				"footer":      map[string]string{"text": w.footer},
				"timestamp":   ts.Format(time.RFC3339),
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications to the log. Used when no webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	fields := []zap.Field{zap.String("title", msg.Title), zap.String("body", msg.Body)}
	switch msg.Level {
	case Critical:
		n.logger.Error("NOTIFY", fields...)
	case Warning:
		n.logger.Warn("NOTIFY", fields...)
	default:
		n.logger.Info("NOTIFY", fields...)
	}
	return nil
}
