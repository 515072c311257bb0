package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// webhookBody is the JSON document POSTed for every alert.
type webhookBody struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	TS      string     `json:"ts"`
}

// WebhookNotifier POSTs alerts as JSON to an operator-supplied URL. Any 2xx
// response counts as delivered.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: newSendClient()}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	at := alert.TS
	if at.IsZero() {
		at = time.Now()
	}
	status, err := postJSON(ctx, w.client, w.url, webhookBody{
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		TS:      at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook: unexpected status %d", status)
	}
	slog.Debug("alert delivered", slog.String("component", "notify"), slog.String("via", "webhook"), slog.String("title", alert.Title))
	return nil
}
