package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

var _ Notifier = (*WebhookNotifier)(nil)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

// NewWebhookNotifier creates a WebhookNotifier targeting url.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	client := resty.New()
	client.SetTimeout(timeout)
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal
	return &WebhookNotifier{client: client, url: url}
}

func (w *WebhookNotifier) NotifyHighRisk(ctx context.Context, a Alert) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(struct {
			Alert
			Text string `json:"text"`
		}{a, a.Text()}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
