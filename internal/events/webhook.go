package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nhle/vibez-sync/internal/metrics"
	"github.com/nhle/vibez-sync/internal/model"
)

// WebhookPayload is the body posted for each inserted batch.
type WebhookPayload struct {
	Source   string          `json:"source"`
	Scope    model.Scope     `json:"scope"`
	Messages []model.Message `json:"messages"`
}

// Webhook posts inserted batches to a downstream consumer such as a
// classifier.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook for url.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

// HandleBatch posts batch and returns an error on transport failure or a
// non-2xx response.
func (w *Webhook) HandleBatch(ctx context.Context, batch model.Batch) error {
	body, err := json.Marshal(WebhookPayload{
		Source:   batch.Source,
		Scope:    batch.Scope,
		Messages: batch.Messages,
	})
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("webhook", "error").Inc()
		return fmt.Errorf("posting batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.EventsPublished.WithLabelValues("webhook", "error").Inc()
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	metrics.EventsPublished.WithLabelValues("webhook", "ok").Inc()
	return nil
}
