package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/metrics"
)

// DefaultURL is the local event-fabric endpoint.
const DefaultURL = "http://localhost:3511/v1/events"

const publishTimeout = 3 * time.Second

// HTTPPublisher posts envelopes to the event fabric. Publishing is fire
// and forget: failures are logged at debug level and never returned.
type HTTPPublisher struct {
	url    string
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
	wg     gosync.WaitGroup
}

// NewHTTPPublisher creates a publisher for url. An empty url uses DefaultURL.
func NewHTTPPublisher(url string, logger zerolog.Logger) *HTTPPublisher {
	if url == "" {
		url = DefaultURL
	}
	return &HTTPPublisher{
		url:    url,
		client: &http.Client{Timeout: publishTimeout},
		logger: logger.With().Str("sink", "http").Logger(),
		now:    time.Now,
	}
}

// Publish sends env in the background.
func (p *HTTPPublisher) Publish(env Envelope) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.send(env); err != nil {
			metrics.EventsPublished.WithLabelValues("http", "error").Inc()
			p.logger.Debug().Err(err).Str("event_type", env.EventType).Msg("event publish failed (service may be down)")
			return
		}
		metrics.EventsPublished.WithLabelValues("http", "ok").Inc()
	}()
}

func (p *HTTPPublisher) send(env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("event fabric returned status %d", resp.StatusCode)
	}
	return nil
}

// MessagesSynced publishes a sync notification for a persisted batch.
func (p *HTTPPublisher) MessagesSynced(ctx context.Context, source, scope string, count int) {
	p.Publish(SyncedEnvelope(source, scope, count, p.now()))
}

// Flush waits up to timeout for in-flight publishes.
func (p *HTTPPublisher) Flush(timeout time.Duration) bool {
	return waitTimeout(&p.wg, timeout)
}

// waitTimeout waits for wg up to timeout and reports whether it finished.
func waitTimeout(wg *gosync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
