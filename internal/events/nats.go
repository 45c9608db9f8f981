package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/metrics"
	"github.com/nhle/vibez-sync/internal/model"
)

const (
	// StreamName is the JetStream stream holding sync events.
	StreamName = "VIBEZ_MESSAGES"

	// DefaultSubjectPrefix roots every subject this service publishes.
	DefaultSubjectPrefix = "vibez"

	closeFlushTimeout = 3 * time.Second
)

// NATSPublisher publishes sync events to NATS JetStream. Message ids are
// used as JetStream MsgIds so redelivered batches are deduplicated.
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	logger zerolog.Logger
	wg     gosync.WaitGroup
}

// NewNATSPublisher connects to url and prepares a JetStream context.
func NewNATSPublisher(url, prefix string, logger zerolog.Logger) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	nc, err := nats.Connect(url, nats.Name("vibez-sync"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &NATSPublisher{
		nc:     nc,
		js:     js,
		prefix: prefix,
		logger: logger.With().Str("sink", "nats").Logger(),
	}, nil
}

// EnsureStream creates the sync stream if it does not exist.
func (p *NATSPublisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(StreamName, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{p.prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes payload to subject with msgID as the dedupe id.
func (p *NATSPublisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		metrics.EventsPublished.WithLabelValues("nats", "error").Inc()
		return fmt.Errorf("failed to publish message: %w", err)
	}
	metrics.EventsPublished.WithLabelValues("nats", "ok").Inc()
	return nil
}

// HandleBatch publishes every message of batch on its source subject.
// It stops at the first failure; already published ids are deduplicated
// if the batch is ever replayed.
func (p *NATSPublisher) HandleBatch(ctx context.Context, batch model.Batch) error {
	subject := MessageSubject(p.prefix, batch.Source, batch.Scope.ID)
	for _, msg := range batch.Messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding message %s: %w", msg.ID, err)
		}
		if err := p.Publish(subject, payload, msg.ID); err != nil {
			return err
		}
	}
	p.logger.Debug().
		Str("subject", subject).
		Int("messages", len(batch.Messages)).
		Msg("published batch")
	return nil
}

// MessagesSynced publishes the sync envelope on the synced subject in
// the background and returns immediately. Failures are logged at debug
// level only.
func (p *NATSPublisher) MessagesSynced(_ context.Context, source, scope string, count int) {
	env := SyncedEnvelope(source, scope, count, time.Now())
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	subject := p.prefix + ".synced." + subjectToken(source)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Publish(subject, payload, env.DedupeKey); err != nil {
			p.logger.Debug().Err(err).Str("subject", subject).Msg("sync event publish failed")
		}
	}()
}

// Flush waits up to timeout for in-flight sync events and reports whether
// all of them completed.
func (p *NATSPublisher) Flush(timeout time.Duration) bool {
	return waitTimeout(&p.wg, timeout)
}

// Close waits briefly for in-flight sync events, then drains and closes
// the connection.
func (p *NATSPublisher) Close() {
	if !p.Flush(closeFlushTimeout) {
		p.logger.Debug().Msg("sync events still pending at close")
	}
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}

// MessageSubject returns the subject for messages from scope of source,
// e.g. "vibez.messages.beeper.chat-1".
func MessageSubject(prefix, source, scope string) string {
	return strings.Join([]string{prefix, "messages", subjectToken(source), subjectToken(scope)}, ".")
}

// subjectToken makes s safe for use as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
