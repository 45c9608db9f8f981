package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// SourceApp identifies this service in every envelope.
	SourceApp = "vibez-monitor"

	// TypeMessagesSynced is emitted after a batch inserts new messages.
	TypeMessagesSynced = "vibez.messages.synced"
)

// Envelope is the event-fabric wire format.
type Envelope struct {
	EventType     string         `json:"event_type"`
	SourceApp     string         `json:"source_app"`
	SourceEventID string         `json:"source_event_id"`
	OccurredAt    string         `json:"occurred_at"`
	DedupeKey     string         `json:"dedupe_key"`
	Payload       map[string]any `json:"payload"`
}

// NewEnvelope stamps an event with the current time.
func NewEnvelope(eventType, sourceEventID, dedupeKey string, payload map[string]any) Envelope {
	return Envelope{
		EventType:     eventType,
		SourceApp:     SourceApp,
		SourceEventID: sourceEventID,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		DedupeKey:     dedupeKey,
		Payload:       payload,
	}
}

// SyncedEnvelope builds the notification for count new messages in scope.
// Notifications for the same scope within one second share a dedupe key.
func SyncedEnvelope(source, scope string, count int, now time.Time) Envelope {
	unix := now.Unix()
	env := NewEnvelope(
		TypeMessagesSynced,
		fmt.Sprintf("sync-%s-%s", scope, uuid.NewString()),
		fmt.Sprintf("vibez:sync:%s:%d", scope, unix),
		map[string]any{
			"count":  count,
			"room":   scope,
			"source": source,
		},
	)
	env.OccurredAt = now.UTC().Format(time.RFC3339Nano)
	return env
}
