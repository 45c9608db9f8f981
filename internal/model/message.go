package model

import "time"

// SourceType identifies the backend a message was ingested from.
type SourceType string

const (
	SourceTypeBeeper       SourceType = "beeper"
	SourceTypeMatrix       SourceType = "matrix"
	SourceTypeGoogleGroups SourceType = "google_groups"
)

// Message is the canonical, source-independent shape of an ingested chat
// or mailing-list message. Rows are append-only once written.
type Message struct {
	// ID is derived deterministically from the source and the message's
	// native identifier, so re-fetching yields the same value.
	ID string `json:"id" db:"id"`

	// RoomID is the source-scoped conversation identifier.
	RoomID string `json:"room_id" db:"room_id"`

	// RoomName is the conversation display name at ingestion time.
	RoomName string `json:"room_name" db:"room_name"`

	// SenderID is the source-native sender identifier.
	SenderID string `json:"sender_id" db:"sender_id"`

	// SenderName is the human-readable sender name.
	SenderName string `json:"sender_name" db:"sender_name"`

	// Body is the normalized plain-text content. Never empty.
	Body string `json:"body" db:"body"`

	// Timestamp is milliseconds since epoch from the origin event's clock.
	Timestamp int64 `json:"timestamp" db:"timestamp"`

	// RawEvent is the serialized upstream payload, kept for audit only.
	RawEvent string `json:"raw_event" db:"raw_event"`
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Scope is a single monitored conversation or mailbox within a source.
type Scope struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Batch is the set of messages newly inserted by one successful fetch
// cycle of a single scope.
type Batch struct {
	Source   string    `json:"source"`
	Scope    Scope     `json:"scope"`
	Messages []Message `json:"messages"`
}

// IDs returns the message ids in the batch, in order.
func (b Batch) IDs() []string {
	ids := make([]string, 0, len(b.Messages))
	for _, m := range b.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}
