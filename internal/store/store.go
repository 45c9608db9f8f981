package store

import (
	"context"
	"errors"

	"github.com/nhle/vibez-sync/internal/model"
)

// ErrMessageNotFound is returned when a message id is not stored.
var ErrMessageNotFound = errors.New("message not found")

// CursorStore persists per-scope resumption tokens. A scope has at most
// one cursor; saving replaces it.
type CursorStore interface {
	LoadCursor(ctx context.Context, key string) (string, bool, error)
	SaveCursor(ctx context.Context, key, value string) error
}

// MessageStore is the idempotent write path for canonical messages.
type MessageStore interface {
	// SaveBatch inserts messages that are not already stored and returns
	// the newly inserted subset. Re-saving a stored message is a no-op.
	SaveBatch(ctx context.Context, source, scope string, msgs []model.Message) ([]model.Message, error)
}

// Notifier receives a lightweight signal after a batch inserts new rows.
// Implementations must not block and must not fail the save.
type Notifier interface {
	MessagesSynced(ctx context.Context, source, scope string, count int)
}

// RoomStat summarizes stored messages for one room.
type RoomStat struct {
	RoomID        string `db:"room_id" json:"room_id"`
	RoomName      string `db:"room_name" json:"room_name"`
	Messages      int    `db:"messages" json:"messages"`
	LastTimestamp int64  `db:"last_timestamp" json:"last_timestamp"`
}

// StateEntry is one row of the sync_state table.
type StateEntry struct {
	Key   string `db:"key" json:"key"`
	Value string `db:"value" json:"value"`
}

// Store defines the persistence interface for the sync engine: the
// message table and the sync_state key-value table.
type Store interface {
	CursorStore
	MessageStore

	// === Sync state ===

	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	ListState(ctx context.Context, prefix string) ([]StateEntry, error)
	SaveActiveScopes(ctx context.Context, source string, scopes []model.Scope) error
	LoadActiveScopes(ctx context.Context, source string) ([]model.Scope, bool, error)

	// === Messages ===

	GetMessage(ctx context.Context, id string) (*model.Message, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	CountMessages(ctx context.Context) (int, error)
	RoomStats(ctx context.Context) ([]RoomStat, error)

	Close() error
}
