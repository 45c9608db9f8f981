package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/nhle/vibez-sync/internal/model"
)

const messageColumns = `id, room_id, room_name, sender_id, sender_name, body, timestamp, raw_event`

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db       *sqlx.DB
	logger   zerolog.Logger
	notifier Notifier
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the logger used for per-message write failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = logger }
}

// WithNotifier sets the notifier signalled after each batch that inserts
// at least one message.
func WithNotifier(n Notifier) Option {
	return func(s *SQLiteStore) { s.notifier = n }
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SaveBatch inserts each message with INSERT OR IGNORE inside one
// transaction. A message that fails to insert is logged and skipped; the
// rest of the batch is still written. The notifier is signalled once
// after commit when anything new was inserted.
func (s *SQLiteStore) SaveBatch(
	ctx context.Context,
	source, scope string,
	msgs []model.Message,
) ([]model.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT OR IGNORE INTO messages (
			id, room_id, room_name,
			sender_id, sender_name,
			body, timestamp, raw_event
		) VALUES (
			?, ?, ?,
			?, ?,
			?, ?, ?
		)`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	var inserted []model.Message
	for _, m := range msgs {
		res, err := stmt.ExecContext(ctx,
			m.ID, m.RoomID, m.RoomName,
			m.SenderID, m.SenderName,
			m.Body, m.Timestamp, m.RawEvent,
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("inserting message %s: %w", m.ID, err)
			}
			s.logger.Error().Err(err).
				Str("source", source).
				Str("message_id", m.ID).
				Msg("failed to insert message")
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("reading rows affected for %s: %w", m.ID, err)
		}
		if n > 0 {
			inserted = append(inserted, m)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}

	if len(inserted) > 0 {
		s.notify(ctx, source, scope, len(inserted))
	}
	return inserted, nil
}

// notify signals the notifier, containing any panic it raises.
func (s *SQLiteStore) notify(ctx context.Context, source, scope string, count int) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug().Interface("panic", r).Str("source", source).Msg("notifier panicked")
		}
	}()
	s.notifier.MessagesSynced(ctx, source, scope, count)
}

// LoadCursor returns the cursor stored under key.
func (s *SQLiteStore) LoadCursor(ctx context.Context, key string) (string, bool, error) {
	return s.GetState(ctx, key)
}

// SaveCursor stores value under key, replacing any previous cursor.
func (s *SQLiteStore) SaveCursor(ctx context.Context, key, value string) error {
	return s.SetState(ctx, key, value)
}

// GetState returns the sync_state value for key. The second result is
// false when the key has never been written.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM sync_state WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState upserts a sync_state value.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("setting state %s: %w", key, err)
	}
	return nil
}

// ListState returns sync_state rows whose key starts with prefix, in key
// order. An empty prefix lists everything.
func (s *SQLiteStore) ListState(ctx context.Context, prefix string) ([]StateEntry, error) {
	var entries []StateEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT key, value FROM sync_state WHERE substr(key, 1, length(?)) = ? ORDER BY key",
		prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing state: %w", err)
	}
	return entries, nil
}

// ActiveScopesKey returns the sync_state key holding a source's watched
// scope snapshot.
func ActiveScopesKey(source string) string {
	return source + "_active_scopes"
}

// SaveActiveScopes stores the watched scope snapshot for source as JSON.
func (s *SQLiteStore) SaveActiveScopes(ctx context.Context, source string, scopes []model.Scope) error {
	if scopes == nil {
		scopes = []model.Scope{}
	}
	data, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("marshaling active scopes: %w", err)
	}
	return s.SetState(ctx, ActiveScopesKey(source), string(data))
}

// LoadActiveScopes returns the last saved watched scope snapshot.
func (s *SQLiteStore) LoadActiveScopes(ctx context.Context, source string) ([]model.Scope, bool, error) {
	raw, ok, err := s.GetState(ctx, ActiveScopesKey(source))
	if err != nil || !ok {
		return nil, ok, err
	}
	var scopes []model.Scope
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		return nil, true, fmt.Errorf("unmarshaling active scopes for %s: %w", source, err)
	}
	return scopes, true, nil
}

// GetMessage returns a single message by id. It returns ErrMessageNotFound
// when no message has that id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := s.db.GetContext(ctx, &m, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting message %s: %w", id, ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return &m, nil
}

// RecentMessages returns the newest messages, optionally limited to one
// room, newest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + messageColumns + " FROM messages"
	var args []interface{}
	if roomID != "" {
		query += " WHERE room_id = ?"
		args = append(args, roomID)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	var msgs []model.Message
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the total number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// RoomStats returns per-room message counts, most recently active first.
func (s *SQLiteStore) RoomStats(ctx context.Context) ([]RoomStat, error) {
	const query = `
		SELECT room_id,
			MAX(room_name) AS room_name,
			COUNT(*) AS messages,
			MAX(timestamp) AS last_timestamp
		FROM messages
		GROUP BY room_id
		ORDER BY last_timestamp DESC`

	var stats []RoomStat
	if err := s.db.SelectContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("querying room stats: %w", err)
	}
	return stats, nil
}
