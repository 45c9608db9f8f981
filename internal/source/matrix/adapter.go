package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/source"
)

// SyncScope is the single scope a Matrix source polls. Every room is
// multiplexed through one next_batch token.
var SyncScope = model.Scope{ID: "sync", Name: "sync"}

// DefaultBridge is the bridge whose rooms are monitored by default.
const DefaultBridge = "whatsapp"

// textMsgTypes are the m.room.message types carrying readable text.
var textMsgTypes = map[string]bool{
	"m.text":   true,
	"m.notice": true,
	"m.emote":  true,
}

// Options configures an Adapter.
type Options struct {
	// Key names the source in state keys and logs. Defaults to "matrix".
	Key string

	// Policy filters rooms by display name.
	Policy source.ScopePolicy

	// Bridge is the com.beeper.bridge_name rooms must carry.
	Bridge string
}

// Adapter implements source.Adapter over the Matrix /sync long-poll.
// Rooms are classified from their state events as they appear.
type Adapter struct {
	client *Client
	opts   Options
	logger zerolog.Logger

	mu           sync.RWMutex
	rooms        map[string]string
	initialBatch string
}

// NewAdapter creates a new Matrix source adapter.
func NewAdapter(client *Client, opts Options, logger zerolog.Logger) *Adapter {
	if opts.Key == "" {
		opts.Key = string(model.SourceTypeMatrix)
	}
	if opts.Bridge == "" {
		opts.Bridge = DefaultBridge
	}
	return &Adapter{
		client: client,
		opts:   opts,
		logger: logger.With().Str("source", opts.Key).Logger(),
		rooms:  make(map[string]string),
	}
}

// Key returns the source key.
func (a *Adapter) Key() string {
	return a.opts.Key
}

// CursorKey returns the sync_state key holding the next_batch token.
func (a *Adapter) CursorKey(model.Scope) string {
	return CursorKeyFor(a.opts.Key)
}

// CursorKeyFor returns the next_batch key of the source named key.
func CursorKeyFor(key string) string {
	if key == "" || key == string(model.SourceTypeMatrix) {
		return "next_batch"
	}
	return key + "_next_batch"
}

// PollTimeout reports how long one Fetch may block server-side.
func (a *Adapter) PollTimeout() time.Duration {
	return a.client.SyncTimeout()
}

// Discover runs a compact initial sync to classify joined rooms. It
// always returns SyncScope; the rooms themselves are reported by Watched.
func (a *Adapter) Discover(ctx context.Context) ([]model.Scope, error) {
	resp, err := a.client.Sync(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("initial sync: %w", err)
	}
	added := a.classify(resp)
	if added > 0 {
		a.logger.Info().Int("rooms", len(a.Watched())).Msg("bridged rooms discovered")
	}

	a.mu.Lock()
	a.initialBatch = resp.NextBatch
	a.mu.Unlock()

	return []model.Scope{SyncScope}, nil
}

// Watched returns the monitored rooms ordered by name.
func (a *Adapter) Watched() []model.Scope {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.Scope, 0, len(a.rooms))
	for id, name := range a.rooms {
		out = append(out, model.Scope{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Seed returns the next_batch token from discovery, so polling starts
// from "now" without importing room history.
func (a *Adapter) Seed(ctx context.Context, _ model.Scope) (string, error) {
	a.mu.RLock()
	token := a.initialBatch
	a.mu.RUnlock()
	if token != "" {
		return token, nil
	}

	resp, err := a.client.Sync(ctx, "")
	if err != nil {
		return "", fmt.Errorf("seeding sync token: %w", err)
	}
	a.classify(resp)
	return resp.NextBatch, nil
}

// Fetch long-polls for events since cursor. An empty cursor performs an
// initial sync and returns no items, only a token.
func (a *Adapter) Fetch(
	ctx context.Context,
	scope model.Scope,
	cursor string,
) (*source.Page, error) {
	resp, err := a.client.Sync(ctx, cursor)
	if err != nil {
		return nil, err
	}
	if a.classify(resp) > 0 {
		a.logger.Info().Int("rooms", len(a.Watched())).Msg("bridged rooms updated")
	}

	page := &source.Page{Next: resp.NextBatch}
	if cursor == "" {
		return page, nil
	}

	roomIDs := make([]string, 0, len(resp.Rooms.Join))
	for id := range resp.Rooms.Join {
		roomIDs = append(roomIDs, id)
	}
	sort.Strings(roomIDs)

	for _, roomID := range roomIDs {
		name, ok := a.roomName(roomID)
		if !ok {
			continue
		}
		room := resp.Rooms.Join[roomID]
		for _, raw := range room.Timeline.Events {
			var ev Event
			_ = json.Unmarshal(raw, &ev)
			page.Items = append(page.Items, source.RawItem{
				NativeID: ev.EventID,
				Scope:    model.Scope{ID: roomID, Name: name},
				Data:     []byte(raw),
			})
		}
	}
	return page, nil
}

// Normalize converts one timeline event into a canonical message.
func (a *Adapter) Normalize(item source.RawItem) source.Result {
	if _, ok := a.roomName(item.Scope.ID); !ok {
		return source.Skipped(source.SkipUnknownScope)
	}
	if !a.opts.Policy.Permits(item.Scope.Name) {
		return source.Skipped(source.SkipFilteredOut)
	}
	return parseEvent(item.Data, item.Scope)
}

func (a *Adapter) roomName(roomID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, ok := a.rooms[roomID]
	return name, ok
}

// classify scans state and timeline events for bridge and name markers
// and records matching rooms. It returns the number of rooms added.
func (a *Adapter) classify(resp *SyncResponse) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	added := 0
	for roomID, room := range resp.Rooms.Join {
		events := append([]Event(nil), room.State.Events...)
		for _, raw := range room.Timeline.Events {
			var ev Event
			if err := json.Unmarshal(raw, &ev); err == nil && ev.StateKey != nil {
				events = append(events, ev)
			}
		}

		bridged, name := classifyRoom(events, a.opts.Bridge)
		current, known := a.rooms[roomID]
		if !known && !bridged {
			continue
		}
		if name == "" {
			name = current
		}
		if name == "" {
			name = roomID
		}
		if !a.opts.Policy.Permits(name) {
			delete(a.rooms, roomID)
			continue
		}
		if !known {
			added++
		}
		a.rooms[roomID] = name
	}
	return added
}

// classifyRoom reports whether events mark the room as bridged through
// bridge and returns the latest room name found, if any.
func classifyRoom(events []Event, bridge string) (bool, string) {
	bridged := false
	name := ""
	for _, ev := range events {
		switch ev.Type {
		case "m.bridge", "uk.half-shot.bridge":
			var c bridgeContent
			if err := json.Unmarshal(ev.Content, &c); err != nil {
				continue
			}
			if strings.EqualFold(c.BridgeName, bridge) || strings.EqualFold(c.Protocol.ID, bridge) {
				bridged = true
			}
		case "m.room.name":
			var c roomNameContent
			if err := json.Unmarshal(ev.Content, &c); err == nil && c.Name != "" {
				name = c.Name
			}
		}
	}
	return bridged, name
}

// parseEvent converts a timeline event into a canonical message.
func parseEvent(data []byte, scope model.Scope) source.Result {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return source.Failed("", "invalid event JSON", err)
	}
	if ev.Type != "m.room.message" {
		return source.Skipped(source.SkipNotMessage)
	}

	var content MessageContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return source.Failed(ev.EventID, "invalid message content", err)
	}
	if !textMsgTypes[content.MsgType] {
		return source.Skipped(source.SkipNotMessage)
	}

	body := strings.TrimSpace(content.Body)
	if body == "" {
		return source.Skipped(source.SkipEmptyBody)
	}
	if ev.EventID == "" {
		return source.Failed("", "missing event_id", nil)
	}

	senderName := content.SenderName
	if senderName == "" {
		senderName = demangleSender(ev.Sender)
	}

	return source.Ok(model.Message{
		ID:         "matrix-" + ev.EventID,
		RoomID:     scope.ID,
		RoomName:   scope.Name,
		SenderID:   ev.Sender,
		SenderName: senderName,
		Body:       body,
		Timestamp:  ev.OriginServerTS,
		RawEvent:   string(data),
	})
}

// demangleSender derives a display name from a bridged user id:
// "@whatsapp_15551234:beeper.local" becomes "+15551234".
func demangleSender(userID string) string {
	local := strings.TrimPrefix(strings.SplitN(userID, ":", 2)[0], "@")
	return strings.Replace(local, "whatsapp_", "+", 1)
}
