package beeper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/source"
)

// DefaultExcludedGroups are group titles skipped when no exclusion list
// is configured.
var DefaultExcludedGroups = []string{
	"BBC News",
	"Bloomberg News",
	"MTB Rides",
	"Plum",
}

// DefaultNetworks are the bridged networks monitored by default.
var DefaultNetworks = []string{"WhatsApp"}

const (
	// chatListLimit bounds the chat discovery request.
	chatListLimit = "200"

	// maxPagesPerFetch bounds forward pagination within one fetch.
	maxPagesPerFetch = 50

	// tokenWarnWindow triggers an expiry warning during Probe.
	tokenWarnWindow = 3 * 24 * time.Hour

	// encryptedPlaceholder is the text Beeper shows for undecryptable
	// messages.
	encryptedPlaceholder = "Encrypted"
)

// messageTypes are the Beeper message types that can carry text.
var messageTypes = map[string]bool{
	"TEXT":  true,
	"IMAGE": true,
	"VIDEO": true,
	"AUDIO": true,
	"FILE":  true,
}

// Options configures an Adapter.
type Options struct {
	// Key names the source in state keys and logs. Defaults to "beeper".
	Key string

	// Policy filters discovered groups by title.
	Policy source.ScopePolicy

	// Networks lists the bridged networks to monitor.
	Networks []string
}

// Adapter implements source.Adapter for the Beeper Desktop API. Chats
// are paginated newest-first and resumed by sortKey.
type Adapter struct {
	client *Client
	opts   Options
	logger zerolog.Logger
}

// NewAdapter creates a new Beeper source adapter.
func NewAdapter(client *Client, opts Options, logger zerolog.Logger) *Adapter {
	if opts.Key == "" {
		opts.Key = string(model.SourceTypeBeeper)
	}
	if len(opts.Networks) == 0 {
		opts.Networks = DefaultNetworks
	}
	return &Adapter{
		client: client,
		opts:   opts,
		logger: logger.With().Str("source", opts.Key).Logger(),
	}
}

// Key returns the source key.
func (a *Adapter) Key() string {
	return a.opts.Key
}

// CursorPrefix returns the sync_state key prefix of the chat cursors of
// the source named key.
func CursorPrefix(key string) string {
	if key == "" || key == string(model.SourceTypeBeeper) {
		return "beeper_cursor:"
	}
	return key + "_cursor:"
}

// CursorKey returns the sync_state key for a chat's sortKey cursor.
func (a *Adapter) CursorKey(scope model.Scope) string {
	return CursorPrefix(a.opts.Key) + scope.ID
}

// Probe checks token validity and warns when it is close to expiry.
func (a *Adapter) Probe(ctx context.Context) error {
	info, err := a.client.Introspect(ctx)
	if err != nil {
		return fmt.Errorf("checking token health: %w", err)
	}
	if !info.Active {
		return &source.AuthError{
			Source:  a.opts.Key,
			Message: "Beeper API token is inactive",
		}
	}
	if info.Exp == 0 {
		a.logger.Info().Msg("token valid (no expiry set)")
		return nil
	}

	remaining := time.Until(time.Unix(info.Exp, 0))
	days := remaining.Hours() / 24
	if remaining < tokenWarnWindow {
		a.logger.Warn().Float64("days_left", days).Msg("Beeper API token expires soon, re-auth")
	} else {
		a.logger.Info().Float64("days_left", days).Msg("token valid")
	}
	return nil
}

// Discover lists group chats on the monitored networks whose titles
// pass the scope policy.
func (a *Adapter) Discover(ctx context.Context) ([]model.Scope, error) {
	var list ChatList
	err := a.client.Get(ctx, "/v1/chats", url.Values{"limit": {chatListLimit}}, &list)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}

	var scopes []model.Scope
	for _, c := range list.Items {
		if c.Type != "group" || !a.onNetwork(c) {
			continue
		}
		if !a.opts.Policy.Permits(c.Title) {
			continue
		}
		scopes = append(scopes, model.Scope{ID: c.ID, Name: c.Title})
	}
	return scopes, nil
}

// onNetwork reports whether a chat belongs to a monitored network. Older
// API versions omit network and only report the account id.
func (a *Adapter) onNetwork(c Chat) bool {
	for _, n := range a.opts.Networks {
		if strings.EqualFold(c.Network, n) {
			return true
		}
		if c.Network == "" && strings.EqualFold(c.AccountID, n) {
			return true
		}
	}
	return false
}

// Seed returns the newest sortKey in the chat without importing history.
func (a *Adapter) Seed(ctx context.Context, scope model.Scope) (string, error) {
	var page MessagePage
	if err := a.client.Get(ctx, messagesPath(scope.ID), nil, &page); err != nil {
		return "", fmt.Errorf("seeding cursor for %s: %w", scope.Name, err)
	}

	newest := ""
	for _, raw := range page.Items {
		h := peek(raw)
		if compareSortKeys(h.SortKey, newest) > 0 {
			newest = h.SortKey
		}
	}
	return newest, nil
}

// Fetch returns the messages newer than cursor. It walks forward pages
// until the source reports no more data or a page reaches back to the
// cursor. An empty cursor means the chat was empty when seeded, so every
// message in it is new: Fetch reads the latest page and walks backward
// from there.
func (a *Adapter) Fetch(
	ctx context.Context,
	scope model.Scope,
	cursor string,
) (*source.Page, error) {
	var params url.Values
	if cursor != "" {
		params = url.Values{"cursor": {cursor}, "direction": {"after"}}
	}

	seen := make(map[string]bool)
	var items []source.RawItem
	newest := cursor

	for i := 0; i < maxPagesPerFetch; i++ {
		var page MessagePage
		if err := a.client.Get(ctx, messagesPath(scope.ID), params, &page); err != nil {
			return nil, fmt.Errorf("fetching messages for %s: %w", scope.Name, err)
		}

		pageNewest, pageOldest := "", ""
		reachedCursor := false
		for _, raw := range page.Items {
			h := peek(raw)
			if cursor != "" && h.SortKey != "" && compareSortKeys(h.SortKey, cursor) <= 0 {
				reachedCursor = true
				continue
			}
			if compareSortKeys(h.SortKey, pageNewest) > 0 {
				pageNewest = h.SortKey
			}
			if h.SortKey != "" && (pageOldest == "" || compareSortKeys(h.SortKey, pageOldest) < 0) {
				pageOldest = h.SortKey
			}
			if compareSortKeys(h.SortKey, newest) > 0 {
				newest = h.SortKey
			}

			dedupe := h.ID + "\x00" + h.SortKey
			if seen[dedupe] {
				continue
			}
			seen[dedupe] = true
			items = append(items, source.RawItem{
				NativeID: h.ID,
				Scope:    scope,
				Data:     []byte(raw),
			})
		}

		if !page.HasMore || len(page.Items) == 0 || reachedCursor {
			break
		}
		if cursor == "" {
			if pageOldest == "" {
				break
			}
			params = url.Values{"cursor": {pageOldest}, "direction": {"before"}}
			continue
		}
		if pageNewest == "" {
			break
		}
		params = url.Values{"cursor": {pageNewest}, "direction": {"after"}}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return compareSortKeys(peek(items[i].Data).SortKey, peek(items[j].Data).SortKey) < 0
	})

	return &source.Page{Items: items, Next: newest}, nil
}

// Normalize converts a Beeper API message into a canonical message.
// Reactions, system events, media without captions, and undecryptable
// placeholders produce no message.
func (a *Adapter) Normalize(item source.RawItem) source.Result {
	if !a.opts.Policy.Permits(item.Scope.Name) {
		return source.Skipped(source.SkipFilteredOut)
	}
	return parseMessage(item.Data, item.Scope)
}

// parseMessage is the pure normalization step, shared with tests.
func parseMessage(data []byte, scope model.Scope) source.Result {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return source.Failed("", "invalid message JSON", err)
	}

	if !messageTypes[msg.Type] {
		return source.Skipped(source.SkipNotMessage)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return source.Skipped(source.SkipEmptyBody)
	}
	if text == encryptedPlaceholder {
		return source.Skipped(source.SkipPlaceholder)
	}

	chatID := msg.ChatID
	if chatID == "" {
		chatID = scope.ID
	}
	if msg.ID == "" || chatID == "" {
		return source.Failed(msg.ID, "missing message or chat id", nil)
	}

	ts, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
	if err != nil {
		return source.Failed(msg.ID, "invalid timestamp", err)
	}

	return source.Ok(model.Message{
		ID:         fmt.Sprintf("beeper-%s-%s", chatID, msg.ID),
		RoomID:     chatID,
		RoomName:   scope.Name,
		SenderID:   msg.SenderID,
		SenderName: cleanSenderName(msg.SenderName),
		Body:       text,
		Timestamp:  ts.UnixMilli(),
		RawEvent:   string(data),
	})
}

// cleanSenderName turns a bare Matrix user id ("@alice:beeper.com") into
// its localpart. Display names pass through unchanged.
func cleanSenderName(name string) string {
	if strings.HasPrefix(name, "@") && strings.Contains(name, ":") {
		return strings.TrimLeft(strings.SplitN(name, ":", 2)[0], "@")
	}
	return name
}

type header struct {
	ID      string `json:"id"`
	SortKey string `json:"sortKey"`
}

// peek decodes only the fields pagination needs. Malformed items yield
// an empty header and are reported later by Normalize.
func peek(raw []byte) header {
	var h header
	_ = json.Unmarshal(raw, &h)
	return h
}

func messagesPath(chatID string) string {
	return "/v1/chats/" + url.PathEscape(chatID) + "/messages"
}

// compareSortKeys orders sortKeys. Numeric keys compare by value; other
// keys compare lexically. The empty key sorts before everything.
func compareSortKeys(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}
	if isDigits(a) && isDigits(b) {
		a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
