package googlegroups

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/source"
)

// maxMessagesPerFetch bounds one poll so a large backlog is drained over
// several cycles.
const maxMessagesPerFetch = 200

// Options configures an Adapter.
type Options struct {
	// Key names the source in state keys and logs. Defaults to
	// "google_groups".
	Key string

	// Policy filters by canonical group key. Entries are canonicalized
	// by NewAdapter.
	Policy source.ScopePolicy
}

// Adapter implements source.Adapter for Google Groups mail delivered to
// an IMAP mailbox. The mailbox is the single polled scope; each message
// is routed to the room of the group it was sent through.
type Adapter struct {
	mailbox Mailbox
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]bool
}

// NewAdapter creates a new Google Groups source adapter.
func NewAdapter(mailbox Mailbox, opts Options, logger zerolog.Logger) *Adapter {
	if opts.Key == "" {
		opts.Key = string(model.SourceTypeGoogleGroups)
	}
	opts.Policy = source.ScopePolicy{
		Excluded: canonicalAll(opts.Policy.Excluded),
		Allowed:  canonicalAll(opts.Policy.Allowed),
	}
	return &Adapter{
		mailbox: mailbox,
		opts:    opts,
		logger:  logger.With().Str("source", opts.Key).Str("mailbox", mailbox.Name()).Logger(),
		now:     time.Now,
		seen:    make(map[string]bool),
	}
}

func canonicalAll(values []string) []string {
	var out []string
	for _, v := range values {
		if k := CanonicalGroupKey(v); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Key returns the source key.
func (a *Adapter) Key() string {
	return a.opts.Key
}

// CursorPrefix returns the sync_state key prefix of the mailbox cursors
// of the source named key.
func CursorPrefix(key string) string {
	if key == "" || key == string(model.SourceTypeGoogleGroups) {
		return "google_groups_uid_cursor:"
	}
	return key + "_uid_cursor:"
}

// CursorKey returns the sync_state key holding the mailbox UID cursor.
func (a *Adapter) CursorKey(scope model.Scope) string {
	return CursorPrefix(a.opts.Key) + scope.ID
}

// Probe verifies the mailbox credentials.
func (a *Adapter) Probe(ctx context.Context) error {
	return a.mailbox.Ping(ctx)
}

// Discover returns the mailbox as the single polled scope.
func (a *Adapter) Discover(_ context.Context) ([]model.Scope, error) {
	name := a.mailbox.Name()
	return []model.Scope{{ID: name, Name: name}}, nil
}

// Watched returns the monitored groups: the allow list when one is
// configured, otherwise every group seen so far.
func (a *Adapter) Watched() []model.Scope {
	keys := a.opts.Policy.Allowed
	if len(keys) == 0 {
		a.mu.Lock()
		for k := range a.seen {
			keys = append(keys, k)
		}
		a.mu.Unlock()
	}

	out := make([]model.Scope, 0, len(keys))
	for _, k := range keys {
		if a.opts.Policy.Permits(k) {
			out = append(out, model.Scope{ID: RoomID(k), Name: k})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Seed returns the mailbox's current highest UID.
func (a *Adapter) Seed(ctx context.Context, scope model.Scope) (string, error) {
	uid, err := a.mailbox.MaxUID(ctx)
	if err != nil {
		return "", fmt.Errorf("reading max UID of %s: %w", scope.ID, err)
	}
	a.logger.Info().Uint32("uid", uid).Msg("initialized UID cursor")
	return strconv.FormatUint(uint64(uid), 10), nil
}

// Fetch returns messages with UIDs above cursor. The next cursor is the
// highest UID fetched, whether or not that message normalizes.
func (a *Adapter) Fetch(
	ctx context.Context,
	scope model.Scope,
	cursor string,
) (*source.Page, error) {
	if cursor == "" {
		seed, err := a.Seed(ctx, scope)
		if err != nil {
			return nil, err
		}
		return &source.Page{Next: seed}, nil
	}

	after, err := strconv.ParseUint(cursor, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid UID cursor %q: %w", cursor, err)
	}

	mails, err := a.mailbox.FetchAfter(ctx, uint32(after), maxMessagesPerFetch)
	if err != nil {
		return nil, fmt.Errorf("fetching mail from %s: %w", scope.ID, err)
	}

	page := &source.Page{Next: cursor}
	highest := uint32(after)
	for _, m := range mails {
		if m.UID <= uint32(after) {
			continue
		}
		if m.UID > highest {
			highest = m.UID
		}
		page.Items = append(page.Items, source.RawItem{
			NativeID: strconv.FormatUint(uint64(m.UID), 10),
			Scope:    scope,
			Data:     m.Data,
			Err:      m.Err,
		})
	}
	page.Next = strconv.FormatUint(uint64(highest), 10)
	return page, nil
}

// Normalize parses one message. Mail from groups outside the policy is
// discarded.
func (a *Adapter) Normalize(item source.RawItem) source.Result {
	if item.Err != nil {
		return source.Failed(item.NativeID, "message body unavailable", item.Err)
	}
	uid, _ := strconv.ParseUint(item.NativeID, 10, 32)
	r := ParseGroupEmail(item.Data, uint32(uid), a.permits, a.now)
	if r.Message != nil {
		a.mu.Lock()
		a.seen[r.Message.RoomName] = true
		a.mu.Unlock()
	}
	return r
}

func (a *Adapter) permits(groupKey string) bool {
	return a.opts.Policy.Permits(groupKey)
}
