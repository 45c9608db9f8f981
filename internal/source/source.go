package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/vibez-sync/internal/model"
)

// AuthError indicates that authentication has failed or expired for a
// source. Retrying cannot succeed without operator intervention.
type AuthError struct {
	Source  string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Source, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// RateLimitError is returned when a source asks the caller to slow down.
// RetryAfter is zero when the source gave no hint.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (%s): retry after %s", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (%s)", e.Source)
}

// RetryAfter extracts the retry hint from a RateLimitError in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// RawItem is one unparsed item returned by a fetch. Data holds the
// source-native payload (JSON for chat sources, RFC 822 for mail).
type RawItem struct {
	// NativeID is the item's identifier within the source.
	NativeID string

	// Scope is the conversation the item belongs to. For sources that
	// multiplex many rooms through one cursor it differs from the
	// fetched scope.
	Scope model.Scope

	Data []byte

	// Err is set when the item was listed but its payload could not be
	// retrieved. Normalize reports such items as parse failures.
	Err error
}

// Page is the result of a single fetch: raw items newer than the cursor
// and the cursor to store once they are persisted.
type Page struct {
	Items []RawItem
	Next  string
}

// Adapter is the contract every source integration implements. Adapters
// never retry or swallow fetch errors; the caller owns retry policy.
type Adapter interface {
	// Key returns the source key used for logging, metrics, and state.
	Key() string

	// Discover returns the scopes this source should monitor, already
	// filtered by the configured scope policy.
	Discover(ctx context.Context) ([]model.Scope, error)

	// CursorKey returns the sync_state key holding scope's cursor.
	CursorKey(scope model.Scope) string

	// Seed returns the cursor marking "now" for a scope that has never
	// been synced. An empty cursor means the scope has no history yet.
	Seed(ctx context.Context, scope model.Scope) (string, error)

	// Fetch returns the items after cursor and the next cursor.
	Fetch(ctx context.Context, scope model.Scope, cursor string) (*Page, error)

	// Normalize converts one raw item into a canonical message.
	Normalize(item RawItem) Result
}

// Watcher is implemented by adapters whose monitored set is richer than,
// or changes independently of, the scopes returned by Discover (rooms
// multiplexed through one sync token, allowed mailing lists).
type Watcher interface {
	Watched() []model.Scope
}

// Prober is implemented by adapters that can check credential health
// before discovery. Probe failures are advisory.
type Prober interface {
	Probe(ctx context.Context) error
}

// ScopePolicy decides which scopes a source monitors. Exclusions always
// win; a non-empty allow list restricts to its members. Matching is
// case-insensitive on the scope name.
type ScopePolicy struct {
	Excluded []string
	Allowed  []string
}

// Permits reports whether a scope named name should be monitored.
func (p ScopePolicy) Permits(name string) bool {
	n := strings.TrimSpace(name)
	for _, ex := range p.Excluded {
		if strings.EqualFold(ex, n) {
			return false
		}
	}
	if len(p.Allowed) == 0 {
		return true
	}
	for _, al := range p.Allowed {
		if strings.EqualFold(al, n) {
			return true
		}
	}
	return false
}
