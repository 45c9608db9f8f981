package source

import (
	"fmt"

	"github.com/nhle/vibez-sync/internal/model"
)

// SkipReason explains why an item produced no message. Skips are
// expected (reactions, filtered groups) and are not errors.
type SkipReason string

const (
	SkipNone         SkipReason = ""
	SkipNotMessage   SkipReason = "not_message"
	SkipEmptyBody    SkipReason = "empty_body"
	SkipPlaceholder  SkipReason = "placeholder"
	SkipFilteredOut  SkipReason = "filtered_out"
	SkipUnknownScope SkipReason = "unknown_scope"
)

// ParseError describes an item that could not be parsed at all.
type ParseError struct {
	NativeID string
	Reason   string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.NativeID, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.NativeID, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Result is the outcome of normalizing one raw item: exactly one of a
// message, a skip reason, or a parse error.
type Result struct {
	Message *model.Message
	Skip    SkipReason
	Err     *ParseError
}

// Ok wraps a successfully normalized message.
func Ok(m model.Message) Result {
	return Result{Message: &m}
}

// Skipped returns a result carrying no message for an expected reason.
func Skipped(reason SkipReason) Result {
	return Result{Skip: reason}
}

// Failed returns a result for an unparseable item.
func Failed(nativeID, reason string, err error) Result {
	return Result{Err: &ParseError{NativeID: nativeID, Reason: reason, Err: err}}
}

// Tally aggregates normalization results for one fetched page so callers
// can tell "nothing new" apart from "items failed to parse".
type Tally struct {
	Messages []model.Message
	Skipped  int
	Failed   []*ParseError
}

// Collect normalizes every item with a and aggregates the outcomes.
func Collect(a Adapter, items []RawItem) Tally {
	var t Tally
	for _, item := range items {
		r := a.Normalize(item)
		switch {
		case r.Err != nil:
			t.Failed = append(t.Failed, r.Err)
		case r.Message != nil:
			t.Messages = append(t.Messages, *r.Message)
		default:
			t.Skipped++
		}
	}
	return t
}
