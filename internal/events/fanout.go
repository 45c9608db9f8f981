package events

import (
	"context"

	"github.com/nhle/vibez-sync/internal/store"
)

// Notifiers signals every notifier in order.
type Notifiers []store.Notifier

func (ns Notifiers) MessagesSynced(ctx context.Context, source, scope string, count int) {
	for _, n := range ns {
		n.MessagesSynced(ctx, source, scope, count)
	}
}
