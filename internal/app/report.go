package app

import (
	"context"
	"fmt"

	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/source/beeper"
	"github.com/nhle/vibez-sync/internal/source/googlegroups"
	"github.com/nhle/vibez-sync/internal/source/matrix"
	"github.com/nhle/vibez-sync/internal/store"
	"github.com/nhle/vibez-sync/internal/ui/status"
)

// BuildReport reads the persisted sync state of every configured source.
func BuildReport(ctx context.Context, st store.Store, cfg *model.AppConfig) (status.Report, error) {
	var r status.Report

	count, err := st.CountMessages(ctx)
	if err != nil {
		return r, fmt.Errorf("counting messages: %w", err)
	}
	r.Messages = count

	for _, src := range cfg.Sources {
		watched, _, err := st.LoadActiveScopes(ctx, src.Key())
		if err != nil {
			return r, fmt.Errorf("loading active scopes for %s: %w", src.Key(), err)
		}
		cursors, err := st.ListState(ctx, cursorPrefix(src))
		if err != nil {
			return r, fmt.Errorf("listing cursors for %s: %w", src.Key(), err)
		}
		r.Sources = append(r.Sources, status.SourceReport{
			Key:     src.Key(),
			Type:    src.Type,
			Enabled: src.Enabled,
			Watched: watched,
			Cursors: cursors,
		})
	}

	rooms, err := st.RoomStats(ctx)
	if err != nil {
		return r, fmt.Errorf("loading room stats: %w", err)
	}
	r.Rooms = rooms
	return r, nil
}

// cursorPrefix returns the sync_state key prefix of src's cursors.
func cursorPrefix(src model.SourceConfig) string {
	switch model.SourceType(src.Type) {
	case model.SourceTypeBeeper:
		return beeper.CursorPrefix(src.Key())
	case model.SourceTypeMatrix:
		return matrix.CursorKeyFor(src.Key())
	case model.SourceTypeGoogleGroups:
		return googlegroups.CursorPrefix(src.Key())
	}
	return src.Key()
}
