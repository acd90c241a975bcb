package auditevent

import (
	"context"

	"github.com/rs/zerolog"
)

// SyncRepository downloads from the remote repository and keeps a local copy
// of every page it returns. With fallback enabled, a failed download is
// answered from the local copy instead.
type SyncRepository struct {
	remote   Repository
	store    Store
	fallback bool
	logger   zerolog.Logger
}

func NewSyncRepository(remote Repository, store Store, fallback bool, logger zerolog.Logger) *SyncRepository {
	return &SyncRepository{remote: remote, store: store, fallback: fallback, logger: logger}
}

func (r *SyncRepository) DownloadAuditEvents(ctx context.Context, profileID string, count, offset int) (*Batch, error) {
	batch, err := r.remote.DownloadAuditEvents(ctx, profileID, count, offset)
	if err != nil {
		if !r.fallback || ctx.Err() != nil {
			return nil, err
		}
		events, serr := r.store.ListByProfile(ctx, profileID, count, offset)
		if serr != nil {
			r.logger.Error().Err(serr).Str("profile_id", profileID).Msg("local audit event fallback failed")
			return nil, err
		}
		r.logger.Warn().Err(err).
			Str("profile_id", profileID).
			Int("offset", offset).
			Int("count", len(events)).
			Msg("remote audit event download failed, serving local copy")
		return NewBatch(events), nil
	}

	if err := r.store.SaveAll(ctx, profileID, batch.Events); err != nil {
		r.logger.Warn().Err(err).Str("profile_id", profileID).Msg("failed to persist audit events")
	}
	return batch, nil
}
