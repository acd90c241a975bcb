package auditevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/erezept/erp/internal/platform/cache"
)

const cacheKeyPrefix = "erp:audit:"

// CachedRepository keeps downloaded pages in a shared cache. New events
// shift every offset of a profile, so a download of the first page always
// goes upstream and drops the profile's cached pages.
type CachedRepository struct {
	next   Repository
	cache  cache.Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedRepository(next Repository, store cache.Store, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	return &CachedRepository{next: next, cache: store, ttl: ttl, logger: logger}
}

func pageCacheKey(profileID string, count, offset int) string {
	return fmt.Sprintf("%s%s:%d:%d", cacheKeyPrefix, profileID, offset, count)
}

func (r *CachedRepository) DownloadAuditEvents(ctx context.Context, profileID string, count, offset int) (*Batch, error) {
	key := pageCacheKey(profileID, count, offset)

	if offset == 0 {
		if err := r.Invalidate(ctx, profileID); err != nil {
			r.logger.Warn().Err(err).Str("profile_id", profileID).Msg("audit page cache invalidation failed")
		}
	} else if batch, ok := r.lookup(ctx, key); ok {
		return batch, nil
	}

	batch, err := r.next.DownloadAuditEvents(ctx, profileID, count, offset)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(batch)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("audit page not cacheable")
		return batch, nil
	}
	if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("audit page cache write failed")
	}
	return batch, nil
}

func (r *CachedRepository) lookup(ctx context.Context, key string) (*Batch, bool) {
	raw, err := r.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.logger.Warn().Err(err).Str("key", key).Msg("audit page cache read failed")
		}
		return nil, false
	}
	var batch Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("corrupt audit page in cache")
		return nil, false
	}
	return &batch, true
}

// Invalidate drops every cached page of profileID.
func (r *CachedRepository) Invalidate(ctx context.Context, profileID string) error {
	return r.cache.DeletePrefix(ctx, cacheKeyPrefix+profileID+":")
}
