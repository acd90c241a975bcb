package auditevent

import (
	"context"
	"fmt"

	"github.com/erezept/erp/pkg/pagination"
	"github.com/erezept/erp/pkg/paging"
)

var _ paging.Source[pagination.Key, *AuditEvent] = (*PagingSource)(nil)

// PagingSource pages a profile's audit events out of a Repository. It holds
// no paging state; offsets travel in the keys.
//
// The end of the data is detected by page fill alone: a page shorter than
// requested ends paging, a full one always yields a next key. A full last
// page therefore costs one extra, empty load.
type PagingSource struct {
	repo        Repository
	profileID   string
	initialSize int
}

func NewPagingSource(repo Repository, profileID string) *PagingSource {
	return &PagingSource{repo: repo, profileID: profileID, initialSize: InitialLoadSize}
}

func (s *PagingSource) Load(ctx context.Context, params paging.LoadParams[pagination.Key]) (*paging.Page[pagination.Key, *AuditEvent], error) {
	switch params.Type {
	case paging.Refresh:
		return s.refresh(ctx)
	case paging.Append:
		key := pagination.Key{}
		if params.Key != nil {
			key = *params.Key
		}
		return s.append(ctx, key, params.LoadSize)
	default:
		return nil, paging.UnsupportedLoad(params.Type)
	}
}

// RefreshKey always restarts at the newest event.
func (s *PagingSource) RefreshKey(paging.State[pagination.Key, *AuditEvent]) *pagination.Key {
	return nil
}

func (s *PagingSource) refresh(ctx context.Context) (*paging.Page[pagination.Key, *AuditEvent], error) {
	batch, err := s.repo.DownloadAuditEvents(ctx, s.profileID, s.initialSize, 0)
	if err != nil {
		return nil, fmt.Errorf("refresh audit events of profile %s: %w", s.profileID, err)
	}

	page := &paging.Page[pagination.Key, *AuditEvent]{
		Data:        batch.Events,
		ItemsBefore: paging.CountUndefined,
		ItemsAfter:  paging.CountUndefined,
	}
	if batch.Count == s.initialSize {
		page.NextKey = pagination.NewKey(batch.Count).Ptr()
	}
	return page, nil
}

func (s *PagingSource) append(ctx context.Context, key pagination.Key, count int) (*paging.Page[pagination.Key, *AuditEvent], error) {
	if count <= 0 {
		count = PageSize
	}
	batch, err := s.repo.DownloadAuditEvents(ctx, s.profileID, count, key.Offset)
	if err != nil {
		return nil, fmt.Errorf("append audit events of profile %s at offset %d: %w", s.profileID, key.Offset, err)
	}

	page := &paging.Page[pagination.Key, *AuditEvent]{
		Data:        batch.Events,
		PrevKey:     key.StepBack(count),
		ItemsBefore: max(0, key.Offset-count),
	}
	if batch.Count == count {
		page.NextKey = key.Advance(batch.Count).Ptr()
		page.ItemsAfter = count
	}
	return page, nil
}
