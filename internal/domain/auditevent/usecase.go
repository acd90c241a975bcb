package auditevent

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/erezept/erp/pkg/pagination"
	"github.com/erezept/erp/pkg/paging"
)

const (
	PageSize        = 25
	InitialLoadSize = 50
	MaxSize         = 2 * InitialLoadSize
)

// PagingConfig is the paging configuration of every audit event stream.
var PagingConfig = paging.Config{
	PageSize:        PageSize,
	InitialLoadSize: InitialLoadSize,
	MaxSize:         MaxSize,
}

// UseCase exposes a profile's audit log as a paged stream of records.
type UseCase struct {
	repo   Repository
	logger zerolog.Logger
}

func NewUseCase(repo Repository, logger zerolog.Logger) *UseCase {
	return &UseCase{repo: repo, logger: logger.With().Str("component", "audit_events").Logger()}
}

// Invoke returns the cold record stream of profileID. Loading starts when
// the flow is run and happens on the flow's own goroutine.
func (u *UseCase) Invoke(profileID string) (paging.Flow[Record], error) {
	pager, err := paging.NewPager(PagingConfig, func() paging.Source[pagination.Key, *AuditEvent] {
		u.logger.Debug().Str("profile_id", profileID).Msg("new audit event paging source")
		return NewPagingSource(u.repo, profileID)
	})
	if err != nil {
		return nil, err
	}
	return paging.Map[*AuditEvent, Record](pager, (*AuditEvent).ToRecord), nil
}

// Walk runs the stream of profileID and hands every newly loaded batch of
// records to fn, oldest load first. It appends until the end of the data or
// until maxLoads loads succeeded (0 means no limit). Records the pager drops
// to honour MaxSize have already been handed out by then.
func (u *UseCase) Walk(ctx context.Context, profileID string, maxLoads int, fn func(records []Record) error) error {
	flow, err := u.Invoke(profileID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hints := make(chan paging.Hint)
	seen, loads := 0, 0
	for snap := range flow.Run(ctx, hints) {
		if !snap.Idle() {
			continue
		}
		if snap.Refresh.Err != nil {
			return snap.Refresh.Err
		}
		if snap.Append.Err != nil {
			return snap.Append.Err
		}

		if start := seen - snap.ItemsBefore; start < len(snap.Items) {
			fresh := snap.Items[start:]
			if err := fn(fresh); err != nil {
				return err
			}
			seen += len(fresh)
		}
		loads++
		if snap.Append.EndReached || (maxLoads > 0 && loads >= maxLoads) {
			u.logger.Debug().Str("profile_id", profileID).Int("loads", loads).Int("records", seen).Msg("audit log walked")
			return nil
		}

		select {
		case hints <- paging.HintAppend:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("audit event stream of profile %s closed early", profileID)
}

// Collect walks the stream of profileID and returns every record loaded.
// On failure it returns the records collected so far with the error.
func (u *UseCase) Collect(ctx context.Context, profileID string, maxLoads int) ([]Record, error) {
	var records []Record
	err := u.Walk(ctx, profileID, maxLoads, func(batch []Record) error {
		records = append(records, batch...)
		return nil
	})
	if err != nil {
		return records, err
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}
