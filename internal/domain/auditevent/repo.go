package auditevent

import (
	"context"
)

// Batch is one page of audit events as delivered by a repository. Count is
// the number of events the repository returned for the requested page.
type Batch struct {
	Events []*AuditEvent `json:"events"`
	Count  int           `json:"count"`
}

func NewBatch(events []*AuditEvent) *Batch {
	if events == nil {
		events = []*AuditEvent{}
	}
	return &Batch{Events: events, Count: len(events)}
}

// Repository downloads a profile's audit events, newest first.
type Repository interface {
	DownloadAuditEvents(ctx context.Context, profileID string, count, offset int) (*Batch, error)
}

// Store persists downloaded audit events locally.
type Store interface {
	SaveAll(ctx context.Context, profileID string, events []*AuditEvent) error
	ListByProfile(ctx context.Context, profileID string, limit, offset int) ([]*AuditEvent, error)
}
