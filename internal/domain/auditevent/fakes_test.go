package auditevent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type downloadCall struct {
	profileID string
	count     int
	offset    int
}

// fakeRepo serves a fixed, newest-first event list.
type fakeRepo struct {
	mu     sync.Mutex
	events []*AuditEvent
	err    error
	// failFrom makes every download at or after this offset fail with err.
	failFrom int
	calls    []downloadCall
}

func newFakeRepo(n int) *fakeRepo {
	return &fakeRepo{events: makeEvents("profile-1", n), failFrom: -1}
}

func (f *fakeRepo) DownloadAuditEvents(_ context.Context, profileID string, count, offset int) (*Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, downloadCall{profileID: profileID, count: count, offset: offset})
	if f.err != nil && (f.failFrom < 0 || offset >= f.failFrom) {
		return nil, f.err
	}
	if offset >= len(f.events) {
		return NewBatch(nil), nil
	}
	end := min(offset+count, len(f.events))
	return NewBatch(append([]*AuditEvent(nil), f.events[offset:end]...)), nil
}

func (f *fakeRepo) callLog() []downloadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]downloadCall(nil), f.calls...)
}

func makeEvents(profileID string, n int) []*AuditEvent {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	events := make([]*AuditEvent, n)
	for i := range events {
		fhirID := fmt.Sprintf("ae-%03d", i)
		task := fmt.Sprintf("160.000.000.000.%03d.00", i)
		events[i] = &AuditEvent{
			ID:          EventID(profileID, fhirID),
			FHIRID:      fhirID,
			ProfileID:   profileID,
			TaskID:      &task,
			Description: fmt.Sprintf("event %d", i),
			TypeCode:    "rest",
			Action:      "R",
			Recorded:    base.Add(-time.Duration(i) * time.Minute),
			Outcome:     "0",
		}
	}
	return events
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu      sync.Mutex
	saved   map[string][]*AuditEvent
	saveErr error
	listErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string][]*AuditEvent)}
}

func (s *fakeStore) SaveAll(_ context.Context, profileID string, events []*AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[profileID] = append(s.saved[profileID], events...)
	return nil
}

func (s *fakeStore) ListByProfile(_ context.Context, profileID string, limit, offset int) ([]*AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	all := s.saved[profileID]
	if offset >= len(all) {
		return nil, nil
	}
	return all[offset:min(offset+limit, len(all))], nil
}
