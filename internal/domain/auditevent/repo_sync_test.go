package auditevent

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestSyncRepository_PersistsDownloads(t *testing.T) {
	remote := newFakeRepo(60)
	store := newFakeStore()
	repo := NewSyncRepository(remote, store, false, zerolog.Nop())

	batch, err := repo.DownloadAuditEvents(context.Background(), "profile-1", 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Count != 50 {
		t.Errorf("expected 50 events, got %d", batch.Count)
	}
	if got := len(store.saved["profile-1"]); got != 50 {
		t.Errorf("expected 50 persisted events, got %d", got)
	}
}

func TestSyncRepository_SaveFailureStillReturnsBatch(t *testing.T) {
	store := newFakeStore()
	store.saveErr = errors.New("disk full")
	repo := NewSyncRepository(newFakeRepo(10), store, false, zerolog.Nop())

	batch, err := repo.DownloadAuditEvents(context.Background(), "profile-1", 25, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Count != 10 {
		t.Errorf("expected 10 events, got %d", batch.Count)
	}
}

func TestSyncRepository_RemoteErrorWithoutFallback(t *testing.T) {
	cause := errors.New("backend down")
	remote := newFakeRepo(10)
	remote.err = cause
	store := newFakeStore()
	store.saved["profile-1"] = makeEvents("profile-1", 10)

	repo := NewSyncRepository(remote, store, false, zerolog.Nop())
	if _, err := repo.DownloadAuditEvents(context.Background(), "profile-1", 25, 0); !errors.Is(err, cause) {
		t.Errorf("expected remote error, got %v", err)
	}
}

func TestSyncRepository_FallbackServesLocalCopy(t *testing.T) {
	remote := newFakeRepo(10)
	remote.err = errors.New("backend down")
	store := newFakeStore()
	store.saved["profile-1"] = makeEvents("profile-1", 40)

	repo := NewSyncRepository(remote, store, true, zerolog.Nop())
	batch, err := repo.DownloadAuditEvents(context.Background(), "profile-1", 25, 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Count != 15 {
		t.Errorf("expected the 15 local events after offset 25, got %d", batch.Count)
	}
	if batch.Events[0].FHIRID != "ae-025" {
		t.Errorf("expected ae-025 first, got %s", batch.Events[0].FHIRID)
	}
}

func TestSyncRepository_FallbackFailureReturnsRemoteError(t *testing.T) {
	cause := errors.New("backend down")
	remote := newFakeRepo(10)
	remote.err = cause
	store := newFakeStore()
	store.listErr = errors.New("db down")

	repo := NewSyncRepository(remote, store, true, zerolog.Nop())
	if _, err := repo.DownloadAuditEvents(context.Background(), "profile-1", 25, 0); !errors.Is(err, cause) {
		t.Errorf("expected remote error, got %v", err)
	}
}

func TestSyncRepository_NoFallbackWhenCancelled(t *testing.T) {
	remote := newFakeRepo(10)
	remote.err = context.Canceled
	store := newFakeStore()
	store.saved["profile-1"] = makeEvents("profile-1", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := NewSyncRepository(remote, store, true, zerolog.Nop())
	if _, err := repo.DownloadAuditEvents(ctx, "profile-1", 25, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
