package testutil

import (
	"context"
	"testing"

	"github.com/nhle/taskbot/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewTestRepository wraps a fresh in-memory store.
func NewTestRepository(t *testing.T) *store.Repository {
	t.Helper()
	return store.NewRepository(NewTestStore(t))
}

// Seed overwrites every collection with the contents of snap.
func Seed(t *testing.T, repo *store.Repository, snap *store.Snapshot) {
	t.Helper()

	if err := repo.Store().Replace(context.Background(), snap, store.AllCollections); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
}

// Load reads every collection back.
func Load(t *testing.T, repo *store.Repository) *store.Snapshot {
	t.Helper()

	var out *store.Snapshot
	err := repo.View(context.Background(), func(snap *store.Snapshot) error {
		out = snap
		return nil
	})
	if err != nil {
		t.Fatalf("loading store: %v", err)
	}
	return out
}
