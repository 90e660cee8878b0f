package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/nhle/taskbot/internal/model"
)

// Outcome classifies the result of a single-record lookup.
type Outcome int

const (
	Found Outcome = iota
	NotFound
	StoreError
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not found"
	default:
		return "store error"
	}
}

// Lookup is the result of fetching one record by id. Record is only
// meaningful when Outcome is Found; Err only when it is StoreError.
type Lookup[T any] struct {
	Outcome Outcome
	Record  T
	Err     error
}

// Repository serializes every read-modify-write cycle against a Store.
// Workflow commits, scheduler passes and admin operations all go through
// Mutate, so no two of them interleave their whole-collection writes.
type Repository struct {
	mu    sync.Mutex
	store Store
}

// NewRepository wraps s.
func NewRepository(s Store) *Repository {
	return &Repository{store: s}
}

// Store exposes the wrapped store.
func (r *Repository) Store() Store {
	return r.store
}

// View loads a snapshot and hands it to fn. Changes made by fn are discarded.
func (r *Repository) View(ctx context.Context, fn func(snap *Snapshot) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.load(ctx)
	if err != nil {
		return err
	}
	return fn(snap)
}

// Mutate loads a snapshot, applies fn and writes back every collection fn
// touched, all while holding the writer lock. If fn returns an error
// nothing is written.
func (r *Repository) Mutate(ctx context.Context, fn func(snap *Snapshot) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.load(ctx)
	if err != nil {
		return err
	}
	if err := fn(snap); err != nil {
		return err
	}
	if snap.dirty == 0 {
		return nil
	}
	if err := r.store.Replace(ctx, snap, snap.dirty); err != nil {
		return fmt.Errorf("%w: saving records: %w", ErrStore, err)
	}
	return nil
}

func (r *Repository) load(ctx context.Context) (*Snapshot, error) {
	users, err := r.store.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading users: %w", ErrStore, err)
	}
	tasks, err := r.store.Tasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading tasks: %w", ErrStore, err)
	}
	events, err := r.store.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading events: %w", ErrStore, err)
	}
	return &Snapshot{Users: users, Tasks: tasks, Events: events}, nil
}

// FindUser looks up a member by id.
func (r *Repository) FindUser(ctx context.Context, id int64) Lookup[model.User] {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, err := r.store.Users(ctx)
	if err != nil {
		return Lookup[model.User]{Outcome: StoreError, Err: fmt.Errorf("%w: loading users: %w", ErrStore, err)}
	}
	for _, u := range users {
		if u.ID == id {
			return Lookup[model.User]{Outcome: Found, Record: u}
		}
	}
	return Lookup[model.User]{Outcome: NotFound}
}

// FindTask looks up a task by id.
func (r *Repository) FindTask(ctx context.Context, id int) Lookup[model.Task] {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks, err := r.store.Tasks(ctx)
	if err != nil {
		return Lookup[model.Task]{Outcome: StoreError, Err: fmt.Errorf("%w: loading tasks: %w", ErrStore, err)}
	}
	for _, t := range tasks {
		if t.ID == id {
			return Lookup[model.Task]{Outcome: Found, Record: t}
		}
	}
	return Lookup[model.Task]{Outcome: NotFound}
}

// FindEvent looks up an event by id.
func (r *Repository) FindEvent(ctx context.Context, id int) Lookup[model.Event] {
	r.mu.Lock()
	defer r.mu.Unlock()

	events, err := r.store.Events(ctx)
	if err != nil {
		return Lookup[model.Event]{Outcome: StoreError, Err: fmt.Errorf("%w: loading events: %w", ErrStore, err)}
	}
	for _, e := range events {
		if e.ID == id {
			return Lookup[model.Event]{Outcome: Found, Record: e}
		}
	}
	return Lookup[model.Event]{Outcome: NotFound}
}
