package store

import (
	"context"
	"errors"
	"strings"

	"github.com/nhle/taskbot/internal/model"
)

// ErrStore marks failures of the underlying storage engine, as opposed to
// state errors raised by callers inside a mutation.
var ErrStore = errors.New("store failure")

// Collection is a bit set naming record collections.
type Collection uint8

const (
	CollectionUsers Collection = 1 << iota
	CollectionTasks
	CollectionEvents

	AllCollections = CollectionUsers | CollectionTasks | CollectionEvents
)

// Has reports whether c includes other.
func (c Collection) Has(other Collection) bool {
	return c&other != 0
}

// Store defines whole-collection persistence for users, tasks and events.
// There are no partial updates: callers read every record, change what they
// need and write the collection back through Replace.
type Store interface {
	Users(ctx context.Context) ([]model.User, error)
	Tasks(ctx context.Context) ([]model.Task, error)
	Events(ctx context.Context) ([]model.Event, error)

	// Replace overwrites the collections named by which with the contents
	// of snap. All named collections are written together or not at all.
	Replace(ctx context.Context, snap *Snapshot, which Collection) error

	Close() error
}

// Snapshot is an in-memory copy of every collection, loaded for a single
// view or mutation.
type Snapshot struct {
	Users  []model.User
	Tasks  []model.Task
	Events []model.Event

	dirty Collection
}

// Touch records that collections in c were modified and must be written.
func (s *Snapshot) Touch(c Collection) {
	s.dirty |= c
}

// Dirty returns the collections touched since the snapshot was loaded.
func (s *Snapshot) Dirty() Collection {
	return s.dirty
}

// User returns a pointer into Users, or nil.
func (s *Snapshot) User(id int64) *model.User {
	for i := range s.Users {
		if s.Users[i].ID == id {
			return &s.Users[i]
		}
	}
	return nil
}

// UserByUsername matches case-insensitively and ignores a leading '@'.
func (s *Snapshot) UserByUsername(username string) *model.User {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	for i := range s.Users {
		if strings.EqualFold(s.Users[i].Username, username) {
			return &s.Users[i]
		}
	}
	return nil
}

// Task returns a pointer into Tasks, or nil.
func (s *Snapshot) Task(id int) *model.Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// Event returns a pointer into Events, or nil.
func (s *Snapshot) Event(id int) *model.Event {
	for i := range s.Events {
		if s.Events[i].ID == id {
			return &s.Events[i]
		}
	}
	return nil
}

// NextEventID is one more than the largest event id in use.
func (s *Snapshot) NextEventID() int {
	max := 0
	for _, e := range s.Events {
		if e.ID > max {
			max = e.ID
		}
	}
	return max + 1
}

// RemoveEvents drops every event for which drop returns true and reports how
// many were removed. Events is touched only when something was removed.
func (s *Snapshot) RemoveEvents(drop func(e *model.Event) bool) int {
	kept := s.Events[:0]
	removed := 0
	for i := range s.Events {
		if drop(&s.Events[i]) {
			removed++
			continue
		}
		kept = append(kept, s.Events[i])
	}
	s.Events = kept
	if removed > 0 {
		s.Touch(CollectionEvents)
	}
	return removed
}

// RemoveTask drops the task with id and reports whether it existed.
func (s *Snapshot) RemoveTask(id int) bool {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			s.Tasks = append(s.Tasks[:i], s.Tasks[i+1:]...)
			s.Touch(CollectionTasks)
			return true
		}
	}
	return false
}
