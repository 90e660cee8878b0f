package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/taskbot/internal/model"
)

// newTestMongoStore connects to TASKBOT_MONGO_URI, a replica set member,
// using a throwaway database that is dropped when the test ends.
func newTestMongoStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := os.Getenv("TASKBOT_MONGO_URI")
	if uri == "" {
		t.Skip("TASKBOT_MONGO_URI not set")
	}

	ctx := context.Background()
	s, err := NewMongoStore(ctx, uri, "taskbot_test_"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("connecting to mongo: %v", err)
	}
	t.Cleanup(func() {
		if err := s.db.Drop(context.Background()); err != nil {
			t.Errorf("dropping test database: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("closing mongo store: %v", err)
		}
	})
	return s
}

func TestMongoReplaceRoundTrip(t *testing.T) {
	s := newTestMongoStore(t)
	ctx := context.Background()

	owner := int64(42)
	taskID := 7
	deadline := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	snap := &Snapshot{
		Users: []model.User{
			{ID: owner, Username: "ann", Roles: []string{"backend"}, Points: map[string]int{"P1": 10}, ReservedTasks: []int{taskID}},
			{ID: 43, Username: "bob"},
		},
		Tasks: []model.Task{
			{ID: taskID, Project: "P1", Title: "API", Type: "backend", Deadline: &deadline, ReservedBy: &owner},
			{ID: 8, Project: "P1", Title: "Docs"},
		},
		Events: []model.Event{
			{ID: 1, Kind: model.EventKindDeadline, Datetime: model.FormatTimestamp(deadline), Personal: true, Users: []int64{owner}, TaskID: &taskID},
		},
	}
	if err := s.Replace(ctx, snap, AllCollections); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	users, err := s.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 2 || users[0].Points["P1"] != 10 || len(users[1].ReservedTasks) != 0 {
		t.Fatalf("users = %+v", users)
	}

	tasks, err := s.Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ReservedBy == nil || *tasks[0].ReservedBy != owner {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].Deadline == nil || !tasks[0].Deadline.Equal(deadline) {
		t.Fatalf("deadline = %v, want %v", tasks[0].Deadline, deadline)
	}
	if tasks[1].ReservedBy != nil || tasks[1].Deadline != nil {
		t.Fatalf("free task came back reserved: %+v", tasks[1])
	}

	events, err := s.Events(ctx)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].TaskID == nil || *events[0].TaskID != taskID {
		t.Fatalf("events = %+v", events)
	}
}

func TestMongoReplaceWithEmptyCollection(t *testing.T) {
	s := newTestMongoStore(t)
	ctx := context.Background()

	seed := &Snapshot{
		Users:  []model.User{{ID: 1, Username: "ann"}},
		Events: []model.Event{{ID: 1, Title: "Sync"}},
	}
	if err := s.Replace(ctx, seed, AllCollections); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	if err := s.Replace(ctx, &Snapshot{}, CollectionEvents); err != nil {
		t.Fatalf("clearing events: %v", err)
	}

	events, err := s.Events(ctx)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none", events)
	}
	users, err := s.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users were rewritten: %+v", users)
	}
}
