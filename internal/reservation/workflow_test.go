package reservation

import (
	"context"
	"errors"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/nhle/taskbot/internal/model"
	"github.com/nhle/taskbot/internal/store"
	"github.com/nhle/taskbot/tests/testutil"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func int64Ptr(v int64) *int64 { return &v }

func newWorkflowHarness(t *testing.T, snap *store.Snapshot) (*Workflow, *store.Repository, *clock) {
	t.Helper()
	repo := testutil.NewTestRepository(t)
	testutil.Seed(t, repo, snap)
	c := &clock{t: baseTime}
	logger, _ := logtest.NewNullLogger()
	wf := New(repo, logger, Options{
		Projects:   []string{"Starky Jungle"},
		SessionTTL: 10 * time.Minute,
		Now:        c.now,
	})
	return wf, repo, c
}

func seedSnapshot(reserved ...int) *store.Snapshot {
	snap := &store.Snapshot{
		Users: []model.User{
			{ID: 100, Username: "u", Roles: []string{"Artist"}, ReservedTasks: reserved},
			{ID: 200, Username: "other", Roles: []string{"coder"}},
		},
		Tasks: []model.Task{
			{ID: 7, Project: "Starky Jungle", Title: "Draw the map", Type: "artist", Points: 10, EstimatedDays: 14},
			{ID: 8, Project: "Starky Jungle", Title: "Write AI", Type: "coder", Points: 20, EstimatedDays: 5},
			{ID: 9, Project: "Other", Title: "Other art", Type: "artist", Points: 5, EstimatedDays: 3},
		},
		Events: []model.Event{
			{ID: 4, Kind: model.EventKindMeeting, Title: "Sync", Datetime: "2025-07-01T10:00:00Z", NotifyUsers: true},
		},
	}
	deadline := baseTime.Add(48 * time.Hour)
	for _, id := range reserved {
		snap.Tasks = append(snap.Tasks, model.Task{
			ID: id, Project: "Starky Jungle", Title: "held", Type: "artist",
			ReservedBy: int64Ptr(100), Deadline: &deadline,
		})
	}
	return snap
}

func mustAwait(t *testing.T, out Outcome, want State) {
	t.Helper()
	if out.Awaiting != want {
		t.Fatalf("expected to await %s, got %s (result %s: %q)", want, out.Awaiting, out.Result, out.Message)
	}
}

func mustEnd(t *testing.T, out Outcome, want Result) {
	t.Helper()
	if !out.Done() || out.Result != want {
		t.Fatalf("expected end with %s, got await=%s result=%s (%q)", want, out.Awaiting, out.Result, out.Message)
	}
}

func TestReserveTaskScenario(t *testing.T) {
	wf, repo, _ := newWorkflowHarness(t, seedSnapshot())
	ctx := context.Background()

	out := wf.Begin(ctx, 100)
	mustAwait(t, out, StateSelectProject)
	if len(out.Choices) != 1 || out.Choices[0] != "Starky Jungle" {
		t.Fatalf("unexpected choices %v", out.Choices)
	}

	out = wf.Submit(ctx, 100, "Starky Jungle")
	mustAwait(t, out, StateSelectTask)
	if len(out.Tasks) != 1 || out.Tasks[0].ID != 7 {
		t.Fatalf("expected only task 7 offered, got %+v", out.Tasks)
	}

	out = wf.Submit(ctx, 100, "seven")
	mustAwait(t, out, StateSelectTask)

	out = wf.Submit(ctx, 100, "7")
	mustAwait(t, out, StateConfirm)

	out = wf.Submit(ctx, 100, "YES")
	mustEnd(t, out, ResultReserved)

	snap := testutil.Load(t, repo)
	task := snap.Task(7)
	if task.ReservedBy == nil || *task.ReservedBy != 100 {
		t.Fatalf("task not reserved: %+v", task)
	}
	want := baseTime.Add(14 * 24 * time.Hour)
	if task.Deadline == nil || !task.Deadline.Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, task.Deadline)
	}
	u := snap.User(100)
	if len(u.ReservedTasks) != 1 || u.ReservedTasks[0] != 7 {
		t.Fatalf("unexpected reserved tasks %v", u.ReservedTasks)
	}

	ev := snap.Event(5)
	if ev == nil {
		t.Fatalf("expected deadline event with id 5, events: %+v", snap.Events)
	}
	if ev.Kind != model.EventKindDeadline || !ev.Personal || !ev.NotifyUsers {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.TaskID == nil || *ev.TaskID != 7 || len(ev.Users) != 1 || ev.Users[0] != 100 {
		t.Fatalf("unexpected event audience/task %+v", ev)
	}
	evTime, err := ev.Time()
	if err != nil || !evTime.Equal(want) {
		t.Fatalf("event time %v (%v), want %v", evTime, err, want)
	}

	if _, ok := wf.Active(100); ok {
		t.Fatalf("session must be gone after commit")
	}
}

func TestBeginRejectsMemberAtCapacity(t *testing.T) {
	wf, _, _ := newWorkflowHarness(t, seedSnapshot(20, 21, 22))

	out := wf.Begin(context.Background(), 100)
	mustEnd(t, out, ResultCapacityExceeded)
	if _, ok := wf.Active(100); ok {
		t.Fatalf("no session expected")
	}
}

func TestBeginRejectsUnknownMember(t *testing.T) {
	wf, _, _ := newWorkflowHarness(t, seedSnapshot())
	mustEnd(t, wf.Begin(context.Background(), 999), ResultUnknownMember)
}

func TestSecondConfirmationRequiredWhenHoldingTasks(t *testing.T) {
	wf, repo, _ := newWorkflowHarness(t, seedSnapshot(20))
	ctx := context.Background()

	mustAwait(t, wf.Begin(ctx, 100), StateSelectProject)
	mustAwait(t, wf.Submit(ctx, 100, "Starky Jungle"), StateSelectTask)
	mustAwait(t, wf.Submit(ctx, 100, "7"), StateConfirm)

	out := wf.Submit(ctx, 100, "yes")
	mustAwait(t, out, StateConfirm)
	if s, _ := wf.Active(100); !s.ConfirmedOnce {
		t.Fatalf("expected ConfirmedOnce after first yes")
	}
	if snap := testutil.Load(t, repo); snap.Task(7).Reserved() {
		t.Fatalf("single yes must not commit")
	}

	mustEnd(t, wf.Submit(ctx, 100, "Yes"), ResultReserved)
	snap := testutil.Load(t, repo)
	if got := snap.User(100).ReservedTasks; len(got) != 2 || got[1] != 7 {
		t.Fatalf("unexpected reserved tasks %v", got)
	}
}

func TestNoAfterEscalationCancels(t *testing.T) {
	wf, repo, _ := newWorkflowHarness(t, seedSnapshot(20, 21))
	ctx := context.Background()

	wf.Begin(ctx, 100)
	wf.Submit(ctx, 100, "Starky Jungle")
	wf.Submit(ctx, 100, "7")
	mustAwait(t, wf.Submit(ctx, 100, "yes"), StateConfirm)
	mustEnd(t, wf.Submit(ctx, 100, "no"), ResultCancelled)

	if testutil.Load(t, repo).Task(7).Reserved() {
		t.Fatalf("cancelled reservation must not commit")
	}
}

func TestCommitRejectedWhenCapacityReachedMeanwhile(t *testing.T) {
	wf, repo, _ := newWorkflowHarness(t, seedSnapshot(20, 21))
	ctx := context.Background()

	wf.Begin(ctx, 100)
	wf.Submit(ctx, 100, "Starky Jungle")
	wf.Submit(ctx, 100, "7")

	// A third task lands on the member before they confirm.
	testutil.Seed(t, repo, seedSnapshot(20, 21, 22))

	mustEnd(t, wf.Submit(ctx, 100, "yes"), ResultCapacityExceeded)
	snap := testutil.Load(t, repo)
	if snap.Task(7).Reserved() || len(snap.User(100).ReservedTasks) != 3 {
		t.Fatalf("commit at capacity must be rejected")
	}
}

func TestConfirmRejectsUnexpectedToken(t *testing.T) {
	wf, _, _ := newWorkflowHarness(t, seedSnapshot())
	ctx := context.Background()

	wf.Begin(ctx, 100)
	wf.Submit(ctx, 100, "Starky Jungle")
	wf.Submit(ctx, 100, "7")
	mustEnd(t, wf.Submit(ctx, 100, "maybe"), ResultInvalidInput)
	mustEnd(t, wf.Submit(ctx, 100, "yes"), ResultNoSession)
}

func TestNoMissionsForRoleOrProject(t *testing.T) {
	wf, _, _ := newWorkflowHarness(t, seedSnapshot())
	ctx := context.Background()

	wf.Begin(ctx, 100)
	mustEnd(t, wf.Submit(ctx, 100, "Unknown project"), ResultNoTasks)

	wf.Begin(ctx, 200)
	out := wf.Submit(ctx, 200, "Other")
	mustEnd(t, out, ResultNoTasks)
}

func TestArbitraryProjectTextIsAccepted(t *testing.T) {
	wf, _, _ := newWorkflowHarness(t, seedSnapshot())
	ctx := context.Background()

	// "Other" is not among the offered choices but still filters tasks.
	wf.Begin(ctx, 100)
	out := wf.Submit(ctx, 100, "Other")
	mustAwait(t, out, StateSelectTask)
	if len(out.Tasks) != 1 || out.Tasks[0].ID != 9 {
		t.Fatalf("unexpected tasks %+v", out.Tasks)
	}
}

func TestTaskTakenByAnotherMember(t *testing.T) {
	wf, repo, _ := newWorkflowHarness(t, seedSnapshot())
	ctx := context.Background()

	wf.Begin(ctx, 100)
	wf.Submit(ctx, 100, "Starky Jungle")
	wf.Submit(ctx, 100, "7")

	err := repo.Mutate(ctx, func(snap *store.Snapshot) error {
		_, _, err := Commit(snap, 200, 7, baseTime, 7)
		return err
	})
	if err != nil {
		t.Fatalf("reserving for other member: %v", err)
	}

	mustEnd(t, wf.Submit(ctx, 100, "yes"), ResultTaskUnavailable)
	if got := testutil.Load(t, repo).User(100).ReservedTasks; len(got) != 0 {
		t.Fatalf("member must not gain the task: %v", got)
	}
}

func TestTaskOutsideOfferedListRejected(t *testing.T) {
	wf, repo, _ := newWorkflowHarness(t, seedSnapshot())
	ctx := context.Background()

	// Task 8 needs the coder role, task 9 belongs to another project.
	for _, id := range []string{"8", "9"} {
		wf.Begin(ctx, 100)
		wf.Submit(ctx, 100, "Starky Jungle")
		mustAwait(t, wf.Submit(ctx, 100, id), StateConfirm)
		mustEnd(t, wf.Submit(ctx, 100, "yes"), ResultTaskUnavailable)
	}

	snap := testutil.Load(t, repo)
	if got := snap.User(100).ReservedTasks; len(got) != 0 {
		t.Fatalf("member must not gain unoffered tasks: %v", got)
	}
	if snap.Task(8).Reserved() || snap.Task(9).Reserved() {
		t.Fatalf("unoffered tasks must stay free")
	}
}

func TestMissingTaskAtCommit(t *testing.T) {
	wf, _, _ := newWorkflowHarness(t, seedSnapshot())
	ctx := context.Background()

	wf.Begin(ctx, 100)
	wf.Submit(ctx, 100, "Starky Jungle")
	wf.Submit(ctx, 100, "404")
	mustEnd(t, wf.Submit(ctx, 100, "yes"), ResultTaskUnavailable)
}

func TestSessionExpires(t *testing.T) {
	wf, _, c := newWorkflowHarness(t, seedSnapshot())
	ctx := context.Background()

	wf.Begin(ctx, 100)
	c.advance(11 * time.Minute)
	if n := wf.Sweep(); n != 1 {
		t.Fatalf("expected one expired session, got %d", n)
	}
	mustEnd(t, wf.Submit(ctx, 100, "Starky Jungle"), ResultNoSession)
}

func TestActivityExtendsSession(t *testing.T) {
	wf, _, c := newWorkflowHarness(t, seedSnapshot())
	ctx := context.Background()

	wf.Begin(ctx, 100)
	c.advance(8 * time.Minute)
	mustAwait(t, wf.Submit(ctx, 100, "Starky Jungle"), StateSelectTask)
	c.advance(8 * time.Minute)
	mustAwait(t, wf.Submit(ctx, 100, "7"), StateConfirm)
}

func TestBeginRestartsConversation(t *testing.T) {
	wf, _, _ := newWorkflowHarness(t, seedSnapshot())
	ctx := context.Background()

	wf.Begin(ctx, 100)
	wf.Submit(ctx, 100, "Starky Jungle")
	first, _ := wf.Active(100)

	mustAwait(t, wf.Begin(ctx, 100), StateSelectProject)
	second, ok := wf.Active(100)
	if !ok || second.State != StateSelectProject || second.ID == first.ID {
		t.Fatalf("expected a fresh session, got %+v", second)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	snap := seedSnapshot()
	existing := baseTime.Add(72 * time.Hour)
	snap.Task(7).Deadline = &existing

	if _, _, err := Commit(snap, 100, 7, baseTime, 7); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	later := baseTime.Add(5 * 24 * time.Hour)
	task, ev, err := Commit(snap, 100, 7, later, 7)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}

	if !task.Deadline.Equal(existing) {
		t.Fatalf("existing deadline overwritten: %v", task.Deadline)
	}
	if got := snap.User(100).ReservedTasks; len(got) != 1 {
		t.Fatalf("duplicate reservation entries: %v", got)
	}
	deadlineEvents := 0
	for _, e := range snap.Events {
		if e.Kind == model.EventKindDeadline {
			deadlineEvents++
		}
	}
	if deadlineEvents != 1 || ev.ID != 5 {
		t.Fatalf("expected one deadline event id 5, got %d (id %d)", deadlineEvents, ev.ID)
	}
	if snap.Dirty() != store.AllCollections {
		t.Fatalf("commit must touch every collection")
	}
}

func TestCommitUsesDefaultEstimate(t *testing.T) {
	snap := seedSnapshot()
	snap.Task(7).EstimatedDays = 0

	task, _, err := Commit(snap, 100, 7, baseTime, 7)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if want := baseTime.Add(7 * 24 * time.Hour); !task.Deadline.Equal(want) {
		t.Fatalf("expected %v, got %v", want, task.Deadline)
	}
}

type failingStore struct {
	store.Store
}

func (f failingStore) Replace(context.Context, *store.Snapshot, store.Collection) error {
	return errors.New("disk full")
}

func TestStoreFailureLeavesRecordsUntouched(t *testing.T) {
	inner := testutil.NewTestStore(t)
	repo := store.NewRepository(failingStore{Store: inner})
	if err := inner.Replace(context.Background(), seedSnapshot(), store.AllCollections); err != nil {
		t.Fatalf("seed: %v", err)
	}
	logger, hook := logtest.NewNullLogger()
	wf := New(repo, logger, Options{Projects: []string{"Starky Jungle"}, Now: func() time.Time { return baseTime }})
	ctx := context.Background()

	wf.Begin(ctx, 100)
	wf.Submit(ctx, 100, "Starky Jungle")
	wf.Submit(ctx, 100, "7")
	mustEnd(t, wf.Submit(ctx, 100, "yes"), ResultStoreError)

	tasks, _ := inner.Tasks(ctx)
	for _, task := range tasks {
		if task.ID == 7 && task.Reserved() {
			t.Fatalf("task must stay free after failed write")
		}
	}
	if hook.LastEntry() == nil {
		t.Fatalf("expected store failure to be logged")
	}
}

type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Users(ctx context.Context) ([]model.User, error) {
	if g.release != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.release
	}
	return g.Store.Users(ctx)
}

func TestCancelDuringStoreReadIsNotUndone(t *testing.T) {
	inner := testutil.NewTestStore(t)
	if err := inner.Replace(context.Background(), seedSnapshot(), store.AllCollections); err != nil {
		t.Fatalf("seed: %v", err)
	}
	gated := &gatedStore{Store: inner}
	logger, _ := logtest.NewNullLogger()
	wf := New(store.NewRepository(gated), logger, Options{
		Projects: []string{"Starky Jungle"},
		Now:      func() time.Time { return baseTime },
	})
	ctx := context.Background()

	mustAwait(t, wf.Begin(ctx, 100), StateSelectProject)

	gated.entered = make(chan struct{}, 1)
	gated.release = make(chan struct{})
	done := make(chan Outcome, 1)
	go func() { done <- wf.Submit(ctx, 100, "Starky Jungle") }()
	<-gated.entered

	// The store read is still in flight; session bookkeeping must not wait on it.
	if !wf.Cancel(100) {
		t.Fatalf("expected an active session to cancel")
	}
	close(gated.release)

	<-done
	if _, ok := wf.Active(100); ok {
		t.Fatalf("a cancelled conversation must not come back")
	}
}

func TestDerivedProjectsWhenNoneConfigured(t *testing.T) {
	repo := testutil.NewTestRepository(t)
	testutil.Seed(t, repo, seedSnapshot())
	logger, _ := logtest.NewNullLogger()
	wf := New(repo, logger, Options{})

	out := wf.Begin(context.Background(), 100)
	if len(out.Choices) != 2 || out.Choices[0] != "Other" || out.Choices[1] != "Starky Jungle" {
		t.Fatalf("unexpected derived projects %v", out.Choices)
	}
}
