// Package reservation implements the conversation through which a member
// picks a project, picks a task and confirms taking it.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nhle/taskbot/internal/model"
	"github.com/nhle/taskbot/internal/store"
)

// State errors raised while committing a reservation.
var (
	ErrUnknownMember    = errors.New("member not registered")
	ErrCapacityExceeded = errors.New("reservation limit reached")
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskTaken        = errors.New("task already reserved")
	ErrTaskNotOffered   = errors.New("task not offered to member")
)

// Options tune a Workflow.
type Options struct {
	// Projects is offered at the start. When empty, the distinct projects
	// of all stored tasks are offered instead.
	Projects []string

	SessionTTL           time.Duration
	DefaultEstimatedDays int

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Workflow runs reservation conversations, one per member.
type Workflow struct {
	repo        *store.Repository
	log         logrus.FieldLogger
	projects    []string
	ttl         time.Duration
	defaultDays int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[int64]*Session
}

// New creates a Workflow.
func New(repo *store.Repository, log logrus.FieldLogger, opts Options) *Workflow {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 15 * time.Minute
	}
	if opts.DefaultEstimatedDays <= 0 {
		opts.DefaultEstimatedDays = model.DefaultEstimatedDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Workflow{
		repo:        repo,
		log:         log,
		projects:    opts.Projects,
		ttl:         opts.SessionTTL,
		defaultDays: opts.DefaultEstimatedDays,
		now:         opts.Now,
		sessions:    make(map[int64]*Session),
	}
}

// Begin starts (or restarts) a conversation for userID. A member who is
// unknown or already at the reservation limit is turned away at once.
func (w *Workflow) Begin(ctx context.Context, userID int64) Outcome {
	w.mu.Lock()
	delete(w.sessions, userID)
	w.mu.Unlock()

	log := w.log.WithField("user_id", userID)

	lookup := w.repo.FindUser(ctx, userID)
	switch lookup.Outcome {
	case store.StoreError:
		log.WithError(lookup.Err).Error("reservation: loading member failed")
		return ended(ResultStoreError, "The team registry is unavailable right now. Try again later.")
	case store.NotFound:
		return ended(ResultUnknownMember, "You are not in the team registry.")
	}
	if len(lookup.Record.ReservedTasks) >= model.MaxReservedTasks {
		return ended(ResultCapacityExceeded, capacityMessage())
	}

	projects, err := w.offeredProjects(ctx)
	if err != nil {
		log.WithError(err).Error("reservation: listing projects failed")
		return ended(ResultStoreError, "The task list is unavailable right now. Try again later.")
	}

	s := &Session{
		ID:        uuid.New().String(),
		State:     StateSelectProject,
		UserID:    userID,
		ExpiresAt: w.now().Add(w.ttl),
	}
	w.mu.Lock()
	w.sessions[userID] = s
	w.mu.Unlock()
	log.WithField("session_id", s.ID).Debug("reservation started")

	out := awaiting(s, "Choose a project:")
	out.Choices = projects
	return out
}

// Submit feeds one line of member input into their conversation. The step
// runs on a copy of the session; the copy replaces the stored session only
// if the conversation was not restarted or cancelled meanwhile.
func (w *Workflow) Submit(ctx context.Context, userID int64, text string) Outcome {
	w.mu.Lock()
	live, ok := w.sessions[userID]
	if !ok || w.now().After(live.ExpiresAt) {
		delete(w.sessions, userID)
		w.mu.Unlock()
		return ended(ResultNoSession, "No reservation in progress. Use /get_task to start one.")
	}
	live.ExpiresAt = w.now().Add(w.ttl)
	s := *live
	w.mu.Unlock()

	var out Outcome
	switch s.State {
	case StateSelectProject:
		out = w.selectProject(ctx, &s, text)
	case StateSelectTask:
		out = w.selectTask(&s, text)
	case StateConfirm:
		out = w.confirm(ctx, &s, text)
	default:
		out = ended(ResultNoSession, "No reservation in progress. Use /get_task to start one.")
	}

	w.mu.Lock()
	if cur, ok := w.sessions[userID]; ok && cur.ID == s.ID {
		if out.Done() {
			delete(w.sessions, userID)
		} else {
			s.ExpiresAt = cur.ExpiresAt
			*cur = s
		}
	}
	w.mu.Unlock()

	if out.Done() {
		w.log.WithFields(logrus.Fields{
			"user_id":    userID,
			"session_id": s.ID,
			"result":     out.Result.String(),
		}).Info("reservation ended")
	}
	return out
}

// Cancel drops the member's conversation and reports whether one existed.
func (w *Workflow) Cancel(userID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.sessions[userID]
	delete(w.sessions, userID)
	return ok
}

// Active returns a copy of the member's live session.
func (w *Workflow) Active(userID int64) (Session, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.sessions[userID]
	if !ok || w.now().After(s.ExpiresAt) {
		return Session{}, false
	}
	return *s, true
}

// Sweep drops expired sessions and returns how many were removed.
func (w *Workflow) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	removed := 0
	for id, s := range w.sessions {
		if now.After(s.ExpiresAt) {
			delete(w.sessions, id)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps expired sessions every interval until ctx is done.
func (w *Workflow) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := w.Sweep(); n > 0 {
				w.log.WithField("count", n).Debug("expired reservation sessions removed")
			}
		}
	}
}

func (w *Workflow) selectProject(ctx context.Context, s *Session, text string) Outcome {
	// Any text is taken as the project name; filtering decides the rest.
	project := strings.TrimSpace(text)
	if project == "" {
		return ended(ResultInvalidInput, "No project given. Reservation stopped.")
	}

	var (
		tasks  []model.Task
		member bool
	)
	err := w.repo.View(ctx, func(snap *store.Snapshot) error {
		u := snap.User(s.UserID)
		if u == nil {
			return nil
		}
		member = true
		tasks = Available(snap.Tasks, project, u)
		return nil
	})
	if err != nil {
		w.log.WithField("user_id", s.UserID).WithError(err).Error("reservation: listing tasks failed")
		return ended(ResultStoreError, "The task list is unavailable right now. Try again later.")
	}
	if !member {
		return ended(ResultUnknownMember, "You are not in the team registry.")
	}
	if len(tasks) == 0 {
		return ended(ResultNoTasks, "There are no missions available for your role right now.")
	}

	s.Project = project
	s.State = StateSelectTask

	out := awaiting(s, formatTaskList(tasks)+"\nSend the number of the task you want to take.")
	out.Tasks = tasks
	return out
}

func (w *Workflow) selectTask(s *Session, text string) Outcome {
	id, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(text), "#"))
	if err != nil {
		return awaiting(s, "Please send a valid task number.")
	}

	s.TaskID = id
	s.State = StateConfirm
	return awaiting(s, fmt.Sprintf("Are you sure you want to take task #%d? Answer yes or no.", id))
}

func (w *Workflow) confirm(ctx context.Context, s *Session, text string) Outcome {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes":
	case "no":
		return ended(ResultCancelled, "Selection cancelled.")
	default:
		return ended(ResultInvalidInput, "Expected yes or no. Reservation stopped.")
	}

	var (
		held     int
		escalate bool
		reserved model.Task
		now      = w.now()
		log      = w.log.WithFields(logrus.Fields{"user_id": s.UserID, "task_id": s.TaskID})
	)
	err := w.repo.Mutate(ctx, func(snap *store.Snapshot) error {
		u := snap.User(s.UserID)
		if u == nil {
			return ErrUnknownMember
		}
		held = len(u.ReservedTasks)
		if held >= model.MaxReservedTasks {
			return ErrCapacityExceeded
		}
		if task := snap.Task(s.TaskID); task != nil && !task.Reserved() &&
			(task.Project != s.Project || !u.HasRole(task.Type)) {
			return fmt.Errorf("task %d: %w", s.TaskID, ErrTaskNotOffered)
		}
		if held > 0 && !s.ConfirmedOnce {
			escalate = true
			return nil
		}

		task, _, err := Commit(snap, s.UserID, s.TaskID, now, w.defaultDays)
		if err != nil {
			return err
		}
		reserved = *task
		return nil
	})

	switch {
	case err == nil && escalate:
		s.ConfirmedOnce = true
		return awaiting(s, fmt.Sprintf(
			"You already hold %d task(s). Taking task #%d adds to your load. Send yes again to confirm, or no to cancel.",
			held, s.TaskID,
		))
	case err == nil:
		log.Info("task reserved")
		out := ended(ResultReserved, fmt.Sprintf(
			"Task #%d %q is yours. Deadline: %s. Good luck!",
			reserved.ID, reserved.Title, reserved.Deadline.Format("2 Jan 2006 15:04"),
		))
		out.Task = &reserved
		return out
	case errors.Is(err, ErrCapacityExceeded):
		return ended(ResultCapacityExceeded, capacityMessage())
	case errors.Is(err, ErrUnknownMember):
		return ended(ResultUnknownMember, "You are not in the team registry.")
	case errors.Is(err, ErrTaskNotFound):
		return ended(ResultTaskUnavailable, fmt.Sprintf("Task #%d does not exist.", s.TaskID))
	case errors.Is(err, ErrTaskTaken):
		return ended(ResultTaskUnavailable, fmt.Sprintf("Task #%d has already been taken.", s.TaskID))
	case errors.Is(err, ErrTaskNotOffered):
		return ended(ResultTaskUnavailable, fmt.Sprintf("Task #%d is not in the list offered to you.", s.TaskID))
	default:
		log.WithError(err).Error("reservation: commit failed")
		return ended(ResultStoreError, "Your reservation could not be saved and nothing was changed. Try again later.")
	}
}

// Commit binds taskID to userID inside snap: it sets the owner, generates
// a deadline if the task has none, records the task on the member and adds
// a personal deadline event. Running it again for the same pair changes
// nothing further.
func Commit(
	snap *store.Snapshot,
	userID int64,
	taskID int,
	now time.Time,
	defaultDays int,
) (*model.Task, *model.Event, error) {
	u := snap.User(userID)
	if u == nil {
		return nil, nil, ErrUnknownMember
	}
	task := snap.Task(taskID)
	if task == nil {
		return nil, nil, fmt.Errorf("task %d: %w", taskID, ErrTaskNotFound)
	}
	if task.ReservedBy != nil && *task.ReservedBy != userID {
		return nil, nil, fmt.Errorf("task %d: %w", taskID, ErrTaskTaken)
	}

	owner := userID
	task.ReservedBy = &owner
	if task.Deadline == nil {
		days := task.EstimatedDays
		if days <= 0 {
			days = defaultDays
		}
		deadline := now.Add(time.Duration(days) * 24 * time.Hour)
		task.Deadline = &deadline
	}
	if !u.HoldsTask(taskID) {
		u.ReservedTasks = append(u.ReservedTasks, taskID)
	}

	var event *model.Event
	for i := range snap.Events {
		e := &snap.Events[i]
		if e.Kind == model.EventKindDeadline && e.TaskID != nil && *e.TaskID == taskID {
			event = e
			break
		}
	}
	if event == nil {
		ref := taskID
		snap.Events = append(snap.Events, model.Event{
			ID:          snap.NextEventID(),
			Kind:        model.EventKindDeadline,
			Title:       fmt.Sprintf("Deadline for task #%d", taskID),
			Description: "Please finish your work on time.",
			Datetime:    model.FormatTimestamp(*task.Deadline),
			NotifyUsers: true,
			Personal:    true,
			Users:       []int64{userID},
			TaskID:      &ref,
		})
		event = &snap.Events[len(snap.Events)-1]
	}

	snap.Touch(store.AllCollections)
	return task, event, nil
}

// Available filters tasks down to those u may reserve in project: free,
// in that exact project, and of a type matching one of u's roles.
func Available(tasks []model.Task, project string, u *model.User) []model.Task {
	var out []model.Task
	for _, t := range tasks {
		if t.Project != project || t.Reserved() {
			continue
		}
		if !u.HasRole(t.Type) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (w *Workflow) offeredProjects(ctx context.Context) ([]string, error) {
	if len(w.projects) > 0 {
		return append([]string(nil), w.projects...), nil
	}

	seen := make(map[string]bool)
	var projects []string
	err := w.repo.View(ctx, func(snap *store.Snapshot) error {
		for _, t := range snap.Tasks {
			if t.Project != "" && !seen[t.Project] {
				seen[t.Project] = true
				projects = append(projects, t.Project)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(projects)
	return projects, nil
}

func capacityMessage() string {
	return fmt.Sprintf("You already hold %d tasks, the most a member can take.", model.MaxReservedTasks)
}

func formatTaskList(tasks []model.Task) string {
	var b strings.Builder
	b.WriteString("Available tasks:\n\n")
	for _, t := range tasks {
		deadline := "not set"
		if t.Deadline != nil {
			deadline = t.Deadline.Format("2 Jan 2006 15:04")
		}
		fmt.Fprintf(&b, "#%d %s\n%s\nRole: %s, points: %d, deadline: %s\n\n",
			t.ID, t.Title, t.Description, t.Type, t.Points, deadline)
	}
	return b.String()
}
