// Package service holds the admin and member operations behind the bot
// commands that are not part of the reservation conversation.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/taskbot/internal/gateway"
	"github.com/nhle/taskbot/internal/ledger"
	"github.com/nhle/taskbot/internal/model"
	"github.com/nhle/taskbot/internal/store"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrTaskNotFound  = errors.New("task not found")
	ErrEventNotFound = errors.New("event not found")
	ErrInvalidEvent  = errors.New("invalid event")
)

// DefaultUpcomingLimit is how many events UpcomingEvents returns by default.
const DefaultUpcomingLimit = 5

// Service implements the non-conversational bot operations.
type Service struct {
	repo   *store.Repository
	ledger *ledger.Ledger
	gw     gateway.Gateway
	log    logrus.FieldLogger
	now    func() time.Time
}

// New creates a Service. A nil now uses time.Now.
func New(
	repo *store.Repository,
	led *ledger.Ledger,
	gw gateway.Gateway,
	log logrus.FieldLogger,
	now func() time.Time,
) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, ledger: led, gw: gw, log: log, now: now}
}

// Member looks up a registered member.
func (s *Service) Member(ctx context.Context, userID int64) store.Lookup[model.User] {
	return s.repo.FindUser(ctx, userID)
}

// EventInput describes a new event.
type EventInput struct {
	Kind        model.EventKind
	Title       string
	Description string
	Datetime    string
}

// ParseEventInput reads "kind;title;description;datetime".
func ParseEventInput(raw string) (EventInput, error) {
	parts := strings.Split(raw, ";")
	if len(parts) < 4 {
		return EventInput{}, fmt.Errorf("%w: expected kind;title;description;datetime", ErrInvalidEvent)
	}
	return EventInput{
		Kind:        model.EventKind(strings.ToLower(strings.TrimSpace(parts[0]))),
		Title:       strings.TrimSpace(parts[1]),
		Description: strings.TrimSpace(parts[2]),
		Datetime:    strings.TrimSpace(parts[3]),
	}, nil
}

// AddEvent stores a new public event with reminders enabled.
func (s *Service) AddEvent(ctx context.Context, in EventInput) (model.Event, error) {
	if in.Kind == "" || in.Title == "" {
		return model.Event{}, fmt.Errorf("%w: kind and title are required", ErrInvalidEvent)
	}
	if _, err := model.ParseTimestamp(in.Datetime); err != nil {
		return model.Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	var created model.Event
	err := s.repo.Mutate(ctx, func(snap *store.Snapshot) error {
		created = model.Event{
			ID:          snap.NextEventID(),
			Kind:        in.Kind,
			Title:       in.Title,
			Description: in.Description,
			Datetime:    in.Datetime,
			NotifyUsers: true,
		}
		snap.Events = append(snap.Events, created)
		snap.Touch(store.CollectionEvents)
		return nil
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("adding event: %w", err)
	}

	s.log.WithFields(logrus.Fields{"event_id": created.ID, "kind": created.Kind}).Info("event added")
	return created, nil
}

// NotifyEvent broadcasts one event to its audience right away.
func (s *Service) NotifyEvent(ctx context.Context, eventID int) (gateway.Delivery, error) {
	lookup := s.repo.FindEvent(ctx, eventID)
	switch lookup.Outcome {
	case store.StoreError:
		return gateway.Delivery{}, lookup.Err
	case store.NotFound:
		return gateway.Delivery{}, fmt.Errorf("event %d: %w", eventID, ErrEventNotFound)
	}
	e := lookup.Record
	at, err := e.Time()
	if err != nil {
		return gateway.Delivery{}, fmt.Errorf("event %d: %w: %w", eventID, ErrInvalidEvent, err)
	}
	text := FormatEvent(&e, at)

	audience := e.Users
	if !e.Personal {
		err := s.repo.View(ctx, func(snap *store.Snapshot) error {
			audience = e.Audience(snap.Users)
			return nil
		})
		if err != nil {
			return gateway.Delivery{}, err
		}
	}

	d := s.gw.SendToAudience(ctx, audience, text)
	s.log.WithFields(logrus.Fields{
		"event_id": eventID,
		"sent":     d.Sent,
		"failed":   d.Failed,
	}).Info("event broadcast")
	return d, nil
}

// UpcomingEvents returns up to limit future events visible to the member,
// soonest first. Events with an unreadable datetime are left out.
func (s *Service) UpcomingEvents(ctx context.Context, userID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = DefaultUpcomingLimit
	}
	now := s.now()

	type dated struct {
		at time.Time
		ev model.Event
	}
	var upcoming []dated
	err := s.repo.View(ctx, func(snap *store.Snapshot) error {
		for _, e := range snap.Events {
			at, err := e.Time()
			if err != nil || at.Before(now) || !e.VisibleTo(userID) {
				continue
			}
			upcoming = append(upcoming, dated{at: at, ev: e})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(upcoming, func(i, j int) bool { return upcoming[i].at.Before(upcoming[j].at) })
	if len(upcoming) > limit {
		upcoming = upcoming[:limit]
	}
	out := make([]model.Event, len(upcoming))
	for i, u := range upcoming {
		out[i] = u.ev
	}
	return out, nil
}

// GivePoints credits amount in project to the member with username.
func (s *Service) GivePoints(ctx context.Context, username, project string, amount int) (model.User, error) {
	u, err := s.PointsByUsername(ctx, username)
	if err != nil {
		return model.User{}, err
	}
	if err := s.ledger.AddPoints(ctx, u.ID, project, amount); err != nil {
		return model.User{}, err
	}
	return s.PointsOf(ctx, u.ID)
}

// PointsOf returns the member record holding points and percent rates.
func (s *Service) PointsOf(ctx context.Context, userID int64) (model.User, error) {
	lookup := s.repo.FindUser(ctx, userID)
	switch lookup.Outcome {
	case store.Found:
		return lookup.Record, nil
	case store.NotFound:
		return model.User{}, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	default:
		return model.User{}, lookup.Err
	}
}

// PointsByUsername is PointsOf keyed by username.
func (s *Service) PointsByUsername(ctx context.Context, username string) (model.User, error) {
	var found *model.User
	err := s.repo.View(ctx, func(snap *store.Snapshot) error {
		if u := snap.UserByUsername(username); u != nil {
			cp := *u
			found = &cp
		}
		return nil
	})
	if err != nil {
		return model.User{}, err
	}
	if found == nil {
		return model.User{}, fmt.Errorf("user %q: %w", username, ErrUserNotFound)
	}
	return *found, nil
}

// MyTasks lists the tasks the member currently holds.
func (s *Service) MyTasks(ctx context.Context, userID int64) ([]model.Task, error) {
	var tasks []model.Task
	err := s.repo.View(ctx, func(snap *store.Snapshot) error {
		for _, t := range snap.Tasks {
			if t.ReservedBy != nil && *t.ReservedBy == userID {
				tasks = append(tasks, t)
			}
		}
		return nil
	})
	return tasks, err
}

// TaskFilter selects tasks in SearchTasks.
type TaskFilter string

const (
	FilterAll        TaskFilter = ""
	FilterReserved   TaskFilter = "reserved"
	FilterUnreserved TaskFilter = "unreserved"
	FilterDeadline   TaskFilter = "deadline"
)

// ParseTaskFilter maps a command argument to a filter. Unknown values
// select every task.
func ParseTaskFilter(arg string) TaskFilter {
	switch f := TaskFilter(strings.ToLower(strings.TrimSpace(arg))); f {
	case FilterReserved, FilterUnreserved, FilterDeadline:
		return f
	default:
		return FilterAll
	}
}

// SearchTasks lists tasks by filter. FilterDeadline returns every task
// ordered by deadline, tasks without one first.
func (s *Service) SearchTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	var tasks []model.Task
	err := s.repo.View(ctx, func(snap *store.Snapshot) error {
		for _, t := range snap.Tasks {
			switch filter {
			case FilterReserved:
				if !t.Reserved() {
					continue
				}
			case FilterUnreserved:
				if t.Reserved() {
					continue
				}
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if filter == FilterDeadline {
		sort.SliceStable(tasks, func(i, j int) bool {
			a, b := tasks[i].Deadline, tasks[j].Deadline
			switch {
			case a == nil:
				return b != nil
			case b == nil:
				return false
			default:
				return a.Before(*b)
			}
		})
	}
	return tasks, nil
}

// DoneResult reports what MarkTaskDone removed.
type DoneResult struct {
	Task          model.Task
	EventsRemoved int

	// NotifyErr is set when the former owner could not be told.
	NotifyErr error
}

// MarkTaskDone deletes a finished task with its events, frees the owner's
// slot and thanks the owner.
func (s *Service) MarkTaskDone(ctx context.Context, taskID int) (DoneResult, error) {
	lookup := s.repo.FindTask(ctx, taskID)
	switch lookup.Outcome {
	case store.StoreError:
		return DoneResult{}, lookup.Err
	case store.NotFound:
		return DoneResult{}, fmt.Errorf("task %d: %w", taskID, ErrTaskNotFound)
	}

	var res DoneResult
	err := s.repo.Mutate(ctx, func(snap *store.Snapshot) error {
		t := snap.Task(taskID)
		if t == nil {
			return fmt.Errorf("task %d: %w", taskID, ErrTaskNotFound)
		}
		res.Task = *t

		snap.RemoveTask(taskID)
		res.EventsRemoved = snap.RemoveEvents(func(e *model.Event) bool {
			return e.TaskID != nil && *e.TaskID == taskID
		})
		for i := range snap.Users {
			if snap.Users[i].ReleaseTask(taskID) {
				snap.Touch(store.CollectionUsers)
			}
		}
		return nil
	})
	if err != nil {
		return DoneResult{}, err
	}

	log := s.log.WithField("task_id", taskID)
	log.Info("task marked done")

	if owner := res.Task.ReservedBy; owner != nil {
		text := fmt.Sprintf("Task %q (#%d) is marked as done. Thank you for your work!", res.Task.Title, taskID)
		if err := s.gw.SendToUser(ctx, *owner, text); err != nil {
			log.WithField("user_id", *owner).WithError(err).Warn("notifying task owner failed")
			res.NotifyErr = err
		}
	}
	return res, nil
}

// DeleteEvent removes an event by id.
func (s *Service) DeleteEvent(ctx context.Context, eventID int) error {
	err := s.repo.Mutate(ctx, func(snap *store.Snapshot) error {
		if snap.RemoveEvents(func(e *model.Event) bool { return e.ID == eventID }) == 0 {
			return fmt.Errorf("event %d: %w", eventID, ErrEventNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithField("event_id", eventID).Info("event deleted")
	return nil
}

// FormatEvent renders an event announcement.
func FormatEvent(e *model.Event, at time.Time) string {
	text := fmt.Sprintf("%s\n\nWhen: %s", e.Title, at.Format("2 Jan 2006 15:04"))
	if e.Description != "" {
		text += "\n\n" + e.Description
	}
	return text
}
