package scheduler

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/taskbot/internal/gateway"
	"github.com/nhle/taskbot/internal/model"
	"github.com/nhle/taskbot/internal/store"
)

// Reminder windows, measured from now to the event time. Both bounds are
// inclusive.
const (
	dayWindowMin  = 23 * time.Hour
	dayWindowMax  = 25 * time.Hour
	soonWindowMin = 90 * time.Minute
	soonWindowMax = 150 * time.Minute
)

// Notice is a message a pass decided to send.
type Notice struct {
	EventID  int
	Audience []int64
	Text     string
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	Reminders24h int
	Reminders2h  int
	Started      int
	Expired      int
	Released     int
	Removed      int
	Skipped      int

	Persisted bool
	Delivery  gateway.Delivery
}

// Changed reports whether the pass modified any record.
func (r PassResult) Changed() bool {
	return r.Reminders24h+r.Reminders2h+r.Removed+r.Released > 0
}

// Reconcile applies one pass to snap at time now. It sets reminder flags,
// releases tasks whose deadline passed and drops expired events, and
// returns the notices to send once the changes are saved. When anything
// changed, all three collections are marked for saving.
func Reconcile(snap *store.Snapshot, now time.Time, log logrus.FieldLogger) ([]Notice, PassResult) {
	var (
		notices []Notice
		res     PassResult
		expired = make(map[int]bool)
	)

	for i := range snap.Events {
		e := &snap.Events[i]
		elog := log.WithField("event_id", e.ID)

		at, err := e.Time()
		if err != nil {
			elog.WithError(err).Warn("skipping event with malformed datetime")
			res.Skipped++
			continue
		}

		// Expiry applies to every event; notify_users only gates the notice.
		if !now.Before(at) {
			expired[e.ID] = true
			res.Expired++
			if n, ok := expire(snap, e, &res, elog); ok {
				notices = append(notices, n)
			}
			continue
		}

		if !e.NotifyUsers {
			continue
		}
		d := at.Sub(now)
		if !e.Notified24h && d >= dayWindowMin && d <= dayWindowMax {
			e.Notified24h = true
			res.Reminders24h++
			notices = append(notices, Notice{
				EventID:  e.ID,
				Audience: e.Audience(snap.Users),
				Text:     reminderText(e, at, "24 hours"),
			})
		}
		if !e.Notified2h && d >= soonWindowMin && d <= soonWindowMax {
			e.Notified2h = true
			res.Reminders2h++
			notices = append(notices, Notice{
				EventID:  e.ID,
				Audience: e.Audience(snap.Users),
				Text:     reminderText(e, at, "2 hours"),
			})
		}
	}

	if len(expired) > 0 {
		res.Removed = snap.RemoveEvents(func(e *model.Event) bool { return expired[e.ID] })
	}
	if res.Changed() {
		snap.Touch(store.AllCollections)
	}
	return notices, res
}

// expire handles an event whose time has come. A deadline event frees
// its task before the notice is composed.
func expire(snap *store.Snapshot, e *model.Event, res *PassResult, log logrus.FieldLogger) (Notice, bool) {
	var text string
	switch e.Kind {
	case model.EventKindMeeting:
		res.Started++
		text = fmt.Sprintf("The meeting %q has started.", e.Title)
	case model.EventKindDeadline:
		taskID := 0
		if e.TaskID != nil {
			taskID = *e.TaskID
			if releaseTask(snap, taskID) {
				res.Released++
				log.WithField("task_id", taskID).Info("deadline passed, task released")
			}
		}
		text = fmt.Sprintf("The deadline %q has passed.", e.Title)
		if taskID != 0 {
			text += fmt.Sprintf(" Task #%d is no longer reserved.", taskID)
		}
	default:
		return Notice{}, false
	}

	if !e.NotifyUsers {
		return Notice{}, false
	}
	return Notice{EventID: e.ID, Audience: e.Audience(snap.Users), Text: text}, true
}

// releaseTask removes taskID from its owner's holdings, then clears the
// task's owner and deadline. It reports whether the task was reserved.
func releaseTask(snap *store.Snapshot, taskID int) bool {
	task := snap.Task(taskID)
	if task == nil || task.ReservedBy == nil {
		return false
	}
	if owner := snap.User(*task.ReservedBy); owner != nil {
		owner.ReleaseTask(taskID)
	}
	task.Release()
	return true
}

func reminderText(e *model.Event, at time.Time, lead string) string {
	when := at.Format("2 Jan 2006 15:04")
	var text string
	switch e.Kind {
	case model.EventKindDeadline:
		text = fmt.Sprintf("Reminder: the deadline %q is in %s (%s).", e.Title, lead, when)
	case model.EventKindMeeting:
		text = fmt.Sprintf("Reminder: the meeting %q starts in %s (%s).", e.Title, lead, when)
	default:
		text = fmt.Sprintf("Reminder: %q is in %s (%s).", e.Title, lead, when)
	}
	if e.Description != "" {
		text += "\n" + e.Description
	}
	return text
}
