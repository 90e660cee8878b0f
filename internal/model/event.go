package model

import (
	"fmt"
	"strings"
	"time"
)

// EventKind distinguishes how the scheduler treats an event on expiry.
type EventKind string

const (
	EventKindMeeting  EventKind = "meeting"
	EventKindDeadline EventKind = "deadline"
)

// Event is a dated item members get reminded about.
type Event struct {
	ID          int       `json:"id" bson:"id"`
	Kind        EventKind `json:"type" bson:"type"`
	Title       string    `json:"title" bson:"title"`
	Description string    `json:"description" bson:"description"`

	// Datetime is kept in its ISO-8601 text form so a malformed record
	// can be loaded, reported and skipped instead of failing the load.
	Datetime string `json:"datetime" bson:"datetime"`

	NotifyUsers bool `json:"notify_users" bson:"notify_users"`

	// Personal restricts the audience to Users.
	Personal bool    `json:"personal,omitempty" bson:"personal,omitempty"`
	Users    []int64 `json:"users,omitempty" bson:"users,omitempty"`

	// TaskID back-references the reserved task of a deadline event.
	TaskID *int `json:"task_id,omitempty" bson:"task_id,omitempty"`

	Notified24h bool `json:"notified_24h" bson:"notified_24h"`
	Notified2h  bool `json:"notified_2h" bson:"notified_2h"`
}

// Time parses the event timestamp.
func (e *Event) Time() (time.Time, error) {
	return ParseTimestamp(e.Datetime)
}

// Audience resolves the member ids an event is addressed to.
func (e *Event) Audience(users []User) []int64 {
	if e.Personal {
		return append([]int64(nil), e.Users...)
	}
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids
}

// VisibleTo reports whether a member may see the event.
func (e *Event) VisibleTo(userID int64) bool {
	if !e.Personal {
		return true
	}
	for _, id := range e.Users {
		if id == userID {
			return true
		}
	}
	return false
}

// timestampLayouts are tried in order. Zone-less values are read as local time.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp reads an ISO-8601 timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for i, layout := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if i == 0 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// FormatTimestamp renders t in the persisted ISO-8601 form.
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}
