package reservation

import (
	"time"

	"github.com/nhle/taskbot/internal/model"
)

// State is a step of the reservation conversation.
type State int

const (
	// StateEnded is the zero state: the conversation is over.
	StateEnded State = iota
	StateSelectProject
	StateSelectTask
	StateConfirm
)

func (s State) String() string {
	switch s {
	case StateSelectProject:
		return "select-project"
	case StateSelectTask:
		return "select-task"
	case StateConfirm:
		return "confirm"
	default:
		return "ended"
	}
}

// Session is the conversation state of one member.
type Session struct {
	ID     string
	State  State
	UserID int64

	Project string
	TaskID  int

	// ConfirmedOnce is set by the first "yes" from a member who already
	// holds tasks; the next "yes" commits.
	ConfirmedOnce bool

	ExpiresAt time.Time
}

// Result says how a conversation ended.
type Result int

const (
	// ResultPending means the conversation is still waiting for input.
	ResultPending Result = iota
	ResultReserved
	ResultCancelled
	ResultCapacityExceeded
	ResultUnknownMember
	ResultNoTasks
	ResultInvalidInput
	ResultTaskUnavailable
	ResultNoSession
	ResultStoreError
)

func (r Result) String() string {
	switch r {
	case ResultPending:
		return "pending"
	case ResultReserved:
		return "reserved"
	case ResultCancelled:
		return "cancelled"
	case ResultCapacityExceeded:
		return "capacity-exceeded"
	case ResultUnknownMember:
		return "unknown-member"
	case ResultNoTasks:
		return "no-tasks"
	case ResultInvalidInput:
		return "invalid-input"
	case ResultTaskUnavailable:
		return "task-unavailable"
	case ResultNoSession:
		return "no-session"
	default:
		return "store-error"
	}
}

// Outcome is the reply to Begin or Submit: either the conversation awaits
// more input in Awaiting, or it ended with Result.
type Outcome struct {
	Awaiting State
	Result   Result
	Message  string

	// Choices lists the projects offered in StateSelectProject.
	Choices []string

	// Tasks lists the tasks offered in StateSelectTask.
	Tasks []model.Task

	// Task is the reserved task when Result is ResultReserved.
	Task *model.Task

	SessionID string
}

// Done reports whether the conversation has ended.
func (o Outcome) Done() bool {
	return o.Awaiting == StateEnded
}

func awaiting(s *Session, msg string) Outcome {
	return Outcome{Awaiting: s.State, Message: msg, SessionID: s.ID}
}

func ended(r Result, msg string) Outcome {
	return Outcome{Awaiting: StateEnded, Result: r, Message: msg}
}
