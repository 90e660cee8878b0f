package model

import "time"

// DefaultEstimatedDays is used when a task carries no usable estimate.
const DefaultEstimatedDays = 7

// Task is a unit of project work that one member can reserve.
type Task struct {
	ID          int    `json:"id" bson:"id"`
	Project     string `json:"project" bson:"project"`
	Title       string `json:"title" bson:"title"`
	Description string `json:"description" bson:"description"`

	// Type is the role tag required to take the task.
	Type string `json:"type" bson:"type"`

	// Points is awarded to the member once the task is done.
	Points int `json:"points" bson:"points"`

	// EstimatedDays seeds the deadline when a reservation has none.
	EstimatedDays int `json:"estimated_days" bson:"estimated_days"`

	// Deadline is never nil while ReservedBy is set.
	Deadline *time.Time `json:"deadline" bson:"deadline"`

	// ReservedBy is the holding member's id, nil when the task is free.
	ReservedBy *int64 `json:"reserved_by" bson:"reserved_by"`
}

// Reserved reports whether some member holds the task.
func (t *Task) Reserved() bool {
	return t.ReservedBy != nil
}

// Release returns the task to the available pool.
func (t *Task) Release() {
	t.ReservedBy = nil
	t.Deadline = nil
}
