package model

import "strings"

// MaxReservedTasks is the most tasks a member may hold at once.
const MaxReservedTasks = 3

// RoleAdmin marks a member allowed to run administrative commands.
const RoleAdmin = "admin"

// User is a team member known to the bot.
type User struct {
	// ID is the stable numeric identifier (the member's chat id).
	ID int64 `json:"user_id" bson:"user_id"`

	FullName string `json:"full_name" bson:"full_name"`
	Username string `json:"username" bson:"username"`

	// Roles holds the role tags a member can take tasks for.
	Roles []string `json:"roles" bson:"roles"`

	// Points maps a project name to the member's point total in it.
	Points map[string]int `json:"points" bson:"points"`

	// PercentRate is derived from Points by the ledger; never edit by hand.
	PercentRate map[string]float64 `json:"percent_rate" bson:"percent_rate"`

	// ReservedTasks lists task ids in reservation order.
	ReservedTasks []int `json:"reserved_tasks" bson:"reserved_tasks"`
}

// HasRole reports whether the member carries role, ignoring case.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// HoldsTask reports whether taskID is in the member's reservations.
func (u *User) HoldsTask(taskID int) bool {
	for _, id := range u.ReservedTasks {
		if id == taskID {
			return true
		}
	}
	return false
}

// ReleaseTask drops taskID from the member's reservations.
// It reports whether anything was removed.
func (u *User) ReleaseTask(taskID int) bool {
	kept := u.ReservedTasks[:0]
	removed := false
	for _, id := range u.ReservedTasks {
		if id == taskID {
			removed = true
			continue
		}
		kept = append(kept, id)
	}
	u.ReservedTasks = kept
	return removed
}
