// Package legacy reads the users.json, tasks.json and events.json files
// kept by earlier deployments of the bot.
package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/nhle/taskbot/internal/ledger"
	"github.com/nhle/taskbot/internal/model"
	"github.com/nhle/taskbot/internal/store"
)

// File names inside an import directory.
const (
	UsersFile  = "users.json"
	TasksFile  = "tasks.json"
	EventsFile = "events.json"
)

// Summary counts the imported records.
type Summary struct {
	Users  int
	Tasks  int
	Events int
}

// legacyUser accepts both a single points number and a per-project map.
type legacyUser struct {
	ID            int64           `json:"user_id"`
	FullName      string          `json:"full_name"`
	Username      string          `json:"username"`
	Roles         []string        `json:"roles"`
	Role          string          `json:"role"`
	Points        json.RawMessage `json:"points"`
	ReservedTasks []int           `json:"reserved_tasks"`
}

type legacyTask struct {
	ID            int     `json:"id"`
	Project       string  `json:"project"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Type          string  `json:"type"`
	Points        int     `json:"points"`
	EstimatedDays *int    `json:"estimated_days"`
	Deadline      *string `json:"deadline"`
	ReservedBy    *int64  `json:"reserved_by"`
}

// Load reads the three files from dir. A missing file yields an empty
// collection. Scalar point totals are credited to defaultProject and every
// percent rate is recomputed.
func Load(dir, defaultProject string) (*store.Snapshot, error) {
	var (
		lusers []legacyUser
		ltasks []legacyTask
		events []model.Event
	)
	if err := readFile(filepath.Join(dir, UsersFile), &lusers); err != nil {
		return nil, err
	}
	if err := readFile(filepath.Join(dir, TasksFile), &ltasks); err != nil {
		return nil, err
	}
	if err := readFile(filepath.Join(dir, EventsFile), &events); err != nil {
		return nil, err
	}

	snap := &store.Snapshot{Events: events}
	for _, lu := range lusers {
		u, err := convertUser(lu, defaultProject)
		if err != nil {
			return nil, err
		}
		snap.Users = append(snap.Users, u)
	}
	for _, lt := range ltasks {
		t, err := convertTask(lt)
		if err != nil {
			return nil, err
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	if snap.Events == nil {
		snap.Events = []model.Event{}
	}

	ledger.Recalculate(snap.Users)
	return snap, nil
}

// Import loads dir and replaces every stored collection with its contents.
func Import(ctx context.Context, repo *store.Repository, dir, defaultProject string, log logrus.FieldLogger) (Summary, error) {
	loaded, err := Load(dir, defaultProject)
	if err != nil {
		return Summary{}, err
	}

	err = repo.Mutate(ctx, func(snap *store.Snapshot) error {
		snap.Users = loaded.Users
		snap.Tasks = loaded.Tasks
		snap.Events = loaded.Events
		snap.Touch(store.AllCollections)
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("importing %s: %w", dir, err)
	}

	sum := Summary{Users: len(loaded.Users), Tasks: len(loaded.Tasks), Events: len(loaded.Events)}
	log.WithFields(logrus.Fields{
		"dir":    dir,
		"users":  sum.Users,
		"tasks":  sum.Tasks,
		"events": sum.Events,
	}).Info("legacy records imported")
	return sum, nil
}

func readFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func convertUser(lu legacyUser, defaultProject string) (model.User, error) {
	u := model.User{
		ID:            lu.ID,
		FullName:      lu.FullName,
		Username:      lu.Username,
		Roles:         lu.Roles,
		Points:        map[string]int{},
		ReservedTasks: lu.ReservedTasks,
	}
	if lu.Role != "" && !u.HasRole(lu.Role) {
		u.Roles = append(u.Roles, lu.Role)
	}

	raw := bytes.TrimSpace(lu.Points)
	switch {
	case len(raw) == 0 || string(raw) == "null":
	case raw[0] == '{':
		if err := json.Unmarshal(raw, &u.Points); err != nil {
			return model.User{}, fmt.Errorf("user %d points: %w", lu.ID, err)
		}
	default:
		n, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return model.User{}, fmt.Errorf("user %d points: %w", lu.ID, err)
		}
		u.Points[defaultProject] = int(n)
	}
	return u, nil
}

func convertTask(lt legacyTask) (model.Task, error) {
	t := model.Task{
		ID:          lt.ID,
		Project:     lt.Project,
		Title:       lt.Title,
		Description: lt.Description,
		Type:        lt.Type,
		Points:      lt.Points,
		ReservedBy:  lt.ReservedBy,
	}
	t.EstimatedDays = model.DefaultEstimatedDays
	if lt.EstimatedDays != nil {
		t.EstimatedDays = *lt.EstimatedDays
	}
	if lt.Deadline != nil && *lt.Deadline != "" {
		d, err := model.ParseTimestamp(*lt.Deadline)
		if err != nil {
			return model.Task{}, fmt.Errorf("task %d deadline: %w", lt.ID, err)
		}
		t.Deadline = &d
	}
	return t, nil
}
