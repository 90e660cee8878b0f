package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/taskbot/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// An in-memory database lives only as long as its connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

type userRow struct {
	ID            int64  `db:"user_id"`
	FullName      string `db:"full_name"`
	Username      string `db:"username"`
	Roles         string `db:"roles"`
	Points        string `db:"points"`
	PercentRate   string `db:"percent_rate"`
	ReservedTasks string `db:"reserved_tasks"`
}

type taskRow struct {
	ID            int            `db:"id"`
	Project       string         `db:"project"`
	Title         string         `db:"title"`
	Description   string         `db:"description"`
	Type          string         `db:"type"`
	Points        int            `db:"points"`
	EstimatedDays int            `db:"estimated_days"`
	Deadline      sql.NullString `db:"deadline"`
	ReservedBy    sql.NullInt64  `db:"reserved_by"`
}

type eventRow struct {
	ID          int           `db:"id"`
	Kind        string        `db:"type"`
	Title       string        `db:"title"`
	Description string        `db:"description"`
	Datetime    string        `db:"datetime"`
	NotifyUsers bool          `db:"notify_users"`
	Personal    bool          `db:"personal"`
	Users       string        `db:"users"`
	TaskID      sql.NullInt64 `db:"task_id"`
	Notified24h bool          `db:"notified_24h"`
	Notified2h  bool          `db:"notified_2h"`
}

// Users loads the whole user collection ordered by id.
func (s *SQLiteStore) Users(ctx context.Context) ([]model.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM users ORDER BY user_id"); err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}

	users := make([]model.User, 0, len(rows))
	for _, r := range rows {
		u := model.User{
			ID:       r.ID,
			FullName: r.FullName,
			Username: r.Username,
		}
		if err := unmarshalColumn(r.Roles, &u.Roles); err != nil {
			return nil, fmt.Errorf("unmarshaling roles for user %d: %w", r.ID, err)
		}
		if err := unmarshalColumn(r.Points, &u.Points); err != nil {
			return nil, fmt.Errorf("unmarshaling points for user %d: %w", r.ID, err)
		}
		if err := unmarshalColumn(r.PercentRate, &u.PercentRate); err != nil {
			return nil, fmt.Errorf("unmarshaling percent_rate for user %d: %w", r.ID, err)
		}
		if err := unmarshalColumn(r.ReservedTasks, &u.ReservedTasks); err != nil {
			return nil, fmt.Errorf("unmarshaling reserved_tasks for user %d: %w", r.ID, err)
		}
		users = append(users, u)
	}
	return users, nil
}

// Tasks loads the whole task collection ordered by id.
func (s *SQLiteStore) Tasks(ctx context.Context) ([]model.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM tasks ORDER BY id"); err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}

	tasks := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		t := model.Task{
			ID:            r.ID,
			Project:       r.Project,
			Title:         r.Title,
			Description:   r.Description,
			Type:          r.Type,
			Points:        r.Points,
			EstimatedDays: r.EstimatedDays,
		}
		if r.Deadline.Valid && r.Deadline.String != "" {
			deadline, err := model.ParseTimestamp(r.Deadline.String)
			if err != nil {
				return nil, fmt.Errorf("parsing deadline for task %d: %w", r.ID, err)
			}
			t.Deadline = &deadline
		}
		if r.ReservedBy.Valid {
			owner := r.ReservedBy.Int64
			t.ReservedBy = &owner
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Events loads the whole event collection ordered by id. Timestamps are
// returned unparsed so callers can skip malformed records individually.
func (s *SQLiteStore) Events(ctx context.Context) ([]model.Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM events ORDER BY id"); err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}

	events := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		e := model.Event{
			ID:          r.ID,
			Kind:        model.EventKind(r.Kind),
			Title:       r.Title,
			Description: r.Description,
			Datetime:    r.Datetime,
			NotifyUsers: r.NotifyUsers,
			Personal:    r.Personal,
			Notified24h: r.Notified24h,
			Notified2h:  r.Notified2h,
		}
		if err := unmarshalColumn(r.Users, &e.Users); err != nil {
			return nil, fmt.Errorf("unmarshaling users for event %d: %w", r.ID, err)
		}
		if r.TaskID.Valid {
			taskID := int(r.TaskID.Int64)
			e.TaskID = &taskID
		}
		events = append(events, e)
	}
	return events, nil
}

// Replace rewrites the selected collections inside one transaction.
func (s *SQLiteStore) Replace(ctx context.Context, snap *Snapshot, which Collection) error {
	if which == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if which.Has(CollectionUsers) {
		if err := replaceUsers(ctx, tx, snap.Users); err != nil {
			return err
		}
	}
	if which.Has(CollectionTasks) {
		if err := replaceTasks(ctx, tx, snap.Tasks); err != nil {
			return err
		}
	}
	if which.Has(CollectionEvents) {
		if err := replaceEvents(ctx, tx, snap.Events); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func replaceUsers(ctx context.Context, tx *sqlx.Tx, users []model.User) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM users"); err != nil {
		return fmt.Errorf("clearing users: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO users (
			user_id, full_name, username,
			roles, points, percent_rate, reserved_tasks
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing user insert: %w", err)
	}
	defer stmt.Close()

	for _, u := range users {
		roles, err := marshalColumn(u.Roles, "[]")
		if err != nil {
			return fmt.Errorf("marshaling roles for user %d: %w", u.ID, err)
		}
		points, err := marshalColumn(u.Points, "{}")
		if err != nil {
			return fmt.Errorf("marshaling points for user %d: %w", u.ID, err)
		}
		rates, err := marshalColumn(u.PercentRate, "{}")
		if err != nil {
			return fmt.Errorf("marshaling percent_rate for user %d: %w", u.ID, err)
		}
		reserved, err := marshalColumn(u.ReservedTasks, "[]")
		if err != nil {
			return fmt.Errorf("marshaling reserved_tasks for user %d: %w", u.ID, err)
		}

		if _, err := stmt.ExecContext(ctx,
			u.ID, u.FullName, u.Username,
			roles, points, rates, reserved,
		); err != nil {
			return fmt.Errorf("inserting user %d: %w", u.ID, err)
		}
	}
	return nil
}

func replaceTasks(ctx context.Context, tx *sqlx.Tx, tasks []model.Task) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
		return fmt.Errorf("clearing tasks: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO tasks (
			id, project, title, description, type,
			points, estimated_days, deadline, reserved_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing task insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		var deadline sql.NullString
		if t.Deadline != nil {
			deadline = sql.NullString{String: t.Deadline.Format(time.RFC3339Nano), Valid: true}
		}
		var reservedBy sql.NullInt64
		if t.ReservedBy != nil {
			reservedBy = sql.NullInt64{Int64: *t.ReservedBy, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			t.ID, t.Project, t.Title, t.Description, t.Type,
			t.Points, t.EstimatedDays, deadline, reservedBy,
		); err != nil {
			return fmt.Errorf("inserting task %d: %w", t.ID, err)
		}
	}
	return nil
}

func replaceEvents(ctx context.Context, tx *sqlx.Tx, events []model.Event) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM events"); err != nil {
		return fmt.Errorf("clearing events: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO events (
			id, type, title, description, datetime,
			notify_users, personal, users, task_id,
			notified_24h, notified_2h
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		users, err := marshalColumn(e.Users, "[]")
		if err != nil {
			return fmt.Errorf("marshaling users for event %d: %w", e.ID, err)
		}
		var taskID sql.NullInt64
		if e.TaskID != nil {
			taskID = sql.NullInt64{Int64: int64(*e.TaskID), Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			e.ID, string(e.Kind), e.Title, e.Description, e.Datetime,
			boolToInt(e.NotifyUsers), boolToInt(e.Personal), users, taskID,
			boolToInt(e.Notified24h), boolToInt(e.Notified2h),
		); err != nil {
			return fmt.Errorf("inserting event %d: %w", e.ID, err)
		}
	}
	return nil
}

// marshalColumn encodes v as JSON, writing empty when v is a nil slice or map.
func marshalColumn(v interface{}, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func unmarshalColumn(raw string, v interface{}) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
