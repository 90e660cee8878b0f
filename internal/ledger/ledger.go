// Package ledger keeps member point totals and the per-project share of
// total points derived from them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/nhle/taskbot/internal/model"
	"github.com/nhle/taskbot/internal/store"
)

// ErrUserNotFound is returned when points are added to an unknown member.
var ErrUserNotFound = errors.New("user not found")

// Ledger applies point changes through the repository.
type Ledger struct {
	repo *store.Repository
	log  logrus.FieldLogger
}

// New creates a Ledger.
func New(repo *store.Repository, log logrus.FieldLogger) *Ledger {
	return &Ledger{repo: repo, log: log}
}

// AddPoints adds amount to the member's total in project and recomputes
// every member's percent rate. On any failure the stored users are left
// exactly as they were.
func (l *Ledger) AddPoints(ctx context.Context, userID int64, project string, amount int) error {
	err := l.repo.Mutate(ctx, func(snap *store.Snapshot) error {
		return Apply(snap, userID, project, amount)
	})
	if err != nil {
		l.log.WithFields(logrus.Fields{
			"user_id": userID,
			"project": project,
			"amount":  amount,
		}).WithError(err).Error("adding points failed")
		return fmt.Errorf("adding points: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"user_id": userID,
		"project": project,
		"amount":  amount,
	}).Info("points added")
	return nil
}

// Apply is AddPoints on an already loaded snapshot.
func Apply(snap *store.Snapshot, userID int64, project string, amount int) error {
	u := snap.User(userID)
	if u == nil {
		return fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	if u.Points == nil {
		u.Points = make(map[string]int)
	}
	u.Points[project] += amount

	Recalculate(snap.Users)
	snap.Touch(store.CollectionUsers)
	return nil
}

// Recalculate rebuilds PercentRate for every member from scratch:
// for each project present in anyone's points, a member's rate is their
// points divided by the sum of all positive totals in that project,
// rounded to three decimals. A project whose positive sum is zero gives
// every member a rate of zero.
func Recalculate(users []model.User) {
	totals := make(map[string]int)
	for _, u := range users {
		for project, pts := range u.Points {
			if _, ok := totals[project]; !ok {
				totals[project] = 0
			}
			if pts > 0 {
				totals[project] += pts
			}
		}
	}

	for i := range users {
		rates := make(map[string]float64, len(totals))
		for project, total := range totals {
			if total == 0 {
				rates[project] = 0
				continue
			}
			rates[project] = round3(float64(users[i].Points[project]) / float64(total))
		}
		users[i].PercentRate = rates
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
