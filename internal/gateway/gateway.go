// Package gateway delivers text messages to team members.
package gateway

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Sender delivers one message to one member.
type Sender interface {
	SendToUser(ctx context.Context, userID int64, text string) error
}

// Gateway adds audience fan-out to Sender.
type Gateway interface {
	Sender

	// SendToAudience never fails as a whole; per-recipient failures are
	// counted in the returned Delivery.
	SendToAudience(ctx context.Context, userIDs []int64, text string) Delivery
}

// Delivery counts the outcome of a fan-out.
type Delivery struct {
	Sent   int
	Failed int
}

// Add accumulates another delivery into d.
func (d *Delivery) Add(other Delivery) {
	d.Sent += other.Sent
	d.Failed += other.Failed
}

// Broadcast sends text to every distinct id in userIDs through s. A failed
// recipient is logged (when log is non-nil) and counted; it never stops
// delivery to the rest.
func Broadcast(
	ctx context.Context,
	s Sender,
	userIDs []int64,
	text string,
	log logrus.FieldLogger,
) Delivery {
	var d Delivery
	seen := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		if err := s.SendToUser(ctx, id, text); err != nil {
			d.Failed++
			if log != nil {
				log.WithField("user_id", id).WithError(err).Warn("delivery failed")
			}
			continue
		}
		d.Sent++
	}
	return d
}
