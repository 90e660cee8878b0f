package gateway

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Breaker guards a Sender with a circuit breaker. While open it fails
// sends immediately instead of waiting on an unreachable transport.
type Breaker struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
	log  logrus.FieldLogger
}

// NewBreaker wraps next. maxFailures consecutive errors open the breaker
// for timeout.
func NewBreaker(next Sender, maxFailures int, timeout time.Duration, log logrus.FieldLogger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	b := &Breaker{next: next, log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		// A member who blocked the bot is not a transport outage.
		IsSuccessful: func(err error) bool {
			return err == nil || isRecipientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	return b
}

// SendToUser delivers through the breaker.
func (b *Breaker) SendToUser(ctx context.Context, userID int64, text string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.SendToUser(ctx, userID, text)
	})
	return err
}

// SendToAudience fans out through the breaker.
func (b *Breaker) SendToAudience(ctx context.Context, userIDs []int64, text string) Delivery {
	return Broadcast(ctx, b, userIDs, text, b.log)
}

// State reports the breaker state for status endpoints.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
