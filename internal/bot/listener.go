package bot

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/taskbot/internal/telegram"
)

// UpdateSource is the long-polling side of the Bot API.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]telegram.Update, error)
}

// errorBackoff is the pause after a failed getUpdates call.
const errorBackoff = 5 * time.Second

// Listener long-polls for updates and hands each text message to a Router.
type Listener struct {
	src         UpdateSource
	router      *Router
	log         logrus.FieldLogger
	pollTimeout int
	offset      int64
}

// NewListener creates a Listener. pollTimeout is in seconds.
func NewListener(src UpdateSource, router *Router, pollTimeout int, log logrus.FieldLogger) *Listener {
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	return &Listener{src: src, router: router, log: log, pollTimeout: pollTimeout}
}

// Run polls until ctx is cancelled. Messages are handled one at a time in
// arrival order.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Info("listening for messages")
	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := l.src.GetUpdates(ctx, l.offset, l.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.WithError(err).Warn("fetching updates failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, u := range updates {
			l.offset = u.UpdateID + 1
			l.dispatch(ctx, u)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, u telegram.Update) {
	m := u.Message
	if m == nil || m.From == nil || m.From.IsBot || m.Text == "" {
		return
	}
	// Conversations are private; group traffic is ignored.
	if m.Chat.Type != "" && m.Chat.Type != "private" {
		return
	}
	l.router.Handle(ctx, Incoming{
		ChatID:   m.Chat.ID,
		UserID:   m.From.ID,
		Username: m.From.Username,
		Text:     m.Text,
	})
}
