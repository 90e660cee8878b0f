package gateway

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/nhle/taskbot/internal/telegram"
)

// Telegram delivers messages as Bot API chat messages. A member's id is
// their private chat id.
type Telegram struct {
	client *telegram.Client
	log    logrus.FieldLogger
}

// NewTelegram creates a Telegram gateway.
func NewTelegram(client *telegram.Client, log logrus.FieldLogger) *Telegram {
	return &Telegram{client: client, log: log}
}

// SendToUser sends text to the member's private chat.
func (t *Telegram) SendToUser(ctx context.Context, userID int64, text string) error {
	_, err := t.client.SendMessage(ctx, userID, text)
	return err
}

// SendToAudience fans out to every member in userIDs.
func (t *Telegram) SendToAudience(ctx context.Context, userIDs []int64, text string) Delivery {
	return Broadcast(ctx, t, userIDs, text, t.log)
}

func isRecipientError(err error) bool {
	if telegram.IsBlocked(err) {
		return true
	}
	var apiErr *telegram.APIError
	return errors.As(err, &apiErr) && apiErr.Code == 400
}
