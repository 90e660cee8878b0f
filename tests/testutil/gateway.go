package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/nhle/taskbot/internal/gateway"
)

// Message is one delivery recorded by RecordingGateway.
type Message struct {
	UserID int64
	Text   string
}

// RecordingGateway captures outbound messages. Sends to ids listed in
// Fail return an error and are not recorded.
type RecordingGateway struct {
	mu       sync.Mutex
	Messages []Message
	Fail     map[int64]bool
}

// NewRecordingGateway returns an empty recorder.
func NewRecordingGateway() *RecordingGateway {
	return &RecordingGateway{Fail: make(map[int64]bool)}
}

// SendToUser records text for userID.
func (g *RecordingGateway) SendToUser(_ context.Context, userID int64, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Fail[userID] {
		return errors.New("recipient unreachable")
	}
	g.Messages = append(g.Messages, Message{UserID: userID, Text: text})
	return nil
}

// SendToAudience fans out through SendToUser.
func (g *RecordingGateway) SendToAudience(ctx context.Context, userIDs []int64, text string) gateway.Delivery {
	return gateway.Broadcast(ctx, g, userIDs, text, nil)
}

// To returns the texts delivered to userID in order.
func (g *RecordingGateway) To(userID int64) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []string
	for _, m := range g.Messages {
		if m.UserID == userID {
			out = append(out, m.Text)
		}
	}
	return out
}

// Count returns the number of recorded messages.
func (g *RecordingGateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Messages)
}
