package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
)

var (
	consoleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	consoleBody = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#626262")).
			Padding(0, 1)
)

// Console prints messages to a writer instead of delivering them. It is
// meant for running the bot locally without a chat transport.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	log logrus.FieldLogger
}

// NewConsole writes messages to out.
func NewConsole(out io.Writer, log logrus.FieldLogger) *Console {
	return &Console{out: out, log: log}
}

// SendToUser prints text addressed to userID.
func (c *Console) SendToUser(_ context.Context, userID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	header := consoleHeader.Render(fmt.Sprintf("→ %d", userID))
	_, err := fmt.Fprintln(c.out, lipgloss.JoinVertical(lipgloss.Left, header, consoleBody.Render(text)))
	return err
}

// SendToAudience prints one copy per recipient.
func (c *Console) SendToAudience(ctx context.Context, userIDs []int64, text string) Delivery {
	return Broadcast(ctx, c, userIDs, text, c.log)
}
