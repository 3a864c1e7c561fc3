// Package report delivers detailed failure reports to developers and
// operators, out of band from the user-facing failure notice.
package report

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/payload"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
)

// Incident describes one collaborator failure caught at a flow boundary.
type Incident struct {
	ID       string // quoted to the user so operators can correlate
	ChatID   int64
	UserName string
	Context  string // what the bot was doing, e.g. "broadcast confirm"
	Err      error
	Time     time.Time
}

// NewIncident builds an Incident with a fresh random id.
func NewIncident(chatID int64, userName, context string, err error) Incident {
	return Incident{
		ID:       uuid.NewString(),
		ChatID:   chatID,
		UserName: userName,
		Context:  context,
		Err:      err,
		Time:     time.Now().UTC(),
	}
}

// Summary is a one-line description for logs.
func (i Incident) Summary() string {
	return fmt.Sprintf("incident %s [chat=%d user=%s] %s: %v", i.ID, i.ChatID, i.UserName, i.Context, i.Err)
}

// Reporter forwards incidents. Implementations must not block for long;
// failures to report are returned, never retried.
type Reporter interface {
	Report(ctx context.Context, inc Incident) error
}

// Multi reports to every reporter and joins their errors.
type Multi []Reporter

// Report implements Reporter.
func (m Multi) Report(ctx context.Context, inc Incident) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, inc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogReporter writes incidents to the standard logger.
type LogReporter struct{}

// Report implements Reporter.
func (LogReporter) Report(_ context.Context, inc Incident) error {
	log.Printf("report: %s", inc.Summary())
	return nil
}

// ChatReporter sends incidents as chat messages to developer chats.
type ChatReporter struct {
	sender  telegraph.Sender
	chatIDs []int64
}

// NewChatReporter creates a ChatReporter.
func NewChatReporter(sender telegraph.Sender, chatIDs []int64) (*ChatReporter, error) {
	if sender == nil {
		return nil, fmt.Errorf("report: sender is required")
	}
	if len(chatIDs) == 0 {
		return nil, fmt.Errorf("report: at least one developer chat is required")
	}
	return &ChatReporter{sender: sender, chatIDs: chatIDs}, nil
}

// Report implements Reporter.
func (c *ChatReporter) Report(ctx context.Context, inc Incident) error {
	body := formatIncidentHTML(inc)
	var errs []error
	for _, id := range c.chatIDs {
		if err := c.sender.Send(ctx, telegraph.OutboundMessage{ChatID: id, Payload: payload.HTML(body)}); err != nil {
			errs = append(errs, fmt.Errorf("report: chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func formatIncidentHTML(inc Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Incident %s</b>\n", html.EscapeString(inc.ID))
	fmt.Fprintf(&b, "Time: %s\n", inc.Time.Format(time.RFC3339))
	fmt.Fprintf(&b, "Chat: <code>%d</code>\n", inc.ChatID)
	if inc.UserName != "" {
		fmt.Fprintf(&b, "User: %s\n", html.EscapeString(inc.UserName))
	}
	fmt.Fprintf(&b, "Context: %s\n", html.EscapeString(inc.Context))
	fmt.Fprintf(&b, "<pre>%s</pre>", html.EscapeString(errString(inc.Err)))
	return b.String()
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
