// Package telegraph bridges the bot to chat platforms (Telegram, Discord).
package telegraph

import (
	"context"
	"strconv"
	"time"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/models"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/payload"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management, classification of inbound
// content, and sending or stripping outbound messages for one platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Send delivers one outbound message. When the message carries a
	// Prompt the returned ref identifies it for a later StripPrompt.
	Send(ctx context.Context, msg OutboundMessage) (MessageRef, error)

	// StripPrompt removes the interactive elements from a sent message,
	// leaving the message itself in place.
	StripPrompt(ctx context.Context, ref MessageRef) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// Event is one inbound interaction from a user. Exactly one of Command,
// Selection, Content or Unsupported is set.
type Event struct {
	Platform  string // e.g. "telegram", "discord"
	ChatID    int64  // the user's private chat with the bot
	Profile   models.Profile
	Command   string          // lower-case command name without "/" (e.g. "send")
	Args      string          // text after the command
	Selection string          // token of a pressed prompt option
	Content   payload.Payload // classified relayable content
	// Unsupported marks content that matched no payload kind.
	Unsupported bool
	Text        string // raw message text, for logs
	Timestamp   time.Time
}

// Type names the event kind for logs and metrics.
func (e Event) Type() string {
	switch {
	case e.Command != "":
		return "command"
	case e.Selection != "":
		return "selection"
	case e.Content != nil:
		return "content"
	case e.Unsupported:
		return "unsupported"
	default:
		return "empty"
	}
}

// OutboundMessage is one message to a single chat.
type OutboundMessage struct {
	ChatID  int64
	Payload payload.Payload
	Prompt  *Prompt // optional interactive options shown under the message
	// Done, if set, is called once with the transmission result.
	Done func(error)
}

// Prompt is a set of selectable options attached to a message. Each row
// is rendered as one line of buttons.
type Prompt struct {
	Rows [][]Option
}

// Option is a single selectable button.
type Option struct {
	Label string
	Token string // delivered back as Event.Selection
}

// SingleColumn returns a prompt with one option per row.
func SingleColumn(opts ...Option) *Prompt {
	p := &Prompt{}
	for _, o := range opts {
		p.Rows = append(p.Rows, []Option{o})
	}
	return p
}

// MessageRef identifies a sent message on the platform.
type MessageRef struct {
	ChatID int64
	ID     string
}

// IsZero reports whether ref identifies nothing.
func (r MessageRef) IsZero() bool {
	return r.ID == ""
}

// IntID returns the message id as an integer for platforms that use
// numeric ids.
func (r MessageRef) IntID() (int, error) {
	return strconv.Atoi(r.ID)
}

// Sender is the outbound surface the conversation engine and the
// dispatcher depend on. Throttle implements it.
type Sender interface {
	// Send enqueues msg for transmission and returns without waiting for it.
	Send(ctx context.Context, msg OutboundMessage) error
	// Retract strips a previously sent prompt. It is best effort.
	Retract(ctx context.Context, ref MessageRef)
}
