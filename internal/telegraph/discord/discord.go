// Package discord implements the telegraph Adapter for Discord direct
// messages using the Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/models"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/payload"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxButtonsPerRow and maxRows are Discord's component limits.
	maxButtonsPerRow = 5
	maxRows          = 5
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error { return r.s.Open() }
func (r *realSession) Close() error {
	return r.s.Close()
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEditComplex(m, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements telegraph.Adapter for Discord. Each user talks to the
// bot in a DM channel, and the DM channel id serves as the chat id.
type Adapter struct {
	sess        session
	botToken    string
	botUserID   string
	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan telegraph.Event
	removers    []func()
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		botToken:    opts.BotToken,
		inbound:     make(chan telegraph.Event, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}

	if opts.Session != nil {
		a.sess = opts.Session
	}

	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Register Ready handler to capture bot user ID on connect/reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})

	// discordgo reconnects on its own; log it for observability.
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound events from Discord. Registers the
// message and interaction handlers on the Gateway session. Must be called
// after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			a.handleInteraction(i)
		}),
	)
	return a.inbound, nil
}

// Send delivers one payload to a DM channel.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) (telegraph.MessageRef, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return telegraph.MessageRef{}, fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	data, err := buildMessageSend(msg)
	if err != nil {
		return telegraph.MessageRef{}, err
	}
	channelID := strconv.FormatInt(msg.ChatID, 10)

	var sent *discordgo.Message
	err = a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = a.sess.ChannelMessageSendComplex(channelID, data)
		return sendErr
	})
	if err != nil {
		return telegraph.MessageRef{}, fmt.Errorf("discord: send message: %w", err)
	}
	return telegraph.MessageRef{ChatID: msg.ChatID, ID: sent.ID}, nil
}

// StripPrompt removes the button components of a sent message.
func (a *Adapter) StripPrompt(ctx context.Context, ref telegraph.MessageRef) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	empty := []discordgo.MessageComponent{}
	edit := &discordgo.MessageEdit{
		ID:         ref.ID,
		Channel:    strconv.FormatInt(ref.ChatID, 10),
		Components: &empty,
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelMessageEditComplex(edit)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: strip prompt: %w", err)
	}
	return nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// emit delivers ev unless the adapter is closed. Holding the lock keeps
// Close from closing inbound mid-send.
func (a *Adapter) emit(ev telegraph.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- ev:
	default:
		log.Printf("discord: inbound queue full, dropping event from %d", ev.ChatID)
	}
}

// handleMessage converts a Discord DM to an Event.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()

	// Filter bot self-messages and other bots.
	if m.Author.ID == botID || m.Author.Bot {
		return
	}
	// Guild traffic is not for us.
	if m.GuildID != "" {
		return
	}
	chatID, err := strconv.ParseInt(m.ChannelID, 10, 64)
	if err != nil {
		log.Printf("discord: bad channel id %q: %v", m.ChannelID, err)
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	ev := telegraph.Event{
		Platform:  "discord",
		ChatID:    chatID,
		Profile:   profileOf(m.Author),
		Text:      m.Content,
		Timestamp: ts,
	}
	if cmd, args, ok := telegraph.ParseCommand(m.Content); ok {
		ev.Command, ev.Args = cmd, args
		a.emit(ev)
		return
	}
	p, err := payload.Classify(contentOf(m.Message))
	if err != nil {
		ev.Unsupported = true
	} else {
		ev.Content = p
	}
	a.emit(ev)
}

// handleInteraction converts a button press to a selection Event.
func (a *Adapter) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	// Acknowledge without changing the message; stripping happens later.
	err := a.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		log.Printf("discord: acknowledge interaction %s: %v", i.ID, err)
	}

	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil || i.GuildID != "" {
		return
	}
	chatID, err := strconv.ParseInt(i.ChannelID, 10, 64)
	if err != nil {
		log.Printf("discord: bad channel id %q: %v", i.ChannelID, err)
		return
	}
	token := i.MessageComponentData().CustomID
	a.emit(telegraph.Event{
		Platform:  "discord",
		ChatID:    chatID,
		Profile:   profileOf(user),
		Selection: token,
		Text:      token,
		Timestamp: time.Now(),
	})
}

func profileOf(u *discordgo.User) models.Profile {
	return models.Profile{UserName: u.Username, FirstName: u.GlobalName}
}

// contentOf extracts the classifiable parts of a Discord message.
// Attachments are referenced by URL, stickers by id.
func contentOf(m *discordgo.Message) payload.Content {
	c := payload.Content{}
	if m.Content != "" {
		c.Text = m.Content
		c.TextFormat = payload.FormatMarkdown
	}
	for _, att := range m.Attachments {
		switch {
		case c.ImageRef == "" && strings.HasPrefix(att.ContentType, "image/"):
			c.ImageRef = att.URL
		case c.VideoRef == "" && strings.HasPrefix(att.ContentType, "video/"):
			c.VideoRef = att.URL
		}
	}
	if len(m.StickerItems) > 0 {
		c.StickerRef = m.StickerItems[0].ID
	}
	return c
}

// buildMessageSend translates an OutboundMessage into a Discord MessageSend.
func buildMessageSend(msg telegraph.OutboundMessage) (*discordgo.MessageSend, error) {
	data := &discordgo.MessageSend{}
	switch p := msg.Payload.(type) {
	case payload.Text:
		data.Content = toMarkdown(p.Body, p.Format)
	case payload.Image:
		data.Content = toMarkdown(p.Caption, p.CaptionFormat)
		data.Embeds = []*discordgo.MessageEmbed{{Image: &discordgo.MessageEmbedImage{URL: p.Ref}}}
	case payload.Sticker:
		data.StickerIDs = []string{p.Ref}
	case payload.Video:
		// Discord embeds a player for a bare video URL.
		data.Content = strings.TrimSpace(toMarkdown(p.Caption, p.CaptionFormat) + "\n" + p.Ref)
	case nil:
		return nil, fmt.Errorf("discord: message to %d has no payload", msg.ChatID)
	default:
		return nil, fmt.Errorf("discord: unsupported payload kind %s", p.Kind())
	}
	data.Components = buildComponents(msg.Prompt)
	return data, nil
}

// buildComponents lays prompt options out as button rows within Discord's
// limits. A layout that needs more rows than Discord allows is packed
// densely instead; only options beyond the total button limit are dropped.
func buildComponents(p *telegraph.Prompt) []discordgo.MessageComponent {
	if p == nil {
		return nil
	}
	var layout [][]telegraph.Option
	for _, r := range p.Rows {
		for start := 0; start < len(r); start += maxButtonsPerRow {
			layout = append(layout, r[start:min(start+maxButtonsPerRow, len(r))])
		}
	}
	if len(layout) > maxRows {
		var all []telegraph.Option
		for _, r := range p.Rows {
			all = append(all, r...)
		}
		if limit := maxRows * maxButtonsPerRow; len(all) > limit {
			log.Printf("discord: prompt has %d options, dropping all past %d", len(all), limit)
			all = all[:limit]
		}
		layout = nil
		for start := 0; start < len(all); start += maxButtonsPerRow {
			layout = append(layout, all[start:min(start+maxButtonsPerRow, len(all))])
		}
	}

	rows := make([]discordgo.MessageComponent, 0, len(layout))
	for _, r := range layout {
		buttons := make([]discordgo.MessageComponent, 0, len(r))
		for _, o := range r {
			buttons = append(buttons, discordgo.Button{
				Label:    o.Label,
				Style:    discordgo.PrimaryButton,
				CustomID: o.Token,
			})
		}
		rows = append(rows, discordgo.ActionsRow{Components: buttons})
	}
	return rows
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		// Check if it's a rate limit error.
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
