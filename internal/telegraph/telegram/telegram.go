// Package telegram implements the telegraph Adapter for the Telegram Bot API
// using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/models"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/payload"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// pollTimeout is the long-polling timeout in seconds.
	pollTimeout = 60
	// maxRetryAfter caps the server-requested wait before a retry.
	maxRetryAfter = 30 * time.Second
)

// platform is the Event.Platform value of this adapter.
const platform = "telegram"

// botAPI abstracts the tgbotapi.BotAPI methods we use, enabling test mocks.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Adapter implements telegraph.Adapter for Telegram. It serves private
// chats only; group traffic is ignored.
type Adapter struct {
	bot      botAPI
	botToken string
	debug    bool

	mu         sync.Mutex
	botName    string
	connected  bool
	closed     bool
	listening  bool
	inbound    chan telegraph.Event
	cancelFunc context.CancelFunc
	retryUnit  time.Duration
}

// AdapterOpts holds parameters for creating a Telegram Adapter.
type AdapterOpts struct {
	BotToken string
	Debug    bool // log raw Bot API traffic
	// For testing: inject a mock bot instead of the real Bot API.
	Bot     botAPI
	BotName string
}

// New creates a Telegram Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Bot == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	return &Adapter{
		bot:       opts.Bot,
		botToken:  opts.BotToken,
		debug:     opts.Debug,
		botName:   opts.BotName,
		inbound:   make(chan telegraph.Event, 100),
		retryUnit: time.Second,
	}, nil
}

// Connect authorizes the bot token against the Bot API.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		return nil
	}
	if a.bot == nil {
		bot, err := tgbotapi.NewBotAPI(a.botToken)
		if err != nil {
			return fmt.Errorf("telegram: authorize: %w", err)
		}
		bot.Debug = a.debug
		a.bot = bot
		a.botName = bot.Self.UserName
	}
	log.Printf("telegram: authorized as @%s", a.botName)
	a.connected = true
	return nil
}

// BotName returns the bot's username (available after Connect).
func (a *Adapter) BotName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botName
}

// Listen starts long polling and returns the inbound event channel. Must
// be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	if a.listening {
		return nil, fmt.Errorf("telegram: already listening")
	}
	a.listening = true

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := a.bot.GetUpdatesChan(u)

	go a.pump(listenCtx, updates)
	return a.inbound, nil
}

// pump converts updates to events until ctx is done or polling stops. It
// owns the inbound channel once Listen has been called.
func (a *Adapter) pump(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer close(a.inbound)
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			ev, ok := a.convertUpdate(ctx, u)
			if !ok {
				continue
			}
			select {
			case a.inbound <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Send delivers one payload to a chat.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) (telegraph.MessageRef, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return telegraph.MessageRef{}, fmt.Errorf("telegram: not connected")
	}
	a.mu.Unlock()

	c, err := buildChattable(msg)
	if err != nil {
		return telegraph.MessageRef{}, err
	}
	var sent tgbotapi.Message
	err = a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		sent, apiErr = a.bot.Send(c)
		return apiErr
	})
	if err != nil {
		return telegraph.MessageRef{}, fmt.Errorf("telegram: send to %d: %w", msg.ChatID, err)
	}
	return telegraph.MessageRef{ChatID: msg.ChatID, ID: strconv.Itoa(sent.MessageID)}, nil
}

// StripPrompt removes the inline keyboard of a sent message.
func (a *Adapter) StripPrompt(ctx context.Context, ref telegraph.MessageRef) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("telegram: not connected")
	}
	a.mu.Unlock()

	id, err := ref.IntID()
	if err != nil {
		return fmt.Errorf("telegram: strip prompt: bad message id %q", ref.ID)
	}
	// A nil markup removes the keyboard and keeps the text.
	edit := tgbotapi.EditMessageReplyMarkupConfig{
		BaseEdit: tgbotapi.BaseEdit{ChatID: ref.ChatID, MessageID: id},
	}
	err = a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.bot.Request(edit)
		return apiErr
	})
	if err != nil && !isNotModified(err) {
		return fmt.Errorf("telegram: strip prompt %d/%d: %w", ref.ChatID, id, err)
	}
	return nil
}

// Close stops polling and shuts down the adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	if a.listening {
		a.bot.StopReceivingUpdates()
	} else {
		close(a.inbound)
	}
	return nil
}

// convertUpdate maps a Bot API update to an Event. ok is false for
// updates the bot ignores.
func (a *Adapter) convertUpdate(ctx context.Context, u tgbotapi.Update) (telegraph.Event, bool) {
	switch {
	case u.CallbackQuery != nil:
		return a.convertCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		return convertMessage(u.Message)
	}
	return telegraph.Event{}, false
}

func (a *Adapter) convertCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) (telegraph.Event, bool) {
	// Stop the client's loading indicator regardless of what follows.
	if _, err := a.bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		log.Printf("telegram: answer callback %s: %v", cq.ID, err)
	}
	if cq.Message == nil || cq.Message.Chat == nil || !cq.Message.Chat.IsPrivate() || cq.From == nil {
		return telegraph.Event{}, false
	}
	return telegraph.Event{
		Platform:  platform,
		ChatID:    cq.Message.Chat.ID,
		Profile:   profileOf(cq.From),
		Selection: cq.Data,
		Text:      cq.Data,
		Timestamp: time.Now(),
	}, true
}

func convertMessage(m *tgbotapi.Message) (telegraph.Event, bool) {
	if m.Chat == nil || !m.Chat.IsPrivate() || m.From == nil || m.From.IsBot {
		return telegraph.Event{}, false
	}
	ev := telegraph.Event{
		Platform:  platform,
		ChatID:    m.Chat.ID,
		Profile:   profileOf(m.From),
		Text:      m.Text,
		Timestamp: m.Time(),
	}
	if m.IsCommand() {
		ev.Command = strings.ToLower(m.Command())
		ev.Args = strings.TrimSpace(m.CommandArguments())
		return ev, true
	}

	p, err := payload.Classify(contentOf(m))
	if err != nil {
		if !errors.Is(err, payload.ErrUnsupported) {
			log.Printf("telegram: classify message %d: %v", m.MessageID, err)
		}
		ev.Unsupported = true
		return ev, true
	}
	ev.Content = p
	if ev.Text == "" {
		ev.Text = m.Caption
	}
	return ev, true
}

// contentOf extracts the classifiable parts of a message. Text and
// captions are rendered to HTML so formatting survives the relay.
func contentOf(m *tgbotapi.Message) payload.Content {
	c := payload.Content{}
	if m.Text != "" {
		c.Text = renderHTML(m.Text, m.Entities)
		c.TextFormat = payload.FormatHTML
	}
	if len(m.Photo) > 0 {
		c.ImageRef = largestPhoto(m.Photo).FileID
	}
	if m.Sticker != nil {
		c.StickerRef = m.Sticker.FileID
	}
	if m.Video != nil {
		c.VideoRef = m.Video.FileID
		c.VideoDuration = m.Video.Duration
	}
	if m.Caption != "" {
		c.Caption = renderHTML(m.Caption, m.CaptionEntities)
		c.CaptionFormat = payload.FormatHTML
	}
	return c
}

func largestPhoto(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height {
			best = s
		}
	}
	return best
}

func profileOf(u *tgbotapi.User) models.Profile {
	return models.Profile{
		UserName:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// buildChattable translates an OutboundMessage into the Bot API call for
// its payload kind.
func buildChattable(msg telegraph.OutboundMessage) (tgbotapi.Chattable, error) {
	markup := buildKeyboard(msg.Prompt)
	switch p := msg.Payload.(type) {
	case payload.Text:
		m := tgbotapi.NewMessage(msg.ChatID, p.Body)
		m.ParseMode = parseMode(p.Format)
		if markup != nil {
			m.ReplyMarkup = *markup
		}
		return m, nil
	case payload.Image:
		m := tgbotapi.NewPhoto(msg.ChatID, tgbotapi.FileID(p.Ref))
		m.Caption = p.Caption
		m.ParseMode = parseMode(p.CaptionFormat)
		if markup != nil {
			m.ReplyMarkup = *markup
		}
		return m, nil
	case payload.Sticker:
		m := tgbotapi.NewSticker(msg.ChatID, tgbotapi.FileID(p.Ref))
		if markup != nil {
			m.ReplyMarkup = *markup
		}
		return m, nil
	case payload.Video:
		m := tgbotapi.NewVideo(msg.ChatID, tgbotapi.FileID(p.Ref))
		m.Duration = p.Duration
		m.Caption = p.Caption
		m.ParseMode = parseMode(p.CaptionFormat)
		if markup != nil {
			m.ReplyMarkup = *markup
		}
		return m, nil
	case nil:
		return nil, fmt.Errorf("telegram: message to %d has no payload", msg.ChatID)
	default:
		return nil, fmt.Errorf("telegram: unsupported payload kind %s", p.Kind())
	}
}

func buildKeyboard(p *telegraph.Prompt) *tgbotapi.InlineKeyboardMarkup {
	if p == nil || len(p.Rows) == 0 {
		return nil
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, r := range p.Rows {
		var buttons []tgbotapi.InlineKeyboardButton
		for _, o := range r {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(o.Label, o.Token))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &kb
}

func parseMode(f payload.Format) string {
	switch f {
	case payload.FormatHTML:
		return tgbotapi.ModeHTML
	case payload.FormatMarkdown:
		return tgbotapi.ModeMarkdown
	default:
		return ""
	}
}

// retryOnRateLimit calls fn and retries when the Bot API answers 429,
// waiting as long as the server asks. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var apiErr *tgbotapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != 429 || attempt == maxRetries {
			return err
		}

		wait := time.Duration(apiErr.RetryAfter) * a.retryUnit
		if wait <= 0 {
			wait = a.retryUnit
		}
		if wait > maxRetryAfter {
			wait = maxRetryAfter
		}
		log.Printf("telegram: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// isNotModified reports the Bot API's answer to an edit that changes
// nothing, e.g. stripping a keyboard twice.
func isNotModified(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "message is not modified")
}
