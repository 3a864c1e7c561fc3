// Package conversation implements the per-user conversation state machine:
// broadcast composition, subscription management, account linking and the
// stateless commands around them.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/dispatch"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/models"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/payload"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/report"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/store"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
)

// Selection tokens carried by prompt options.
const (
	tokenChannelPrefix = "ch:"
	tokenDone          = "done"
	tokenConfirm       = "confirm"
	tokenCancel        = "cancel"
)

// DefaultIdleTimeout is how long a flow may sit without input before the
// sweep drops it.
const DefaultIdleTimeout = time.Hour

// Authorizer answers directory authorization questions. Results must not
// be cached by implementations.
type Authorizer interface {
	CheckUserGroup(ctx context.Context, identity string) (bool, error)
	CheckFilter(ctx context.Context, identity, filter string) (bool, error)
}

// Broadcaster relays a composed broadcast to a channel's subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, payloads []payload.Payload) (dispatch.Result, error)
}

// Engine routes inbound events through the conversation flows. Handle is
// safe for concurrent use as long as events of one chat are serialised,
// which telegraph.Router guarantees.
type Engine struct {
	store       *store.Store
	auth        Authorizer
	broadcaster Broadcaster
	sender      telegraph.Sender
	prompts     *telegraph.Prompts
	sessions    *Sessions
	reporter    report.Reporter
	audit       *log.Logger
	link        func(chatID int64, token string) string
	newToken    func() string
	idle        time.Duration

	stateless map[string]func(ctx context.Context, ev telegraph.Event)
	running   sync.WaitGroup // background broadcasts
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Store       *store.Store
	Authorizer  Authorizer
	Broadcaster Broadcaster
	Sender      telegraph.Sender
	Prompts     *telegraph.Prompts
	Sessions    *Sessions       // defaults to an empty store
	Reporter    report.Reporter // defaults to report.LogReporter
	Audit       *log.Logger     // defaults to a stderr logger with an "audit: " prefix
	// RegisterLink builds the web form URL for a registration token. When
	// nil, /register reports that registration is unavailable.
	RegisterLink func(chatID int64, token string) string
	NewToken     func() string // defaults to shortuuid.New
	IdleTimeout  time.Duration // defaults to DefaultIdleTimeout
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("conversation: store is required")
	}
	if opts.Authorizer == nil {
		return nil, fmt.Errorf("conversation: authorizer is required")
	}
	if opts.Broadcaster == nil {
		return nil, fmt.Errorf("conversation: broadcaster is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("conversation: sender is required")
	}
	if opts.Prompts == nil {
		return nil, fmt.Errorf("conversation: prompts registry is required")
	}
	e := &Engine{
		store:       opts.Store,
		auth:        opts.Authorizer,
		broadcaster: opts.Broadcaster,
		sender:      opts.Sender,
		prompts:     opts.Prompts,
		sessions:    opts.Sessions,
		reporter:    opts.Reporter,
		audit:       opts.Audit,
		link:        opts.RegisterLink,
		newToken:    opts.NewToken,
		idle:        opts.IdleTimeout,
	}
	if e.sessions == nil {
		e.sessions = NewSessions()
	}
	if e.reporter == nil {
		e.reporter = report.LogReporter{}
	}
	if e.audit == nil {
		e.audit = log.New(os.Stderr, "audit: ", log.LstdFlags)
	}
	if e.newToken == nil {
		e.newToken = shortuuid.New
	}
	if e.idle <= 0 {
		e.idle = DefaultIdleTimeout
	}
	e.stateless = map[string]func(context.Context, telegraph.Event){
		"start":    e.cmdStart,
		"stop":     e.cmdStop,
		"help":     e.cmdHelp,
		"admin":    e.cmdAdmin,
		"register": e.cmdRegister,
		"unlink":   e.cmdUnlink,
		"channels": e.cmdChannels,
	}
	return e, nil
}

// Sessions exposes the engine's session store.
func (e *Engine) Sessions() *Sessions {
	return e.sessions
}

// Wait blocks until every background broadcast has finished or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle processes one inbound event. It implements telegraph.Handler.
func (e *Engine) Handle(ctx context.Context, ev telegraph.Event) {
	if ev.ChatID == 0 {
		return
	}
	// Buttons for the flow commands behave like typing the command.
	switch ev.Selection {
	case tokenDone, tokenConfirm, tokenCancel:
		ev.Command, ev.Selection = ev.Selection, ""
	}

	sess, active := e.sessions.Acquire(ev.ChatID)

	switch {
	case ev.Command != "":
		e.handleCommand(ctx, ev, sess)
	case !active && ev.Selection != "":
		e.say(ctx, ev.ChatID, "That button is no longer active.")
	case !active && (ev.Content != nil || ev.Unsupported):
		e.say(ctx, ev.ChatID, "Sorry, I did not understand that. See /help for what I can do.")
	case active:
		e.step(ctx, ev, sess)
	}
}

func (e *Engine) handleCommand(ctx context.Context, ev telegraph.Event, sess *Session) {
	switch ev.Command {
	case "cancel":
		e.cmdCancel(ctx, ev, sess)
	case "send", "subscribe", "unsubscribe":
		if sess != nil {
			e.say(ctx, ev.ChatID, "You are already in the middle of a %s. Finish it or /cancel it first.", sess.Flow)
			return
		}
		switch ev.Command {
		case "send":
			e.startBroadcast(ctx, ev)
		case "subscribe":
			e.startSubscribe(ctx, ev)
		case "unsubscribe":
			e.startUnsubscribe(ctx, ev)
		}
	case "done", "confirm":
		if sess == nil {
			e.misplaced(ctx, ev)
			return
		}
		e.step(ctx, ev, sess)
	default:
		if fn, ok := e.stateless[ev.Command]; ok {
			fn(ctx, ev)
			return
		}
		e.say(ctx, ev.ChatID, "Unknown command /%s. See /help for the list of commands.", ev.Command)
	}
}

// step feeds ev to the user's active flow.
func (e *Engine) step(ctx context.Context, ev telegraph.Event, sess *Session) {
	switch sess.Flow {
	case FlowBroadcast:
		e.stepBroadcast(ctx, ev, sess)
	case FlowSubscribe:
		e.stepSubscribe(ctx, ev, sess)
	case FlowUnsubscribe:
		e.stepUnsubscribe(ctx, ev, sess)
	}
}

func (e *Engine) misplaced(ctx context.Context, ev telegraph.Event) {
	e.say(ctx, ev.ChatID, "The command /%s is not available right now.", ev.Command)
}

func (e *Engine) cmdCancel(ctx context.Context, ev telegraph.Event, sess *Session) {
	if sess == nil {
		e.say(ctx, ev.ChatID, "There is nothing to cancel.")
		return
	}
	e.endFlow(ctx, sess)
	e.say(ctx, ev.ChatID, "The %s was cancelled.", sess.Flow)
}

// endFlow drops the session and strips its prompts. It reports false when
// the session had already been expired by a sweep.
func (e *Engine) endFlow(ctx context.Context, sess *Session) bool {
	ended := e.sessions.Remove(sess)
	e.retractPrompts(ctx, sess.ChatID)
	return ended
}

// --- outbound helpers ---

func (e *Engine) say(ctx context.Context, chatID int64, format string, args ...interface{}) {
	e.send(ctx, chatID, payload.Plain(fmt.Sprintf(format, args...)), nil)
}

// ask presents a new prompt after retracting the user's stale ones.
func (e *Engine) ask(ctx context.Context, chatID int64, text string, prompt *telegraph.Prompt) {
	e.retractPrompts(ctx, chatID)
	e.send(ctx, chatID, payload.Plain(text), prompt)
}

func (e *Engine) send(ctx context.Context, chatID int64, p payload.Payload, prompt *telegraph.Prompt) {
	if err := e.sender.Send(ctx, telegraph.OutboundMessage{ChatID: chatID, Payload: p, Prompt: prompt}); err != nil {
		log.Printf("conversation: send to %d: %v", chatID, err)
	}
}

func (e *Engine) retractPrompts(ctx context.Context, chatID int64) {
	for _, ref := range e.prompts.Take(chatID) {
		e.sender.Retract(ctx, ref)
	}
}

// fail handles a collaborator failure at a flow boundary: the user gets a
// generic notice quoting the incident id, the details go to the reporter.
func (e *Engine) fail(ctx context.Context, ev telegraph.Event, where string, err error) {
	inc := report.NewIncident(ev.ChatID, displayName(ev.Profile), where, err)
	log.Printf("conversation: %s", inc.Summary())
	if rerr := e.reporter.Report(ctx, inc); rerr != nil {
		log.Printf("conversation: report incident %s: %v", inc.ID, rerr)
	}
	e.say(ctx, ev.ChatID, "Sorry, something went wrong. Please try again later. (Incident %s)", inc.ID)
}

func displayName(p models.Profile) string {
	u := models.User{}
	p.Apply(&u)
	return u.DisplayName()
}

// --- channel selection ---

// channelInput extracts the channel reference from a selection token or
// a typed name. id is non-zero for a selection.
func channelInput(ev telegraph.Event) (id uint, name string) {
	if strings.HasPrefix(ev.Selection, tokenChannelPrefix) {
		n, err := strconv.ParseUint(strings.TrimPrefix(ev.Selection, tokenChannelPrefix), 10, 64)
		if err != nil {
			return 0, ""
		}
		return uint(n), ""
	}
	if _, ok := ev.Content.(payload.Text); ok {
		return 0, strings.TrimSpace(ev.Text)
	}
	return 0, ""
}

// lookupChannel resolves channel input. A missing channel is reported as
// (nil, nil).
func lookupChannel(tx *store.Tx, ev telegraph.Event) (*models.Channel, error) {
	id, name := channelInput(ev)
	var ch *models.Channel
	var err error
	switch {
	case id != 0:
		ch, err = tx.GetChannelByID(id)
	case name != "":
		ch, err = tx.GetChannelByName(name)
	default:
		return nil, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return ch, err
}

// channelPrompt offers one button per channel.
func channelPrompt(channels []models.Channel) *telegraph.Prompt {
	var opts []telegraph.Option
	for _, ch := range channels {
		opts = append(opts, telegraph.Option{
			Label: ch.Name,
			Token: tokenChannelPrefix + strconv.FormatUint(uint64(ch.ID), 10),
		})
	}
	opts = append(opts, telegraph.Option{Label: "Cancel", Token: tokenCancel})
	return telegraph.SingleColumn(opts...)
}

// channelList renders "name - description" lines.
func channelList(channels []models.Channel) string {
	var b strings.Builder
	for _, ch := range channels {
		b.WriteString(ch.Name)
		if ch.Description != "" {
			b.WriteString(" - " + ch.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// withArgs turns command arguments into a typed-name event, so that
// "/send news" behaves like "/send" followed by "news".
func withArgs(ev telegraph.Event) telegraph.Event {
	args := strings.TrimSpace(ev.Args)
	return telegraph.Event{
		Platform:  ev.Platform,
		ChatID:    ev.ChatID,
		Profile:   ev.Profile,
		Content:   payload.Plain(args),
		Text:      args,
		Timestamp: ev.Timestamp,
	}
}
