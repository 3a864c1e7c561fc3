package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/models"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/payload"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/store"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
)

// errDenied marks an authorization failure found during re-verification.
var errDenied = errors.New("conversation: permission denied")

var (
	composePrompt = telegraph.SingleColumn(
		telegraph.Option{Label: "Done", Token: tokenDone},
		telegraph.Option{Label: "Cancel", Token: tokenCancel},
	)
	confirmPrompt = &telegraph.Prompt{Rows: [][]telegraph.Option{{
		{Label: "Send", Token: tokenConfirm},
		{Label: "Cancel", Token: tokenCancel},
	}}}
)

// startBroadcast enters the broadcast flow. The user must be known, linked
// and in the sender group; otherwise no session is created.
func (e *Engine) startBroadcast(ctx context.Context, ev telegraph.Event) {
	var user *models.User
	var channels []models.Channel
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		var err error
		if user, err = tx.GetUser(ev.ChatID); err != nil {
			return err
		}
		channels, err = tx.GetChannels()
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.say(ctx, ev.ChatID, "I do not know you yet. Send /start first.")
		return
	case err != nil:
		e.fail(ctx, ev, "broadcast start", err)
		return
	}
	if !user.Linked() {
		e.say(ctx, ev.ChatID, "Your chat is not linked to a directory account, so you cannot send broadcasts. Use /register to link it.")
		return
	}
	ok, err := e.auth.CheckUserGroup(ctx, *user.ExternalAccount)
	if err != nil {
		e.fail(ctx, ev, "broadcast start: group check", err)
		return
	}
	if !ok {
		e.say(ctx, ev.ChatID, "You are not permitted to send broadcasts.")
		return
	}

	sess, err := e.sessions.Start(ev.ChatID, FlowBroadcast, AwaitingChannel)
	if err != nil {
		e.say(ctx, ev.ChatID, "You are already in the middle of another flow. Finish it or /cancel it first.")
		return
	}
	sess.Account = *user.ExternalAccount

	if ev.Args != "" {
		e.chooseBroadcastChannel(ctx, withArgs(ev), sess)
		return
	}
	e.askBroadcastChannel(ctx, ev.ChatID, "Which channel should the message go to?", channels)
}

func (e *Engine) askBroadcastChannel(ctx context.Context, chatID int64, intro string, channels []models.Channel) {
	text := intro
	if len(channels) > 0 {
		text += "\nAvailable channels:\n" + channelList(channels)
	}
	e.ask(ctx, chatID, text, channelPrompt(channels))
}

func (e *Engine) stepBroadcast(ctx context.Context, ev telegraph.Event, sess *Session) {
	switch sess.State {
	case AwaitingChannel:
		if ev.Command != "" {
			e.misplaced(ctx, ev)
			return
		}
		e.chooseBroadcastChannel(ctx, ev, sess)

	case AwaitingMessages:
		switch {
		case ev.Command == "done":
			e.finishComposition(ctx, ev, sess)
		case ev.Command != "":
			e.misplaced(ctx, ev)
		case ev.Selection != "":
			e.say(ctx, ev.ChatID, "That button is no longer active.")
		case ev.Unsupported || ev.Content == nil:
			e.ask(ctx, ev.ChatID, "This format is not supported. Send text, a photo, a sticker or a video. /done when finished, /cancel to abort.", composePrompt)
		default:
			sess.Payloads = append(sess.Payloads, ev.Content)
			e.ask(ctx, ev.ChatID, fmt.Sprintf("Added message %d. Send more, /done when finished or /cancel to abort.", len(sess.Payloads)), composePrompt)
		}

	case AwaitingConfirmation:
		switch {
		case ev.Command == "confirm":
			e.confirmBroadcast(ctx, ev, sess)
		case ev.Command != "":
			e.misplaced(ctx, ev)
		default:
			e.ask(ctx, ev.ChatID, "Send it with /confirm or abort with /cancel.", confirmPrompt)
		}
	}
}

// chooseBroadcastChannel resolves the target channel and checks the
// channel's filter against the sender's identity.
func (e *Engine) chooseBroadcastChannel(ctx context.Context, ev telegraph.Event, sess *Session) {
	var ch *models.Channel
	var channels []models.Channel
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		var err error
		if ch, err = lookupChannel(tx, ev); err != nil {
			return err
		}
		channels, err = tx.GetChannels()
		return err
	})
	if err != nil {
		e.fail(ctx, ev, "broadcast channel", err)
		return
	}
	if ch == nil {
		e.askBroadcastChannel(ctx, ev.ChatID, "Unknown channel. Please pick one from the list.", channels)
		return
	}

	ok, err := e.auth.CheckFilter(ctx, sess.Account, ch.Filter)
	if err != nil {
		e.fail(ctx, ev, "broadcast channel: filter check", err)
		return
	}
	if !ok {
		e.askBroadcastChannel(ctx, ev.ChatID,
			fmt.Sprintf("You are not permitted to send to %s. Pick another channel or /cancel.", ch.Name), channels)
		return
	}

	sess.Channel = ch.Name
	sess.Payloads = []payload.Payload{}
	sess.State = AwaitingMessages
	e.ask(ctx, ev.ChatID,
		fmt.Sprintf("Now send the messages for %s: text, photos, stickers or videos. /done when finished, /cancel to abort.", ch.Name),
		composePrompt)
}

// finishComposition replays the composed messages for review.
func (e *Engine) finishComposition(ctx context.Context, ev telegraph.Event, sess *Session) {
	if len(sess.Payloads) == 0 {
		e.ask(ctx, ev.ChatID, "Send at least one message before /done.", composePrompt)
		return
	}
	e.retractPrompts(ctx, ev.ChatID)
	e.say(ctx, ev.ChatID, "Please review. This goes to %s:", sess.Channel)
	for _, p := range sess.Payloads {
		e.send(ctx, ev.ChatID, p, nil)
	}
	sess.State = AwaitingConfirmation
	e.send(ctx, ev.ChatID, payload.Plain("Send it with /confirm or abort with /cancel."), confirmPrompt)
}

// confirmBroadcast re-verifies authorization and dispatches. The flow ends
// on every path. A flow the sweep expired meanwhile sends nothing; its user
// has already been told.
func (e *Engine) confirmBroadcast(ctx context.Context, ev telegraph.Event, sess *Session) {
	if !e.endFlow(ctx, sess) {
		log.Printf("conversation: confirm by %d on an expired %s ignored", ev.ChatID, sess.Flow)
		return
	}

	account, err := e.verifySender(ctx, ev.ChatID, sess.Channel)
	if errors.Is(err, errDenied) {
		log.Printf("conversation: broadcast by %d to %q denied on confirm: %v", ev.ChatID, sess.Channel, err)
		e.say(ctx, ev.ChatID, "You are no longer permitted to send to %s. Nothing was sent.", sess.Channel)
		return
	}
	if err != nil {
		e.fail(ctx, ev, "broadcast confirm", err)
		return
	}

	e.say(ctx, ev.ChatID, "Sending %d message(s) to %s.", len(sess.Payloads), sess.Channel)
	channel, payloads := sess.Channel, sess.Payloads
	// A confirmed broadcast runs to completion even when shutdown starts;
	// the daemon drains it through Wait before closing the outbound queue.
	ctx = context.WithoutCancel(ctx)
	e.running.Add(1)
	go func() {
		defer e.running.Done()
		res, err := e.broadcaster.Broadcast(ctx, channel, payloads)
		if err != nil {
			e.fail(ctx, ev, "broadcast dispatch", err)
			return
		}
		e.audit.Printf("broadcast chat=%d account=%q channel=%q messages=%d subscribers=%d delivered=%d failed=%d",
			ev.ChatID, account, channel, len(payloads), res.Subscribers, res.Messages, res.Failed)
		if res.Failed > 0 {
			e.say(ctx, ev.ChatID, "Done. %d subscriber(s) of %s got the broadcast; %d message(s) could not be delivered.",
				res.Subscribers-len(res.FailedChats), channel, res.Failed)
			return
		}
		e.say(ctx, ev.ChatID, "Done. %d subscriber(s) of %s got the broadcast.", res.Subscribers, channel)
	}()
}

// verifySender repeats every authorization check of the broadcast flow
// against fresh data: the user still exists and is linked, the identity is
// in the sender group, the channel still exists and its filter matches.
func (e *Engine) verifySender(ctx context.Context, chatID int64, channel string) (string, error) {
	var user *models.User
	var ch *models.Channel
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		var err error
		if user, err = tx.GetUser(chatID); err != nil {
			return err
		}
		ch, err = tx.GetChannelByName(channel)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %v", errDenied, err)
	}
	if err != nil {
		return "", err
	}
	if !user.Linked() {
		return "", fmt.Errorf("%w: account unlinked", errDenied)
	}
	account := *user.ExternalAccount
	ok, err := e.auth.CheckUserGroup(ctx, account)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s left the sender group", errDenied, account)
	}
	ok, err = e.auth.CheckFilter(ctx, account, ch.Filter)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s no longer matches the filter of %s", errDenied, account, ch.Name)
	}
	return account, nil
}
