package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/models"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/store"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
)

const helpText = `Commands:
/start - register with the bot and get the default channels
/channels - list all channels
/subscribe - subscribe to a channel
/unsubscribe - unsubscribe from a channel
/send - send a broadcast to a channel
/register - link your chat to your directory account
/unlink - remove the link to your directory account
/admin - show your account and permissions
/cancel - abort the current action
/stop - unsubscribe from everything and delete your data`

// cmdStart creates the user on first contact, refreshing the profile on
// later calls.
func (e *Engine) cmdStart(ctx context.Context, ev telegraph.Event) {
	var created bool
	var subs []models.Channel
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		var err error
		if created, err = tx.AddUser(ev.ChatID, ev.Profile); err != nil {
			return err
		}
		if !created {
			if err := tx.UpdateProfile(ev.ChatID, ev.Profile); err != nil {
				return err
			}
		}
		subs, err = tx.GetSubscriptions(ev.ChatID)
		return err
	})
	if err != nil {
		e.fail(ctx, ev, "start", err)
		return
	}
	if created {
		e.audit.Printf("user-created chat=%d name=%q", ev.ChatID, displayName(ev.Profile))
		e.say(ctx, ev.ChatID, "Welcome! You will receive the broadcasts of: %s\nSee /help for what else I can do.", channelNames(subs))
		return
	}
	e.say(ctx, ev.ChatID, "Welcome back! You are subscribed to: %s", channelNames(subs))
}

// cmdStop deletes the user and every subscription.
func (e *Engine) cmdStop(ctx context.Context, ev telegraph.Event) {
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		return tx.DeleteUser(ev.ChatID)
	})
	if errors.Is(err, store.ErrNotFound) {
		e.say(ctx, ev.ChatID, "I do not know you, so there is nothing to delete.")
		return
	}
	if err != nil {
		e.fail(ctx, ev, "stop", err)
		return
	}
	if sess, ok := e.sessions.Get(ev.ChatID); ok {
		e.endFlow(ctx, sess)
	}
	e.audit.Printf("user-deleted chat=%d", ev.ChatID)
	e.say(ctx, ev.ChatID, "You have been unsubscribed from everything and your data was deleted. Send /start to come back.")
}

func (e *Engine) cmdHelp(ctx context.Context, ev telegraph.Event) {
	e.say(ctx, ev.ChatID, "%s", helpText)
}

// cmdAdmin reports the link status and whether the linked identity may
// send broadcasts.
func (e *Engine) cmdAdmin(ctx context.Context, ev telegraph.Event) {
	user, ok := e.knownUser(ctx, ev, "admin")
	if !ok {
		return
	}
	if !user.Linked() {
		e.say(ctx, ev.ChatID, "Your chat id is %d. It is not linked to a directory account; use /register to link it.", ev.ChatID)
		return
	}
	allowed, err := e.auth.CheckUserGroup(ctx, *user.ExternalAccount)
	if err != nil {
		e.fail(ctx, ev, "admin: group check", err)
		return
	}
	if allowed {
		e.say(ctx, ev.ChatID, "Your chat is linked to %s. You may send broadcasts with /send.", *user.ExternalAccount)
		return
	}
	e.say(ctx, ev.ChatID, "Your chat is linked to %s, but that account may not send broadcasts. Contact the operators with your chat id %d.",
		*user.ExternalAccount, ev.ChatID)
}

// cmdRegister issues a fresh single-use token and replies with the web
// form link. A new token supersedes any pending one.
func (e *Engine) cmdRegister(ctx context.Context, ev telegraph.Event) {
	if e.link == nil {
		e.say(ctx, ev.ChatID, "Registration is not available at the moment.")
		return
	}
	user, ok := e.knownUser(ctx, ev, "register")
	if !ok {
		return
	}
	if user.Linked() {
		e.say(ctx, ev.ChatID, "Your chat is already linked to %s. Use /unlink first to link another account.", *user.ExternalAccount)
		return
	}
	token := e.newToken()
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		return tx.SetRegisterToken(ev.ChatID, token)
	})
	if err != nil {
		e.fail(ctx, ev, "register", err)
		return
	}
	e.audit.Printf("register-token chat=%d", ev.ChatID)
	e.say(ctx, ev.ChatID, "Open this link and log in with your directory account to link it to this chat:\n%s\nThe link works once.",
		e.link(ev.ChatID, token))
}

func (e *Engine) cmdUnlink(ctx context.Context, ev telegraph.Event) {
	user, ok := e.knownUser(ctx, ev, "unlink")
	if !ok {
		return
	}
	if !user.Linked() {
		e.say(ctx, ev.ChatID, "Your chat is not linked to a directory account.")
		return
	}
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		return tx.SetExternalAccount(ev.ChatID, nil)
	})
	if err != nil {
		e.fail(ctx, ev, "unlink", err)
		return
	}
	e.audit.Printf("unlink chat=%d account=%q", ev.ChatID, *user.ExternalAccount)
	e.say(ctx, ev.ChatID, "Your chat is no longer linked to %s.", *user.ExternalAccount)
}

// cmdChannels lists every channel, marking the user's subscriptions.
func (e *Engine) cmdChannels(ctx context.Context, ev telegraph.Event) {
	var channels []models.Channel
	subscribed := map[uint]bool{}
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		var err error
		if channels, err = tx.GetChannels(); err != nil {
			return err
		}
		subs, err := tx.GetSubscriptions(ev.ChatID)
		for _, ch := range subs {
			subscribed[ch.ID] = true
		}
		return err
	})
	if err != nil {
		e.fail(ctx, ev, "channels", err)
		return
	}
	if len(channels) == 0 {
		e.say(ctx, ev.ChatID, "There are no channels yet.")
		return
	}
	var b strings.Builder
	b.WriteString("Channels (* = subscribed, ! = mandatory):\n")
	for _, ch := range channels {
		mark := " "
		if subscribed[ch.ID] {
			mark = "*"
		}
		if ch.Mandatory {
			mark += "!"
		}
		fmt.Fprintf(&b, "%s %s", mark, ch.Name)
		if ch.Description != "" {
			fmt.Fprintf(&b, " - %s", ch.Description)
		}
		b.WriteString("\n")
	}
	e.say(ctx, ev.ChatID, "%s", strings.TrimRight(b.String(), "\n"))
}

// knownUser loads the user, telling them to /start when unknown. It
// reports false when the caller should stop.
func (e *Engine) knownUser(ctx context.Context, ev telegraph.Event, where string) (*models.User, bool) {
	var user *models.User
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		var err error
		user, err = tx.GetUser(ev.ChatID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		e.say(ctx, ev.ChatID, "I do not know you yet. Send /start first.")
		return nil, false
	}
	if err != nil {
		e.fail(ctx, ev, where, err)
		return nil, false
	}
	return user, true
}
