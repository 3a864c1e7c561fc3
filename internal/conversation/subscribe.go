package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/models"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/store"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
)

func channelNames(channels []models.Channel) string {
	if len(channels) == 0 {
		return "none"
	}
	return strings.Join(lo.Map(channels, func(ch models.Channel, _ int) string { return ch.Name }), ", ")
}

// startSubscribe lists the user's subscriptions and offers the rest.
func (e *Engine) startSubscribe(ctx context.Context, ev telegraph.Event) {
	var subscribed, available []models.Channel
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetUser(ev.ChatID); err != nil {
			return err
		}
		var err error
		if subscribed, err = tx.GetSubscriptions(ev.ChatID); err != nil {
			return err
		}
		available, err = tx.GetUnsubscribedChannels(ev.ChatID)
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.say(ctx, ev.ChatID, "I do not know you yet. Send /start first.")
		return
	case err != nil:
		e.fail(ctx, ev, "subscribe start", err)
		return
	}
	if len(available) == 0 && ev.Args == "" {
		e.say(ctx, ev.ChatID, "You are already subscribed to every channel.")
		return
	}

	sess, err := e.sessions.Start(ev.ChatID, FlowSubscribe, AwaitingChannel)
	if err != nil {
		e.say(ctx, ev.ChatID, "You are already in the middle of another flow. Finish it or /cancel it first.")
		return
	}
	if ev.Args != "" {
		e.stepSubscribe(ctx, withArgs(ev), sess)
		return
	}
	e.ask(ctx, ev.ChatID,
		fmt.Sprintf("You are subscribed to: %s\nWhich channel do you want to subscribe to?\n%s",
			channelNames(subscribed), channelList(available)),
		channelPrompt(available))
}

func (e *Engine) stepSubscribe(ctx context.Context, ev telegraph.Event, sess *Session) {
	if ev.Command != "" {
		e.misplaced(ctx, ev)
		return
	}

	var ch *models.Channel
	var available []models.Channel
	var added bool
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		var err error
		if ch, err = lookupChannel(tx, ev); err != nil {
			return err
		}
		if ch == nil {
			available, err = tx.GetUnsubscribedChannels(ev.ChatID)
			return err
		}
		added, err = tx.AddSubscription(ev.ChatID, ch.ID)
		return err
	})
	if err != nil {
		e.fail(ctx, ev, "subscribe", err)
		return
	}
	if ch == nil {
		e.ask(ctx, ev.ChatID, "Unknown channel. Please pick one from the list.\n"+channelList(available), channelPrompt(available))
		return
	}

	e.endFlow(ctx, sess)
	if !added {
		e.say(ctx, ev.ChatID, "You are already subscribed to %s.", ch.Name)
		return
	}
	e.audit.Printf("subscribe chat=%d channel=%q", ev.ChatID, ch.Name)
	e.say(ctx, ev.ChatID, "You are now subscribed to %s.", ch.Name)
}

// startUnsubscribe offers the user's non-mandatory subscriptions.
func (e *Engine) startUnsubscribe(ctx context.Context, ev telegraph.Event) {
	var removable []models.Channel
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetUser(ev.ChatID); err != nil {
			return err
		}
		subs, err := tx.GetSubscriptions(ev.ChatID)
		removable = lo.Reject(subs, func(c models.Channel, _ int) bool { return c.Mandatory })
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.say(ctx, ev.ChatID, "I do not know you yet. Send /start first.")
		return
	case err != nil:
		e.fail(ctx, ev, "unsubscribe start", err)
		return
	}
	if len(removable) == 0 && ev.Args == "" {
		e.say(ctx, ev.ChatID, "You have no subscriptions you can remove.")
		return
	}

	sess, err := e.sessions.Start(ev.ChatID, FlowUnsubscribe, AwaitingChannel)
	if err != nil {
		e.say(ctx, ev.ChatID, "You are already in the middle of another flow. Finish it or /cancel it first.")
		return
	}
	if ev.Args != "" {
		e.stepUnsubscribe(ctx, withArgs(ev), sess)
		return
	}
	e.ask(ctx, ev.ChatID, "Which channel do you want to unsubscribe from?\n"+channelList(removable), channelPrompt(removable))
}

// stepUnsubscribe removes the chosen subscription. Unknown, not
// subscribed and mandatory channels are each rejected and leave the flow
// open for another choice.
func (e *Engine) stepUnsubscribe(ctx context.Context, ev telegraph.Event, sess *Session) {
	if ev.Command != "" {
		e.misplaced(ctx, ev)
		return
	}

	var ch *models.Channel
	var subscribed, removed bool
	var removable []models.Channel
	err := e.store.Scope(ctx, func(tx *store.Tx) error {
		var err error
		if ch, err = lookupChannel(tx, ev); err != nil {
			return err
		}
		if ch != nil {
			if subscribed, err = tx.IsSubscribed(ev.ChatID, ch.ID); err != nil {
				return err
			}
			if subscribed && !ch.Mandatory {
				removed, err = tx.RemoveSubscription(ev.ChatID, ch.ID)
				return err
			}
		}
		subs, err := tx.GetSubscriptions(ev.ChatID)
		removable = lo.Reject(subs, func(c models.Channel, _ int) bool { return c.Mandatory })
		return err
	})
	if err != nil {
		e.fail(ctx, ev, "unsubscribe", err)
		return
	}

	switch {
	case ch == nil:
		e.ask(ctx, ev.ChatID, "Unknown channel. Please pick one from the list.\n"+channelList(removable), channelPrompt(removable))
	case !subscribed:
		e.ask(ctx, ev.ChatID, fmt.Sprintf("You are not subscribed to %s. Pick another channel or /cancel.", ch.Name), channelPrompt(removable))
	case ch.Mandatory:
		e.say(ctx, ev.ChatID, "%s is mandatory and cannot be unsubscribed. Pick another channel or /cancel.", ch.Name)
	default:
		e.endFlow(ctx, sess)
		if removed {
			e.audit.Printf("unsubscribe chat=%d channel=%q", ev.ChatID, ch.Name)
		}
		e.say(ctx, ev.ChatID, "You are no longer subscribed to %s.", ch.Name)
	}
}
