// Package dispatch fans a composed broadcast out to the subscribers of a
// channel.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/models"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/payload"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/store"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
)

var (
	broadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoutout_broadcasts_total",
			Help: "Broadcasts dispatched.",
		},
	)
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shoutout_broadcast_deliveries_total",
			Help: "Broadcast messages by delivery result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(broadcastsTotal)
	prometheus.MustRegister(deliveriesTotal)
}

// Result summarises one broadcast.
type Result struct {
	Subscribers int     // subscribers at the moment of dispatch
	Messages    int     // messages delivered
	Failed      int     // messages that could not be delivered
	FailedChats []int64 // subscribers with at least one failed message
}

// Dispatcher relays payloads to channel subscribers through a Sender.
type Dispatcher struct {
	store  *store.Store
	sender telegraph.Sender
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Store  *store.Store
	Sender telegraph.Sender
}

// New creates a Dispatcher.
func New(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dispatch: store is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("dispatch: sender is required")
	}
	return &Dispatcher{store: opts.Store, sender: opts.Sender}, nil
}

// Broadcast re-reads the subscribers of the named channel and enqueues
// every payload, in order, for each of them. It waits until every message
// has been transmitted or has failed. A failed delivery never stops the
// remaining ones; failures are counted in the Result.
func (d *Dispatcher) Broadcast(ctx context.Context, channelName string, payloads []payload.Payload) (Result, error) {
	if len(payloads) == 0 {
		return Result{}, fmt.Errorf("dispatch: nothing to broadcast")
	}

	var subscribers []models.User
	err := d.store.Scope(ctx, func(tx *store.Tx) error {
		ch, err := tx.GetChannelByName(channelName)
		if err != nil {
			return err
		}
		subscribers, err = tx.GetSubscribers(ch.ID)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: load subscribers of %q: %w", channelName, err)
	}
	broadcastsTotal.Inc()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		res    = Result{Subscribers: len(subscribers)}
		failed = make(map[int64]bool)
	)
	record := func(chatID int64) func(error) {
		return func(err error) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("dispatch: deliver to %d: %v", chatID, err)
				deliveriesTotal.WithLabelValues("error").Inc()
				res.Failed++
				if !failed[chatID] {
					failed[chatID] = true
					res.FailedChats = append(res.FailedChats, chatID)
				}
				return
			}
			deliveriesTotal.WithLabelValues("ok").Inc()
			res.Messages++
		}
	}

	for _, u := range subscribers {
		done := record(u.ChatID)
		for _, p := range payloads {
			wg.Add(1)
			msg := telegraph.OutboundMessage{ChatID: u.ChatID, Payload: p, Done: done}
			if err := d.sender.Send(ctx, msg); err != nil {
				// Never enqueued, so Done will not fire.
				done(err)
			}
		}
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return res, fmt.Errorf("dispatch: broadcast to %q interrupted: %w", channelName, ctx.Err())
	}

	log.Printf("dispatch: broadcast to %q: %d subscribers, %d delivered, %d failed",
		channelName, res.Subscribers, res.Messages, res.Failed)
	return res, nil
}
