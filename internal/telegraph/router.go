package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"sync"
)

// Handler processes one inbound event. Events of the same chat are never
// handled concurrently.
type Handler interface {
	Handle(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event)

// Handle calls f(ctx, ev).
func (f HandlerFunc) Handle(ctx context.Context, ev Event) { f(ctx, ev) }

// Router fans inbound events out to a fixed set of workers. The worker is
// chosen by chat id, so one user's events are processed in arrival order
// while different users proceed in parallel.
type Router struct {
	handler Handler
	out     io.Writer
	lanes   []chan Event
	wg      sync.WaitGroup
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Handler Handler
	Workers int       // defaults to 1
	Buffer  int       // per-worker queue length, defaults to 64
	Out     io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router. Call Start before Route.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("telegraph: router: handler is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	r := &Router{handler: opts.Handler, out: out}
	for i := 0; i < opts.Workers; i++ {
		r.lanes = append(r.lanes, make(chan Event, opts.Buffer))
	}
	return r, nil
}

// Start launches the workers.
func (r *Router) Start(ctx context.Context) {
	for i, lane := range r.lanes {
		r.wg.Add(1)
		go r.work(ctx, i, lane)
	}
}

// Route queues ev on the worker owning its chat. It blocks while that
// worker's queue is full.
func (r *Router) Route(ctx context.Context, ev Event) {
	inboundTotal.WithLabelValues(ev.Type()).Inc()
	fmt.Fprintf(r.out, "telegraph: router: recv [chat=%d type=%s] %q\n",
		ev.ChatID, ev.Type(), truncate(ev.Text, 80))
	select {
	case r.lanes[r.lane(ev.ChatID)] <- ev:
	case <-ctx.Done():
	}
}

// Stop closes the worker queues and waits for in-flight events.
func (r *Router) Stop() {
	for _, lane := range r.lanes {
		close(lane)
	}
	r.wg.Wait()
}

func (r *Router) lane(chatID int64) int {
	n := int64(len(r.lanes))
	i := chatID % n
	if i < 0 {
		i += n
	}
	return int(i)
}

func (r *Router) work(ctx context.Context, id int, lane <-chan Event) {
	defer r.wg.Done()
	for ev := range lane {
		r.handle(ctx, id, ev)
	}
}

// handle runs the handler, containing panics so one bad event cannot take
// down the worker serving other users.
func (r *Router) handle(ctx context.Context, id int, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("telegraph: router: worker %d: panic handling chat %d: %v\n%s", id, ev.ChatID, p, debug.Stack())
		}
	}()
	r.handler.Handle(ctx, ev)
}
