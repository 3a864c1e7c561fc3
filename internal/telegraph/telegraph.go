package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

const (
	// shutdownDrainTimeout bounds how long background handler work may run
	// after shutdown starts.
	shutdownDrainTimeout = 30 * time.Second
	// shutdownFlushTimeout bounds how long queued replies may drain on shutdown.
	shutdownFlushTimeout = 5 * time.Second
)

// Daemon is the main bot process. It connects to a chat platform via an
// Adapter, pumps inbound events through a Router to the Handler, runs the
// outbound Throttle worker, and fires maintenance jobs on schedule.
type Daemon struct {
	adapter  Adapter
	throttle *Throttle
	handler  Handler
	workers  int
	jobs     []Job
	drain    func(ctx context.Context) error
	out      io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter  Adapter
	Throttle *Throttle
	Handler  Handler
	Workers  int       // event workers, defaults to 1
	Jobs     []Job     // optional cron jobs
	Out      io.Writer // defaults to os.Stdout

	// Drain, if set, is called on shutdown after the router stops and
	// before the outbound queue is flushed and closed. It waits for work
	// the handler started in the background.
	Drain func(ctx context.Context) error
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Throttle == nil {
		return nil, fmt.Errorf("telegraph: throttle is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("telegraph: handler is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		adapter:  opts.Adapter,
		throttle: opts.Throttle,
		handler:  opts.Handler,
		workers:  opts.Workers,
		jobs:     opts.Jobs,
		drain:    opts.Drain,
		out:      out,
	}, nil
}

// Run connects the adapter, starts the throttle worker, the event router
// and the job scheduler, and blocks until the context is cancelled or the
// adapter closes its event stream. On shutdown it waits for Drain, lets
// queued replies drain briefly and closes the adapter.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Telegraph connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	sched, err := newScheduler(ctx, d.jobs)
	if err != nil {
		d.adapter.Close()
		return err
	}

	router, err := NewRouter(RouterOpts{
		Handler: d.handler,
		Workers: d.workers,
		Out:     d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	// The throttle outlives ctx so replies to in-flight events can still
	// be flushed during shutdown.
	sendCtx, stopSending := context.WithCancel(context.Background())
	throttleDone := make(chan struct{})
	go func() {
		defer close(throttleDone)
		d.throttle.Run(sendCtx)
	}()

	router.Start(ctx)
	sched.Start()
	for _, j := range d.jobs {
		fmt.Fprintf(d.out, "Telegraph job %s scheduled (next in %s)\n", j.Name, nextCronDuration(j.Schedule).Round(time.Second))
	}
	fmt.Fprintf(d.out, "Telegraph online\n")

	defer func() {
		<-sched.Stop().Done()
		router.Stop()

		if d.drain != nil {
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
			if err := d.drain(drainCtx); err != nil {
				log.Printf("telegraph: drain handler work: %v", err)
			}
			cancel()
		}

		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
		if err := d.throttle.Flush(flushCtx); err != nil {
			log.Printf("telegraph: flush outbound queue: %v", err)
		}
		cancel()
		d.throttle.Close()
		stopSending()
		<-throttleDone

		if err := d.adapter.Close(); err != nil {
			log.Printf("telegraph: close adapter: %v", err)
		}
		fmt.Fprintf(d.out, "Telegraph stopped\n")
	}()

	// Main event loop: pump inbound events until context is cancelled.
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Telegraph shutting down...\n")
			return nil

		case ev, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Telegraph inbound channel closed\n")
				return nil
			}
			router.Route(ctx, ev)
		}
	}
}
