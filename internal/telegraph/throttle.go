package telegraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/payload"
	"golang.org/x/time/rate"
)

// ErrQueueClosed is returned for messages submitted to, or still queued
// in, a closed Throttle.
var ErrQueueClosed = errors.New("telegraph: throttle queue closed")

// Throttle queues outbound operations and transmits them on a single
// worker within a global and a per-chat token-bucket budget. The queue is
// FIFO, so messages to the same chat go out in submission order.
type Throttle struct {
	adapter Adapter
	prompts *Prompts
	global  *rate.Limiter
	chats   *limiterPool

	queue     chan job
	closed    chan struct{}
	closeOnce sync.Once
}

// ThrottleOpts holds parameters for creating a Throttle.
type ThrottleOpts struct {
	Adapter       Adapter
	Prompts       *Prompts // receives refs of sent prompts
	GlobalPerSec  float64
	GlobalBurst   int
	PerChatPerSec float64
	PerChatBurst  int
	QueueSize     int
}

type jobKind int

const (
	jobSend jobKind = iota
	jobStrip
	jobBarrier
)

type job struct {
	kind jobKind
	msg  OutboundMessage
	ref  MessageRef
	done chan struct{} // closed when a barrier is reached
}

// NewThrottle creates a Throttle. Call Run to start the worker.
func NewThrottle(opts ThrottleOpts) (*Throttle, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: throttle: adapter is required")
	}
	if opts.Prompts == nil {
		return nil, fmt.Errorf("telegraph: throttle: prompts registry is required")
	}
	if opts.GlobalPerSec <= 0 || opts.PerChatPerSec <= 0 {
		return nil, fmt.Errorf("telegraph: throttle: rates must be positive")
	}
	if opts.GlobalBurst <= 0 {
		opts.GlobalBurst = 1
	}
	if opts.PerChatBurst <= 0 {
		opts.PerChatBurst = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Throttle{
		adapter: opts.Adapter,
		prompts: opts.Prompts,
		global:  rate.NewLimiter(rate.Limit(opts.GlobalPerSec), opts.GlobalBurst),
		chats: &limiterPool{
			rps:   opts.PerChatPerSec,
			burst: opts.PerChatBurst,
		},
		queue:  make(chan job, opts.QueueSize),
		closed: make(chan struct{}),
	}, nil
}

// Send enqueues msg and returns immediately. It blocks only while the
// queue is full, until ctx is done.
func (t *Throttle) Send(ctx context.Context, msg OutboundMessage) error {
	if msg.Payload == nil {
		return fmt.Errorf("telegraph: throttle: message to %d has no payload", msg.ChatID)
	}
	return t.enqueue(ctx, job{kind: jobSend, msg: msg})
}

// Retract enqueues a best-effort strip of a sent prompt. Failures are
// logged and otherwise ignored.
func (t *Throttle) Retract(ctx context.Context, ref MessageRef) {
	if ref.IsZero() {
		return
	}
	if err := t.enqueue(ctx, job{kind: jobStrip, ref: ref}); err != nil {
		log.Printf("telegraph: throttle: retract %d/%s: %v", ref.ChatID, ref.ID, err)
	}
}

// Flush waits until every job queued before the call has been processed.
func (t *Throttle) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := t.enqueue(ctx, job{kind: jobBarrier, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrQueueClosed
	}
}

func (t *Throttle) enqueue(ctx context.Context, j job) error {
	select {
	case <-t.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case t.queue <- j:
		queueDepth.Inc()
		return nil
	case <-t.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work. Run fails the jobs still queued.
func (t *Throttle) Close() {
	t.closeOnce.Do(func() { close(t.closed) })
}

// Run processes the queue until ctx is cancelled or Close is called.
func (t *Throttle) Run(ctx context.Context) {
	defer t.drain()
	for {
		// Shutdown wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case j := <-t.queue:
			queueDepth.Dec()
			t.process(ctx, j)
		}
	}
}

func (t *Throttle) process(ctx context.Context, j job) {
	switch j.kind {
	case jobBarrier:
		close(j.done)
		return
	case jobStrip:
		if err := t.wait(ctx, j.ref.ChatID); err != nil {
			return
		}
		err := t.adapter.StripPrompt(ctx, j.ref)
		retractTotal.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			log.Printf("telegraph: throttle: strip %d/%s: %v", j.ref.ChatID, j.ref.ID, err)
		}
		return
	}

	msg := j.msg
	if err := t.wait(ctx, msg.ChatID); err != nil {
		finish(msg, err)
		return
	}
	ref, err := t.adapter.Send(ctx, msg)
	outboundTotal.WithLabelValues(kindLabel(msg.Payload), resultLabel(err)).Inc()
	if err != nil {
		log.Printf("telegraph: throttle: send to %d: %v", msg.ChatID, err)
	} else if msg.Prompt != nil {
		t.prompts.Push(ref)
	}
	finish(msg, err)
}

// wait blocks until both the global and the chat's budget allow one
// more operation.
func (t *Throttle) wait(ctx context.Context, chatID int64) error {
	if err := t.global.Wait(ctx); err != nil {
		return err
	}
	return t.chats.get(chatID).Wait(ctx)
}

// drain fails everything left in the queue so no caller waits forever.
func (t *Throttle) drain() {
	for {
		select {
		case j := <-t.queue:
			queueDepth.Dec()
			switch j.kind {
			case jobSend:
				finish(j.msg, ErrQueueClosed)
			case jobBarrier:
				close(j.done)
			}
		default:
			return
		}
	}
}

func finish(msg OutboundMessage, err error) {
	if msg.Done != nil {
		msg.Done(err)
	}
}

func kindLabel(p payload.Payload) string {
	if p == nil {
		return "none"
	}
	return p.Kind().String()
}

// limiterPool hands out one limiter per chat.
type limiterPool struct {
	mu    sync.Mutex
	m     map[int64]*rate.Limiter
	rps   float64
	burst int
}

func (p *limiterPool) get(chatID int64) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[int64]*rate.Limiter)
	}
	if l, ok := p.m[chatID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[chatID] = l
	return l
}
