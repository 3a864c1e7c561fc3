package conversation

import (
	"context"
	"log"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/telegraph"
)

// Sweep drops flows that have been idle longer than the idle timeout and
// tells their users. It returns the number of expired flows.
func (e *Engine) Sweep(ctx context.Context) int {
	expired := e.sessions.Expire(e.idle)
	for _, sess := range expired {
		e.retractPrompts(ctx, sess.ChatID)
		e.say(ctx, sess.ChatID, "Your %s was cancelled after %s without input.", sess.Flow, e.idle)
	}
	if len(expired) > 0 {
		log.Printf("conversation: sweep expired %d idle flow(s)", len(expired))
	}
	return len(expired)
}

// SweepJob wraps Sweep as a scheduled daemon job.
func (e *Engine) SweepJob(schedule string) telegraph.Job {
	return telegraph.Job{
		Name:     "session-sweep",
		Schedule: schedule,
		Run:      func(ctx context.Context) { e.Sweep(ctx) },
	}
}
