package telegraph

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Job is a maintenance task run on a cron schedule while the daemon is up.
type Job struct {
	Name     string
	Schedule string // 5-field cron expression
	Run      func(ctx context.Context)
}

// newScheduler registers jobs on a cron scheduler bound to ctx. The
// scheduler is returned unstarted.
func newScheduler(ctx context.Context, jobs []Job) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser))
	for _, j := range jobs {
		j := j
		if j.Run == nil {
			return nil, fmt.Errorf("telegraph: job %q has no function", j.Name)
		}
		if _, err := c.AddFunc(j.Schedule, func() {
			start := time.Now()
			j.Run(ctx)
			log.Printf("telegraph: job %s finished in %s", j.Name, time.Since(start).Round(time.Millisecond))
		}); err != nil {
			return nil, fmt.Errorf("telegraph: job %q schedule %q: %w", j.Name, j.Schedule, err)
		}
	}
	return c, nil
}

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}
