package telegraph

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNextCronDuration_ValidExpression(t *testing.T) {
	// "0 9 * * *" = daily at 09:00. Duration should be positive and < 24h.
	d := nextCronDuration("0 9 * * *")
	if d <= 0 {
		t.Fatalf("expected positive duration, got %v", d)
	}
	if d > 24*time.Hour {
		t.Fatalf("expected duration < 24h, got %v", d)
	}
}

func TestNextCronDuration_InvalidExpression(t *testing.T) {
	d := nextCronDuration("not a cron expr")
	if d != 0 {
		t.Fatalf("expected 0 for invalid expression, got %v", d)
	}
}

func TestNextCronDuration_EveryMinute(t *testing.T) {
	// "* * * * *" = every minute. Duration should be < 61s.
	d := nextCronDuration("* * * * *")
	if d <= 0 {
		t.Fatalf("expected positive duration, got %v", d)
	}
	if d > 61*time.Second {
		t.Fatalf("expected duration < 61s, got %v", d)
	}
}

func TestNewScheduler_RegistersJobs(t *testing.T) {
	c, err := newScheduler(context.Background(), []Job{
		{Name: "sweep", Schedule: "*/5 * * * *", Run: func(context.Context) {}},
		{Name: "daily", Schedule: "0 3 * * *", Run: func(context.Context) {}},
	})
	if err != nil {
		t.Fatalf("newScheduler: %v", err)
	}
	if n := len(c.Entries()); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}
}

func TestNewScheduler_Errors(t *testing.T) {
	_, err := newScheduler(context.Background(), []Job{{Name: "bad", Schedule: "nope", Run: func(context.Context) {}}})
	if err == nil || !strings.Contains(err.Error(), `job "bad"`) {
		t.Errorf("bad schedule err = %v", err)
	}
	_, err = newScheduler(context.Background(), []Job{{Name: "empty", Schedule: "* * * * *"}})
	if err == nil || !strings.Contains(err.Error(), "no function") {
		t.Errorf("nil func err = %v", err)
	}
}
