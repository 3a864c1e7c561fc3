package telegraph

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// recordingHandler collects handled events per chat.
type recordingHandler struct {
	mu      sync.Mutex
	byChat  map[int64][]string
	active  map[int64]bool
	overlap bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{byChat: map[int64][]string{}, active: map[int64]bool{}}
}

func (h *recordingHandler) Handle(ctx context.Context, ev Event) {
	h.mu.Lock()
	if h.active[ev.ChatID] {
		h.overlap = true
	}
	h.active[ev.ChatID] = true
	h.mu.Unlock()

	time.Sleep(time.Millisecond)

	h.mu.Lock()
	h.byChat[ev.ChatID] = append(h.byChat[ev.ChatID], ev.Text)
	h.active[ev.ChatID] = false
	h.mu.Unlock()
}

func TestNewRouter_NilHandler(t *testing.T) {
	if _, err := NewRouter(RouterOpts{}); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestRouter_PerChatOrderNoOverlap(t *testing.T) {
	h := newRecordingHandler()
	r, err := NewRouter(RouterOpts{Handler: h, Workers: 3, Out: io.Discard})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	ctx := context.Background()
	r.Start(ctx)

	for i := 0; i < 30; i++ {
		chat := int64(i%5) - 2 // includes negative chat ids
		r.Route(ctx, Event{ChatID: chat, Text: string(rune('a' + i)), Command: "x"})
	}
	r.Stop()

	if h.overlap {
		t.Error("events of one chat were handled concurrently")
	}
	for chat, texts := range h.byChat {
		if len(texts) != 6 {
			t.Errorf("chat %d handled %d events, want 6", chat, len(texts))
		}
		for i := 1; i < len(texts); i++ {
			if texts[i] <= texts[i-1] {
				t.Errorf("chat %d out of order: %v", chat, texts)
				break
			}
		}
	}
}

func TestRouter_RecoversFromPanic(t *testing.T) {
	var mu sync.Mutex
	var handled []int64
	h := HandlerFunc(func(ctx context.Context, ev Event) {
		if ev.ChatID == 1 {
			panic("boom")
		}
		mu.Lock()
		handled = append(handled, ev.ChatID)
		mu.Unlock()
	})
	r, _ := NewRouter(RouterOpts{Handler: h, Workers: 1, Out: io.Discard})
	ctx := context.Background()
	r.Start(ctx)
	r.Route(ctx, Event{ChatID: 1})
	r.Route(ctx, Event{ChatID: 2})
	r.Stop()

	if len(handled) != 1 || handled[0] != 2 {
		t.Errorf("handled = %v, want worker to survive the panic", handled)
	}
}

func TestRouter_Lane(t *testing.T) {
	r, _ := NewRouter(RouterOpts{Handler: HandlerFunc(func(context.Context, Event) {}), Workers: 4, Out: io.Discard})
	for _, id := range []int64{-9, -1, 0, 3, 1 << 40} {
		l := r.lane(id)
		if l < 0 || l >= 4 {
			t.Errorf("lane(%d) = %d, out of range", id, l)
		}
		if l != r.lane(id) {
			t.Errorf("lane(%d) not stable", id)
		}
	}
}
