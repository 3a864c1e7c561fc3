package telegraph

import "sync"

// Prompts tracks sent messages that still carry interactive options.
// The throttle worker pushes refs as prompts go out; the conversation
// engine takes a user's refs before showing that user a new prompt.
type Prompts struct {
	mu     sync.Mutex
	queue  []MessageRef
	byChat map[int64][]MessageRef
}

// NewPrompts creates an empty registry.
func NewPrompts() *Prompts {
	return &Prompts{byChat: make(map[int64][]MessageRef)}
}

// Push records a sent prompt. Safe for concurrent use.
func (p *Prompts) Push(ref MessageRef) {
	if ref.IsZero() {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, ref)
	p.mu.Unlock()
}

// Take drains pending pushes into the per-chat index and removes and
// returns every ref recorded for chatID, oldest first.
func (p *Prompts) Take(chatID int64) []MessageRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ref := range p.queue {
		p.byChat[ref.ChatID] = append(p.byChat[ref.ChatID], ref)
	}
	p.queue = p.queue[:0]

	refs := p.byChat[chatID]
	delete(p.byChat, chatID)
	return refs
}

// Len returns the number of refs held for all chats.
func (p *Prompts) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	for _, refs := range p.byChat {
		n += len(refs)
	}
	return n
}
