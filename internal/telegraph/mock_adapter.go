package telegraph

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing. It records sent messages and
// stripped prompts and allows simulating inbound events via SimulateInbound.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Event
	sent      []OutboundMessage
	refs      []MessageRef
	stripped  []MessageRef
	failChats map[int64]error
	nextID    int
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:   make(chan Event, 100),
		failChats: make(map[int64]error),
	}
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message and assigns it a sequential id.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return MessageRef{}, fmt.Errorf("mock adapter: not connected")
	}
	if err := m.failChats[msg.ChatID]; err != nil {
		return MessageRef{}, err
	}
	m.nextID++
	ref := MessageRef{ChatID: msg.ChatID, ID: strconv.Itoa(m.nextID)}
	msg.Done = nil
	m.sent = append(m.sent, msg)
	m.refs = append(m.refs, ref)
	return ref, nil
}

// StripPrompt records the ref as stripped.
func (m *MockAdapter) StripPrompt(ctx context.Context, ref MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	m.stripped = append(m.stripped, ref)
	return nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends an event into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Platform == "" {
		ev.Platform = "mock"
	}
	m.inbound <- ev
}

// FailChat makes every later Send to chatID return err. A nil err clears it.
func (m *MockAdapter) FailChat(chatID int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failChats, chatID)
		return
	}
	m.failChats[chatID] = err
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the messages sent to chatID in send order.
func (m *MockAdapter) SentTo(chatID int64) []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutboundMessage
	for _, msg := range m.sent {
		if msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	return out
}

// RefOf returns the ref assigned to the i-th sent message.
func (m *MockAdapter) RefOf(i int) MessageRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[i]
}

// Stripped returns a copy of all refs passed to StripPrompt.
func (m *MockAdapter) Stripped() []MessageRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MessageRef, len(m.stripped))
	copy(out, m.stripped)
	return out
}

// Reset forgets all recorded sends and strips.
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.refs = nil
	m.stripped = nil
}
