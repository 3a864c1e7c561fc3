package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/payload"
)

// ErrFlowActive is returned by Sessions.Start when the user is already in a flow.
var ErrFlowActive = errors.New("conversation: flow already active")

// Flow identifies a multi-turn conversation.
type Flow int

const (
	FlowBroadcast Flow = iota + 1
	FlowSubscribe
	FlowUnsubscribe
)

func (f Flow) String() string {
	switch f {
	case FlowBroadcast:
		return "broadcast"
	case FlowSubscribe:
		return "subscribe"
	case FlowUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// State is the node of a flow's state machine.
type State int

const (
	AwaitingChannel State = iota + 1
	AwaitingMessages
	AwaitingConfirmation
)

func (s State) String() string {
	switch s {
	case AwaitingChannel:
		return "awaiting-channel"
	case AwaitingMessages:
		return "awaiting-messages"
	case AwaitingConfirmation:
		return "awaiting-confirmation"
	default:
		return "unknown"
	}
}

// Session is the working data of one user's active flow. Flow and ChatID
// never change; the other fields are only touched by the worker that owns
// the chat.
type Session struct {
	ChatID int64
	Flow   Flow
	State  State

	// Account is the directory identity the broadcast flow was entered with.
	Account string
	// Channel is the chosen broadcast target.
	Channel string
	// Payloads is nil until a channel is chosen, then holds the composed
	// messages in order.
	Payloads []payload.Payload

	Started time.Time
	touched time.Time // guarded by Sessions.mu
}

// Sessions holds at most one active flow per user.
type Sessions struct {
	mu  sync.Mutex
	m   map[int64]*Session
	now func() time.Time
}

// NewSessions creates an empty session store.
func NewSessions() *Sessions {
	return &Sessions{m: make(map[int64]*Session), now: time.Now}
}

// Get returns the user's active session.
func (s *Sessions) Get(chatID int64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[chatID]
	return sess, ok
}

// Start opens a new flow in state. It fails with ErrFlowActive if the
// user already has one.
func (s *Sessions) Start(chatID int64, flow Flow, state State) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[chatID]; ok {
		return nil, ErrFlowActive
	}
	now := s.now()
	sess := &Session{ChatID: chatID, Flow: flow, State: state, Started: now, touched: now}
	s.m[chatID] = sess
	return sess, nil
}

// Acquire returns the user's active session and marks it as active now,
// so Expire cannot drop it between the lookup and the touch.
func (s *Sessions) Acquire(chatID int64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[chatID]
	if ok {
		sess.touched = s.now()
	}
	return sess, ok
}

// End removes the user's session. It reports whether one existed.
func (s *Sessions) End(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[chatID]
	delete(s.m, chatID)
	return ok
}

// Remove drops sess if it is still the user's active session. It reports
// false when sess was already expired or ended.
func (s *Sessions) Remove(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[sess.ChatID] != sess {
		return false
	}
	delete(s.m, sess.ChatID)
	return true
}

// Expire removes and returns every session idle for longer than idle.
func (s *Sessions) Expire(idle time.Duration) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-idle)
	var out []*Session
	for id, sess := range s.m {
		if sess.touched.Before(cutoff) {
			out = append(out, sess)
			delete(s.m, id)
		}
	}
	return out
}

// Len returns the number of active sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
