// Package stream consumes chunked assistant responses and materializes
// them into message records.
package stream

import (
	"fmt"
	"strings"
	"sync"
)

// State is a session's lifecycle phase.
type State string

const (
	StateOpen      State = "open"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IntegrityError reports a chunk arriving out of order or duplicated.
// The session aborts as failed; chunks are never silently reordered.
type IntegrityError struct {
	Expected int
	Got      int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("stream integrity: expected offset %d, got %d", e.Expected, e.Got)
}

// Session is the transient state of one in-progress chunked response.
// It lives in memory only; the result (or committed partial) lands in
// the store when the session reaches a terminal state.
type Session struct {
	ConversationID string
	MessageID      string

	mu         sync.Mutex
	buf        strings.Builder
	nextOffset int
	state      State
	err        error
	done       chan struct{}
	cancel     func()
}

func newSession(conversationID, messageID string, cancel func()) *Session {
	return &Session{
		ConversationID: conversationID,
		MessageID:      messageID,
		state:          StateOpen,
		done:           make(chan struct{}),
		cancel:         cancel,
	}
}

// append adds one token chunk at the given offset. Offsets must arrive
// in strict sequence starting at zero.
func (s *Session) append(offset int, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return fmt.Errorf("session %s is %s", s.MessageID, s.state)
	}
	if offset != s.nextOffset {
		return &IntegrityError{Expected: s.nextOffset, Got: offset}
	}
	s.nextOffset++
	s.buf.WriteString(content)
	return nil
}

// finish moves the session to a terminal state. Only the first call
// wins; later calls report false and change nothing.
func (s *Session) finish(state State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return false
	}
	s.state = state
	s.err = err
	close(s.done)
	return true
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Content returns the accumulated buffer. Valid in any state; a failed
// session keeps its partial content for display.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Err returns the terminal error, nil for completed and cancelled sessions.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
