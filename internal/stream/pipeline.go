package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/covehq/cove/internal/bus"
	"github.com/covehq/cove/internal/store"
)

// ErrStreamActive is returned when a conversation already has an open
// session. Callers cancel the running turn before starting another.
var ErrStreamActive = errors.New("a stream is already open for this conversation")

// ErrConnectionLost marks a transport drop without a done marker.
var ErrConnectionLost = errors.New("connection lost before stream completed")

// event is the wire shape of one chunk in the response feed.
type event struct {
	Type    string `json:"type"`
	Offset  int    `json:"offset"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// messagePayload is the stored payload of a chat message record.
type messagePayload struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

// Pipeline opens chat turns against the streaming endpoint and commits
// the results to the local store as ordinary dirty records.
type Pipeline struct {
	db          *store.DB
	bus         *bus.Bus
	logger      *zap.Logger
	endpoint    string
	apiKey      string
	userID      string
	idleTimeout time.Duration
	http        *http.Client

	mu     sync.Mutex
	active map[string]*Session
}

// NewPipeline creates a stream pipeline. idleTimeout bounds the gap
// between consecutive events before the session fails as lost.
func NewPipeline(db *store.DB, b *bus.Bus, endpoint, apiKey, userID string, idleTimeout time.Duration, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		db:          db,
		bus:         b,
		logger:      logger.Named("stream"),
		endpoint:    endpoint,
		apiKey:      apiKey,
		userID:      userID,
		idleTimeout: idleTimeout,
		http:        &http.Client{},
		active:      make(map[string]*Session),
	}
}

// Begin submits a chat turn. The user's prompt is committed immediately
// as a dirty message record; the assistant reply streams into a new
// session. At most one open session per conversation: a second Begin
// fails fast with ErrStreamActive.
func (p *Pipeline) Begin(ctx context.Context, conversationID, prompt string) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if _, open := p.active[conversationID]; open {
		p.mu.Unlock()
		cancel()
		return nil, ErrStreamActive
	}
	s := newSession(conversationID, uuid.NewString(), cancel)
	p.active[conversationID] = s
	p.mu.Unlock()

	if err := p.commitMessage(uuid.NewString(), conversationID, "user", prompt); err != nil {
		p.release(s)
		cancel()
		return nil, fmt.Errorf("commit prompt: %w", err)
	}

	resp, err := p.open(ctx, conversationID, prompt)
	if err != nil {
		p.release(s)
		cancel()
		return nil, err
	}

	go p.consume(ctx, s, resp)
	return s, nil
}

// Cancel tears down the open session for a conversation. Non-empty
// partial content is committed as a dirty message; an empty buffer is
// discarded with no store write.
func (p *Pipeline) Cancel(conversationID string) error {
	p.mu.Lock()
	s := p.active[conversationID]
	p.mu.Unlock()
	if s == nil {
		return nil
	}

	if !s.finish(StateCancelled, nil) {
		return nil
	}
	s.cancel()
	p.release(s)

	if partial := s.Content(); partial != "" {
		if err := p.commitMessage(s.MessageID, s.ConversationID, "assistant", partial); err != nil {
			return fmt.Errorf("commit partial: %w", err)
		}
	}
	p.publishFinished(s)
	return nil
}

// Active returns the number of open sessions.
func (p *Pipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Shutdown cancels every open session, committing partials.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		if err := p.Cancel(id); err != nil {
			p.logger.Error("cancel on shutdown", zap.String("conversation", id), zap.Error(err))
		}
	}
}

func (p *Pipeline) open(ctx context.Context, conversationID, prompt string) (*http.Response, error) {
	body, err := json.Marshal(map[string]string{
		"conversation_id": conversationID,
		"prompt":          prompt,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream: status %d", resp.StatusCode)
	}
	return resp, nil
}

// consume reads the event feed until a terminal event, a transport drop,
// or cancellation. The idle timer tears the connection down when the
// feed stalls past the inactivity bound.
func (p *Pipeline) consume(ctx context.Context, s *Session, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()

	idle := time.AfterFunc(p.idleTimeout, s.cancel)
	defer idle.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		idle.Reset(p.idleTimeout)

		var evt event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			p.logger.Warn("unparseable event dropped", zap.String("conversation", s.ConversationID), zap.Error(err))
			continue
		}

		switch evt.Type {
		case "token":
			if err := s.append(evt.Offset, evt.Content); err != nil {
				s.cancel()
				p.fail(s, err)
				return
			}
		case "error":
			// Partial buffer survives on the session for display.
			s.cancel()
			p.fail(s, errors.New(evt.Message))
			return
		case "done":
			p.complete(s)
			return
		}
	}

	// EOF or read error without a done marker. A cancelled session was
	// already finalized by Cancel; anything else is a lost connection.
	if err := scanner.Err(); err != nil {
		p.fail(s, fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return
	}
	p.fail(s, ErrConnectionLost)
}

func (p *Pipeline) complete(s *Session) {
	// Commit first: a session only reaches StateCompleted once the reply
	// is durably stored. A completed turn with no message would look
	// successful while the content was silently lost.
	if err := p.commitMessage(s.MessageID, s.ConversationID, "assistant", s.Content()); err != nil {
		p.fail(s, fmt.Errorf("commit stream result: %w", err))
		return
	}

	if !s.finish(StateCompleted, nil) {
		return
	}
	p.release(s)
	p.publishFinished(s)
}

func (p *Pipeline) fail(s *Session, err error) {
	if !s.finish(StateFailed, err) {
		return
	}
	p.release(s)
	p.logger.Warn("stream failed",
		zap.String("conversation", s.ConversationID),
		zap.Error(err))
	p.publishFinished(s)
}

// commitMessage writes a chat message as a dirty record so the next sync
// cycle pushes it like any local mutation.
func (p *Pipeline) commitMessage(id, conversationID, role, content string) error {
	payload, err := json.Marshal(messagePayload{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	})
	if err != nil {
		return err
	}
	return p.db.Upsert(&store.Record{
		ID:      id,
		UserID:  p.userID,
		Type:    store.RecordTypeMessage,
		Payload: payload,
	})
}

func (p *Pipeline) release(s *Session) {
	p.mu.Lock()
	if p.active[s.ConversationID] == s {
		delete(p.active, s.ConversationID)
	}
	p.mu.Unlock()
}

func (p *Pipeline) publishFinished(s *Session) {
	errMsg := ""
	if err := s.Err(); err != nil {
		errMsg = err.Error()
	}
	p.bus.Publish(bus.Event{
		Kind:      "stream.finished",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": s.ConversationID,
			"message_id":      s.MessageID,
			"state":           string(s.State()),
			"error":           errMsg,
		},
	})
}
