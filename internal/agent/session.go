package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Params configures a session.
type Params struct {
	// ThreadID is the stable thread identifier sent with every run.
	ThreadID string
	// MaxTurns caps re-invocations when the agent keeps returning tool
	// activity without text.
	MaxTurns int
	// Timeout bounds each individual agent run.
	Timeout time.Duration
	// ForwardedProps are passed through to the agent verbatim on every run
	// (tenant LLM credentials live here).
	ForwardedProps map[string]any
}

// Session is one conversation with an agent: an append-only message history,
// the last state snapshot, and the invoker runs go through. All calls on a
// session are serialized, so one slow run blocks later messages in the same
// conversation but never other sessions.
type Session struct {
	id     string
	params Params
	invoke Invoker
	logger *slog.Logger

	mu       sync.Mutex
	messages []Message
	state    map[string]any
}

// NewSession creates a session. The invoker is typically Client.Run wrapped
// in middleware.
func NewSession(log *slog.Logger, invoke Invoker, params Params) *Session {
	if log == nil {
		log = slog.Default()
	}
	if params.MaxTurns <= 0 {
		params.MaxTurns = 8
	}
	if params.Timeout <= 0 {
		params.Timeout = 2 * time.Minute
	}
	return &Session{
		id:     params.ThreadID,
		params: params,
		invoke: invoke,
		logger: log.With(slog.String("thread_id", params.ThreadID)),
		state:  map[string]any{},
	}
}

// Clone derives a per-conversation session from this one: same agent, same
// forwarded props, a thread id extended with the conversation key, and a
// fresh history. The state snapshot is copied so conversations start from the
// parent's configuration without sharing mutations.
func (s *Session) Clone(conversationKey string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	params := s.params
	params.ThreadID = s.params.ThreadID + "#" + conversationKey
	child := NewSession(s.logger, s.invoke, params)
	for k, v := range s.state {
		child.state[k] = v
	}
	return child
}

// ThreadID returns the session's thread identifier.
func (s *Session) ThreadID() string {
	return s.id
}

// SendMessage appends a user message, runs the agent, and returns the
// assistant's text. Runs that produce only tool activity are re-invoked with
// the grown history, up to the turn cap.
func (s *Session) SendMessage(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, Message{
		ID:      uuid.NewString(),
		Role:    RoleUser,
		Content: content,
	})

	for turn := 0; turn < s.params.MaxTurns; turn++ {
		result, err := s.run(ctx)
		if err != nil {
			return "", err
		}
		s.absorb(result)
		if result.Text != "" {
			return result.Text, nil
		}
		if len(result.ToolCalls()) == 0 {
			return "", fmt.Errorf("agent returned no response")
		}
		s.logger.Debug("tool-only turn, re-invoking",
			slog.Int("turn", turn+1),
			slog.Int("tool_calls", len(result.ToolCalls())))
	}
	return "", fmt.Errorf("agent did not produce text within %d turns", s.params.MaxTurns)
}

func (s *Session) run(ctx context.Context) (RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.params.Timeout)
	defer cancel()
	input := RunInput{
		ThreadID:       s.id,
		RunID:          "run_" + uuid.NewString(),
		Messages:       append([]Message(nil), s.messages...),
		State:          s.stateCopy(),
		Tools:          []any{},
		Context:        []ContextItem{},
		ForwardedProps: s.params.ForwardedProps,
	}
	if input.ForwardedProps == nil {
		input.ForwardedProps = map[string]any{}
	}
	return s.invoke(runCtx, input)
}

// absorb appends the run's messages to history and merges its state
// snapshot. Keys already present in the session win so a conversation's
// established configuration is not clobbered by a partial snapshot.
func (s *Session) absorb(result RunResult) {
	s.messages = append(s.messages, result.Messages...)
	for k, v := range result.State {
		if _, exists := s.state[k]; !exists {
			s.state[k] = v
		}
	}
}

// History returns a copy of the message history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// State returns a copy of the last merged state snapshot.
func (s *Session) State() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateCopy()
}

func (s *Session) stateCopy() map[string]any {
	out := make(map[string]any, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}
