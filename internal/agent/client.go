package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to one agent endpoint speaking the AG-UI run protocol: a POST
// of RunInput answered either by a server-sent event stream or by a plain
// JSON body.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a client for an agent endpoint. The http.Client carries
// no timeout of its own; callers bound runs through ctx.
func NewClient(log *slog.Logger, endpoint string) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimSpace(endpoint),
		http:     &http.Client{},
		logger:   log.With(slog.String("agent_endpoint", endpoint)),
	}
}

// Endpoint returns the configured agent URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Run executes one agent run and accumulates the streamed events into a
// RunResult.
func (c *Client) Run(ctx context.Context, input RunInput) (RunResult, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return RunResult{}, fmt.Errorf("agent run: encode input: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return RunResult{}, fmt.Errorf("agent run: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return RunResult{}, fmt.Errorf("agent run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return RunResult{}, fmt.Errorf("agent run: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result RunResult
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		result, err = c.consumeStream(resp.Body)
	} else {
		result, err = decodeJSONBody(resp.Body)
	}
	if err != nil {
		return RunResult{}, err
	}
	c.logger.Debug("run finished",
		slog.String("run_id", input.RunID),
		slog.Duration("elapsed", time.Since(started)),
		slog.Int("messages", len(result.Messages)))
	return result, nil
}

// event is the decoded form of one SSE data payload. The event type lives
// inside the JSON object, not on an SSE event line.
type event struct {
	Type         string          `json:"type"`
	MessageID    string          `json:"messageId"`
	Delta        string          `json:"delta"`
	ToolCallID   string          `json:"toolCallId"`
	ToolCallName string          `json:"toolCallName"`
	Snapshot     map[string]any  `json:"snapshot"`
	Message      string          `json:"message"`
	RawEvent     json.RawMessage `json:"rawEvent"`
}

func (c *Client) consumeStream(body io.Reader) (RunResult, error) {
	var (
		result  RunResult
		text    strings.Builder
		current *Message
		call    *ToolCall
		args    strings.Builder
	)
	flushMessage := func() {
		if current != nil {
			result.Messages = append(result.Messages, *current)
			current = nil
		}
	}
	flushCall := func() {
		if call == nil {
			return
		}
		call.Function.Arguments = args.String()
		args.Reset()
		msg := Message{ID: call.ID, Role: RoleAssistant, ToolCalls: []ToolCall{*call}}
		result.Messages = append(result.Messages, msg)
		call = nil
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			c.logger.Warn("bad stream event", slog.Any("error", err))
			continue
		}
		switch ev.Type {
		case "TEXT_MESSAGE_START", "textMessageStart":
			flushMessage()
			current = &Message{ID: ev.MessageID, Role: RoleAssistant}
		case "TEXT_MESSAGE_CONTENT", "textMessageContent":
			if current == nil {
				current = &Message{ID: ev.MessageID, Role: RoleAssistant}
			}
			current.Content += ev.Delta
			text.WriteString(ev.Delta)
		case "TEXT_MESSAGE_END", "textMessageEnd":
			flushMessage()
		case "TOOL_CALL_START", "toolCallStart":
			flushCall()
			call = &ToolCall{ID: ev.ToolCallID, Type: "function", Function: FunctionCall{Name: ev.ToolCallName}}
		case "TOOL_CALL_ARGS", "toolCallArgs":
			if call != nil {
				args.WriteString(ev.Delta)
			}
		case "TOOL_CALL_END", "toolCallEnd":
			flushCall()
		case "STATE_SNAPSHOT", "stateSnapshot":
			result.State = ev.Snapshot
		case "RUN_ERROR", "runError":
			return RunResult{}, fmt.Errorf("agent run: %s", ev.Message)
		case "RUN_FINISHED", "runFinished":
			// Terminal; trailing events after this are ignored anyway.
		}
	}
	if err := scanner.Err(); err != nil {
		return RunResult{}, fmt.Errorf("agent run: read stream: %w", err)
	}
	flushMessage()
	flushCall()
	result.Text = text.String()
	return result, nil
}

// decodeJSONBody handles agents that answer with a single JSON object instead
// of an event stream, probing the common text field names.
func decodeJSONBody(body io.Reader) (RunResult, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return RunResult{}, fmt.Errorf("agent run: read body: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		trimmed := strings.TrimSpace(string(raw))
		return RunResult{Text: trimmed, Messages: []Message{{Role: RoleAssistant, Content: trimmed}}}, nil
	}
	for _, field := range []string{"text", "content", "response", "message", "output"} {
		if v, ok := generic[field].(string); ok && v != "" {
			return RunResult{Text: v, Messages: []Message{{Role: RoleAssistant, Content: v}}}, nil
		}
	}
	trimmed := strings.TrimSpace(string(raw))
	return RunResult{Text: trimmed, Messages: []Message{{Role: RoleAssistant, Content: trimmed}}}, nil
}
