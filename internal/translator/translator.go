// Package translator parses the agent subprocess's line-delimited JSON output
// into canonical protocol events and maintains the tool-call/result pairing
// state machine. One raw line may yield zero, one, or more canonical events;
// a malformed line is contained to a warning and never aborts the stream.
package translator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/inercia/tether/internal/conversion"
	"github.com/inercia/tether/internal/logging"
	"github.com/inercia/tether/internal/protocol"
)

// ParseError reports a single unparseable raw line. The stream continues.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable agent line: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// pendingCall tracks one tool invocation awaiting its result.
type pendingCall struct {
	callID   string
	toolName string
	args     json.RawMessage
	command  string
}

// Translator converts raw agent lines into canonical events. It is scoped to
// one session: the pending tool-call map and thread id are per-instance state,
// never process-wide.
type Translator struct {
	logger   *slog.Logger
	renderer *conversion.Renderer

	mu       sync.Mutex
	pending  map[string]*pendingCall
	threadID string

	parseErrors atomic.Int64
}

// New creates a translator for one session.
func New() *Translator {
	return &Translator{
		logger:   logging.Translator(),
		renderer: conversion.Default(),
		pending:  make(map[string]*pendingCall),
	}
}

// ThreadID returns the agent-assigned thread id, once seen.
func (t *Translator) ThreadID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threadID
}

// PendingCallIDs returns the call ids still awaiting a result.
func (t *Translator) PendingCallIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	return ids
}

// ParseErrorCount returns the number of raw lines that failed to parse.
func (t *Translator) ParseErrorCount() int64 {
	return t.parseErrors.Load()
}

// noiseLine reports agent CLI chatter that must be dropped before any
// translation or broadcast.
func noiseLine(line string) bool {
	return strings.Contains(strings.ToLower(line), "reading prompt from stdin")
}

// Translate converts one raw stdout line into zero or more canonical events.
// The returned events carry no sequence number; the session coordinator
// assigns it exactly once before persistence and broadcast.
func (t *Translator) Translate(line string) ([]protocol.Event, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || noiseLine(trimmed) {
		return nil, nil
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		t.parseErrors.Add(1)
		t.logger.Warn("skipping malformed agent line", "error", err, "line", preview(trimmed))
		return nil, &ParseError{Line: trimmed, Err: err}
	}

	switch raw.Type {
	case "thread.started":
		t.mu.Lock()
		t.threadID = raw.ThreadID
		t.mu.Unlock()
		return []protocol.Event{{
			Type:    protocol.EventThreadStarted,
			Payload: &protocol.ThreadStartedPayload{ThreadID: raw.ThreadID},
		}}, nil

	case "turn.started":
		return []protocol.Event{{Type: protocol.EventTurnStarted}}, nil

	case "turn.completed":
		payload := &protocol.TurnCompletedPayload{}
		if raw.Usage != nil {
			payload.Usage = &protocol.TurnUsage{
				InputTokens:       raw.Usage.InputTokens,
				CachedInputTokens: raw.Usage.CachedInputTokens,
				OutputTokens:      raw.Usage.OutputTokens,
			}
		}
		return []protocol.Event{{Type: protocol.EventTurnCompleted, Payload: payload}}, nil

	case "turn.failed", "error":
		return []protocol.Event{{
			Type: protocol.EventWarning,
			Payload: &protocol.WarningPayload{
				Kind:    protocol.WarnAgentError,
				Message: raw.Message,
			},
		}}, nil

	case "tool_call":
		return t.translateToolCall(raw), nil

	case "tool_result":
		return []protocol.Event{t.translateToolResult(raw)}, nil

	case "plan_state":
		return []protocol.Event{planEvent(raw.Items)}, nil

	case "item.started":
		return t.translateItemStarted(raw), nil

	case "item.completed":
		return t.translateItemCompleted(raw), nil

	default:
		t.logger.Debug("ignoring unknown agent event type", "type", raw.Type)
		return nil, nil
	}
}

// translateToolCall inserts a pending record and emits the in-progress
// canonical event. A plan-shaped tool call additionally fans out into an
// immediate plan_state item.
func (t *Translator) translateToolCall(raw rawEvent) []protocol.Event {
	command := ""
	if isShellTool(raw.Tool) {
		command = DisplayCommand(raw.Args)
	}

	t.mu.Lock()
	t.pending[raw.CallID] = &pendingCall{
		callID:   raw.CallID,
		toolName: raw.Tool,
		args:     raw.Args,
		command:  command,
	}
	t.mu.Unlock()

	events := []protocol.Event{{
		Type: protocol.EventItemCompleted,
		Payload: &protocol.Item{
			Type: protocol.ItemToolCall,
			ID:   raw.CallID,
			ToolCall: &protocol.ToolCall{
				CallID:    raw.CallID,
				ToolName:  raw.Tool,
				Arguments: raw.Args,
				Command:   command,
				State:     protocol.ToolCallPending,
			},
		},
	}}

	if isPlanTool(raw.Tool) {
		if plan := planFromArgs(raw.Args); plan != nil {
			events = append(events, *plan)
		}
	}
	return events
}

// translateToolResult resolves a pending call to its terminal state. A result
// with no matching pending call is surfaced as a synthetic failed record
// rather than silently dropped.
func (t *Translator) translateToolResult(raw rawEvent) protocol.Event {
	t.mu.Lock()
	call, ok := t.pending[raw.CallID]
	if ok {
		delete(t.pending, raw.CallID)
	}
	t.mu.Unlock()

	state := protocol.ToolCallFailed
	if raw.OK != nil && *raw.OK {
		state = protocol.ToolCallSucceeded
	}

	tc := &protocol.ToolCall{
		CallID:   raw.CallID,
		State:    state,
		Output:   TruncateOutput(raw.Output, DefaultMaxOutputLines),
		ExitCode: raw.ExitCode,
	}
	if ok {
		tc.ToolName = call.toolName
		tc.Arguments = call.args
		tc.Command = call.command
	} else {
		tc.State = protocol.ToolCallFailed
		tc.Annotation = "unpaired result"
		t.logger.Warn("tool result with no pending call", "call_id", raw.CallID)
	}

	return protocol.Event{
		Type: protocol.EventItemCompleted,
		Payload: &protocol.Item{
			Type:     protocol.ItemToolResult,
			ID:       raw.CallID,
			ToolCall: tc,
		},
	}
}

// translateItemStarted handles the agent's native command_execution begin
// marker, which pairs by item id instead of a call id.
func (t *Translator) translateItemStarted(raw rawEvent) []protocol.Event {
	if raw.Item == nil || raw.Item.Type != "command_execution" || raw.Item.ID == "" {
		return nil
	}

	t.mu.Lock()
	t.pending[raw.Item.ID] = &pendingCall{
		callID:   raw.Item.ID,
		toolName: "shell",
		command:  raw.Item.Command,
	}
	t.mu.Unlock()

	return []protocol.Event{{
		Type: protocol.EventItemCompleted,
		Payload: &protocol.Item{
			Type: protocol.ItemToolCall,
			ID:   raw.Item.ID,
			ToolCall: &protocol.ToolCall{
				CallID:   raw.Item.ID,
				ToolName: "shell",
				Command:  raw.Item.Command,
				State:    protocol.ToolCallPending,
			},
		},
	}}
}

func (t *Translator) translateItemCompleted(raw rawEvent) []protocol.Event {
	if raw.Item == nil {
		return nil
	}
	item := raw.Item

	switch item.Type {
	case "agent_message":
		return []protocol.Event{{
			Type: protocol.EventItemCompleted,
			Payload: &protocol.Item{
				Type: protocol.ItemAgentMessage,
				ID:   item.ID,
				Role: "assistant",
				Text: item.Text,
				HTML: t.renderer.Render(item.Text),
			},
		}}

	case "user_message":
		return []protocol.Event{{
			Type: protocol.EventItemCompleted,
			Payload: &protocol.Item{
				Type: protocol.ItemAgentMessage,
				ID:   item.ID,
				Role: "user",
				Text: item.Text,
			},
		}}

	case "reasoning":
		return []protocol.Event{{
			Type: protocol.EventItemCompleted,
			Payload: &protocol.Item{
				Type: protocol.ItemReasoning,
				ID:   item.ID,
				Text: item.Text,
			},
		}}

	case "command_execution":
		return []protocol.Event{t.completeCommandExecution(item)}

	case "todo_list":
		return []protocol.Event{planEvent(item.Items)}

	default:
		t.logger.Debug("ignoring unknown item type", "item_type", item.Type)
		return nil
	}
}

// completeCommandExecution terminalizes a command_execution item. The item id
// doubles as call id; an unseen id is treated like an unpaired result.
func (t *Translator) completeCommandExecution(item *rawItem) protocol.Event {
	t.mu.Lock()
	_, wasPending := t.pending[item.ID]
	if wasPending {
		delete(t.pending, item.ID)
	}
	t.mu.Unlock()

	state := protocol.ToolCallSucceeded
	if item.Status == "failed" || (item.ExitCode != nil && *item.ExitCode != 0) {
		state = protocol.ToolCallFailed
	}

	tc := &protocol.ToolCall{
		CallID:   item.ID,
		ToolName: "shell",
		Command:  item.Command,
		State:    state,
		Output:   TruncateOutput(item.AggregatedOutput, DefaultMaxOutputLines),
		ExitCode: item.ExitCode,
	}
	if !wasPending && item.ID != "" {
		// Terminal event without a begin marker: keep it, flag it.
		tc.Annotation = "unpaired result"
	}

	return protocol.Event{
		Type: protocol.EventItemCompleted,
		Payload: &protocol.Item{
			Type:     protocol.ItemToolResult,
			ID:       item.ID,
			ToolCall: tc,
		},
	}
}

func planEvent(items []rawPlanItem) protocol.Event {
	entries := make([]protocol.PlanEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, protocol.PlanEntry{Text: it.text(), Completed: it.Completed})
	}
	return protocol.Event{
		Type: protocol.EventItemCompleted,
		Payload: &protocol.Item{
			Type: protocol.ItemPlanState,
			Plan: entries,
		},
	}
}

// planFromArgs extracts plan entries from a plan-shaped tool call argument
// object, e.g. {"plan": [{"step": "...", "completed": false}]}.
func planFromArgs(args json.RawMessage) *protocol.Event {
	if len(args) == 0 {
		return nil
	}
	var wrapper struct {
		Plan []rawPlanItem `json:"plan"`
	}
	if err := json.Unmarshal(args, &wrapper); err != nil || len(wrapper.Plan) == 0 {
		return nil
	}
	ev := planEvent(wrapper.Plan)
	return &ev
}

func isShellTool(tool string) bool {
	switch tool {
	case "shell", "bash", "local_shell", "exec", "command":
		return true
	}
	return false
}

func isPlanTool(tool string) bool {
	switch tool {
	case "update_plan", "plan":
		return true
	}
	return false
}

func preview(s string) string {
	const max = 160
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
