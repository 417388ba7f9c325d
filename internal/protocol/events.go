// Package protocol defines the canonical event protocol carried between the
// bridge and its clients, together with the client command envelope.
//
// Canonical events are the only representation of subprocess output that ever
// crosses the client boundary: raw agent JSONL lines are translated into these
// versioned types and never forwarded as-is.
package protocol

import "encoding/json"

// Version is the canonical protocol version. It is included in the
// session.started frame so clients can refuse streams they do not understand.
const Version = 1

// EventType identifies a canonical event.
type EventType string

const (
	// EventThreadStarted is emitted when the agent announces its thread id.
	EventThreadStarted EventType = "thread.started"
	// EventTurnStarted marks the beginning of a request/response exchange.
	EventTurnStarted EventType = "turn.started"
	// EventTurnCompleted marks the end of a turn.
	EventTurnCompleted EventType = "turn.completed"
	// EventItemCompleted carries one completed conversation item.
	EventItemCompleted EventType = "item.completed"

	// EventSessionStarted is a control frame sent when a subscription is
	// established. Payload: SessionStartedPayload.
	EventSessionStarted EventType = "session.started"
	// EventSessionTerminated is a control frame sent when the subprocess
	// exits or the session is closed. Payload: SessionTerminatedPayload.
	EventSessionTerminated EventType = "session.terminated"
	// EventResyncGap tells a client that events were dropped from its
	// delivery queue and it must resynchronize. Payload: ResyncGapPayload.
	EventResyncGap EventType = "resync.gap"
	// EventWarning carries a recoverable, informational condition.
	// Payload: WarningPayload.
	EventWarning EventType = "warning"
	// EventBridgeStatus answers a status command. Payload: BridgeStatusPayload.
	EventBridgeStatus EventType = "bridge.status"
	// EventHeartbeat is a periodic keepalive carrying the server-side max
	// sequence so clients can detect drift. Payload: HeartbeatPayload.
	EventHeartbeat EventType = "heartbeat"
)

// ItemType identifies the sub-type of an item.completed event.
type ItemType string

const (
	ItemAgentMessage ItemType = "agent_message"
	ItemReasoning    ItemType = "reasoning"
	ItemToolCall     ItemType = "tool_call"
	ItemToolResult   ItemType = "tool_result"
	ItemPlanState    ItemType = "plan_state"
)

// ToolCallState tracks the lifecycle of a tool invocation.
type ToolCallState string

const (
	ToolCallPending   ToolCallState = "pending"
	ToolCallSucceeded ToolCallState = "succeeded"
	ToolCallFailed    ToolCallState = "failed"
)

// Event is a canonical event as delivered to clients.
//
// Seq is assigned by the session coordinator exactly once, at translation
// time, and is strictly increasing per session. Control frames (resync.gap,
// heartbeat, bridge.status) carry Seq 0: they are not part of the replayable
// stream.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// ThreadStartedPayload carries the agent-assigned thread identifier.
type ThreadStartedPayload struct {
	ThreadID string `json:"thread_id"`
}

// TurnUsage reports token accounting for a completed turn.
type TurnUsage struct {
	InputTokens       int64 `json:"input_tokens,omitempty"`
	CachedInputTokens int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens      int64 `json:"output_tokens,omitempty"`
}

// TurnCompletedPayload is the payload of a turn.completed event.
type TurnCompletedPayload struct {
	Usage *TurnUsage `json:"usage,omitempty"`
}

// Item is the payload of an item.completed event.
type Item struct {
	Type ItemType `json:"item_type"`
	ID   string   `json:"id,omitempty"`

	// Role and Text are set for agent_message and reasoning items. HTML is
	// the sanitized rendering of Text for agent messages.
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`

	// ToolCall is set for tool_call and tool_result items.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Plan is set for plan_state items.
	Plan []PlanEntry `json:"plan,omitempty"`
}

// ToolCall is the client-facing view of one tool invocation. A Pending record
// is emitted when the call starts; a single terminal record (Succeeded or
// Failed) follows when its result arrives.
type ToolCall struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Command is the human-readable form of a shell-style invocation,
	// derived by joining the argument list.
	Command string `json:"command,omitempty"`

	State    ToolCallState `json:"state"`
	Output   string        `json:"output,omitempty"`
	ExitCode *int          `json:"exit_code,omitempty"`

	// Annotation explains irregular records: "unpaired result" for a
	// tool_result with no matching pending call, "interrupted" for a call
	// left pending when its turn was cancelled.
	Annotation string `json:"annotation,omitempty"`
}

// PlanEntry is one step of the agent's current plan.
type PlanEntry struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// SessionStartedPayload confirms a subscription.
type SessionStartedPayload struct {
	SessionID string `json:"session_id"`
	Version   int    `json:"protocol_version"`
	Resumed   bool   `json:"resumed,omitempty"`
}

// SessionTerminatedPayload reports why a session ended.
type SessionTerminatedPayload struct {
	Reason   string `json:"reason"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// ResyncGapPayload describes a range of sequence numbers that were dropped
// for a slow client. The client must issue a sync command to repair the gap.
type ResyncGapPayload struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// WarningKind classifies warning events.
type WarningKind string

const (
	// WarnResumeUnsupported: a resume was requested but the agent binary
	// does not support it; a fresh session was started instead.
	WarnResumeUnsupported WarningKind = "resume_unsupported"
	// WarnSpawnFailed: the agent subprocess could not be started.
	WarnSpawnFailed WarningKind = "spawn_failed"
	// WarnAgentError: the agent reported a turn-level error.
	WarnAgentError WarningKind = "agent_error"
)

// WarningPayload carries a recoverable condition surfaced to clients.
type WarningPayload struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
}

// BridgeStatusPayload answers a status command.
type BridgeStatusPayload struct {
	SessionID     string `json:"session_id,omitempty"`
	SubprocessPID int    `json:"subprocess_pid,omitempty"`
	Status        string `json:"status"`
	MaxSeq        int64  `json:"max_seq"`
	Bind          string `json:"bind,omitempty"`
}

// HeartbeatPayload carries the server-side max sequence for drift detection.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
	MaxSeq    int64 `json:"max_seq"`
}
