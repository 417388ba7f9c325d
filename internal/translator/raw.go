package translator

import "encoding/json"

// Raw line shapes emitted by the agent subprocess, one JSON object per line.
// Only the fields the bridge consumes are modeled; everything else rides
// along in the preserved raw payload.

type rawEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`

	// turn.completed
	Usage *rawUsage `json:"usage,omitempty"`

	// item.started / item.completed
	Item *rawItem `json:"item,omitempty"`

	// tool_call / tool_result
	CallID   string          `json:"call_id,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	OK       *bool           `json:"ok,omitempty"`
	Output   string          `json:"output,omitempty"`
	ExitCode *int            `json:"exit_code,omitempty"`

	// plan_state
	Items []rawPlanItem `json:"items,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

type rawUsage struct {
	InputTokens       int64 `json:"input_tokens,omitempty"`
	CachedInputTokens int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens      int64 `json:"output_tokens,omitempty"`
}

type rawItem struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// command_execution items
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Status           string `json:"status,omitempty"`

	// todo_list items
	Items []rawPlanItem `json:"items,omitempty"`
}

type rawPlanItem struct {
	Text      string `json:"text"`
	Step      string `json:"step,omitempty"`
	Completed bool   `json:"completed"`
}

func (p rawPlanItem) text() string {
	if p.Text != "" {
		return p.Text
	}
	return p.Step
}
