package protocol

import "encoding/json"

// MostRecentSession is the sentinel session selector that resolves to the
// newest recorded session.
const MostRecentSession = "most-recent"

// CommandType identifies a client command.
type CommandType string

const (
	// CmdStart starts a fresh session, discarding any resume target.
	CmdStart CommandType = "start"
	// CmdResume re-attaches to a recorded session. Payload: ResumePayload.
	CmdResume CommandType = "resume"
	// CmdSendMessage submits a user message. Payload: SendMessagePayload.
	CmdSendMessage CommandType = "send_message"
	// CmdCancel interrupts the in-flight turn.
	CmdCancel CommandType = "cancel"
	// CmdClearView clears the requesting client's local view state only.
	// It never mutates persisted session history.
	CmdClearView CommandType = "clear_view"
	// CmdSync requests replay of events after a sequence number.
	// Payload: SyncPayload.
	CmdSync CommandType = "sync"
	// CmdStatus requests a bridge.status frame.
	CmdStatus CommandType = "status"
)

// Command is the client-to-server envelope.
type Command struct {
	Command   CommandType     `json:"command"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ParseCommand parses raw frame bytes into a Command.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	err := json.Unmarshal(data, &cmd)
	return cmd, err
}

// Preferences are advisory client settings. They are never translated into
// subprocess enforcement flags; the supervisor renders them into a
// human-readable instruction prefix on the next message instead.
type Preferences struct {
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	Verbosity       string `json:"verbosity,omitempty"`
}

// SendMessagePayload carries a user message.
type SendMessagePayload struct {
	Text  string       `json:"text"`
	Prefs *Preferences `json:"prefs,omitempty"`
}

// ResumePayload selects the resume target. An empty SessionID resumes the
// most recent recorded session.
type ResumePayload struct {
	SessionID string `json:"session_id,omitempty"`
}

// SyncPayload requests events with seq > AfterSeq.
type SyncPayload struct {
	AfterSeq int64 `json:"after_seq"`
}
