// Package logstore provides append-only, file-per-session persistence of the
// canonical event history, plus discovery of recorded sessions ("most recent",
// "by id").
//
// Each session is one newline-delimited JSON file. The first record of every
// file is a meta record carrying the canonical session id; every further
// record is a turn_item wrapping one canonical event together with the raw
// subprocess line it was derived from. Records are never rewritten.
package logstore

import (
	"encoding/json"
	"time"

	"github.com/inercia/tether/internal/protocol"
)

// RecordKind discriminates log records.
type RecordKind string

const (
	// RecordMeta is the first record of every session file.
	RecordMeta RecordKind = "meta"
	// RecordTurnItem wraps one canonical event.
	RecordTurnItem RecordKind = "turn_item"
)

// Meta identifies a session file.
type Meta struct {
	SessionID  string    `json:"session_id"`
	AgentBin   string    `json:"agent_bin,omitempty"`
	WorkingDir string    `json:"working_dir,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TurnItem is one persisted canonical event. Raw preserves the subprocess
// line the event was translated from; control frames recorded for audit
// purposes have no raw payload.
type TurnItem struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Event     protocol.Event  `json:"event"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Record is one line of a session file.
type Record struct {
	Kind     RecordKind `json:"record_kind"`
	Meta     *Meta      `json:"meta,omitempty"`
	TurnItem *TurnItem  `json:"turn_item,omitempty"`
}
