package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/tether/internal/logging"
	"github.com/inercia/tether/internal/logstore"
	"github.com/inercia/tether/internal/protocol"
	"github.com/inercia/tether/internal/supervisor"
	"github.com/inercia/tether/internal/translator"
)

// Options tunes per-session buffering.
type Options struct {
	// ClientQueueSize bounds each subscriber's delivery queue.
	ClientQueueSize int
	// RecentBufferSize bounds the in-memory replay buffer; clients further
	// behind are served from the session log.
	RecentBufferSize int
}

func (o Options) withDefaults() Options {
	if o.ClientQueueSize <= 0 {
		o.ClientQueueSize = 256
	}
	if o.RecentBufferSize <= 0 {
		o.RecentBufferSize = 1024
	}
	return o
}

// Manager owns the live sessions and their lifecycle: creation, resume from
// the log store, lookup, and shutdown.
type Manager struct {
	store  *logstore.Store
	sup    *supervisor.Supervisor
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires the session coordinator to its storage and supervisor.
func NewManager(store *logstore.Store, sup *supervisor.Supervisor, opts Options) *Manager {
	return &Manager{
		store:    store,
		sup:      sup,
		logger:   logging.Session(),
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Get returns the live session with the given id, if any.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// StartFresh creates a brand-new session with an empty history.
func (m *Manager) StartFresh(workingDir string) (*Session, error) {
	id := uuid.NewString()
	writer, err := m.store.OpenForAppend(id, logstore.Meta{
		SessionID:  id,
		AgentBin:   m.sup.Bin(),
		WorkingDir: workingDir,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session log: %w", err)
	}

	s := m.newSession(id, writer, workingDir)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", id, "log", writer.Path())
	return s, nil
}

// Resolve returns the session named by the selector, resuming it from the
// log store when it is not live. The selector is a session id or
// protocol.MostRecentSession.
func (m *Manager) Resolve(selector string) (*Session, error) {
	var sessionID, path string
	var err error
	if selector == protocol.MostRecentSession {
		sessionID, path, err = m.store.DiscoverLast()
	} else {
		sessionID = selector
		path, err = m.store.DiscoverByID(selector)
	}
	if err != nil {
		return nil, err
	}

	if s, ok := m.Get(sessionID); ok {
		return s, nil
	}
	return m.resume(sessionID, path)
}

// resume reconstructs a session from its log: restore the sequence counter
// and thread id, then settle any tool call left pending when the previous
// process ended.
func (m *Manager) resume(sessionID, path string) (*Session, error) {
	meta, err := logstore.ReadMeta(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session meta: %w", err)
	}
	items, err := logstore.ReadTail(path, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}

	var maxSeq int64
	var threadID string
	dangling := map[string]dangledCall{}
	for _, it := range items {
		if it.Seq > maxSeq {
			maxSeq = it.Seq
		}
		switch it.Event.Type {
		case protocol.EventThreadStarted:
			if id := payloadString(it.Event.Payload, "thread_id"); id != "" {
				threadID = id
			}
		case protocol.EventItemCompleted:
			trackDangling(dangling, it.Event.Payload)
		}
	}

	writer, err := m.store.OpenForAppend(sessionID, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen session log: %w", err)
	}

	s := m.newSession(sessionID, writer, meta.WorkingDir)
	s.mu.Lock()
	s.seq = maxSeq
	s.threadID = threadID
	s.status = StatusIdle
	s.mu.Unlock()

	m.mu.Lock()
	// Another connection may have resumed the same session concurrently.
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		s.Close("superseded")
		return existing, nil
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	// Settle interrupted calls with their own sequenced records so every
	// replayed history pairs each pending call with exactly one terminal.
	for callID, call := range dangling {
		s.emit(protocol.Event{
			Type: protocol.EventItemCompleted,
			Payload: &protocol.Item{
				Type: protocol.ItemToolResult,
				ToolCall: &protocol.ToolCall{
					CallID:     callID,
					ToolName:   call.toolName,
					State:      protocol.ToolCallFailed,
					Annotation: "interrupted",
				},
			},
		}, nil)
	}

	m.logger.Info("session resumed", "session_id", sessionID,
		"max_seq", maxSeq, "thread_id", threadID, "interrupted_calls", len(dangling))
	return s, nil
}

func (m *Manager) newSession(id string, writer *logstore.Writer, workingDir string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		logger:     logging.WithSessionContext(logging.Session(), id, workingDir),
		sup:        m.sup,
		writer:     writer,
		opts:       m.opts,
		ctx:        ctx,
		cancel:     cancel,
		status:     StatusNotStarted,
		workingDir: workingDir,
		trans:      translator.New(),
		subs:       make(map[string]*Subscription),
	}
}

// List returns stored sessions, newest first.
func (m *Manager) List(limit int) ([]logstore.SessionInfo, error) {
	return m.store.List(limit)
}

// Remove drops a closed session from the live set.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// CloseAll terminates every live session, typically at shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close(reason)
	}
}

type dangledCall struct {
	toolName string
}

// trackDangling updates the pending-call map from one logged item payload.
// Payloads read back from the log decode as generic maps.
func trackDangling(dangling map[string]dangledCall, payload any) {
	item, ok := payload.(map[string]any)
	if !ok {
		return
	}
	itemType, _ := item["item_type"].(string)
	tc, ok := item["tool_call"].(map[string]any)
	if !ok {
		return
	}
	callID, _ := tc["call_id"].(string)
	if callID == "" {
		return
	}
	state, _ := tc["state"].(string)
	switch {
	case itemType == string(protocol.ItemToolCall) && state == string(protocol.ToolCallPending):
		name, _ := tc["tool_name"].(string)
		dangling[callID] = dangledCall{toolName: name}
	case state == string(protocol.ToolCallSucceeded) || state == string(protocol.ToolCallFailed):
		delete(dangling, callID)
	}
}

func payloadString(payload any, key string) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
