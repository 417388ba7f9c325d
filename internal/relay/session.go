// Package relay owns the in-memory session objects: it bridges supervised
// subprocess output to subscribed clients, applying a monotonic per-session
// sequence number to every canonical event, persisting it, and fanning it out
// under backpressure.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/tether/internal/logstore"
	"github.com/inercia/tether/internal/protocol"
	"github.com/inercia/tether/internal/supervisor"
	"github.com/inercia/tether/internal/translator"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusStarting   Status = "starting"
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusTerminated Status = "terminated"
)

// SessionError carries enough structured detail for a client to decide
// between showing a message and attempting a resume.
type SessionError struct {
	Kind      string
	SessionID string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s (session %s): %v", e.Kind, e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

type queuedMessage struct {
	text  string
	prefs *protocol.Preferences
}

// Session is one logical conversation between clients and the agent
// subprocess. All client commands funnel through it: the subprocess
// stdin/stdout pair has exactly one owner.
type Session struct {
	id     string
	logger *slog.Logger

	sup    *supervisor.Supervisor
	writer *logstore.Writer
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	status     Status
	seq        int64
	threadID   string // agent thread id, the resume target
	workingDir string
	proc       *supervisor.Process
	trans      *translator.Translator
	subs       map[string]*Subscription
	queue      []queuedMessage
	recent     []protocol.Event
	cancelled  bool // a client interrupt is in flight
	closed     bool
}

// ID returns the stable session identifier.
func (s *Session) ID() string {
	return s.id
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// MaxSeq returns the highest sequence number assigned so far.
func (s *Session) MaxSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// PID returns the pid of the live subprocess, or 0.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// LogPath returns the session's append-only log file.
func (s *Session) LogPath() string {
	return s.writer.Path()
}

// Subscribe attaches a client and computes its replay set: every canonical
// event with seq > afterSeq, with no duplicates and no skips. Recent events
// are served from the in-memory buffer; older ranges are re-derived from the
// session log. The returned replay slice must be delivered to the client
// before events read from the subscription.
func (s *Session) Subscribe(connID string, afterSeq int64) (*Subscription, []protocol.Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, &SessionError{Kind: "session_closed", SessionID: s.id, Err: fmt.Errorf("cannot subscribe")}
	}

	// Cheap path: the whole requested range is still in memory.
	if start, ok := s.recentStartLocked(); ok && afterSeq+1 >= start {
		replay := s.replayFromRecentLocked(afterSeq)
		sub := s.attachLocked(connID)
		s.mu.Unlock()
		return sub, replay, nil
	}
	snapshotSeq := s.seq
	s.mu.Unlock()

	// Cold path: re-derive the bulk from the log without holding the
	// session lock. Write-before-broadcast guarantees everything up to
	// snapshotSeq is already on disk. If the session outruns the recent
	// buffer while we read, re-read the log from the new snapshot until the
	// window between disk and memory is closed.
	var replay []protocol.Event
	from := afterSeq
	for {
		items, err := logstore.ReadTail(s.writer.Path(), from)
		if err != nil {
			return nil, nil, &SessionError{Kind: "replay_failed", SessionID: s.id, Err: err}
		}
		for _, it := range items {
			if it.Seq <= snapshotSeq {
				replay = append(replay, it.Event)
			}
		}

		s.mu.Lock()
		if start, ok := s.recentStartLocked(); ok && snapshotSeq+1 >= start {
			// Bridge the remainder from memory and attach atomically with
			// respect to emit so nothing is duplicated or skipped.
			replay = append(replay, s.replayFromRecentLocked(snapshotSeq)...)
			sub := s.attachLocked(connID)
			s.mu.Unlock()
			return sub, replay, nil
		}
		from = snapshotSeq
		snapshotSeq = s.seq
		s.mu.Unlock()
	}
}

func (s *Session) attachLocked(connID string) *Subscription {
	sub := newSubscription(connID, s.id, s.opts.ClientQueueSize)
	s.subs[connID] = sub
	return sub
}

func (s *Session) recentStartLocked() (int64, bool) {
	if len(s.recent) == 0 {
		// Nothing buffered: the cheap path is valid only when the client
		// is already caught up.
		return s.seq + 1, true
	}
	return s.recent[0].Seq, true
}

func (s *Session) replayFromRecentLocked(afterSeq int64) []protocol.Event {
	var out []protocol.Event
	for _, ev := range s.recent {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Unsubscribe detaches a client. Its queued events remain readable until
// drained.
func (s *Session) Unsubscribe(connID string) {
	s.mu.Lock()
	sub, ok := s.subs[connID]
	if ok {
		delete(s.subs, connID)
	}
	s.mu.Unlock()
	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of attached clients.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// SendMessage submits one user message. While a turn is in flight the
// message is queued and applied once the turn completes; a session never
// writes to the subprocess concurrently.
func (s *Session) SendMessage(text string, prefs *protocol.Preferences) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &SessionError{Kind: "session_closed", SessionID: s.id, Err: fmt.Errorf("cannot send message")}
	}
	if s.status == StatusStarting || s.status == StatusActive {
		s.queue = append(s.queue, queuedMessage{text: text, prefs: prefs})
		queued := len(s.queue)
		s.mu.Unlock()
		s.logger.Debug("message queued while turn in flight", "queued", queued)
		return nil
	}
	// Claim the turn inside the same critical section as the busy check so a
	// concurrent sender queues instead of spawning a second subprocess.
	s.status = StatusStarting
	s.cancelled = false
	msg := queuedMessage{text: text, prefs: prefs}
	if len(s.queue) > 0 {
		// Messages left over from a failed start keep their order.
		s.queue = append(s.queue, msg)
		msg = s.queue[0]
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()

	return s.startTurn(msg.text, msg.prefs)
}

// Cancel signals the active subprocess with a graceful interrupt. In-flight
// tool calls that never produce a result stay pending and are annotated as
// interrupted when the session is later resumed.
func (s *Session) Cancel() error {
	s.mu.Lock()
	proc := s.proc
	if proc != nil {
		s.cancelled = true
	}
	s.mu.Unlock()

	if proc == nil {
		return nil
	}
	s.logger.Info("interrupting agent", "pid", proc.PID())
	return proc.Interrupt()
}

// startTurn spawns the subprocess for one turn and writes the message to its
// stdin. The agent reads the prompt, streams the turn as JSONL, and exits;
// the next message respawns with the captured thread id as resume target.
// The caller has already transitioned the session to Starting.
func (s *Session) startTurn(text string, prefs *protocol.Preferences) error {
	s.mu.Lock()
	mode := supervisor.ResumeFresh
	threadID := s.threadID
	if threadID != "" {
		mode = supervisor.ResumeByID
	}
	workingDir := s.workingDir
	s.mu.Unlock()

	resumeWanted := mode != supervisor.ResumeFresh
	proc, resumed, err := s.sup.Spawn(s.ctx, supervisor.SpawnRequest{
		Mode:       mode,
		ThreadID:   threadID,
		WorkingDir: workingDir,
	})
	if err != nil {
		s.mu.Lock()
		s.status = StatusNotStarted
		if s.seq > 0 {
			s.status = StatusIdle
		}
		s.mu.Unlock()
		s.broadcastControl(protocol.Event{
			Type:      protocol.EventWarning,
			SessionID: s.id,
			Payload:   &protocol.WarningPayload{Kind: protocol.WarnSpawnFailed, Message: err.Error()},
		})
		return &SessionError{Kind: "spawn_failed", SessionID: s.id, Err: err}
	}
	if resumeWanted && !resumed {
		// The recorded history is still ours; only the agent-side thread
		// continuity is lost.
		s.broadcastControl(protocol.Event{
			Type:      protocol.EventWarning,
			SessionID: s.id,
			Payload: &protocol.WarningPayload{
				Kind:    protocol.WarnResumeUnsupported,
				Message: "agent binary does not support resume; starting a fresh thread",
			},
		})
		s.mu.Lock()
		s.threadID = ""
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.proc = proc
	s.status = StatusActive
	s.mu.Unlock()

	s.broadcastUserEcho(text)

	if err := proc.WriteMessage(supervisor.InstructionPrefix(prefs) + text); err != nil {
		s.logger.Error("failed to write message to agent", "error", err)
	}

	go s.pump(proc)
	return nil
}

// pump reads subprocess stdout to EOF, translating each line and emitting
// the resulting canonical events, then handles the exit status.
func (s *Session) pump(proc *supervisor.Process) {
	for line := range proc.Lines() {
		events, err := s.trans.Translate(line)
		if err != nil {
			// Contained: logged and counted by the translator.
			continue
		}
		for _, ev := range events {
			s.emit(ev, json.RawMessage(line))
		}
	}
	s.onExit(<-proc.Done())
}

// emit assigns the sequence number exactly once, persists the event, and
// broadcasts it. The append is flushed before any client can observe the
// event: a crash between the two leaves a logged-but-undelivered record,
// which replay repairs, never the reverse.
func (s *Session) emit(ev protocol.Event, raw json.RawMessage) {
	s.mu.Lock()
	s.seq++
	ev.Seq = s.seq
	ev.SessionID = s.id

	if ev.Type == protocol.EventThreadStarted {
		if p, ok := ev.Payload.(*protocol.ThreadStartedPayload); ok && p.ThreadID != "" {
			s.threadID = p.ThreadID
		}
	}

	rec := logstore.Record{
		Kind: logstore.RecordTurnItem,
		TurnItem: &logstore.TurnItem{
			Seq:       ev.Seq,
			Timestamp: time.Now(),
			Event:     ev,
			Raw:       raw,
		},
	}
	if err := s.writer.Append(rec); err != nil {
		// Losing persistence voids the replay contract; do not let clients
		// observe events the log does not have.
		s.logger.Error("failed to persist event, dropping", "seq", ev.Seq, "error", err)
		s.seq--
		s.mu.Unlock()
		return
	}

	s.recent = append(s.recent, ev)
	if len(s.recent) > s.opts.RecentBufferSize {
		s.recent = s.recent[1:]
	}
	for _, sub := range s.subs {
		sub.push(ev)
	}
	s.mu.Unlock()
}

// broadcastControl fans out an unsequenced control frame. Control frames are
// not part of the replayable stream and are never persisted.
func (s *Session) broadcastControl(ev protocol.Event) {
	s.mu.Lock()
	for _, sub := range s.subs {
		sub.push(ev)
	}
	s.mu.Unlock()
}

// broadcastUserEcho mirrors a submitted message to every subscriber as an
// unsequenced frame. The echo is not part of the replayable stream: sequence
// numbers belong to translated subprocess output only.
func (s *Session) broadcastUserEcho(text string) {
	s.broadcastControl(protocol.Event{
		Type:      protocol.EventItemCompleted,
		SessionID: s.id,
		Payload: &protocol.Item{
			Type: protocol.ItemAgentMessage,
			Role: "user",
			Text: text,
		},
	})
}

func (s *Session) onExit(status supervisor.ExitStatus) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	cancelled := s.cancelled
	s.cancelled = false

	crashed := status.Code != 0 && !cancelled
	var next *queuedMessage
	var discarded int
	switch {
	case crashed:
		s.status = StatusTerminated
		discarded = len(s.queue)
		s.queue = nil
	case len(s.queue) > 0:
		// Claim the next turn while still holding the lock; a concurrent
		// SendMessage must queue behind it.
		next = &s.queue[0]
		s.queue = s.queue[1:]
		s.status = StatusStarting
	default:
		s.status = StatusIdle
	}
	remaining := len(s.queue)
	s.mu.Unlock()

	if crashed {
		reason := "crash"
		if status.StartupFailure {
			reason = "startup_failure"
		}
		s.logger.Warn("agent subprocess crashed", "code", status.Code, "reason", reason)
		if discarded > 0 {
			s.broadcastControl(protocol.Event{
				Type:      protocol.EventWarning,
				SessionID: s.id,
				Payload: &protocol.WarningPayload{
					Kind:    protocol.WarnAgentError,
					Message: fmt.Sprintf("%d queued message(s) discarded after agent crash", discarded),
				},
			})
		}
		code := status.Code
		s.broadcastControl(protocol.Event{
			Type:      protocol.EventSessionTerminated,
			SessionID: s.id,
			Payload:   &protocol.SessionTerminatedPayload{Reason: reason, ExitCode: &code},
		})
		return
	}

	s.logger.Debug("turn finished", "cancelled", cancelled, "queued", remaining)
	if next != nil {
		if err := s.startTurn(next.text, next.prefs); err != nil {
			s.logger.Error("failed to start queued turn", "error", err)
		}
	}
}

// Close terminates the session: the subprocess is interrupted, subscribers
// are notified and detached, and the log writer is closed.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.status = StatusTerminated
	proc := s.proc
	s.proc = nil
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*Subscription)
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Interrupt()
	}
	term := protocol.Event{
		Type:      protocol.EventSessionTerminated,
		SessionID: s.id,
		Payload:   &protocol.SessionTerminatedPayload{Reason: reason},
	}
	for _, sub := range subs {
		sub.push(term)
		sub.close()
	}

	s.cancel()
	if err := s.writer.Close(); err != nil {
		s.logger.Warn("failed to close session log", "error", err)
	}
	s.logger.Info("session closed", "reason", reason)
}
