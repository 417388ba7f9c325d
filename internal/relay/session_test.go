package relay

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inercia/tether/internal/config"
	"github.com/inercia/tether/internal/logstore"
	"github.com/inercia/tether/internal/protocol"
	"github.com/inercia/tether/internal/supervisor"
)

// fakeAgent writes a shell script that mimics one agent turn: drain stdin,
// stream a fixed JSONL transcript, exit 0.
func fakeAgent(t *testing.T, lines ...string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent script requires a unix shell")
	}
	script := "#!/bin/sh\ncat > /dev/null\n"
	for _, l := range lines {
		script += "echo '" + l + "'\n"
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func defaultTranscript() []string {
	return []string{
		`{"type":"thread.started","thread_id":"th-1"}`,
		`{"type":"turn.started"}`,
		`{"type":"item.completed","item":{"id":"m1","type":"agent_message","text":"hello there"}}`,
		`{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":5}}`,
	}
}

func newTestManager(t *testing.T, agentBin string) (*Manager, *logstore.Store) {
	t.Helper()
	store, err := logstore.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sup := supervisor.New(config.AgentConfig{
		Bin:            agentBin,
		StartupTimeout: config.Duration(10 * time.Second),
	})
	return NewManager(store, sup, Options{ClientQueueSize: 64, RecentBufferSize: 64}), store
}

// collect reads sequenced events until a turn.completed arrives or the
// timeout expires.
func collect(t *testing.T, sub *Subscription) []protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var events []protocol.Event
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed after %d events: %v", len(events), err)
		}
		if ev.Seq == 0 {
			continue // control frame
		}
		events = append(events, ev)
		if ev.Type == protocol.EventTurnCompleted {
			return events
		}
	}
}

func TestSessionTurnRoundTrip(t *testing.T) {
	bin := fakeAgent(t, defaultTranscript()...)
	manager, _ := newTestManager(t, bin)
	defer manager.CloseAll("test over")

	session, err := manager.StartFresh("")
	if err != nil {
		t.Fatalf("StartFresh failed: %v", err)
	}
	sub, replay, err := session.Subscribe("conn-1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if len(replay) != 0 {
		t.Fatalf("fresh session replayed %d events", len(replay))
	}

	if err := session.SendMessage("hi agent", nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	events := collect(t, sub)
	// thread.started, turn.started, agent_message, turn.completed
	if len(events) != 4 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d, want %d", i, ev.Seq, i+1)
		}
		if ev.SessionID != session.ID() {
			t.Errorf("event %d has session id %q", i, ev.SessionID)
		}
	}

	if events[0].Type != protocol.EventThreadStarted {
		t.Errorf("first sequenced event type = %s, want %s", events[0].Type, protocol.EventThreadStarted)
	}

	// Idle after a clean exit.
	deadline := time.Now().Add(5 * time.Second)
	for session.Status() != StatusIdle && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if session.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", session.Status())
	}
}

func TestUserEchoUnsequencedAndUnlogged(t *testing.T) {
	bin := fakeAgent(t, defaultTranscript()...)
	manager, _ := newTestManager(t, bin)
	defer manager.CloseAll("test over")

	session, err := manager.StartFresh("")
	if err != nil {
		t.Fatal(err)
	}
	sub, _, err := session.Subscribe("conn-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := session.SendMessage("echo me", nil); err != nil {
		t.Fatal(err)
	}

	// The echo arrives as a seq-0 frame; sequence numbers start at 1 with
	// the agent's first translated event.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sawEcho := false
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if item, ok := ev.Payload.(*protocol.Item); ok && item.Role == "user" {
			sawEcho = true
			if ev.Seq != 0 {
				t.Errorf("user echo carries seq %d, want 0", ev.Seq)
			}
			continue
		}
		if ev.Seq == 0 {
			continue
		}
		if ev.Seq == 1 && ev.Type != protocol.EventThreadStarted {
			t.Errorf("seq 1 is %s, want %s", ev.Type, protocol.EventThreadStarted)
		}
		if ev.Type == protocol.EventTurnCompleted {
			break
		}
	}
	if !sawEcho {
		t.Error("user echo never delivered")
	}

	// The echo is never persisted: replay is agent output only.
	items, err := logstore.ReadTail(session.LogPath(), 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		payload, ok := it.Event.Payload.(map[string]any)
		if ok && payload["role"] == "user" {
			t.Errorf("user echo persisted at seq %d", it.Seq)
		}
	}
}

func TestConcurrentSendsSerializeTurns(t *testing.T) {
	bin := fakeAgent(t, defaultTranscript()...)
	manager, _ := newTestManager(t, bin)
	defer manager.CloseAll("test over")

	session, err := manager.StartFresh("")
	if err != nil {
		t.Fatal(err)
	}
	sub, _, err := session.Subscribe("conn-1", 0)
	if err != nil {
		t.Fatal(err)
	}

	const senders = 4
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := session.SendMessage("racing message", nil); err != nil {
				t.Errorf("SendMessage failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Every message runs as its own turn, one subprocess at a time: turns
	// never overlap and all of them complete.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	started, completed := 0, 0
	inTurn := false
	for completed < senders {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed after %d/%d turns: %v", completed, senders, err)
		}
		switch ev.Type {
		case protocol.EventTurnStarted:
			if inTurn {
				t.Fatal("turn.started while another turn is in flight")
			}
			inTurn = true
			started++
		case protocol.EventTurnCompleted:
			inTurn = false
			completed++
		}
	}
	if started != senders {
		t.Errorf("started %d turns, want %d", started, senders)
	}
}

func TestCrashDiscardsQueuedMessages(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake agent script requires a unix shell")
	}
	// Announces its thread, then lingers long enough for a second message
	// to queue before dying.
	script := "#!/bin/sh\ncat > /dev/null\n" +
		"echo '{\"type\":\"thread.started\",\"thread_id\":\"th-c\"}'\n" +
		"sleep 1\nexit 3\n"
	bin := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	manager, _ := newTestManager(t, bin)
	defer manager.CloseAll("test over")

	session, err := manager.StartFresh("")
	if err != nil {
		t.Fatal(err)
	}
	sub, _, err := session.Subscribe("conn-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := session.SendMessage("first", nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	queuedSecond := false
	sawDiscard := false
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if ev.Type == protocol.EventThreadStarted && !queuedSecond {
			// The turn is in flight now; this one must queue.
			if err := session.SendMessage("second", nil); err != nil {
				t.Fatal(err)
			}
			queuedSecond = true
		}
		if ev.Type == protocol.EventWarning {
			payload := ev.Payload.(*protocol.WarningPayload)
			if strings.Contains(payload.Message, "discarded") {
				sawDiscard = true
			}
		}
		if ev.Type == protocol.EventSessionTerminated {
			break
		}
	}
	if !sawDiscard {
		t.Error("queued message discarded silently")
	}
	if session.Status() != StatusTerminated {
		t.Errorf("status = %s, want terminated", session.Status())
	}
}

func TestEventsPersistedBeforeBroadcast(t *testing.T) {
	bin := fakeAgent(t, defaultTranscript()...)
	manager, _ := newTestManager(t, bin)
	defer manager.CloseAll("test over")

	session, err := manager.StartFresh("")
	if err != nil {
		t.Fatal(err)
	}
	sub, _, err := session.Subscribe("conn-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := session.SendMessage("persist me", nil); err != nil {
		t.Fatal(err)
	}
	events := collect(t, sub)

	// Every broadcast event must already be on disk.
	items, err := logstore.ReadTail(session.LogPath(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) < len(events) {
		t.Fatalf("log has %d items, broadcast had %d", len(items), len(events))
	}
	for i, ev := range events {
		if items[i].Seq != ev.Seq {
			t.Errorf("log item %d seq %d, want %d", i, items[i].Seq, ev.Seq)
		}
	}
}

func TestSubscribeReplaysExactlyOnce(t *testing.T) {
	bin := fakeAgent(t, defaultTranscript()...)
	manager, _ := newTestManager(t, bin)
	defer manager.CloseAll("test over")

	session, err := manager.StartFresh("")
	if err != nil {
		t.Fatal(err)
	}
	sub, _, err := session.Subscribe("live", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := session.SendMessage("replay source", nil); err != nil {
		t.Fatal(err)
	}
	live := collect(t, sub)

	// A late subscriber asking from zero sees the identical stream.
	_, replay, err := session.Subscribe("late", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(replay) != len(live) {
		t.Fatalf("replay has %d events, live had %d", len(replay), len(live))
	}
	for i := range replay {
		if replay[i].Seq != live[i].Seq || replay[i].Type != live[i].Type {
			t.Errorf("replay[%d] = {%s %d}, live = {%s %d}",
				i, replay[i].Type, replay[i].Seq, live[i].Type, live[i].Seq)
		}
	}

	// Partial replay starts exactly after the requested sequence.
	_, partial, err := session.Subscribe("partial", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(partial) != len(live)-2 || partial[0].Seq != 3 {
		t.Fatalf("partial replay wrong: %+v", partial)
	}
}

func TestResumeRestoresSequenceAndThread(t *testing.T) {
	bin := fakeAgent(t, defaultTranscript()...)
	manager, store := newTestManager(t, bin)

	session, err := manager.StartFresh("")
	if err != nil {
		t.Fatal(err)
	}
	sub, _, err := session.Subscribe("conn", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := session.SendMessage("before restart", nil); err != nil {
		t.Fatal(err)
	}
	live := collect(t, sub)
	lastSeq := live[len(live)-1].Seq
	id := session.ID()
	manager.CloseAll("restart")

	// A fresh manager over the same store stands the session back up.
	sup := supervisor.New(config.AgentConfig{Bin: bin, StartupTimeout: config.Duration(10 * time.Second)})
	manager2 := NewManager(store, sup, Options{})
	defer manager2.CloseAll("test over")

	resumed, err := manager2.Resolve(protocol.MostRecentSession)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resumed.ID() != id {
		t.Errorf("resumed id = %s, want %s", resumed.ID(), id)
	}
	if resumed.MaxSeq() != lastSeq {
		t.Errorf("resumed MaxSeq = %d, want %d", resumed.MaxSeq(), lastSeq)
	}
	if resumed.Status() != StatusIdle {
		t.Errorf("resumed status = %s, want idle", resumed.Status())
	}
}

func TestResumeSettlesInterruptedCalls(t *testing.T) {
	// A transcript that begins a tool call but never resolves it, as after an
	// interrupt.
	bin := fakeAgent(t,
		`{"type":"thread.started","thread_id":"th-2"}`,
		`{"type":"turn.started"}`,
		`{"type":"tool_call","call_id":"c1","tool":"shell","args":["sleep","60"]}`,
		`{"type":"turn.completed"}`,
	)
	manager, store := newTestManager(t, bin)

	session, err := manager.StartFresh("")
	if err != nil {
		t.Fatal(err)
	}
	sub, _, err := session.Subscribe("conn", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := session.SendMessage("run something", nil); err != nil {
		t.Fatal(err)
	}
	collect(t, sub)
	id := session.ID()
	manager.CloseAll("restart")

	sup := supervisor.New(config.AgentConfig{Bin: bin, StartupTimeout: config.Duration(10 * time.Second)})
	manager2 := NewManager(store, sup, Options{})
	defer manager2.CloseAll("test over")

	resumed, err := manager2.Resolve(id)
	if err != nil {
		t.Fatal(err)
	}

	// The dangling pending call got a terminal record during resume.
	items, err := logstore.ReadTail(resumed.LogPath(), 0)
	if err != nil {
		t.Fatal(err)
	}
	last := items[len(items)-1]
	payload, ok := last.Event.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is %T", last.Event.Payload)
	}
	tc, _ := payload["tool_call"].(map[string]any)
	if tc == nil {
		t.Fatalf("last record is not a tool call settlement: %+v", payload)
	}
	if tc["state"] != string(protocol.ToolCallFailed) || tc["annotation"] != "interrupted" {
		t.Errorf("settlement = %+v", tc)
	}
}

func TestSpawnFailureDoesNotKillSession(t *testing.T) {
	manager, _ := newTestManager(t, filepath.Join(t.TempDir(), "does-not-exist"))
	defer manager.CloseAll("test over")

	session, err := manager.StartFresh("")
	if err != nil {
		t.Fatal(err)
	}
	sub, _, err := session.Subscribe("conn", 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := session.SendMessage("hello?", nil); err == nil {
		t.Fatal("SendMessage succeeded with a missing agent binary")
	}

	// The subscriber gets a spawn warning and the session stays usable.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("no warning delivered: %v", err)
		}
		if ev.Type == protocol.EventWarning {
			payload := ev.Payload.(*protocol.WarningPayload)
			if payload.Kind != protocol.WarnSpawnFailed {
				t.Errorf("warning kind = %s", payload.Kind)
			}
			break
		}
	}
	if session.Status() == StatusTerminated {
		t.Error("spawn failure terminated the session")
	}
}
