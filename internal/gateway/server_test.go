package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/tether/internal/config"
	"github.com/inercia/tether/internal/logstore"
	"github.com/inercia/tether/internal/protocol"
	"github.com/inercia/tether/internal/relay"
	"github.com/inercia/tether/internal/supervisor"
)

// frame mirrors the wire shape of a canonical event with an undecoded payload.
type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
}

func fakeAgent(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent script requires a unix shell")
	}
	script := `#!/bin/sh
cat > /dev/null
echo '{"type":"thread.started","thread_id":"th-ws"}'
echo '{"type":"turn.started"}'
echo '{"type":"item.completed","item":{"id":"m1","type":"agent_message","text":"hi from agent"}}'
echo '{"type":"turn.completed"}'
`
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestGateway(t *testing.T, token string) (*Server, *httptest.Server) {
	t.Helper()
	store, err := logstore.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sup := supervisor.New(config.AgentConfig{
		Bin:            fakeAgent(t),
		StartupTimeout: config.Duration(10 * time.Second),
	})
	manager := relay.NewManager(store, sup, relay.Options{})
	t.Cleanup(func() { manager.CloseAll("test over") })

	srv := NewServer(config.GatewayConfig{
		Bind:              "127.0.0.1:0",
		Token:             token,
		ClientQueueSize:   64,
		CommandsPerSecond: 100,
		CommandBurst:      100,
	}, manager)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd any) {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("bad frame %s: %v", data, err)
	}
	return f
}

// readUntil reads frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, evType string) frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		f := readFrame(t, conn)
		if f.Type == evType {
			return f
		}
	}
	t.Fatalf("no %s frame arrived", evType)
	return frame{}
}

func TestGatewayRejectsBadToken(t *testing.T) {
	_, ts := newTestGateway(t, "s3cret")

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v, want 401", resp)
	}

	conn := dial(t, ts, "?token=s3cret")
	conn.Close()
}

func TestGatewayStartAndMessageFlow(t *testing.T) {
	_, ts := newTestGateway(t, "")
	conn := dial(t, ts, "")

	send(t, conn, protocol.Command{Command: protocol.CmdStart})
	started := readUntil(t, conn, string(protocol.EventSessionStarted))

	var startedPayload protocol.SessionStartedPayload
	if err := json.Unmarshal(started.Payload, &startedPayload); err != nil {
		t.Fatal(err)
	}
	if startedPayload.SessionID == "" || startedPayload.Version != protocol.Version {
		t.Errorf("session.started payload = %+v", startedPayload)
	}
	if startedPayload.Resumed {
		t.Error("fresh start reported as resumed")
	}

	send(t, conn, protocol.Command{
		Command: protocol.CmdSendMessage,
		Payload: json.RawMessage(`{"text":"hello agent"}`),
	})

	// The sequenced stream arrives in order, starting at thread.started and
	// ending with turn.completed. The user echo is unsequenced.
	var lastSeq int64
	var firstType string
	for {
		f := readFrame(t, conn)
		if f.Seq == 0 {
			continue
		}
		if firstType == "" {
			firstType = f.Type
		}
		if f.Seq != lastSeq+1 {
			t.Errorf("seq %d followed %d", f.Seq, lastSeq)
		}
		lastSeq = f.Seq
		if f.Type == string(protocol.EventTurnCompleted) {
			break
		}
	}
	if firstType != string(protocol.EventThreadStarted) {
		t.Errorf("first sequenced frame = %s, want %s", firstType, protocol.EventThreadStarted)
	}
	if lastSeq != 4 {
		t.Errorf("final seq = %d, want 4", lastSeq)
	}

	// status reflects the attached session.
	send(t, conn, protocol.Command{Command: protocol.CmdStatus})
	status := readUntil(t, conn, string(protocol.EventBridgeStatus))
	var statusPayload protocol.BridgeStatusPayload
	if err := json.Unmarshal(status.Payload, &statusPayload); err != nil {
		t.Fatal(err)
	}
	if statusPayload.SessionID != startedPayload.SessionID || statusPayload.MaxSeq != 4 {
		t.Errorf("bridge.status payload = %+v", statusPayload)
	}
}

func TestGatewayReadOnlyScope(t *testing.T) {
	_, ts := newTestGateway(t, "")

	// Create a session over a read-write connection first.
	rw := dial(t, ts, "")
	send(t, rw, protocol.Command{Command: protocol.CmdStart})
	started := readUntil(t, rw, string(protocol.EventSessionStarted))
	var startedPayload protocol.SessionStartedPayload
	if err := json.Unmarshal(started.Payload, &startedPayload); err != nil {
		t.Fatal(err)
	}

	ro := dial(t, ts, "?scope=read-only&session="+startedPayload.SessionID)
	readUntil(t, ro, string(protocol.EventSessionStarted))

	send(t, ro, protocol.Command{
		Command: protocol.CmdSendMessage,
		Payload: json.RawMessage(`{"text":"should be rejected"}`),
	})
	warning := readUntil(t, ro, string(protocol.EventWarning))
	var warnPayload protocol.WarningPayload
	if err := json.Unmarshal(warning.Payload, &warnPayload); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(warnPayload.Message, "read-only") {
		t.Errorf("warning = %+v, want read-only rejection", warnPayload)
	}
}

func TestGatewayResumeReplaysHistory(t *testing.T) {
	_, ts := newTestGateway(t, "")

	conn := dial(t, ts, "")
	send(t, conn, protocol.Command{Command: protocol.CmdStart})
	readUntil(t, conn, string(protocol.EventSessionStarted))
	send(t, conn, protocol.Command{
		Command: protocol.CmdSendMessage,
		Payload: json.RawMessage(`{"text":"make history"}`),
	})
	readUntil(t, conn, string(protocol.EventTurnCompleted))
	conn.Close()

	// A new connection resuming most-recent sees the full stream again.
	conn2 := dial(t, ts, "")
	send(t, conn2, protocol.Command{Command: protocol.CmdResume})
	started := readUntil(t, conn2, string(protocol.EventSessionStarted))
	var startedPayload protocol.SessionStartedPayload
	if err := json.Unmarshal(started.Payload, &startedPayload); err != nil {
		t.Fatal(err)
	}
	if !startedPayload.Resumed {
		t.Error("resume not reported in session.started")
	}

	var seqs []int64
	for {
		f := readFrame(t, conn2)
		if f.Seq == 0 {
			continue
		}
		seqs = append(seqs, f.Seq)
		if f.Type == string(protocol.EventTurnCompleted) {
			break
		}
	}
	if len(seqs) != 4 || seqs[0] != 1 {
		t.Errorf("replayed seqs = %v, want 1..4", seqs)
	}
}
