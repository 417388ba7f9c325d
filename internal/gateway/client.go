package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/tether/internal/protocol"
	"github.com/inercia/tether/internal/relay"
)

// heartbeatPeriod is how often an attached client receives a heartbeat frame
// carrying the server-side max sequence.
const heartbeatPeriod = 30 * time.Second

// client is one WebSocket connection. A connection is attached to at most one
// session at a time; attaching to another session detaches the previous
// subscription first.
type client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	logger   *slog.Logger
	limiter  *rate.Limiter
	readOnly bool
	security SecurityConfig

	mu      sync.Mutex
	session *relay.Session
	detach  context.CancelFunc
}

// writePump drains the send channel to the wire and keeps the connection
// alive with periodic pings. Runs in its own goroutine; exiting closes the
// connection, which in turn unblocks the read loop.
func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.security.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.security.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.security.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// sendEvent marshals one canonical event onto the send channel. It blocks
// until the write pump accepts it; per-client overflow is handled upstream by
// the session subscription, not here.
func (c *client) sendEvent(ctx context.Context, ev protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-ctx.Done():
	}
}

// sendWarning pushes an unsequenced warning frame to this client only.
func (c *client) sendWarning(ctx context.Context, kind protocol.WarningKind, message string) {
	c.sendEvent(ctx, protocol.Event{
		Type:    protocol.EventWarning,
		Payload: &protocol.WarningPayload{Kind: kind, Message: message},
	})
}

// attached returns the currently attached session, if any.
func (c *client) attached() *relay.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// attach subscribes the client to a session from afterSeq onward and starts
// the delivery goroutine. Any previous attachment is torn down first.
func (c *client) attach(ctx context.Context, session *relay.Session, afterSeq int64, resumed bool) error {
	c.detachCurrent()

	sub, replay, err := session.Subscribe(c.id, afterSeq)
	if err != nil {
		return err
	}

	deliverCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.session = session
	c.detach = cancel
	c.mu.Unlock()

	c.sendEvent(deliverCtx, protocol.Event{
		Type:      protocol.EventSessionStarted,
		SessionID: session.ID(),
		Payload: &protocol.SessionStartedPayload{
			SessionID: session.ID(),
			Version:   protocol.Version,
			Resumed:   resumed,
		},
	})

	go c.deliver(deliverCtx, session, sub, replay)
	go c.heartbeat(deliverCtx, session)

	c.logger.Info("client attached",
		"session_id", session.ID(), "after_seq", afterSeq, "replay", len(replay))
	return nil
}

// detachCurrent tears down the active subscription, if any.
func (c *client) detachCurrent() {
	c.mu.Lock()
	session := c.session
	cancel := c.detach
	c.session = nil
	c.detach = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session != nil {
		session.Unsubscribe(c.id)
	}
}

// deliver sends the replay set and then live events until the subscription
// closes or the attachment is cancelled. Replay strictly precedes live
// delivery so the client observes one gap-free ordered stream.
func (c *client) deliver(ctx context.Context, session *relay.Session, sub *relay.Subscription, replay []protocol.Event) {
	for _, ev := range replay {
		c.sendEvent(ctx, ev)
	}
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, relay.ErrSubscriptionClosed) && !errors.Is(err, context.Canceled) {
				c.logger.Warn("subscription read failed", "session_id", session.ID(), "error", err)
			}
			return
		}
		c.sendEvent(ctx, ev)
	}
}

// heartbeat periodically reports the session's max sequence so clients can
// detect drift without waiting for traffic.
func (c *client) heartbeat(ctx context.Context, session *relay.Session) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sendEvent(ctx, protocol.Event{
				Type:      protocol.EventHeartbeat,
				SessionID: session.ID(),
				Payload: &protocol.HeartbeatPayload{
					Timestamp: time.Now().Unix(),
					MaxSeq:    session.MaxSeq(),
				},
			})
		case <-ctx.Done():
			return
		}
	}
}
