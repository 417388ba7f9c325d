// Package gateway exposes the bridge to remote clients over a single
// WebSocket endpoint. It owns authentication, origin checks, per-connection
// rate limiting, and the command dispatch that drives the session relay.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/tether/internal/config"
	"github.com/inercia/tether/internal/logging"
	"github.com/inercia/tether/internal/protocol"
	"github.com/inercia/tether/internal/relay"
)

// Server is the WebSocket gateway.
type Server struct {
	cfg      config.GatewayConfig
	manager  *relay.Manager
	logger   *slog.Logger
	security SecurityConfig
	tracker  *ConnectionTracker
	upgrader websocket.Upgrader

	httpServer *http.Server
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewServer wires the gateway to the session manager.
func NewServer(cfg config.GatewayConfig, manager *relay.Manager) *Server {
	logger := logging.Gateway()

	security := DefaultSecurityConfig()
	security.AllowedOrigins = cfg.AllowedOrigins

	s := &Server{
		cfg:      cfg,
		manager:  manager,
		logger:   logger,
		security: security,
		tracker:  NewConnectionTracker(security.MaxConnectionsPerIP),
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.upgrader = newUpgrader(security, func(origin, host string, allowed bool, reason string) {
		logger.Debug("origin check", "origin", origin, "host", host, "allowed", allowed, "reason", reason)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.httpServer = &http.Server{
		Addr:              cfg.Bind,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "bind", s.cfg.Bind, "auth", s.cfg.Token != "")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes the active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.baseCancel != nil {
		s.baseCancel()
	}
	return s.httpServer.Shutdown(ctx)
}

// authorize validates the shared token, from the Authorization bearer header
// or the token query parameter. An empty configured token disables auth.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	supplied := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		supplied = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.Token)) == 1
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.logger.Warn("rejected connection with bad token", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ip := clientIP(r)
	if !s.tracker.TryAdd(ip) {
		s.logger.Warn("rejected connection, per-IP limit reached", "ip", ip)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.tracker.Remove(ip)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	configureConn(conn, s.security)

	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, 64),
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.CommandsPerSecond), s.cfg.CommandBurst),
		readOnly: r.URL.Query().Get("scope") == "read-only",
		security: s.security,
	}
	c.logger = logging.WithClient(s.logger, c.id, "")

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	defer c.detachCurrent()

	go c.writePump(ctx)

	c.logger.Info("client connected", "ip", ip, "read_only", c.readOnly)

	// A session selector in the connect URL attaches before any command.
	if sel := r.URL.Query().Get("session"); sel != "" {
		afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		if err := s.attachSelector(ctx, c, sel, afterSeq); err != nil {
			c.sendWarning(ctx, protocol.WarnSpawnFailed, "failed to attach session: "+err.Error())
		}
	}

	s.readLoop(ctx, c)
	c.logger.Info("client disconnected")
}

// attachSelector resolves a session selector and attaches the client from
// afterSeq onward.
func (s *Server) attachSelector(ctx context.Context, c *client, selector string, afterSeq int64) error {
	session, err := s.manager.Resolve(selector)
	if err != nil {
		return err
	}
	return c.attach(ctx, session, afterSeq, true)
}

// readLoop consumes client frames until the connection drops.
func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.sendWarning(ctx, protocol.WarnAgentError, "command rate limit exceeded")
			continue
		}

		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			c.sendWarning(ctx, protocol.WarnAgentError, "malformed command: "+err.Error())
			continue
		}
		if err := s.dispatch(ctx, c, cmd); err != nil {
			c.logger.Warn("command failed", "command", cmd.Command, "error", err)
			c.sendWarning(ctx, protocol.WarnAgentError,
				fmt.Sprintf("%s failed: %v", cmd.Command, err))
		}
	}
}

// errReadOnly rejects mutating commands on read-only connections.
var errReadOnly = errors.New("connection is read-only")

func (s *Server) dispatch(ctx context.Context, c *client, cmd protocol.Command) error {
	switch cmd.Command {
	case protocol.CmdStart:
		if c.readOnly {
			return errReadOnly
		}
		session, err := s.manager.StartFresh("")
		if err != nil {
			return err
		}
		return c.attach(ctx, session, 0, false)

	case protocol.CmdResume:
		if c.readOnly {
			// Resurrecting a session appends settlement records; read-only
			// viewers attach at connect time instead.
			return errReadOnly
		}
		var p protocol.ResumePayload
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				return fmt.Errorf("bad resume payload: %w", err)
			}
		}
		selector := p.SessionID
		if selector == "" {
			selector = protocol.MostRecentSession
		}
		return s.attachSelector(ctx, c, selector, 0)

	case protocol.CmdSendMessage:
		if c.readOnly {
			return errReadOnly
		}
		session := c.attached()
		if session == nil {
			return errors.New("no session attached")
		}
		var p protocol.SendMessagePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("bad send_message payload: %w", err)
		}
		if strings.TrimSpace(p.Text) == "" {
			return errors.New("empty message")
		}
		return session.SendMessage(p.Text, p.Prefs)

	case protocol.CmdCancel:
		if c.readOnly {
			return errReadOnly
		}
		session := c.attached()
		if session == nil {
			return errors.New("no session attached")
		}
		return session.Cancel()

	case protocol.CmdClearView:
		// View state is client-local: fast-forward this subscription past
		// the recorded history without touching it.
		session := c.attached()
		if session == nil {
			return errors.New("no session attached")
		}
		return c.attach(ctx, session, session.MaxSeq(), true)

	case protocol.CmdSync:
		session := c.attached()
		if session == nil {
			return errors.New("no session attached")
		}
		var p protocol.SyncPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("bad sync payload: %w", err)
		}
		return c.attach(ctx, session, p.AfterSeq, true)

	case protocol.CmdStatus:
		payload := &protocol.BridgeStatusPayload{
			Status: string(relay.StatusNotStarted),
			Bind:   s.cfg.Bind,
		}
		if session := c.attached(); session != nil {
			payload.SessionID = session.ID()
			payload.SubprocessPID = session.PID()
			payload.Status = string(session.Status())
			payload.MaxSeq = session.MaxSeq()
		}
		c.sendEvent(ctx, protocol.Event{Type: protocol.EventBridgeStatus, Payload: payload})
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}
