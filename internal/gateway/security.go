package gateway

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SecurityConfig holds security settings for WebSocket connections.
type SecurityConfig struct {
	// AllowedOrigins is a list of allowed origins. If empty, only
	// same-origin requests (and non-browser clients) are allowed.
	// Use "*" to allow all origins.
	AllowedOrigins []string

	// MaxMessageSize is the maximum inbound frame size in bytes.
	MaxMessageSize int64

	// MaxConnectionsPerIP caps concurrent connections per client IP.
	MaxConnectionsPerIP int

	// PongWait is the time to wait for a pong response.
	PongWait time.Duration

	// PingPeriod is the interval between ping messages. Must be less
	// than PongWait.
	PingPeriod time.Duration

	// WriteWait is the time allowed to write a message.
	WriteWait time.Duration
}

// DefaultSecurityConfig returns sensible defaults.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxMessageSize:      256 * 1024,
		MaxConnectionsPerIP: 10,
		PongWait:            60 * time.Second,
		PingPeriod:          54 * time.Second,
		WriteWait:           10 * time.Second,
	}
}

// ConnectionTracker counts WebSocket connections per IP.
type ConnectionTracker struct {
	mu          sync.Mutex
	connections map[string]int
	maxPerIP    int
}

// NewConnectionTracker creates a tracker enforcing maxPerIP.
func NewConnectionTracker(maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
	}
}

// TryAdd reserves a slot for ip. It returns false when the limit is reached.
func (ct *ConnectionTracker) TryAdd(ip string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.connections[ip] >= ct.maxPerIP {
		return false
	}
	ct.connections[ip]++
	return true
}

// Remove releases a slot for ip.
func (ct *ConnectionTracker) Remove(ip string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.connections[ip] <= 1 {
		delete(ct.connections, ip)
	} else {
		ct.connections[ip]--
	}
}

// newUpgrader builds an upgrader with origin validation wired in.
func newUpgrader(cfg SecurityConfig, logger OriginCheckLogger) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     newOriginChecker(cfg.AllowedOrigins, logger),
	}
}

// OriginCheckLogger receives the outcome of each origin check.
type OriginCheckLogger func(origin, host string, allowed bool, reason string)

// newOriginChecker returns the CheckOrigin function for the upgrader.
func newOriginChecker(allowedOrigins []string, logger OriginCheckLogger) func(*http.Request) bool {
	allowedSet := make(map[string]bool)
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
			break
		}
		allowedSet[strings.ToLower(origin)] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		logResult := func(allowed bool, reason string) bool {
			if logger != nil {
				logger(origin, r.Host, allowed, reason)
			}
			return allowed
		}

		// No Origin header means a non-browser client; those cannot be
		// victims of cross-site WebSocket hijacking.
		if origin == "" {
			return logResult(true, "no origin header (non-browser client)")
		}
		if allowAll {
			return logResult(true, "allow all origins configured")
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return logResult(false, "failed to parse origin URL")
		}

		if len(allowedSet) > 0 {
			if allowedSet[strings.ToLower(origin)] || allowedSet[strings.ToLower(originURL.Host)] {
				return logResult(true, "origin in allowlist")
			}
			return logResult(false, "origin not in allowlist")
		}

		if isSameOrigin(r, originURL) {
			return logResult(true, "same-origin check passed")
		}
		return logResult(false, "same-origin check failed")
	}
}

// isSameOrigin compares the origin against the request host, port included
// when both sides carry one.
func isSameOrigin(r *http.Request, originURL *url.URL) bool {
	requestHostname, requestPort, err := net.SplitHostPort(r.Host)
	if err != nil {
		requestHostname = r.Host
		requestPort = ""
	}
	originHostname, originPort, err := net.SplitHostPort(originURL.Host)
	if err != nil {
		originHostname = originURL.Host
		originPort = ""
	}

	if !strings.EqualFold(requestHostname, originHostname) {
		return false
	}

	if originPort == "" {
		switch originURL.Scheme {
		case "https", "wss":
			originPort = "443"
		case "http", "ws":
			originPort = "80"
		}
	}
	if requestPort == "" {
		// Common behind reverse proxies; hostname match is the best we have.
		return true
	}
	return requestPort == originPort
}

// configureConn applies read limits and the pong-extended read deadline.
func configureConn(conn *websocket.Conn, cfg SecurityConfig) {
	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})
}
