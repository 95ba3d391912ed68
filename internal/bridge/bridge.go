// Package bridge implements the SSH terminal bridge: a WebSocket endpoint
// that gives an authenticated operator an interactive shell on a managed
// host. Two transports are supported per connection, selected by the first
// connect command: direct, where this process dials SSH itself, and proxy,
// where the dial is delegated to the host's agent over its control-plane
// channel and frames are correlated back through the session registry.
package bridge

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/patchwork-sh/patchwork/internal/agentws"
	"github.com/patchwork-sh/patchwork/internal/audit"
	"github.com/patchwork-sh/patchwork/internal/authz"
	"github.com/patchwork-sh/patchwork/internal/database"
	"github.com/patchwork-sh/patchwork/internal/tickets"
)

// DefaultDialTimeout bounds the direct-mode SSH dial. A dial that exceeds it
// is reported as an error frame, never a process-level failure.
const DefaultDialTimeout = 20 * time.Second

// maxFrameSize bounds a single browser frame.
const maxFrameSize = 1024 * 1024

// Bridge owns the terminal WebSocket endpoint and its collaborators.
type Bridge struct {
	Tickets     tickets.Store
	Agents      *agentws.Registry
	Sessions    *SessionManager
	TokenSecret []byte
	DialTimeout time.Duration
}

// New creates a Bridge. dialTimeout <= 0 selects DefaultDialTimeout.
func New(store tickets.Store, agents *agentws.Registry, sessions *SessionManager, tokenSecret []byte, dialTimeout time.Duration) *Bridge {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &Bridge{
		Tickets:     store,
		Agents:      agents,
		Sessions:    sessions,
		TokenSecret: tokenSecret,
		DialTimeout: dialTimeout,
	}
}

// connState is the per-connection bridge state. Transitions happen only
// under conn.mu.
type connState int

const (
	stateIdle connState = iota
	stateShellOpen
	stateProxying
)

// conn is the per-WebSocket state of one terminal session. All command
// handling runs on the single read loop, so commands from one browser are
// strictly sequential; the mutex exists because the direct-mode output pump
// and the agent fanout also touch the state.
type conn struct {
	bridge *Bridge
	writer *browserWriter
	host   *database.Host
	user   *database.User
	ctx    context.Context

	mu      sync.Mutex
	state   connState
	mode    string // fixed by the first connect that succeeds
	direct  *directSession
	proxyID string
}

// HandleUpgrade authenticates and authorizes the upgrade request, then runs
// the connection until the browser disconnects. Rejections happen before the
// WebSocket handshake, so no frames are exchanged with an unauthorized party.
func (b *Bridge) HandleUpgrade(w http.ResponseWriter, r *http.Request, hostIDStr string) {
	id, err := strconv.ParseUint(hostIDStr, 10, 32)
	if err != nil {
		http.Error(w, "Host not found", http.StatusNotFound)
		return
	}
	hostID := uint(id)

	user, sessionID, err := b.authenticate(r, hostID)
	if err != nil {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	// Refresh session activity before proceeding.
	if sessionID != "" {
		if err := database.TouchSession(sessionID); err != nil {
			log.Printf("[bridge] touch session: %v", err)
		}
	}

	host, err := database.GetHostByID(hostID)
	if err != nil {
		http.Error(w, "Host not found", http.StatusNotFound)
		return
	}

	decision, err := authz.Decide(user, host)
	if err != nil {
		http.Error(w, "Authorization check failed", http.StatusInternalServerError)
		return
	}
	b.auditDecision(r, user, host, decision)
	if !decision.Allowed {
		// The denial is durably recorded above, before the socket dies.
		http.Error(w, "Access denied", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[bridge] accept failed for host %d: %v", hostID, err)
		return
	}
	defer ws.CloseNow()

	ws.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{
		bridge: b,
		writer: &browserWriter{ws: ws},
		host:   host,
		user:   user,
		ctx:    ctx,
	}
	c.run(ctx)

	ws.Close(websocket.StatusNormalClosure, "")
}

func (b *Bridge) auditDecision(r *http.Request, user *database.User, host *database.Host, d authz.Decision) {
	a := audit.Get()
	if a == nil {
		return
	}
	eventType := audit.EventAccessDenied
	if d.Allowed {
		eventType = audit.EventAccessGranted
	}
	a.Log(audit.Entry{
		EventType: eventType,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		HostID:    host.ID,
		HostName:  host.FriendlyName,
		Reason:    d.Reason,
		SourceIP:  remoteIP(r),
	})
}

// auditSession records a terminal session lifecycle event for this
// connection's user and host.
func (c *conn) auditSession(eventType, reason string) {
	a := audit.Get()
	if a == nil {
		return
	}
	a.Log(audit.Entry{
		EventType: eventType,
		UserID:    c.user.ID,
		Username:  c.user.Username,
		Role:      c.user.Role,
		HostID:    c.host.ID,
		HostName:  c.host.FriendlyName,
		Reason:    reason,
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// run processes browser frames until the socket closes. Teardown of whatever
// resource the connection holds happens exactly once, on exit.
func (c *conn) run(ctx context.Context) {
	defer c.cleanup()

	for {
		_, payload, err := c.writer.ws.Read(ctx)
		if err != nil {
			return
		}

		cmd, err := decodeCommand(payload)
		if err != nil {
			// Malformed JSON is reported, not fatal: the client may retry.
			c.writer.sendError(ctx, "Invalid message format")
			continue
		}

		switch cmd.Type {
		case cmdConnect:
			c.handleConnect(ctx, cmd)
		case cmdInput:
			c.handleInput(ctx, cmd)
		case cmdResize:
			c.handleResize(ctx, cmd)
		case cmdDisconnect:
			c.handleDisconnect(ctx)
		default:
			c.writer.sendError(ctx, fmt.Sprintf("Unknown command type %q", cmd.Type))
		}
	}
}

func (c *conn) handleConnect(ctx context.Context, cmd *clientCommand) {
	mode := cmd.ConnectionMode
	if mode == "" {
		mode = modeDirect
	}
	if mode != modeDirect && mode != modeProxy {
		c.writer.sendError(ctx, fmt.Sprintf("Unknown connection mode %q", mode))
		return
	}

	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		c.writer.sendError(ctx, "Already connected")
		return
	}
	// The mode is fixed by the first connect that succeeds; a rejected
	// attempt leaves the connection free to retry in either mode.
	if c.mode != "" && c.mode != mode {
		locked := c.mode
		c.mu.Unlock()
		c.writer.sendError(ctx, fmt.Sprintf("Connection mode is fixed to %q", locked))
		return
	}
	c.mu.Unlock()

	switch mode {
	case modeDirect:
		c.directConnect(ctx, cmd)
	case modeProxy:
		c.proxyConnect(ctx, cmd)
	}
}

func (c *conn) handleInput(ctx context.Context, cmd *clientCommand) {
	if len(cmd.Data) > maxInputSize {
		return
	}
	c.mu.Lock()
	state := c.state
	ds := c.direct
	c.mu.Unlock()

	switch state {
	case stateShellOpen:
		c.directInput(ds, cmd.Data)
	case stateProxying:
		c.proxyInput(ctx, cmd.Data)
	case stateIdle:
		// nothing attached; drop
	}
}

func (c *conn) handleResize(ctx context.Context, cmd *clientCommand) {
	cols, rows := clampGeometry(cmd.Cols, cmd.Rows)

	c.mu.Lock()
	state := c.state
	ds := c.direct
	c.mu.Unlock()

	switch state {
	case stateShellOpen:
		c.directResize(ds, cols, rows)
	case stateProxying:
		c.proxyResize(ctx, cols, rows)
	case stateIdle:
	}
}

func (c *conn) handleDisconnect(ctx context.Context) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case stateShellOpen:
		c.directDisconnect(ctx)
	case stateProxying:
		c.proxyDisconnect(ctx)
	case stateIdle:
	}
}

// cleanup is the unconditional teardown path, run exactly once per
// connection when the browser socket closes or errors.
func (c *conn) cleanup() {
	c.mu.Lock()
	state := c.state
	ds := c.direct
	proxyID := c.proxyID
	c.direct = nil
	c.proxyID = ""
	c.state = stateIdle
	c.mu.Unlock()

	switch state {
	case stateShellOpen:
		if ds != nil {
			ds.close()
		}
	case stateProxying:
		c.proxyTeardown(proxyID)
	case stateIdle:
	}
}
