// Package agentws maintains the control-plane WebSocket connections from
// managed host agents. Each connected agent is tracked in a Registry keyed by
// its agent id; the SSH terminal bridge uses the registry to forward proxy
// commands to agents and to receive asynchronous proxy frames back.
package agentws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// ProxyCommand is an outbound control-plane frame instructing an agent to
// dial, feed, resize, or tear down a proxied SSH session.
type ProxyCommand struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Terminal   string `json:"terminal,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Data       string `json:"data,omitempty"`
}

// Outbound proxy command types.
const (
	CmdProxyConnect    = "ssh_proxy"
	CmdProxyInput      = "ssh_proxy_input"
	CmdProxyResize     = "ssh_proxy_resize"
	CmdProxyDisconnect = "ssh_proxy_disconnect"
)

// ProxyEvent is an inbound frame from an agent reporting on a proxied SSH
// session. AgentID is filled in by the read loop from the authenticated
// connection, never from the frame payload.
type ProxyEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`

	AgentID string `json:"-"`
}

// Inbound proxy event types.
const (
	EventProxyData      = "ssh_proxy_data"
	EventProxyConnected = "ssh_proxy_connected"
	EventProxyError     = "ssh_proxy_error"
	EventProxyClosed    = "ssh_proxy_closed"
)

// ProxyFrameHandler receives inbound ssh_proxy_* events. The bridge's session
// registry implements this to fan frames out to the right browser socket.
type ProxyFrameHandler interface {
	HandleAgentFrame(ev ProxyEvent)
}

// AgentConn is a live control-plane connection to one agent. Writes are
// serialized; coder/websocket permits only one concurrent writer.
type AgentConn struct {
	agentID string
	ws      *websocket.Conn

	writeMu sync.Mutex
}

// Send marshals v and writes it as a text frame. Returns an error when the
// underlying socket is no longer writable.
func (c *AgentConn) Send(ctx context.Context, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal agent frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write to agent %s: %w", c.agentID, err)
	}
	return nil
}

// Registry maps agent ids to their live control-plane connections. An agent
// reconnecting replaces its previous entry.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*AgentConn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*AgentConn)}
}

// Connected reports whether the agent currently has a live connection.
func (r *Registry) Connected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[agentID] != nil
}

// Send delivers a frame to the agent's connection. Fails when the agent is
// not connected or the socket write fails.
func (r *Registry) Send(ctx context.Context, agentID string, v interface{}) error {
	r.mu.RLock()
	conn := r.conns[agentID]
	r.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("agent %s not connected", agentID)
	}
	return conn.Send(ctx, v)
}

func (r *Registry) register(agentID string, c *AgentConn) {
	r.mu.Lock()
	r.conns[agentID] = c
	r.mu.Unlock()
}

// unregister removes the entry only if it still refers to the given
// connection, so a reconnect racing a stale close does not drop the new one.
func (r *Registry) unregister(agentID string, c *AgentConn) {
	r.mu.Lock()
	if r.conns[agentID] == c {
		delete(r.conns, agentID)
	}
	r.mu.Unlock()
}

// RegisterForTest installs a connection directly. Test helper.
func (r *Registry) RegisterForTest(agentID string, ws *websocket.Conn) *AgentConn {
	c := &AgentConn{agentID: agentID, ws: ws}
	r.register(agentID, c)
	return c
}
