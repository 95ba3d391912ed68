package bridge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/patchwork-sh/patchwork/internal/agentws"
	"github.com/patchwork-sh/patchwork/internal/audit"
)

// proxyConnect asks the host's agent to dial SSH on our behalf. Registry
// insertion and agent dispatch form one logical step: a failed send rolls the
// just-inserted row back.
func (c *conn) proxyConnect(ctx context.Context, cmd *clientCommand) {
	agentID := c.host.AgentID

	if !c.bridge.Agents.Connected(agentID) {
		c.writer.sendError(ctx, fmt.Sprintf("Agent not connected for host %s", c.host.FriendlyName))
		return
	}

	target := cmd.ProxyHost
	if target == "" {
		// The agent runs on the host itself; default to its own sshd.
		target = "localhost"
	}
	if err := validateProxyHost(target); err != nil {
		c.writer.sendError(ctx, fmt.Sprintf("Invalid proxy host: %v", err))
		return
	}

	port := cmd.ProxyPort
	if port == 0 {
		port = defaultSSHPort
	}
	if err := validatePort(port); err != nil {
		c.writer.sendError(ctx, err.Error())
		return
	}

	username := cmd.Username
	if username == "" {
		username = defaultUsername
	}
	term := cmd.Terminal
	if term == "" {
		term = defaultTerminal
	}
	cols, rows := clampGeometry(cmd.Cols, cmd.Rows)

	sessionID := uuid.NewString()
	row := &ProxySession{
		ID:      sessionID,
		HostID:  c.host.ID,
		AgentID: agentID,
		owner:   c,
	}
	if err := c.bridge.Sessions.Register(row); err != nil {
		c.writer.sendError(ctx, fmt.Sprintf("Too many proxy sessions for agent %s", agentID))
		return
	}

	// The per-connection state commits together with the row, before the
	// send, so an agent answering immediately finds the session id already
	// attached. A failed send rolls all of it back.
	c.mu.Lock()
	prevMode := c.mode
	c.mode = modeProxy
	c.proxyID = sessionID
	c.state = stateProxying
	c.mu.Unlock()

	err := c.bridge.Agents.Send(ctx, agentID, agentws.ProxyCommand{
		Type:       agentws.CmdProxyConnect,
		SessionID:  sessionID,
		Host:       target,
		Port:       port,
		Username:   username,
		Password:   cmd.Password,
		PrivateKey: cmd.PrivateKey,
		Passphrase: cmd.Passphrase,
		Terminal:   term,
		Cols:       cols,
		Rows:       rows,
	})
	if err != nil {
		c.bridge.Sessions.Remove(sessionID)
		c.mu.Lock()
		if c.proxyID == sessionID {
			c.proxyID = ""
			c.state = stateIdle
			c.mode = prevMode
		}
		c.mu.Unlock()
		c.writer.sendError(ctx, fmt.Sprintf("Failed to reach agent: %v", err))
		return
	}

	log.Printf("[bridge] proxy SSH session requested: session=%s host=%d agent=%s user=%s", sessionID, c.host.ID, agentID, c.user.Username)
}

// proxySend forwards a command for the connection's session if its registry
// row still exists. A missing row means the agent side already tore down;
// that is a silent no-op.
func (c *conn) proxySend(ctx context.Context, pc agentws.ProxyCommand) {
	row := c.bridge.Sessions.Lookup(pc.SessionID)
	if row == nil {
		return
	}
	if err := c.bridge.Agents.Send(ctx, row.AgentID, pc); err != nil {
		log.Printf("[bridge] proxy command %s failed for session %s: %v", pc.Type, pc.SessionID, err)
	}
}

func (c *conn) proxyInput(ctx context.Context, data string) {
	c.mu.Lock()
	id := c.proxyID
	c.mu.Unlock()
	if id == "" {
		return
	}
	c.proxySend(ctx, agentws.ProxyCommand{Type: agentws.CmdProxyInput, SessionID: id, Data: data})
}

func (c *conn) proxyResize(ctx context.Context, cols, rows int) {
	c.mu.Lock()
	id := c.proxyID
	c.mu.Unlock()
	if id == "" {
		return
	}
	c.proxySend(ctx, agentws.ProxyCommand{Type: agentws.CmdProxyResize, SessionID: id, Cols: cols, Rows: rows})
}

// proxyDisconnect tears down the proxied session on explicit browser request.
func (c *conn) proxyDisconnect(ctx context.Context) {
	c.mu.Lock()
	id := c.proxyID
	c.proxyID = ""
	c.state = stateIdle
	c.mu.Unlock()
	if id == "" {
		return
	}
	c.proxySend(ctx, agentws.ProxyCommand{Type: agentws.CmdProxyDisconnect, SessionID: id})
	c.bridge.Sessions.Remove(id)
	c.auditSession(audit.EventSessionClosed, "proxy")
}

// proxyTeardown runs when the browser socket closes while proxying: the
// agent is told to drop the session on a best-effort basis and the row is
// removed. Send failures are logged, never retried.
func (c *conn) proxyTeardown(sessionID string) {
	if sessionID == "" {
		return
	}
	row := c.bridge.Sessions.Lookup(sessionID)
	if row == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.bridge.Agents.Send(ctx, row.AgentID, agentws.ProxyCommand{
		Type:      agentws.CmdProxyDisconnect,
		SessionID: sessionID,
	}); err != nil {
		log.Printf("[bridge] best-effort proxy disconnect failed for session %s: %v", sessionID, err)
	}
	c.bridge.Sessions.Remove(sessionID)
}

// onProxyClosed resets the connection to idle after the agent reported the
// session closed, so the browser may issue a fresh connect.
func (c *conn) onProxyClosed(sessionID string) {
	c.mu.Lock()
	if c.proxyID == sessionID {
		c.proxyID = ""
		c.state = stateIdle
	}
	c.mu.Unlock()
}

// HandleAgentFrame routes an inbound agent frame to the browser socket that
// owns its session. Frames for unknown sessions are dropped with a warning;
// frames whose sending agent does not match the registry row are dropped as
// cross-tenant injection attempts.
func (b *Bridge) HandleAgentFrame(ev agentws.ProxyEvent) {
	row := b.Sessions.Lookup(ev.SessionID)
	if row == nil {
		log.Printf("[bridge] dropping %s frame for unknown session %s (agent %s)", ev.Type, ev.SessionID, ev.AgentID)
		return
	}
	if row.AgentID != ev.AgentID {
		log.Printf("[bridge] dropping %s frame: agent %s does not own session %s", ev.Type, ev.AgentID, ev.SessionID)
		return
	}

	c := row.owner
	var err error
	switch ev.Type {
	case agentws.EventProxyData:
		err = c.writer.sendData(c.ctx, ev.Data)
	case agentws.EventProxyConnected:
		err = c.writer.sendConnected(c.ctx)
		if err == nil {
			c.auditSession(audit.EventSessionConnected, "proxy")
		}
	case agentws.EventProxyError:
		err = c.writer.sendError(c.ctx, ev.Message)
	case agentws.EventProxyClosed:
		c.writer.sendClosed(c.ctx)
		b.Sessions.Remove(ev.SessionID)
		c.onProxyClosed(ev.SessionID)
		c.auditSession(audit.EventSessionClosed, "proxy")
		return
	default:
		log.Printf("[bridge] unknown agent frame type %q for session %s", ev.Type, ev.SessionID)
		return
	}

	// A dead browser socket means the session has no consumer left; drop the
	// row so later frames are discarded cheaply.
	if err != nil {
		b.Sessions.Remove(ev.SessionID)
		c.onProxyClosed(ev.SessionID)
	}
}
