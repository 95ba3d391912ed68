package agentws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/patchwork-sh/patchwork/internal/auth"
	"github.com/patchwork-sh/patchwork/internal/database"
	"github.com/patchwork-sh/patchwork/internal/logutil"
)

// Handler accepts agent control-plane WebSocket connections and dispatches
// their inbound frames.
type Handler struct {
	Registry *Registry

	mu     sync.RWMutex
	frames ProxyFrameHandler
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{Registry: registry}
}

// SetProxyFrameHandler wires the receiver for inbound ssh_proxy_* events.
// Called once during startup.
func (h *Handler) SetProxyFrameHandler(f ProxyFrameHandler) {
	h.mu.Lock()
	h.frames = f
	h.mu.Unlock()
}

func (h *Handler) proxyFrames() ProxyFrameHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frames
}

// ServeWS authenticates an agent by its id and key headers and holds the
// connection open, reading frames until the agent disconnects.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("X-Agent-Id")
	agentKey := r.Header.Get("X-Agent-Key")
	if agentID == "" || agentKey == "" {
		http.Error(w, "Agent credentials required", http.StatusUnauthorized)
		return
	}

	host, err := database.GetHostByAgentID(agentID)
	if err != nil || !auth.CheckPassword(agentKey, host.AgentKeyHash) {
		log.Printf("[agentws] rejected connection for agent %s", logutil.SanitizeForLog(agentID))
		http.Error(w, "Invalid agent credentials", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[agentws] accept failed for agent %s: %v", agentID, err)
		return
	}
	defer ws.CloseNow()

	ws.SetReadLimit(1024 * 1024)

	conn := &AgentConn{agentID: agentID, ws: ws}
	h.Registry.register(agentID, conn)
	defer h.Registry.unregister(agentID, conn)
	log.Printf("[agentws] agent connected: %s (host %d)", agentID, host.ID)

	ctx := r.Context()

	// Greeting confirms the control plane accepted the connection.
	if err := conn.Send(ctx, map[string]string{"type": "connected"}); err != nil {
		return
	}

	h.readLoop(ctx, agentID, ws)
	log.Printf("[agentws] agent disconnected: %s", agentID)
}

func (h *Handler) readLoop(ctx context.Context, agentID string, ws *websocket.Conn) {
	for {
		_, payload, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var ev ProxyEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Printf("[agentws] malformed frame from agent %s: %v", agentID, err)
			continue
		}

		if !strings.HasPrefix(ev.Type, "ssh_proxy") {
			// ping and future frame families are ignored here
			continue
		}

		frames := h.proxyFrames()
		if frames == nil {
			log.Printf("[agentws] dropping %s frame from agent %s: no handler wired", ev.Type, agentID)
			continue
		}

		// The agent id comes from the authenticated connection, so a
		// compromised agent cannot speak for another host's sessions.
		ev.AgentID = agentID
		frames.HandleAgentFrame(ev)
	}
}
