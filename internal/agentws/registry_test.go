package agentws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// newWSPair returns both ends of a live WebSocket connection backed by an
// httptest server. Both ends are closed via t.Cleanup.
func newWSPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		accepted <- ws
		<-done
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.CloseNow() })

	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("server side never accepted")
	}
	t.Cleanup(func() { server.CloseNow() })

	return server, client
}

func TestRegistry_ConnectedAndSend(t *testing.T) {
	serverWS, clientWS := newWSPair(t)

	reg := NewRegistry()
	if reg.Connected("agent-1") {
		t.Error("empty registry reported agent connected")
	}

	reg.RegisterForTest("agent-1", serverWS)
	if !reg.Connected("agent-1") {
		t.Error("registered agent not reported connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := ProxyCommand{Type: CmdProxyConnect, SessionID: "s1", Host: "localhost", Port: 22}
	if err := reg.Send(ctx, "agent-1", cmd); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, payload, err := clientWS.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got ProxyCommand
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != CmdProxyConnect || got.SessionID != "s1" || got.Host != "localhost" {
		t.Errorf("agent received %+v", got)
	}
}

func TestRegistry_SendToDisconnectedAgent(t *testing.T) {
	reg := NewRegistry()
	err := reg.Send(context.Background(), "agent-x", ProxyCommand{Type: CmdProxyInput})
	if err == nil {
		t.Fatal("Send to unknown agent succeeded")
	}
}

func TestRegistry_UnregisterIsIdentityChecked(t *testing.T) {
	serverWS, _ := newWSPair(t)

	reg := NewRegistry()
	stale := reg.RegisterForTest("agent-1", serverWS)
	fresh := reg.RegisterForTest("agent-1", serverWS)

	// A stale connection's deferred unregister must not evict the
	// replacement installed by a reconnect.
	reg.unregister("agent-1", stale)
	if !reg.Connected("agent-1") {
		t.Error("stale unregister evicted the fresh connection")
	}

	reg.unregister("agent-1", fresh)
	if reg.Connected("agent-1") {
		t.Error("fresh connection still registered after its own unregister")
	}
}
