package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// commandType enumerates the client→server command vocabulary. Frames are
// decoded once and dispatched through an exhaustive switch; unknown types are
// reported back as errors rather than ignored.
type commandType string

const (
	cmdConnect    commandType = "connect"
	cmdInput      commandType = "input"
	cmdResize     commandType = "resize"
	cmdDisconnect commandType = "disconnect"
)

// Connection modes selectable by the first connect command.
const (
	modeDirect = "direct"
	modeProxy  = "proxy"
)

// clientCommand is the decoded form of one browser frame. Only the fields
// relevant to the command's type are meaningful.
type clientCommand struct {
	Type commandType `json:"type"`

	// connect
	Terminal       string `json:"terminal"`
	Cols           int    `json:"cols"`
	Rows           int    `json:"rows"`
	ConnectionMode string `json:"connection_mode"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PrivateKey     string `json:"privateKey"`
	Passphrase     string `json:"passphrase"`
	Port           int    `json:"port"`
	ProxyHost      string `json:"proxy_host"`
	ProxyPort      int    `json:"proxy_port"`

	// input
	Data string `json:"data"`
}

func decodeCommand(payload []byte) (*clientCommand, error) {
	var cmd clientCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command frame: %w", err)
	}
	return &cmd, nil
}

// serverFrame is one server→client frame.
type serverFrame struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Server→client frame types.
const (
	frameConnected = "connected"
	frameData      = "data"
	frameError     = "error"
	frameClosed    = "closed"
)

// browserWriter serializes frame writes to one browser socket. The read loop,
// the direct-mode output pump, and the agent fanout all write through it.
type browserWriter struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (w *browserWriter) send(ctx context.Context, f serverFrame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.Write(ctx, websocket.MessageText, payload)
}

func (w *browserWriter) sendConnected(ctx context.Context) error {
	return w.send(ctx, serverFrame{Type: frameConnected})
}

func (w *browserWriter) sendData(ctx context.Context, data string) error {
	return w.send(ctx, serverFrame{Type: frameData, Data: data})
}

func (w *browserWriter) sendError(ctx context.Context, message string) error {
	return w.send(ctx, serverFrame{Type: frameError, Message: message})
}

func (w *browserWriter) sendClosed(ctx context.Context) error {
	return w.send(ctx, serverFrame{Type: frameClosed})
}
