package bridge

import (
	"log"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/coder/websocket"
)

// pathSegment is the literal third segment identifying terminal upgrade
// requests: /api/{version}/ssh-terminal/{hostId}.
const pathSegment = "ssh-terminal"

// MatchPath reports whether the request path targets the SSH terminal bridge
// and, if so, the host id segment. The path must decompose into exactly four
// non-empty segments with the third literally "ssh-terminal"; anything else
// is left for other handlers.
func MatchPath(path string) (hostID string, ok bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 4 {
		return "", false
	}
	for _, s := range segments {
		if s == "" {
			return "", false
		}
	}
	if segments[2] != pathSegment {
		return "", false
	}
	return segments[3], true
}

// Dispatcher routes matching WebSocket upgrade requests into the bridge. Once
// a request matches, the dispatcher owns it: the upgrade is either completed
// or the response is terminated, never left half-finished.
type Dispatcher struct {
	Bridge *Bridge
}

// Middleware returns an http middleware that intercepts terminal upgrade
// requests and passes everything else through.
func (d *Dispatcher) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hostID, ok := MatchPath(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		d.handle(w, r, hostID)
	})
}

func (d *Dispatcher) handle(w http.ResponseWriter, r *http.Request, hostID string) {
	// A panic below must not leave the browser with a connection reset:
	// complete the handshake and close cleanly with an internal-error code.
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[bridge] panic handling terminal upgrade: %v\n%s", rec, debug.Stack())
			if ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true}); err == nil {
				ws.Close(websocket.StatusInternalError, "internal error")
			}
		}
	}()

	d.Bridge.HandleUpgrade(w, r, hostID)
}
