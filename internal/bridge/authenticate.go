package bridge

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/patchwork-sh/patchwork/internal/auth"
	"github.com/patchwork-sh/patchwork/internal/database"
)

// ErrUnauthenticated covers every authentication failure the upgrade path can
// hit; callers reject the upgrade without distinguishing causes to the client.
var ErrUnauthenticated = errors.New("authentication failed")

// authenticate resolves the upgrade request to a user and session. The
// one-time ticket is the preferred path; the signed bearer token is the
// legacy path. Absence of both fails closed.
func (b *Bridge) authenticate(r *http.Request, hostID uint) (*database.User, string, error) {
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		return b.authenticateTicket(r, ticket, hostID)
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token != "" {
		return b.authenticateToken(token)
	}

	return nil, "", ErrUnauthenticated
}

func (b *Bridge) authenticateTicket(r *http.Request, token string, hostID uint) (*database.User, string, error) {
	t, err := b.Tickets.Consume(r.Context(), token)
	if err != nil {
		log.Printf("[bridge] ticket rejected for host %d: %v", hostID, err)
		return nil, "", ErrUnauthenticated
	}

	// A ticket is bound to exactly one host; a mismatch means the token was
	// minted for a different target and must not be honored here.
	if t.HostID != hostID {
		log.Printf("[bridge] ticket host mismatch: bound=%d requested=%d", t.HostID, hostID)
		return nil, "", ErrUnauthenticated
	}

	user, err := database.GetUserByID(t.UserID)
	if err != nil || !user.IsActive {
		return nil, "", ErrUnauthenticated
	}

	return user, t.SessionID, nil
}

func (b *Bridge) authenticateToken(raw string) (*database.User, string, error) {
	sessionID, websocketPurpose, err := auth.ParseToken(b.TokenSecret, raw)
	if err != nil {
		return nil, "", ErrUnauthenticated
	}

	// Websocket-purpose tokens are single-purpose and short-lived, not the
	// session's primary credential: the session id alone is validated. Any
	// other signed token must itself be the session's bearer token.
	var user *database.User
	if websocketPurpose {
		user, err = auth.ValidateSession(sessionID)
	} else {
		user, err = auth.ValidateSessionToken(sessionID, raw)
	}
	if err != nil {
		return nil, "", ErrUnauthenticated
	}

	return user, sessionID, nil
}
