package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/patchwork-sh/patchwork/internal/database"
	"golang.org/x/crypto/bcrypt"
)

const (
	SessionCookie = "patchwork_session"
	BcryptCost    = 12
)

// ErrInvalidSession is returned for unknown, expired, or mismatched sessions.
var ErrInvalidSession = errors.New("invalid or expired session")

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NewSession creates a database-backed session for the user and returns it.
// When a token secret is configured the session token is a signed bearer
// token embedding the session id; otherwise it is a plain random value and
// the legacy token auth path is unavailable.
func NewSession(secret []byte, userID uint, duration time.Duration) (*database.Session, error) {
	id, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	var token string
	if len(secret) > 0 {
		token, err = NewSessionToken(secret, id, duration)
	} else {
		token, err = randomHex(32)
	}
	if err != nil {
		return nil, err
	}
	s := &database.Session{
		ID:           id,
		UserID:       userID,
		Token:        token,
		ExpiresAt:    time.Now().Add(duration),
		LastActivity: time.Now(),
	}
	if err := database.CreateSession(s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// ValidateSession resolves a session id to its user. Expired sessions and
// inactive users are rejected.
func ValidateSession(sessionID string) (*database.User, error) {
	return validate(sessionID, "", false)
}

// ValidateSessionToken resolves a session id to its user, additionally
// requiring the raw session token to match.
func ValidateSessionToken(sessionID, token string) (*database.User, error) {
	return validate(sessionID, token, true)
}

func validate(sessionID, token string, checkToken bool) (*database.User, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	s, err := database.GetSession(sessionID)
	if err != nil {
		return nil, ErrInvalidSession
	}
	if time.Now().After(s.ExpiresAt) {
		return nil, ErrInvalidSession
	}
	if checkToken && s.Token != token {
		return nil, ErrInvalidSession
	}
	user, err := database.GetUserByID(s.UserID)
	if err != nil {
		return nil, ErrInvalidSession
	}
	if !user.IsActive {
		return nil, ErrInvalidSession
	}
	return user, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
