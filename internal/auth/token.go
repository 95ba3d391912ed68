package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// WebsocketTokenTTL bounds the lifetime of a websocket-purpose token. The
// token is minted right before the browser opens the terminal WebSocket, so
// it never needs to live long.
const WebsocketTokenTTL = 2 * time.Minute

var ErrInvalidToken = errors.New("invalid token")

type wsClaims struct {
	SessionID string `json:"sid"`
	Purpose   string `json:"purpose"`
	jwt.RegisteredClaims
}

// NewWebsocketToken mints a short-lived HS256 token bound to a session. It is
// single-purpose: it authenticates a WebSocket upgrade and nothing else, so
// the session's primary credential never appears in a URL.
func NewWebsocketToken(secret []byte, sessionID string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret not configured")
	}
	now := time.Now()
	claims := wsClaims{
		SessionID: sessionID,
		Purpose:   "websocket",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(WebsocketTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// NewSessionToken mints the session's bearer token: an HS256 token carried by
// API clients alongside the session id. Unlike websocket tokens it lives as
// long as the session itself.
func NewSessionToken(secret []byte, sessionID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret not configured")
	}
	now := time.Now()
	claims := wsClaims{
		SessionID: sessionID,
		Purpose:   "session",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies a bearer token's signature. It returns the embedded
// session id and whether the token is websocket-purpose. A token that fails
// signature or expiry checks is rejected outright.
func ParseToken(secret []byte, raw string) (sessionID string, websocketPurpose bool, err error) {
	if len(secret) == 0 {
		return "", false, errors.New("token secret not configured")
	}
	var claims wsClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !tok.Valid {
		return "", false, ErrInvalidToken
	}
	return claims.SessionID, claims.Purpose == "websocket", nil
}
