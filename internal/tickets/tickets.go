// Package tickets implements the one-time SSH access ticket store.
//
// A ticket binds a user and session to a specific host for a handful of
// seconds, just long enough for the browser to open the terminal WebSocket.
// Consumption is a single atomic read-and-delete: a ticket can never be
// redeemed twice, even by concurrent upgrade attempts racing on the same
// value.
package tickets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidTicket covers absent, expired, and already-consumed tickets. The
// consumer cannot distinguish the three states.
var ErrInvalidTicket = errors.New("invalid or expired ticket")

const keyPrefix = "ssh:ticket:"

// Ticket is the payload stored under ssh:ticket:{token}.
type Ticket struct {
	HostID    uint   `json:"hostId"`
	UserID    uint   `json:"userId"`
	SessionID string `json:"sessionId"`
}

// Store issues and consumes one-time tickets.
type Store interface {
	// Issue stores the ticket under a fresh random token and returns the token.
	Issue(ctx context.Context, t Ticket) (string, error)
	// Consume atomically reads and deletes the ticket for the token.
	// Returns ErrInvalidTicket if the token is unknown or already consumed.
	Consume(ctx context.Context, token string) (*Ticket, error)
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// RedisStore keeps tickets in Redis with a TTL. GETDEL makes consumption
// atomic across control-plane replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the Redis instance at redisURL.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Issue(ctx context.Context, t Ticket) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, keyPrefix+token, payload, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	return token, nil
}

func (s *RedisStore) Consume(ctx context.Context, token string) (*Ticket, error) {
	if token == "" {
		return nil, ErrInvalidTicket
	}
	payload, err := s.client.GetDel(ctx, keyPrefix+token).Result()
	if err == redis.Nil {
		return nil, ErrInvalidTicket
	}
	if err != nil {
		return nil, fmt.Errorf("consume ticket: %w", err)
	}
	var t Ticket
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, ErrInvalidTicket
	}
	return &t, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type memoryEntry struct {
	ticket    Ticket
	expiresAt time.Time
}

// MemoryStore holds tickets in process memory. It preserves the same
// consume-once semantics as RedisStore and is used when no Redis URL is
// configured (single-instance deployments) and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Issue(ctx context.Context, t Ticket) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.entries[token] = memoryEntry{ticket: t, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return token, nil
}

func (s *MemoryStore) Consume(ctx context.Context, token string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[token]
	if !ok {
		return nil, ErrInvalidTicket
	}
	delete(s.entries, token)
	if time.Now().After(entry.expiresAt) {
		return nil, ErrInvalidTicket
	}
	t := entry.ticket
	return &t, nil
}

// Sweep drops expired entries. Called periodically so abandoned tickets do
// not accumulate.
func (s *MemoryStore) Sweep() {
	now := time.Now()
	s.mu.Lock()
	for token, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, token)
		}
	}
	s.mu.Unlock()
}
