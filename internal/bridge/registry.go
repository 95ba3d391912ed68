package bridge

import (
	"errors"
	"sync"
)

// ErrAgentSessionLimit is returned by Register when an agent already carries
// the maximum number of proxy sessions.
var ErrAgentSessionLimit = errors.New("too many proxy sessions for agent")

// DefaultMaxSessionsPerAgent bounds registry growth under abusive clients.
const DefaultMaxSessionsPerAgent = 16

// ProxySession correlates a proxy session id with the originating browser
// connection and target agent. The registry holds the only cross-connection
// state in the bridge: rows are created by browser connect commands and read
// by agent frames arriving on a different connection entirely.
type ProxySession struct {
	ID      string
	HostID  uint
	AgentID string

	owner *conn
}

// SessionManager is the process-wide proxy session registry. All access goes
// through the mutex; rows must never be read concurrently with their
// deletion.
type SessionManager struct {
	mu          sync.Mutex
	sessions    map[string]*ProxySession
	perAgent    map[string]int
	maxPerAgent int
}

// NewSessionManager creates a registry enforcing the given per-agent session
// cap; maxPerAgent <= 0 selects DefaultMaxSessionsPerAgent.
func NewSessionManager(maxPerAgent int) *SessionManager {
	if maxPerAgent <= 0 {
		maxPerAgent = DefaultMaxSessionsPerAgent
	}
	return &SessionManager{
		sessions:    make(map[string]*ProxySession),
		perAgent:    make(map[string]int),
		maxPerAgent: maxPerAgent,
	}
}

// Register inserts a session row. Fails when the target agent is already at
// its session cap.
func (m *SessionManager) Register(s *ProxySession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perAgent[s.AgentID] >= m.maxPerAgent {
		return ErrAgentSessionLimit
	}
	m.sessions[s.ID] = s
	m.perAgent[s.AgentID]++
	return nil
}

// Lookup returns the session row for the id, or nil when none exists.
func (m *SessionManager) Lookup(id string) *ProxySession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Remove deletes the session row if present. Removing an absent id is a
// no-op: teardown can race between browser close and agent close, and
// whichever side arrives second must not fail.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	if m.perAgent[s.AgentID] <= 1 {
		delete(m.perAgent, s.AgentID)
	} else {
		m.perAgent[s.AgentID]--
	}
}

// Count returns the number of live rows.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
