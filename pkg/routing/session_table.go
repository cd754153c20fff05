package routing

import (
	"sync"

	"github.com/dftp-io/dftp/pkg/types"
)

// SessionTable tracks the live FTP sessions of a routing node, indexed
// by session id and by client address. Per-address sessions keep their
// connection order.
type SessionTable struct {
	mu   sync.Mutex
	byID map[string]*types.Session
	byIP map[string][]*types.Session
}

// NewSessionTable creates an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		byID: make(map[string]*types.Session),
		byIP: make(map[string][]*types.Session),
	}
}

// Add registers a session.
func (t *SessionTable) Add(s *types.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[s.SessionID] = s
	t.byIP[s.ClientIP] = append(t.byIP[s.ClientIP], s)
}

// Get returns a session by id, or nil.
func (t *SessionTable) Get(sessionID string) *types.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[sessionID]
}

// ByClientIP returns every session of one client address, oldest first.
func (t *SessionTable) ByClientIP(ip string) []*types.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions := make([]*types.Session, len(t.byIP[ip]))
	copy(sessions, t.byIP[ip])
	return sessions
}

// Remove drops a session from both indexes.
func (t *SessionTable) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[sessionID]
	if !ok {
		return
	}
	delete(t.byID, sessionID)

	list := t.byIP[s.ClientIP]
	for i, candidate := range list {
		if candidate.SessionID == sessionID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.byIP, s.ClientIP)
	} else {
		t.byIP[s.ClientIP] = list
	}
}

// Snapshot returns a copy of every session, for state dumps.
func (t *SessionTable) Snapshot() []types.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions := make([]types.Session, 0, len(t.byID))
	for _, s := range t.byID {
		sessions = append(sessions, *s)
	}
	return sessions
}

// Count returns the number of live sessions.
func (t *SessionTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
