package orchestrator

import (
	"sort"
	"sync"
)

// SessionRegistry maps call ids to live sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*CallSession)}
}

func (r *SessionRegistry) Get(callID string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// GetOrAdd returns the live session for callID, or stores the one built by create.
// create runs under the registry lock and may refuse with an error.
func (r *SessionRegistry) GetOrAdd(callID string, create func(n int) (*CallSession, error)) (*CallSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[callID]; ok {
		return s, false, nil
	}
	s, err := create(len(r.sessions))
	if err != nil {
		return nil, false, err
	}
	r.sessions[callID] = s
	return s, true, nil
}

// Remove deletes callID only while it still maps to s, so a stale teardown cannot evict a newer call.
func (r *SessionRegistry) Remove(callID string, s *CallSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[callID]; ok && cur == s {
		delete(r.sessions, callID)
		return true
	}
	return false
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns live sessions ordered by creation time.
func (r *SessionRegistry) List() []*CallSession {
	r.mu.RLock()
	list := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}
