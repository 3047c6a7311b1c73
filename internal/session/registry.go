package session

import "sync"

// Registry owns the shared session maps: session id to session plus the
// device id secondary index. All mutation goes through its methods; the
// broad lock covers only insert, remove and iteration, never steady-state
// packet processing.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byDevice map[string]string
	max      int
}

func NewRegistry(maxSessions int) *Registry {
	if maxSessions <= 0 {
		maxSessions = 100
	}
	return &Registry{
		sessions: make(map[string]*Session),
		byDevice: make(map[string]string),
		max:      maxSessions,
	}
}

// Add admits a session, enforcing the concurrency ceiling atomically.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.max {
		return ErrSessionLimit
	}
	r.sessions[s.ID] = s
	r.byDevice[s.DeviceID] = s.ID
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) GetByDevice(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byDevice[deviceID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// Remove detaches a session from both indexes. Removing an absent id is a
// no-op, which makes termination idempotent.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	if cur, ok := r.byDevice[s.DeviceID]; ok && cur == id {
		delete(r.byDevice, s.DeviceID)
	}
	return s, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Max() int { return r.max }

// All snapshots the current sessions for sweep and shutdown iteration.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
