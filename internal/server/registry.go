package server

import "sync"

// Registry tracks the live sync sessions per user so committed mutations
// can be fanned out to every device the user has connected, including the
// one that originated the write.
type Registry struct {
	mu    sync.Mutex
	users map[string]map[*session]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]map[*session]struct{})}
}

func (r *Registry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.users[s.user] == nil {
		r.users[s.user] = make(map[*session]struct{})
	}
	r.users[s.user][s] = struct{}{}
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users[s.user], s)
	if len(r.users[s.user]) == 0 {
		delete(r.users, s.user)
	}
}

// forUser snapshots the user's sessions so fan-out never holds the lock
// while writing.
func (r *Registry) forUser(user string) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*session, 0, len(r.users[user]))
	for s := range r.users[user] {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of live sessions across all users.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sessions := range r.users {
		n += len(sessions)
	}
	return n
}
