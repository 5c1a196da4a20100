package session

// Registry maps user IDs to their live session records. It is the single
// source of truth for "is this user currently linking or linked". The map is
// not synchronized; the Manager serializes all access behind its lock.
type Registry struct {
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Get(userID string) (*Session, bool) {
	sess, ok := r.sessions[userID]
	return sess, ok
}

func (r *Registry) Put(userID string, sess *Session) {
	r.sessions[userID] = sess
}

func (r *Registry) Remove(userID string) {
	delete(r.sessions, userID)
}

func (r *Registry) Has(userID string) bool {
	_, ok := r.sessions[userID]
	return ok
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// All returns the current session records, for shutdown sweeps.
func (r *Registry) All() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}
