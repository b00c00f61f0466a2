package application

import (
	"sort"

	"github.com/bnema/questd/internal/domain"
)

// SessionRegistry maps identities to their live session. It is not safe for
// concurrent use; the Supervisor guards it.
type SessionRegistry struct {
	sessions map[domain.IdentityID]*domain.Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[domain.IdentityID]*domain.Session)}
}

func (r *SessionRegistry) Get(id domain.IdentityID) (*domain.Session, bool) {
	session, ok := r.sessions[id]
	return session, ok
}

// Put stores session for id. A started, non-terminal session already registered
// for id is never replaced; the registry is left untouched in that case. It
// returns the session that was evicted, if any.
func (r *SessionRegistry) Put(id domain.IdentityID, session *domain.Session) (*domain.Session, error) {
	existing, ok := r.sessions[id]
	if ok && existing != session && existing.Active() {
		return nil, domain.ErrSessionAlreadyStarted
	}

	r.sessions[id] = session
	if ok && existing != session {
		return existing, nil
	}
	return nil, nil
}

func (r *SessionRegistry) Delete(id domain.IdentityID) (*domain.Session, bool) {
	session, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return session, ok
}

// DeleteIf removes id only while it still maps to session.
func (r *SessionRegistry) DeleteIf(id domain.IdentityID, session *domain.Session) bool {
	if existing, ok := r.sessions[id]; ok && existing == session {
		delete(r.sessions, id)
		return true
	}
	return false
}

func (r *SessionRegistry) Size() int {
	return len(r.sessions)
}

// List returns the sessions ordered by identity.
func (r *SessionRegistry) List() []*domain.Session {
	out := make([]*domain.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}

// OnWorker returns the active sessions bound to worker index.
func (r *SessionRegistry) OnWorker(index int) []*domain.Session {
	out := make([]*domain.Session, 0)
	for _, session := range r.List() {
		if session.Active() && session.Worker() == index {
			out = append(out, session)
		}
	}
	return out
}
