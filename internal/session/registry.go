package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDuplicateToken = errors.New("token already admitted")
	ErrInstanceFull   = errors.New("instance full")
	ErrDraining       = errors.New("instance draining")
)

// Registry tracks every connected client of one instance. The registry
// lock guards only the session table; per-session state has its own lock.
type Registry struct {
	verifier *TokenVerifier
	max      int

	mu         sync.RWMutex
	sessions   map[string]*Session
	usedTokens map[string]string // jti -> session id
	draining   bool
}

func NewRegistry(verifier *TokenVerifier, maxSessions int) *Registry {
	return &Registry{
		verifier:   verifier,
		max:        maxSessions,
		sessions:   map[string]*Session{},
		usedTokens: map[string]string{},
	}
}

// Admit validates a connection token and creates a session. Admission with
// an already-used token is rejected: tokens are one-shot.
func (r *Registry) Admit(tokenString string, now time.Time) (*Session, error) {
	subject, tokenID, err := r.verifier.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return nil, ErrDraining
	}
	if len(r.sessions) >= r.max {
		return nil, ErrInstanceFull
	}
	if _, used := r.usedTokens[tokenID]; used {
		return nil, fmt.Errorf("%w: jti %s", ErrDuplicateToken, tokenID)
	}

	s := newSession(uuid.NewString(), subject, tokenID, now)
	r.sessions[s.ID] = s
	r.usedTokens[tokenID] = s.ID
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops the session from the table. The token id stays burned for
// the life of the instance.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// All returns sessions in stable id order so per-tick iteration is
// deterministic.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SetDraining stops new admissions; existing sessions continue until their
// backlogs flush or the drain grace deadline forces the issue.
func (r *Registry) SetDraining() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
}

func (r *Registry) Draining() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.draining
}
