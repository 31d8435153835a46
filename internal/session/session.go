// Package session tracks which project each MCP session has activated. Every
// tool call resolves its session here first and derives the tenant filter
// from the result.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/tomeerr"
)

// ErrNoActiveProject is returned when a session has not activated a project
// or its activation has expired.
var ErrNoActiveProject = tomeerr.New(tomeerr.KindNoActiveProject,
	"no active project for this session; call activate_project first")

// Session is one session's activation state.
type Session struct {
	ProjectName  string
	ActiveBranch string
	RepoPath     string
	PathHash     string
	ActivatedAt  time.Time
}

// Key returns the tenant triple the session is scoped to.
func (s *Session) Key() tenant.Key {
	return tenant.Key{
		ProjectName: s.ProjectName,
		BranchName:  s.ActiveBranch,
		PathHash:    s.PathHash,
	}
}

type entry struct {
	session   *Session
	updatedAt time.Time
}

// Store is an in-memory TTL store of session activations keyed by MCP
// session id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	ttl      time.Duration
}

// NewStore creates a store; sessions idle longer than ttl expire. A
// non-positive ttl defaults to twelve hours.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Store{
		sessions: make(map[string]*entry),
		ttl:      ttl,
	}
}

// Get returns the session's activation, refreshing its idle timer.
func (s *Store) Get(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNoActiveProject
	}
	if time.Since(e.updatedAt) > s.ttl {
		delete(s.sessions, sessionID)
		return nil, ErrNoActiveProject
	}
	e.updatedAt = time.Now()
	return e.session, nil
}

// Set records the session's activation.
func (s *Store) Set(sessionID string, session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &entry{session: session, updatedAt: time.Now()}
}

// Clear drops the session's activation.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartSweeper evicts expired sessions periodically until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, e := range s.sessions {
		if now.Sub(e.updatedAt) > s.ttl {
			delete(s.sessions, id)
		}
	}
}
