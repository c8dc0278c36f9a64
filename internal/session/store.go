// Package session keeps per-viewer matching state in memory so stage
// navigation can re-run assignment against the previous bindings.
package session

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hanging-protocol-server/internal/domain"
)

// DefaultLimit bounds the store when no limit is configured.
const DefaultLimit = 1024

// Session holds the last matching pass of one viewer. Callers hold the
// session lock while reading or replacing Request and Result.
type Session struct {
	ID      string              `json:"sessionId"`
	Request domain.MatchRequest `json:"request"`
	Result  *domain.MatchResult `json:"result"`
	mu      sync.Mutex
}

// Lock serializes passes on the session.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session.
func (s *Session) Unlock() { s.mu.Unlock() }

// Commit records a completed pass. The stored request pins the protocol and
// stage the pass settled on and drops the consumed previous assignment.
func (s *Session) Commit(req domain.MatchRequest, result *domain.MatchResult) {
	req.PreviousAssignment = nil
	req.ProtocolID = result.ProtocolID
	req.StageID = result.StageID
	s.Request = req
	s.Result = result
}

// Store keeps a bounded number of sessions in memory.
type Store struct {
	cache *lru.Cache[string, *Session]
}

// NewStore creates a store evicting the least recently used session beyond
// limit.
func NewStore(limit int) (*Store, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	cache, err := lru.New[string, *Session](limit)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache}, nil
}

// Get returns the session with the given id.
func (s *Store) Get(id string) (*Session, bool) {
	return s.cache.Get(id)
}

// GetOrCreate returns the existing session or registers a new one.
func (s *Store) GetOrCreate(id string) *Session {
	if sess, ok := s.cache.Get(id); ok {
		return sess
	}
	sess := &Session{ID: id}
	if existing, ok, _ := s.cache.PeekOrAdd(id, sess); ok {
		return existing
	}
	return sess
}

// Remove drops a session.
func (s *Store) Remove(id string) {
	s.cache.Remove(id)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	return s.cache.Len()
}
