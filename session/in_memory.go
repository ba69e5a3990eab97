package session

import (
	"sort"
	"sync"

	"github.com/hupe1980/agentrelay/dispatch"
)

type entry struct {
	mu         sync.Mutex
	transcript *dispatch.Transcript
}

// InMemoryStore keeps transcripts in a process local map. It is safe for
// concurrent access.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewInMemoryStore constructs an empty in‑memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*entry)}
}

// Get returns the transcript of an existing session or creates it lazily.
// The returned transcript is live; callers append to it through the loop.
func (s *InMemoryStore) Get(sessionID string) *dispatch.Transcript {
	return s.entry(sessionID).transcript
}

// Lock serializes work on one session and returns its transcript together
// with the unlock function.
func (s *InMemoryStore) Lock(sessionID string) (*dispatch.Transcript, func()) {
	e := s.entry(sessionID)
	e.mu.Lock()

	return e.transcript, e.mu.Unlock
}

// Create forces the creation (or overwriting) of a session with the given id.
func (s *InMemoryStore) Create(sessionID string) *dispatch.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createLocked(sessionID).transcript
}

// Delete removes a session. It reports whether the session existed.
func (s *InMemoryStore) Delete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)

	return ok
}

// List returns the known session ids in lexical order.
func (s *InMemoryStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Len returns the number of sessions.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

func (s *InMemoryStore) entry(sessionID string) *entry {
	s.mu.RLock()
	e, ok := s.sessions[sessionID]
	s.mu.RUnlock()

	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[sessionID]; ok {
		return e
	}

	return s.createLocked(sessionID)
}

// createLocked allocates and stores a new session; caller must already
// hold the write lock.
func (s *InMemoryStore) createLocked(sessionID string) *entry {
	e := &entry{transcript: dispatch.NewTranscript()}
	s.sessions[sessionID] = e

	return e
}
