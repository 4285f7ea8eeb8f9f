package fetch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrSessionExists   = errors.New("fetch session already exists")
	ErrSessionNotFound = errors.New("fetch session not found")
)

// Manager keys independent sessions by id. Its lock only guards the map;
// each session serializes its own fields.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// Create registers a Pending session. An empty id gets a generated one.
func (m *Manager) Create(id, fileName string, totalSize int64, savePath string, peer PeerInfo) (*Session, error) {
	if totalSize < 0 {
		return nil, fmt.Errorf("invalid total size %d", totalSize)
	}
	if id == "" {
		id = NewID()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	s := NewSession(id, fileName, totalSize, savePath, peer)
	m.sessions[id] = s
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Progress returns the snapshot of one session.
func (m *Manager) Progress(id string) (Progress, error) {
	s, ok := m.Get(id)
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Progress(), nil
}

// Remove forgets a session and releases its destination handle.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// List returns every session's progress, oldest first.
func (m *Manager) List() []Progress {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].createdAt.Equal(sessions[j].createdAt) {
			return sessions[i].id < sessions[j].id
		}
		return sessions[i].createdAt.Before(sessions[j].createdAt)
	})

	out := make([]Progress, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Progress())
	}
	return out
}
