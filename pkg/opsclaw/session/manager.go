package session

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/provider"
)

// Manager caches sessions in memory on top of a Store.
//
// A single mutex guards the cache and the store for every key.
// TODO: shard the lock per key once concurrent channels contend on it.
type Manager struct {
	mu          sync.Mutex
	cache       map[string]*Session
	store       Store
	maxMessages int
	logger      *slog.Logger
}

// NewManager creates a manager over store.
func NewManager(store Store, maxMessages int, logger *slog.Logger) *Manager {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Manager{
		cache:       make(map[string]*Session),
		store:       store,
		maxMessages: maxMessages,
		logger:      logger.With("component", "sessions"),
	}
}

// Open builds a Manager backed by the named store kind ("file" or "sqlite").
func Open(kind, dir string, maxMessages int, logger *slog.Logger) (*Manager, error) {
	var (
		store Store
		err   error
	)
	switch kind {
	case "", "file":
		store, err = NewFileStore(dir)
	case "sqlite":
		store, err = NewSQLiteStore(filepath.Join(dir, "sessions.db"))
	default:
		return nil, fmt.Errorf("unknown session store %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return NewManager(store, maxMessages, logger), nil
}

// SetMaxMessages changes the bound applied to new and loaded sessions and
// trims the cached ones.
func (m *Manager) SetMaxMessages(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		n = DefaultMaxMessages
	}
	m.maxMessages = n
	for _, s := range m.cache {
		s.SetMaxMessages(n)
	}
}

// GetOrCreate returns the session for key, loading it from the store on
// first access. A missing or unreadable record yields a new empty session.
// The returned session is shared; mutate it only through Update.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key)
}

func (m *Manager) getOrCreateLocked(key string) *Session {
	if s, ok := m.cache[key]; ok {
		return s
	}

	s, err := m.store.Load(key)
	switch {
	case err == nil:
		s.SetMaxMessages(m.maxMessages)
		m.logger.Debug("session loaded", "session", key, "messages", s.Len())
	case errors.Is(err, ErrNotFound):
		s = New(key, m.maxMessages)
	default:
		m.logger.Warn("session record unreadable, starting fresh", "session", key, "error", err)
		s = New(key, m.maxMessages)
	}
	m.cache[key] = s
	return s
}

// History returns the last n messages of the session for key.
func (m *Manager) History(key string, n int) []provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key).History(n)
}

// Update runs fn on the session for key and saves it, all inside the
// manager's critical section.
func (m *Manager) Update(key string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(key)
	fn(s)
	return m.saveLocked(s)
}

// AddMessage appends one message to the session for key and saves it.
func (m *Manager) AddMessage(key, role, content string) error {
	return m.Update(key, func(s *Session) {
		s.AddMessage(role, content)
	})
}

// Save persists s and makes it the cached session for its key.
func (m *Manager) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[s.Key] = s
	return m.saveLocked(s)
}

func (m *Manager) saveLocked(s *Session) error {
	if err := m.store.Save(s); err != nil {
		return fmt.Errorf("saving session %s: %w", s.Key, err)
	}
	return nil
}

// Lookup returns a copy of an existing session without creating one.
func (m *Manager) Lookup(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.cache[key]; ok {
		return s.Clone(), true
	}
	s, err := m.store.Load(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("session record unreadable", "session", key, "error", err)
		}
		return nil, false
	}
	return s, true
}

// Delete removes the session from the cache and the store. It reports
// whether a stored record existed.
func (m *Manager) Delete(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, cached := m.cache[key]
	delete(m.cache, key)
	existed, err := m.store.Delete(key)
	if err != nil {
		return false, err
	}
	return existed || cached, nil
}

// List returns the keys of all stored sessions.
func (m *Manager) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.List()
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}
