package sessions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager keeps the in-memory session registry, hydrated from the store at
// startup and persisted write-through on every mutation. Persistence is
// fire-and-forget: a slow database never blocks the event path.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    Store
}

func NewManager(ctx context.Context, store Store) (*Manager, error) {
	m := &Manager{
		sessions: make(map[string]*Session),
		store:    store,
	}
	if store != nil {
		persisted, err := store.ListSessions(ctx, 0)
		if err != nil {
			return nil, err
		}
		for _, sess := range persisted {
			s := sess
			m.sessions[s.ID] = &s
		}
	}
	return m, nil
}

func (m *Manager) Create(title, cwd string) Session {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(title),
		Cwd:          strings.TrimSpace(cwd),
		CreatedAt:    now,
		LastActiveAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	snapshot := *s
	m.mu.Unlock()

	m.persist(snapshot)
	return snapshot
}

func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

func (m *Manager) List(limit int) []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// AdoptToken assigns the session's continuation token the first time the
// remote side hands one back. Later init events for the same session carry
// the same token; only the first adoption reports true.
func (m *Manager) AdoptToken(id, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false, ErrNotFound
	}
	if s.ContinuationToken != "" {
		m.mu.Unlock()
		return false, nil
	}
	s.ContinuationToken = token
	s.LastActiveAt = time.Now().UTC()
	snapshot := *s
	m.mu.Unlock()

	m.persist(snapshot)
	return true, nil
}

func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.LastActiveAt = time.Now().UTC()
	snapshot := *s
	m.mu.Unlock()

	m.persist(snapshot)
	return nil
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	store := m.store
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = store.DeleteSession(ctx, id)
		}()
	}
	return nil
}

func (m *Manager) persist(s Session) {
	store := m.store
	if store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = store.SaveSession(ctx, s)
	}()
}
