package watch

import (
	"sync"

	"github.com/antoniostano/deckhand/internal/protocol"
)

const watcherBuffer = 256

// Registry tracks which client connections watch which session. Many
// connections may watch one session; a connection watches at most one session
// at a time, so attaching to a new session detaches the previous watch.
type Registry struct {
	mu sync.Mutex

	bySession map[string]map[string]chan protocol.ServerEvent
	byConn    map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		bySession: make(map[string]map[string]chan protocol.ServerEvent),
		byConn:    make(map[string]string),
	}
}

// Attach subscribes a connection to a session and returns its delivery
// channel plus a detach func. The channel is closed on detach.
func (r *Registry) Attach(connID, sessionID string) (<-chan protocol.ServerEvent, func()) {
	ch := make(chan protocol.ServerEvent, watcherBuffer)

	r.mu.Lock()
	r.detachLocked(connID)
	if _, ok := r.bySession[sessionID]; !ok {
		r.bySession[sessionID] = make(map[string]chan protocol.ServerEvent)
	}
	r.bySession[sessionID][connID] = ch
	r.byConn[connID] = sessionID
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// Only detach if this attach is still current; the connection may
		// have re-attached to another session since.
		if r.byConn[connID] == sessionID {
			if subs := r.bySession[sessionID]; subs != nil && subs[connID] == ch {
				r.detachLocked(connID)
			}
		}
	}
}

// Detach removes whatever watch the connection holds, e.g. on disconnect.
func (r *Registry) Detach(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(connID)
}

func (r *Registry) detachLocked(connID string) {
	sessionID, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	subs := r.bySession[sessionID]
	if subs == nil {
		return
	}
	if ch, ok := subs[connID]; ok {
		delete(subs, connID)
		close(ch)
	}
	if len(subs) == 0 {
		delete(r.bySession, sessionID)
	}
}

// Broadcast delivers one message to every watcher of the session. The watcher
// list is held stable for the whole pass, and sends are non-blocking so one
// slow client cannot stall the consumer loop.
func (r *Registry) Broadcast(sessionID string, ev protocol.ServerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.bySession[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Watchers reports how many connections currently watch the session.
func (r *Registry) Watchers(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession[sessionID])
}

// ActiveElsewhere reports whether any other connection watches the session,
// used to tell a client "this session is open elsewhere".
func (r *Registry) ActiveElsewhere(sessionID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.bySession[sessionID] {
		if id != connID {
			return true
		}
	}
	return false
}

// SessionOf returns the session a connection currently watches.
func (r *Registry) SessionOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.byConn[connID]
	return sessionID, ok
}
