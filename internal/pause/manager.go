package pause

import (
	"sync"
	"time"
)

// Resolution is delivered to a pending request's waiter channel exactly once:
// either the human's answers, or a rejection when the owning task is
// cancelled.
type Resolution struct {
	Answers  map[string]string
	Rejected bool
	Reason   string
}

// Pending is one outstanding "agent is asking the human" request.
type Pending struct {
	CorrelationID string
	SessionID     string
	CreatedAt     time.Time

	done chan Resolution
}

// Done resolves exactly once per pending request; the channel is buffered so
// resolution never blocks on an absent waiter.
func (p *Pending) Done() <-chan Resolution { return p.done }

// Manager tracks outstanding interactive requests keyed by correlation id.
// Every entry must eventually be resolved or rejected; cancellation sweeps a
// session's entries so no waiter is left hanging.
type Manager struct {
	mu sync.Mutex

	pending   map[string]*Pending
	bySession map[string]map[string]*Pending
}

func NewManager() *Manager {
	return &Manager{
		pending:   make(map[string]*Pending),
		bySession: make(map[string]map[string]*Pending),
	}
}

// Register records a new pending request. Re-registering an id replaces the
// prior entry, rejecting its waiter.
func (m *Manager) Register(correlationID, sessionID string) *Pending {
	p := &Pending{
		CorrelationID: correlationID,
		SessionID:     sessionID,
		CreatedAt:     time.Now().UTC(),
		done:          make(chan Resolution, 1),
	}

	m.mu.Lock()
	if prior, ok := m.pending[correlationID]; ok {
		m.removeLocked(prior)
		prior.done <- Resolution{Rejected: true, Reason: "superseded"}
	}
	m.pending[correlationID] = p
	if _, ok := m.bySession[sessionID]; !ok {
		m.bySession[sessionID] = make(map[string]*Pending)
	}
	m.bySession[sessionID][correlationID] = p
	m.mu.Unlock()
	return p
}

// Resolve delivers the human's answers, returning false when the correlation
// id is unknown (already resolved, rejected, or never registered).
func (m *Manager) Resolve(correlationID string, answers map[string]string) (Pending, bool) {
	m.mu.Lock()
	p, ok := m.pending[correlationID]
	if ok {
		m.removeLocked(p)
	}
	m.mu.Unlock()

	if !ok {
		return Pending{}, false
	}
	p.done <- Resolution{Answers: answers}
	return *p, true
}

// RejectAll sweeps every pending request for a session, called on
// cancellation so callers awaiting an answer are not left hanging.
func (m *Manager) RejectAll(sessionID, reason string) []Pending {
	m.mu.Lock()
	entries := m.bySession[sessionID]
	out := make([]Pending, 0, len(entries))
	rejected := make([]*Pending, 0, len(entries))
	for _, p := range entries {
		out = append(out, *p)
		rejected = append(rejected, p)
	}
	for _, p := range rejected {
		m.removeLocked(p)
	}
	m.mu.Unlock()

	for _, p := range rejected {
		p.done <- Resolution{Rejected: true, Reason: reason}
	}
	return out
}

// PendingFor snapshots a session's outstanding requests.
func (m *Manager) PendingFor(sessionID string) []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.bySession[sessionID]
	out := make([]Pending, 0, len(entries))
	for _, p := range entries {
		out = append(out, *p)
	}
	return out
}

func (m *Manager) removeLocked(p *Pending) {
	delete(m.pending, p.CorrelationID)
	if entries := m.bySession[p.SessionID]; entries != nil {
		delete(entries, p.CorrelationID)
		if len(entries) == 0 {
			delete(m.bySession, p.SessionID)
		}
	}
}
