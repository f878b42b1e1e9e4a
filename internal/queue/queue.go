package queue

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/deckhand/internal/agent"
)

var (
	// ErrEmptyPrompt rejects blank prompts before they reach the queue.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrFull fails closed at the per-session cap; entries are never silently
	// dropped.
	ErrFull = errors.New("message queue is full")
)

// DefaultCap bounds pending prompts per session.
const DefaultCap = 50

// Entry is one pending prompt waiting for the running task to finish.
type Entry struct {
	ID         string        `json:"id"`
	Prompt     string        `json:"prompt"`
	Options    agent.Options `json:"options"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// Queue holds per-session FIFO prompt queues. The engine advances it only
// from the completed and errored terminal transitions, never from cancelled.
type Queue struct {
	mu        sync.Mutex
	cap       int
	bySession map[string][]Entry
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Queue{
		cap:       capacity,
		bySession: make(map[string][]Entry),
	}
}

func (q *Queue) Enqueue(sessionID, prompt string, opts agent.Options) (Entry, error) {
	if strings.TrimSpace(prompt) == "" {
		return Entry{}, ErrEmptyPrompt
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.bySession[sessionID]) >= q.cap {
		return Entry{}, ErrFull
	}
	entry := Entry{
		ID:         uuid.NewString(),
		Prompt:     prompt,
		Options:    opts,
		EnqueuedAt: time.Now().UTC(),
	}
	q.bySession[sessionID] = append(q.bySession[sessionID], entry)
	return entry, nil
}

// Dequeue pops the FIFO head, reporting false when the queue is empty.
func (q *Queue) Dequeue(sessionID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.bySession[sessionID]
	if len(pending) == 0 {
		return Entry{}, false
	}
	head := pending[0]
	rest := pending[1:]
	if len(rest) == 0 {
		delete(q.bySession, sessionID)
	} else {
		q.bySession[sessionID] = append([]Entry(nil), rest...)
	}
	return head, true
}

// Requeue puts a dequeued entry back at the head, keeping its FIFO position
// when it lost the start race. The cap is not re-checked: the entry already
// held a slot.
func (q *Queue) Requeue(sessionID string, entry Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bySession[sessionID] = append([]Entry{entry}, q.bySession[sessionID]...)
}

// Delete removes a specific not-yet-started entry. Returning false means the
// entry already started executing or never existed, an expected race with the
// engine rather than a failure.
func (q *Queue) Delete(sessionID, entryID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.bySession[sessionID]
	for i, entry := range pending {
		if entry.ID != entryID {
			continue
		}
		out := append(append([]Entry(nil), pending[:i]...), pending[i+1:]...)
		if len(out) == 0 {
			delete(q.bySession, sessionID)
		} else {
			q.bySession[sessionID] = out
		}
		return true
	}
	return false
}

// Clear drops every pending entry, e.g. on session deletion.
func (q *Queue) Clear(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.bySession, sessionID)
}

// List snapshots the pending entries in FIFO order.
func (q *Queue) List(sessionID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.bySession[sessionID]
	if len(pending) == 0 {
		return nil
	}
	return append([]Entry(nil), pending...)
}

func (q *Queue) Len(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bySession[sessionID])
}
