package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/deckhand/internal/protocol"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

var (
	ErrAlreadyRunning = errors.New("a task is already running for this session")
	ErrNotRunning     = errors.New("no running task for this session")
)

// Task is the in-memory record of one in-flight or just-finished agent
// invocation. It never survives a process restart; a running Task with no
// cancellation handle is by definition stale.
type Task struct {
	ID        string
	SessionID string
	Status    Status
	// Results mirrors what was broadcast for this invocation, so a client
	// that reconnects mid-run can be replayed the turn so far.
	Results []protocol.ServerEvent
	// ErrDetail retains raw upstream error text for diagnostics. It is never
	// broadcast; clients only see the fixed per-category vocabulary.
	ErrDetail string
	// Outcome, CostUSD and Duration hold the remote side's final-result
	// summary, carried on the terminal status broadcast.
	Outcome   string
	CostUSD   float64
	Duration  time.Duration
	CreatedAt time.Time
	StartedAt time.Time

	cancel context.CancelFunc
}

func (t Task) Clone() Task {
	out := t
	out.cancel = nil
	if t.Results != nil {
		out.Results = make([]protocol.ServerEvent, len(t.Results))
		copy(out.Results, t.Results)
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Registry owns every session's single mutable Task record and enforces the
// single-flight invariant: at most one running Task per session.
type Registry struct {
	mu sync.RWMutex

	retention    time.Duration
	staleCeiling time.Duration
	tasks        map[string]*Task
}

func NewRegistry(retention, staleCeiling time.Duration) *Registry {
	if retention <= 0 {
		retention = time.Hour
	}
	if staleCeiling <= 0 {
		staleCeiling = 30 * time.Minute
	}
	return &Registry{
		retention:    retention,
		staleCeiling: staleCeiling,
		tasks:        make(map[string]*Task),
	}
}

// GetOrCreate returns the session's Task, creating an idle one if absent.
func (r *Registry) GetOrCreate(sessionID string) Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(sessionID).Clone()
}

func (r *Registry) getOrCreateLocked(sessionID string) *Task {
	t, ok := r.tasks[sessionID]
	if !ok {
		t = &Task{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Status:    StatusIdle,
			CreatedAt: time.Now().UTC(),
		}
		r.tasks[sessionID] = t
	}
	return t
}

// Open performs stale-task recovery when a session is (re)opened: a Task left
// running with no cancellation handle, or running past the hard ceiling, is
// forcibly reset to idle. This recovers from process restarts and silently
// hung streams without any client cooperation.
func (r *Registry) Open(sessionID string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.getOrCreateLocked(sessionID)
	if t.Status == StatusRunning {
		stale := t.cancel == nil
		if !stale && !t.StartedAt.IsZero() && time.Since(t.StartedAt) > r.staleCeiling {
			stale = true
		}
		if stale {
			t.Status = StatusIdle
			t.Results = nil
			t.ErrDetail = ""
			t.Outcome = ""
			t.CostUSD = 0
			t.Duration = 0
			t.cancel = nil
			t.StartedAt = time.Time{}
			return t.Clone(), true
		}
	}
	return t.Clone(), false
}

// Begin transitions the session's Task to running, atomically rejecting a
// second start while one is in flight.
func (r *Registry) Begin(sessionID string, cancel context.CancelFunc) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.getOrCreateLocked(sessionID)
	if t.Status == StatusRunning {
		return Task{}, ErrAlreadyRunning
	}
	t.ID = uuid.NewString()
	t.Status = StatusRunning
	t.Results = nil
	t.ErrDetail = ""
	t.Outcome = ""
	t.CostUSD = 0
	t.Duration = 0
	t.StartedAt = time.Now().UTC()
	t.cancel = cancel
	return t.Clone(), nil
}

// RecordSummary stores the remote final-result payload on the running Task so
// the terminal status transition can carry it.
func (r *Registry) RecordSummary(sessionID, outcome string, costUSD float64, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[sessionID]
	if !ok || t.Status != StatusRunning {
		return
	}
	t.Outcome = outcome
	t.CostUSD = costUSD
	t.Duration = duration
}

// AppendResult records a broadcast message on the running Task.
func (r *Registry) AppendResult(sessionID string, ev protocol.ServerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[sessionID]
	if !ok || t.Status != StatusRunning {
		return
	}
	t.Results = append(t.Results, ev)
}

// Finish moves the running Task to a terminal status and drops its handle.
func (r *Registry) Finish(sessionID string, status Status, errDetail string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[sessionID]
	if !ok || t.Status != StatusRunning {
		return Task{}, ErrNotRunning
	}
	t.Status = status
	t.ErrDetail = errDetail
	t.cancel = nil
	return t.Clone(), nil
}

// Cancel invokes the running Task's cancellation handle. The status
// transition happens in the consumer loop once it observes the cancellation,
// keeping transcript order intact.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	t, ok := r.tasks[sessionID]
	var cancel context.CancelFunc
	if ok && t.Status == StatusRunning && t.cancel != nil {
		cancel = t.cancel
	}
	r.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (r *Registry) Snapshot(sessionID string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[sessionID]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

func (r *Registry) Running(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[sessionID]
	return ok && t.Status == StatusRunning
}

// ClearIfTerminal removes a Task once its terminal state has been observed by
// a client, bounding memory growth.
func (r *Registry) ClearIfTerminal(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[sessionID]
	if !ok || !t.Terminal() {
		return false
	}
	delete(r.tasks, sessionID)
	return true
}

// StartJanitor periodically removes Tasks older than the retention window
// regardless of status, so abandoned sessions do not accumulate forever.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID, t := range r.tasks {
		ref := t.CreatedAt
		if t.StartedAt.After(ref) {
			ref = t.StartedAt
		}
		if now.Sub(ref) > r.retention {
			if t.cancel != nil {
				t.cancel()
			}
			delete(r.tasks, sessionID)
		}
	}
}
