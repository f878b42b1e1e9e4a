package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockStreamer provides deterministic local event streams when no real agent
// backend is configured. Tests may override Script to stage arbitrary event
// sequences and stream-construction failures.
type MockStreamer struct {
	mu sync.Mutex

	// Script, when set, produces the events for each invocation. Returning an
	// error fails stream construction.
	Script func(req Request) ([]Event, error)

	// Starts records every request seen, oldest first.
	Starts []Request
}

func NewMockStreamer() *MockStreamer { return &MockStreamer{} }

func (m *MockStreamer) Start(ctx context.Context, req Request) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.Lock()
	m.Starts = append(m.Starts, req)
	script := m.Script
	m.mu.Unlock()

	var events []Event
	if script != nil {
		out, err := script(req)
		if err != nil {
			return nil, err
		}
		events = out
	} else {
		events = defaultMockEvents(req)
	}
	return &sliceStream{events: events}, nil
}

// StartCount returns how many invocations have been opened so far.
func (m *MockStreamer) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Starts)
}

// LastStart returns the most recent request, if any.
func (m *MockStreamer) LastStart() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Starts) == 0 {
		return Request{}, false
	}
	return m.Starts[len(m.Starts)-1], true
}

func defaultMockEvents(req Request) []Event {
	token := strings.TrimSpace(req.Resume)
	if token == "" {
		token = "mock-" + uuid.NewString()
	}
	return []Event{
		{Type: EventInit, ContinuationToken: token},
		{Type: EventText, Text: fmt.Sprintf("I heard you: %s", strings.TrimSpace(req.Prompt))},
		{Type: EventResult, Outcome: "success"},
	}
}

type sliceStream struct {
	mu     sync.Mutex
	events []Event
	pos    int
	closed bool
}

func (s *sliceStream) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, ErrStreamClosed
	}
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
