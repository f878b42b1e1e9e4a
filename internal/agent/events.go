package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// AutonomyMode controls how much the remote agent may do without asking.
type AutonomyMode string

const (
	AutonomyAsk  AutonomyMode = "ask"
	AutonomyAuto AutonomyMode = "auto"
	AutonomyFull AutonomyMode = "full"
)

// QuestionToolName is the designated "ask the human" tool. A tool call with
// this name suspends the logical turn until an answer is injected.
const QuestionToolName = "ask_user"

var ErrStreamClosed = errors.New("agent stream closed")

// Options are the per-invocation execution options resolved by the engine.
type Options struct {
	Model    string       `json:"model,omitempty"`
	Autonomy AutonomyMode `json:"autonomy,omitempty"`
}

// Request describes one remote agent invocation.
type Request struct {
	Prompt   string
	Resume   string // continuation token from a previous turn, empty on first turn
	Model    string
	Autonomy AutonomyMode
	Cwd      string
}

// EventType identifies remote stream event variants.
type EventType string

const (
	EventInit       EventType = "init"
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventError      EventType = "error"
)

// Event is one element of the remote agent's ordered event stream. The set of
// variants is closed; unknown remote payloads are dropped at the adapter
// boundary, never surfaced as ad hoc objects.
type Event struct {
	Type EventType

	// init
	ContinuationToken string

	// text
	Text string

	// tool_call
	ToolName  string
	ToolID    string
	ToolInput json.RawMessage

	// tool_result
	CallID  string
	Content string
	IsError bool

	// result
	Outcome  string
	CostUSD  float64
	Duration time.Duration

	// error
	Detail string
}

// Stream is an ordered asynchronous sequence of events. Next returns io.EOF
// on natural end; the consumer must not assume a fixed event count or that a
// result event arrives before the end.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Streamer opens remote agent invocations.
type Streamer interface {
	Start(ctx context.Context, req Request) (Stream, error)
}
