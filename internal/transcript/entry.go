package transcript

import (
	"encoding/json"
	"time"
)

// Kind discriminates transcript entry variants.
type Kind string

const (
	KindUserTurn      Kind = "user-turn"
	KindAgentText     Kind = "agent-text"
	KindAgentToolCall Kind = "agent-tool-call"
	KindToolResult    Kind = "tool-result"
	KindTurnSummary   Kind = "turn-summary"
	KindControlAnswer Kind = "control-answer"
)

// Entry is one immutable record in a session's append-only log. Entries are
// appended in strict arrival order and never rewritten; compaction writes a
// turn-summary entry instead of deleting prior ones.
type Entry struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	// user-turn, agent-text, turn-summary
	Text string `json:"text,omitempty"`

	// agent-tool-call
	ToolName  string          `json:"tool_name,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// tool-result, control-answer (an answer is a synthetic tool result keyed
	// to the original question's tool id)
	CallID  string `json:"call_id,omitempty"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

func UserTurn(text string, at time.Time) Entry {
	return Entry{Kind: KindUserTurn, At: at, Text: text}
}

func AgentText(text string, at time.Time) Entry {
	return Entry{Kind: KindAgentText, At: at, Text: text}
}

func AgentToolCall(name, id string, input json.RawMessage, at time.Time) Entry {
	return Entry{Kind: KindAgentToolCall, At: at, ToolName: name, ToolID: id, ToolInput: input}
}

func ToolResult(callID, content string, isError bool, at time.Time) Entry {
	return Entry{Kind: KindToolResult, At: at, CallID: callID, Content: content, IsError: isError}
}

func TurnSummary(text string, at time.Time) Entry {
	return Entry{Kind: KindTurnSummary, At: at, Text: text}
}

func ControlAnswer(correlationID, content string, at time.Time) Entry {
	return Entry{Kind: KindControlAnswer, At: at, CallID: correlationID, Content: content}
}
