package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/deckhand/internal/transcript"
)

// ServerType identifies broadcast payload variants.
type ServerType string

const (
	TypeUserTurnEcho     ServerType = "user_turn_echo"
	TypeAgentText        ServerType = "agent_text"
	TypeAgentToolCall    ServerType = "agent_tool_call"
	TypeToolResult       ServerType = "tool_result"
	TypeInteractivePause ServerType = "interactive_pause"
	TypeTaskStatus       ServerType = "task_status"
	TypeQueueUpdated     ServerType = "queue_updated"
	TypeErrorEvent       ServerType = "error_event"
	TypeSessionIdentity  ServerType = "session_identity"
	TypeHistory          ServerType = "history"
)

// QueueItem is the client-visible projection of a pending prompt.
type QueueItem struct {
	ID         string    `json:"id"`
	Prompt     string    `json:"prompt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ServerEvent is one broadcast message. A single struct with omitempty fields
// keeps per-session fan-out channels homogeneous; Type selects which fields
// are meaningful.
type ServerEvent struct {
	Type      ServerType `json:"type"`
	SessionID string     `json:"session_id"`
	At        time.Time  `json:"at"`

	// user_turn_echo, agent_text
	Text string `json:"text,omitempty"`

	// agent_tool_call
	ToolName  string          `json:"tool_name,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// tool_result
	CallID  string `json:"call_id,omitempty"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// interactive_pause
	CorrelationID string          `json:"correlation_id,omitempty"`
	Question      json.RawMessage `json:"question,omitempty"`

	// task_status. Outcome, CostUSD and DurationMS carry the remote side's
	// final-result summary on the completed transition; ActiveElsewhere is set
	// on the select_session reply when another connection watches the session.
	TaskID          string  `json:"task_id,omitempty"`
	Status          string  `json:"status,omitempty"`
	ResultsCount    int     `json:"results_count,omitempty"`
	Outcome         string  `json:"outcome,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
	DurationMS      int64   `json:"duration_ms,omitempty"`
	ActiveElsewhere bool    `json:"active_elsewhere,omitempty"`

	// queue_updated
	Queue     []QueueItem `json:"queue,omitempty"`
	QueueSize int         `json:"queue_size,omitempty"`

	// error_event: Message carries only the fixed per-category vocabulary,
	// never raw upstream error text.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// session_identity
	ContinuationToken string `json:"continuation_token,omitempty"`

	// history
	History *transcript.Page `json:"history,omitempty"`
}

// ClientType identifies request payload variants.
type ClientType string

const (
	TypeSubmitPrompt     ClientType = "submit_prompt"
	TypeCancelTask       ClientType = "cancel_task"
	TypeAnswerPause      ClientType = "answer_pause"
	TypeDeleteQueueEntry ClientType = "delete_queue_entry"
	TypeClearQueue       ClientType = "clear_queue"
	TypeSelectSession    ClientType = "select_session"
	TypeLoadOlder        ClientType = "load_older"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type ClientType `json:"type"`
}

type SubmitPrompt struct {
	Type      ClientType `json:"type"`
	SessionID string     `json:"session_id"`
	Prompt    string     `json:"prompt"`
	Model     string     `json:"model,omitempty"`
	Autonomy  string     `json:"autonomy,omitempty"`
}

type CancelTask struct {
	Type      ClientType `json:"type"`
	SessionID string     `json:"session_id"`
}

type AnswerPause struct {
	Type          ClientType        `json:"type"`
	SessionID     string            `json:"session_id"`
	CorrelationID string            `json:"correlation_id"`
	Answers       map[string]string `json:"answers"`
}

type DeleteQueueEntry struct {
	Type      ClientType `json:"type"`
	SessionID string     `json:"session_id"`
	EntryID   string     `json:"entry_id"`
}

type ClearQueue struct {
	Type      ClientType `json:"type"`
	SessionID string     `json:"session_id"`
}

type SelectSession struct {
	Type      ClientType `json:"type"`
	SessionID string     `json:"session_id"`
	TurnLimit int        `json:"turn_limit,omitempty"`
}

type LoadOlder struct {
	Type      ClientType `json:"type"`
	SessionID string     `json:"session_id"`
	Offset    int        `json:"offset"`
	TurnLimit int        `json:"turn_limit,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSubmitPrompt:
		var msg SubmitPrompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, errors.New("invalid submit_prompt")
		}
		return msg, nil
	case TypeCancelTask:
		var msg CancelTask
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, errors.New("invalid cancel_task")
		}
		return msg, nil
	case TypeAnswerPause:
		var msg AnswerPause
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.SessionID) == "" || strings.TrimSpace(msg.CorrelationID) == "" {
			return nil, errors.New("invalid answer_pause")
		}
		return msg, nil
	case TypeDeleteQueueEntry:
		var msg DeleteQueueEntry
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.SessionID) == "" || strings.TrimSpace(msg.EntryID) == "" {
			return nil, errors.New("invalid delete_queue_entry")
		}
		return msg, nil
	case TypeClearQueue:
		var msg ClearQueue
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, errors.New("invalid clear_queue")
		}
		return msg, nil
	case TypeSelectSession:
		var msg SelectSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, errors.New("invalid select_session")
		}
		return msg, nil
	case TypeLoadOlder:
		var msg LoadOlder
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.SessionID) == "" || msg.Offset < 0 {
			return nil, errors.New("invalid load_older")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
