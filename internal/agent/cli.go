package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CLIStreamer runs an agent CLI that emits one JSON event object per line on
// stdout. Each invocation is a fresh process; cancellation kills it so
// server-side work stops, not just client-side reading.
type CLIStreamer struct {
	binaryPath string
}

func NewCLIStreamer(binaryPath string) *CLIStreamer {
	return &CLIStreamer{binaryPath: strings.TrimSpace(binaryPath)}
}

func (s *CLIStreamer) Start(ctx context.Context, req Request) (Stream, error) {
	args := []string{
		"--output-format", "stream-json",
		"--print",
	}
	if model := strings.TrimSpace(req.Model); model != "" {
		args = append(args, "--model", model)
	}
	if req.Autonomy != "" {
		args = append(args, "--permission-mode", string(req.Autonomy))
	}
	if resume := strings.TrimSpace(req.Resume); resume != "" {
		args = append(args, "--resume", resume)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, s.binaryPath, args...)
	if cwd := strings.TrimSpace(req.Cwd); cwd != "" {
		cmd.Dir = cwd
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent cli stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent cli start: %w", err)
	}

	return &cliStream{
		cmd:    cmd,
		stdout: stdout,
		stderr: &stderr,
	}, nil
}

type cliStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *strings.Builder

	mu      sync.Mutex
	buffer  string
	pending []Event
	done    bool
	readBuf [4096]byte
}

func (s *cliStream) Next(ctx context.Context) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return Event{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		n, err := s.stdout.Read(s.readBuf[:])
		if n > 0 {
			s.buffer += string(s.readBuf[:n])
			objects, remainder := extractCompleteJSONObjects(s.buffer)
			s.buffer = remainder
			for _, raw := range objects {
				if ev, ok := decodeCLIEvent(raw); ok {
					s.pending = append(s.pending, ev)
				}
			}
		}
		if err != nil {
			s.done = true
			waitErr := s.cmd.Wait()
			if ctx.Err() != nil {
				// exec.CommandContext may surface "signal: killed" instead of
				// context cancellation.
				return Event{}, ctx.Err()
			}
			if err != io.EOF {
				return Event{}, fmt.Errorf("agent cli read: %w", err)
			}
			if waitErr != nil {
				errText := strings.TrimSpace(s.stderr.String())
				if errText != "" {
					return Event{}, fmt.Errorf("agent cli failed: %w: %s", waitErr, errText)
				}
				return Event{}, fmt.Errorf("agent cli failed: %w", waitErr)
			}
		}
	}
}

func (s *cliStream) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.stdout.Close()
}

type cliEventPayload struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input"`
	CallID    string          `json:"call_id"`
	Content   string          `json:"content"`
	IsError   bool            `json:"is_error"`
	Subtype   string          `json:"subtype"`
	CostUSD   float64         `json:"total_cost_usd"`
	DurMS     int64           `json:"duration_ms"`
	Error     string          `json:"error"`
}

func decodeCLIEvent(raw string) (Event, bool) {
	var p cliEventPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Event{}, false
	}
	switch p.Type {
	case "system", "init":
		if strings.TrimSpace(p.SessionID) == "" {
			return Event{}, false
		}
		return Event{Type: EventInit, ContinuationToken: p.SessionID}, true
	case "assistant", "text":
		if strings.TrimSpace(p.Text) == "" {
			return Event{}, false
		}
		return Event{Type: EventText, Text: p.Text}, true
	case "tool_use", "tool_call":
		return Event{Type: EventToolCall, ToolName: p.Name, ToolID: p.ID, ToolInput: p.Input}, true
	case "tool_result":
		return Event{Type: EventToolResult, CallID: p.CallID, Content: p.Content, IsError: p.IsError}, true
	case "result":
		return Event{
			Type:     EventResult,
			Outcome:  p.Subtype,
			CostUSD:  p.CostUSD,
			Duration: time.Duration(p.DurMS) * time.Millisecond,
		}, true
	case "error":
		return Event{Type: EventError, Detail: p.Error}, true
	default:
		return Event{}, false
	}
}

// extractCompleteJSONObjects frames whole top-level JSON objects out of an
// accumulating byte stream, returning any trailing partial object as the
// remainder for the next read.
func extractCompleteJSONObjects(raw string) (objects []string, remainder string) {
	remainder = raw
	for {
		start := strings.IndexByte(remainder, '{')
		if start < 0 {
			if len(remainder) > 8192 {
				remainder = remainder[len(remainder)-8192:]
			}
			return objects, remainder
		}
		if start > 0 {
			remainder = remainder[start:]
		}

		end := jsonObjectEndIndex(remainder)
		if end < 0 {
			if len(remainder) > 4*1024*1024 {
				remainder = remainder[len(remainder)-(2*1024*1024):]
			}
			return objects, remainder
		}

		objects = append(objects, remainder[:end+1])
		remainder = remainder[end+1:]
	}
}

func jsonObjectEndIndex(raw string) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
