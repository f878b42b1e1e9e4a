package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/deckhand/internal/engine"
	"github.com/antoniostano/deckhand/internal/protocol"
	"github.com/antoniostano/deckhand/internal/queue"
	"github.com/antoniostano/deckhand/internal/tasks"
	"github.com/antoniostano/deckhand/internal/transcript"
)

// wsConn is the per-connection state. The read loop is the only goroutine
// mutating it, so no lock is needed.
type wsConn struct {
	id       string
	outbound chan protocol.ServerEvent
	detach   func()
	session  string
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		id:       uuid.NewString(),
		outbound: make(chan protocol.ServerEvent, 256),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-c.outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.sendError(c, "", "invalid_client_message", err.Error())
			continue
		}
		s.dispatch(ctx, c, parsed)
	}

	cancel()
	s.detachConn(c)
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) dispatch(ctx context.Context, c *wsConn, msg any) {
	switch m := msg.(type) {
	case protocol.SelectSession:
		s.handleSelectSession(ctx, c, m)
	case protocol.SubmitPrompt:
		if err := s.engine.Submit(m.SessionID, m.Prompt, m.Model, m.Autonomy); err != nil {
			s.sendError(c, m.SessionID, submitErrorCode(err), err.Error())
		}
	case protocol.CancelTask:
		if err := s.engine.Cancel(m.SessionID); err != nil {
			s.sendError(c, m.SessionID, "no_running_task", err.Error())
		}
	case protocol.AnswerPause:
		// AnswerPause waits briefly for question durability; keep the read
		// loop responsive.
		go func() {
			if err := s.engine.AnswerPause(m.SessionID, m.CorrelationID, m.Answers); err != nil {
				s.sendError(c, m.SessionID, "answer_rejected", err.Error())
			}
		}()
	case protocol.DeleteQueueEntry:
		s.engine.DeleteQueueEntry(m.SessionID, m.EntryID)
	case protocol.ClearQueue:
		s.engine.ClearQueue(m.SessionID)
	case protocol.LoadOlder:
		s.handleLoadOlder(c, m)
	}
}

// handleSelectSession attaches the connection to a session and replays what a
// newly arrived watcher needs: history tail, the current task (including the
// turn so far when one is running), and the pending queue.
func (s *Server) handleSelectSession(ctx context.Context, c *wsConn, m protocol.SelectSession) {
	if _, err := s.sessions.Get(m.SessionID); err != nil {
		s.sendError(c, m.SessionID, "session_not_found", err.Error())
		return
	}

	wasAttached := c.detach != nil
	ch, detach := s.watchers.Attach(c.id, m.SessionID)
	c.detach = detach
	c.session = m.SessionID
	if !wasAttached {
		s.metrics.ActiveWatchers.Inc()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.send(c, ev)
			}
		}
	}()

	turnLimit := m.TurnLimit
	if turnLimit <= 0 {
		turnLimit = s.cfg.HistoryTurnLimit
	}
	page, err := s.engine.Reader().Load(m.SessionID, transcript.LoadOptions{TurnLimit: turnLimit})
	if err != nil {
		s.sendError(c, m.SessionID, "history_failed", err.Error())
	} else {
		s.send(c, protocol.ServerEvent{
			Type:      protocol.TypeHistory,
			SessionID: m.SessionID,
			At:        time.Now().UTC(),
			History:   &page,
		})
	}

	task, _ := s.engine.OpenSession(m.SessionID)
	s.send(c, protocol.ServerEvent{
		Type:            protocol.TypeTaskStatus,
		SessionID:       m.SessionID,
		At:              time.Now().UTC(),
		TaskID:          task.ID,
		Status:          string(task.Status),
		ResultsCount:    len(task.Results),
		Outcome:         task.Outcome,
		CostUSD:         task.CostUSD,
		DurationMS:      task.Duration.Milliseconds(),
		ActiveElsewhere: s.watchers.ActiveElsewhere(m.SessionID, c.id),
	})
	if task.Status == tasks.StatusRunning {
		for _, ev := range task.Results {
			s.send(c, ev)
		}
	} else if task.Terminal() {
		// The terminal outcome has now been delivered; drop the record.
		s.engine.AckTerminal(m.SessionID)
	}

	items := s.engine.QueueSnapshot(m.SessionID)
	s.send(c, protocol.ServerEvent{
		Type:      protocol.TypeQueueUpdated,
		SessionID: m.SessionID,
		At:        time.Now().UTC(),
		Queue:     items,
		QueueSize: len(items),
	})
}

func (s *Server) handleLoadOlder(c *wsConn, m protocol.LoadOlder) {
	turnLimit := m.TurnLimit
	if turnLimit <= 0 {
		turnLimit = s.cfg.HistoryTurnLimit
	}
	page, err := s.engine.Reader().Load(m.SessionID, transcript.LoadOptions{
		Offset:    m.Offset,
		TurnLimit: turnLimit,
	})
	if err != nil {
		s.sendError(c, m.SessionID, "history_failed", err.Error())
		return
	}
	s.send(c, protocol.ServerEvent{
		Type:      protocol.TypeHistory,
		SessionID: m.SessionID,
		At:        time.Now().UTC(),
		History:   &page,
	})
}

// send queues an event for the single writer goroutine, dropping rather than
// blocking when the client cannot keep up.
func (s *Server) send(c *wsConn, ev protocol.ServerEvent) {
	select {
	case c.outbound <- ev:
	default:
		s.metrics.WSWriteErrors.WithLabelValues("outbound_full").Inc()
	}
}

func (s *Server) sendError(c *wsConn, sessionID, code, message string) {
	s.send(c, protocol.ServerEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		At:        time.Now().UTC(),
		Code:      code,
		Message:   message,
	})
}

func (s *Server) detachConn(c *wsConn) {
	if c.detach != nil {
		s.watchers.Detach(c.id)
		c.detach = nil
		s.metrics.ActiveWatchers.Dec()
	}
}

func submitErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, engine.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, engine.ErrModelNotAllowed):
		return "model_not_allowed"
	case errors.Is(err, engine.ErrInvalidAutonomy):
		return "invalid_autonomy"
	case errors.Is(err, engine.ErrWorkspaceDenied):
		return "workspace_denied"
	case errors.Is(err, queue.ErrFull):
		return "queue_full"
	case errors.Is(err, queue.ErrEmptyPrompt):
		return "empty_prompt"
	default:
		return "submit_failed"
	}
}
