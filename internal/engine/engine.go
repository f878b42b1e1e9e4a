package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antoniostano/deckhand/internal/agent"
	"github.com/antoniostano/deckhand/internal/observability"
	"github.com/antoniostano/deckhand/internal/pause"
	"github.com/antoniostano/deckhand/internal/protocol"
	"github.com/antoniostano/deckhand/internal/queue"
	"github.com/antoniostano/deckhand/internal/reliability"
	"github.com/antoniostano/deckhand/internal/sessions"
	"github.com/antoniostano/deckhand/internal/tasks"
	"github.com/antoniostano/deckhand/internal/transcript"
	"github.com/antoniostano/deckhand/internal/watch"
)

var (
	ErrModelNotAllowed = errors.New("model is not in the allowed set")
	ErrInvalidAutonomy = errors.New("autonomy must be ask, auto or full")
	ErrWorkspaceDenied = errors.New("session workspace is outside the configured root")
	ErrUnknownPause    = errors.New("no pending interactive request with that correlation id")
	ErrSessionNotFound = sessions.ErrNotFound
)

// continuePrompt is sent to the remote agent when a paused turn is resumed.
// The remote side never accepts an empty prompt, so the resume always carries
// at least this sentence.
const continuePrompt = "Continue with the provided answers."

// answerWait bounds how long AnswerPause polls for the original question to
// become durable before proceeding anyway.
const (
	answerWaitAttempts = 10
	answerWaitStep     = 50 * time.Millisecond
)

// Config carries the engine's execution policy.
type Config struct {
	// WorkspaceRoot confines session working directories when non-empty.
	WorkspaceRoot   string
	DefaultModel    string
	AllowedModels   []string
	DefaultAutonomy agent.AutonomyMode
}

// Engine owns the lifecycle of agent invocations: one in flight per session,
// everything observed from the remote stream persisted to the transcript and
// fanned out to watchers, queued prompts advanced only from completed or
// errored terminal transitions.
type Engine struct {
	ctx context.Context
	cfg Config

	streamer agent.Streamer
	store    *transcript.Store
	reader   *transcript.Reader
	tasks    *tasks.Registry
	queue    *queue.Queue
	watchers *watch.Registry
	pauses   *pause.Manager
	sessions *sessions.Manager
	metrics  *observability.Metrics

	allowed map[string]struct{}
}

func New(
	ctx context.Context,
	cfg Config,
	streamer agent.Streamer,
	store *transcript.Store,
	taskReg *tasks.Registry,
	q *queue.Queue,
	watchers *watch.Registry,
	pauses *pause.Manager,
	sessMgr *sessions.Manager,
	metrics *observability.Metrics,
) *Engine {
	allowed := make(map[string]struct{}, len(cfg.AllowedModels))
	for _, m := range cfg.AllowedModels {
		m = strings.TrimSpace(m)
		if m != "" {
			allowed[m] = struct{}{}
		}
	}
	if cfg.DefaultAutonomy == "" {
		cfg.DefaultAutonomy = agent.AutonomyAsk
	}
	return &Engine{
		ctx:      ctx,
		cfg:      cfg,
		streamer: streamer,
		store:    store,
		reader:   transcript.NewReader(store),
		tasks:    taskReg,
		queue:    q,
		watchers: watchers,
		pauses:   pauses,
		sessions: sessMgr,
		metrics:  metrics,
		allowed:  allowed,
	}
}

// Reader exposes the turn-aligned history reader over the engine's store.
func (e *Engine) Reader() *transcript.Reader { return e.reader }

// OpenSession runs stale-task recovery for a session being (re)opened and
// returns its current task snapshot.
func (e *Engine) OpenSession(sessionID string) (tasks.Task, bool) {
	task, recovered := e.tasks.Open(sessionID)
	if recovered {
		log.Printf("engine: recovered stale running task session=%s", sessionID)
		// The reset task can no longer consume answers; reject its pending
		// interactive requests so no waiter is left hanging.
		e.pauses.RejectAll(sessionID, "task reset")
		e.broadcastStatus(sessionID, task)
	}
	return task, recovered
}

// Submit accepts a new user prompt for a session. If a task is already
// running the prompt is queued FIFO; otherwise a new invocation starts
// immediately. Validation failures are returned before any state changes.
func (e *Engine) Submit(sessionID, prompt, model, autonomy string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return queue.ErrEmptyPrompt
	}

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	opts, err := e.resolveOptions(model, autonomy)
	if err != nil {
		return err
	}
	if err := e.checkWorkspace(sess.Cwd); err != nil {
		return err
	}

	// Recover a stale running marker first so a crashed predecessor never
	// wedges the session.
	if _, recovered := e.tasks.Open(sessionID); recovered {
		e.pauses.RejectAll(sessionID, "task reset")
	}

	if e.tasks.Running(sessionID) {
		if _, err := e.queue.Enqueue(sessionID, prompt, opts); err != nil {
			return err
		}
		e.broadcastQueue(sessionID)
		// The running task may have finished between the check and the
		// enqueue, with its own advancement already past. Drain the head so
		// the prompt is not stranded; a concurrent advance dequeues first and
		// leaves this one a no-op.
		if !e.tasks.Running(sessionID) {
			e.advance(sessionID)
		}
		return nil
	}
	return e.start(sessionID, prompt, opts)
}

// Cancel requests cooperative cancellation of the session's running task.
func (e *Engine) Cancel(sessionID string) error {
	if !e.tasks.Cancel(sessionID) {
		return tasks.ErrNotRunning
	}
	return nil
}

// AnswerPause resolves a pending interactive request. The answer is appended
// to the transcript as a synthetic tool result, then the turn resumes as a
// fresh invocation carrying the answers.
func (e *Engine) AnswerPause(sessionID, correlationID string, answers map[string]string) error {
	p, ok := e.pauses.Resolve(correlationID, answers)
	if !ok {
		return ErrUnknownPause
	}
	if p.SessionID != sessionID {
		return ErrUnknownPause
	}

	content := formatAnswers(answers)

	// Make sure the question itself reached the log before the answer is
	// appended; a bounded wait so a wedged disk cannot hold the answer hostage.
	durable := false
	for i := 0; i < answerWaitAttempts; i++ {
		found, err := e.store.Contains(sessionID, func(entry transcript.Entry) bool {
			return entry.Kind == transcript.KindAgentToolCall && entry.ToolID == correlationID
		})
		if err == nil && found {
			durable = true
			break
		}
		time.Sleep(answerWaitStep)
	}
	if !durable {
		log.Printf("engine: question %s not yet durable for session=%s, appending answer anyway", correlationID, sessionID)
	}

	if err := e.store.Append(sessionID, transcript.ControlAnswer(correlationID, content, time.Now().UTC())); err != nil {
		log.Printf("engine: append control answer failed session=%s: %v", sessionID, err)
	}

	prompt := continuePrompt
	if content != "" {
		prompt = content + "\n\n" + continuePrompt
	}
	return e.Submit(sessionID, prompt, "", "")
}

// DeleteQueueEntry removes one pending prompt. A false return from the queue
// means the entry already started or was removed, which is not an error and
// broadcasts nothing.
func (e *Engine) DeleteQueueEntry(sessionID, entryID string) bool {
	removed := e.queue.Delete(sessionID, entryID)
	if removed {
		e.broadcastQueue(sessionID)
	}
	return removed
}

// ClearQueue drops every pending prompt for the session.
func (e *Engine) ClearQueue(sessionID string) {
	e.queue.Clear(sessionID)
	e.broadcastQueue(sessionID)
}

// AckTerminal clears the session's task record once a client has observed
// its terminal status.
func (e *Engine) AckTerminal(sessionID string) bool {
	return e.tasks.ClearIfTerminal(sessionID)
}

// QueueSnapshot projects the pending entries for clients.
func (e *Engine) QueueSnapshot(sessionID string) []protocol.QueueItem {
	pending := e.queue.List(sessionID)
	items := make([]protocol.QueueItem, 0, len(pending))
	for _, entry := range pending {
		items = append(items, protocol.QueueItem{
			ID:         entry.ID,
			Prompt:     entry.Prompt,
			EnqueuedAt: entry.EnqueuedAt,
		})
	}
	return items
}

func (e *Engine) resolveOptions(model, autonomy string) (agent.Options, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = e.cfg.DefaultModel
	}
	if len(e.allowed) > 0 {
		if _, ok := e.allowed[model]; !ok {
			return agent.Options{}, fmt.Errorf("%w: %q", ErrModelNotAllowed, model)
		}
	}

	mode := e.cfg.DefaultAutonomy
	switch agent.AutonomyMode(strings.TrimSpace(autonomy)) {
	case "":
	case agent.AutonomyAsk:
		mode = agent.AutonomyAsk
	case agent.AutonomyAuto:
		mode = agent.AutonomyAuto
	case agent.AutonomyFull:
		mode = agent.AutonomyFull
	default:
		return agent.Options{}, ErrInvalidAutonomy
	}
	return agent.Options{Model: model, Autonomy: mode}, nil
}

// checkWorkspace rejects working directories that resolve outside the
// configured root. Paths are never clamped into the root: a request naming an
// outside path fails outright.
func (e *Engine) checkWorkspace(cwd string) error {
	root := strings.TrimSpace(e.cfg.WorkspaceRoot)
	if root == "" || strings.TrimSpace(cwd) == "" {
		return nil
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return ErrWorkspaceDenied
	}
	if resolved, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootAbs = resolved
	}
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return ErrWorkspaceDenied
	}
	if resolved, err := filepath.EvalSymlinks(cwdAbs); err == nil {
		cwdAbs = resolved
	}
	if cwdAbs == rootAbs || strings.HasPrefix(cwdAbs, rootAbs+string(filepath.Separator)) {
		return nil
	}
	return ErrWorkspaceDenied
}

// start launches a fresh submission. Losing the begin race to another
// invocation is not an error: the prompt joins the back of the queue, where a
// new submission belongs.
func (e *Engine) start(sessionID, prompt string, opts agent.Options) error {
	err := e.launch(sessionID, prompt, opts)
	if errors.Is(err, tasks.ErrAlreadyRunning) {
		if _, qErr := e.queue.Enqueue(sessionID, prompt, opts); qErr != nil {
			return qErr
		}
		e.broadcastQueue(sessionID)
		if !e.tasks.Running(sessionID) {
			e.advance(sessionID)
		}
		return nil
	}
	return err
}

// launch transitions the session to running and spawns the consumer loop.
func (e *Engine) launch(sessionID, prompt string, opts agent.Options) error {
	runCtx, cancel := context.WithCancel(e.ctx)
	task, err := e.tasks.Begin(sessionID, cancel)
	if err != nil {
		cancel()
		return err
	}
	e.broadcastStatus(sessionID, task)
	go e.run(runCtx, cancel, task, prompt, opts)
	return nil
}

// run is the single consumer loop for one invocation. Every observed event is
// persisted before it is broadcast, and the terminal transition is decided
// here alone so transcript order matches broadcast order.
func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, task tasks.Task, prompt string, opts agent.Options) {
	defer cancel()
	sessionID := task.SessionID
	startedAt := time.Now()

	// The user's turn is echoed before any remote work so watchers always see
	// the prompt first, even if the invocation fails to start.
	now := time.Now().UTC()
	e.persist(sessionID, transcript.UserTurn(prompt, now))
	e.broadcastRecorded(sessionID, protocol.ServerEvent{
		Type: protocol.TypeUserTurnEcho,
		At:   now,
		Text: prompt,
	})

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		e.finishError(sessionID, startedAt, err)
		return
	}

	stream, err := e.streamer.Start(ctx, agent.Request{
		Prompt:   prompt,
		Resume:   sess.ContinuationToken,
		Model:    opts.Model,
		Autonomy: opts.Autonomy,
		Cwd:      sess.Cwd,
	})
	if err != nil {
		if ctx.Err() != nil {
			e.finishCancelled(sessionID, startedAt)
			return
		}
		e.finishError(sessionID, startedAt, err)
		return
	}
	defer stream.Close()

	var streamErr error
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				e.finishCancelled(sessionID, startedAt)
				return
			}
			streamErr = err
			break
		}
		// Cancellation is cooperative: check before acting on the event, so a
		// cancelled task stops promptly even while events keep arriving.
		if ctx.Err() != nil {
			e.finishCancelled(sessionID, startedAt)
			return
		}
		e.metrics.ObserveStreamEvent(string(ev.Type))

		switch ev.Type {
		case agent.EventInit:
			adopted, err := e.sessions.AdoptToken(sessionID, ev.ContinuationToken)
			if err != nil {
				log.Printf("engine: adopt token failed session=%s: %v", sessionID, err)
			}
			if adopted {
				e.broadcastRecorded(sessionID, protocol.ServerEvent{
					Type:              protocol.TypeSessionIdentity,
					ContinuationToken: ev.ContinuationToken,
				})
			}

		case agent.EventText:
			at := time.Now().UTC()
			e.persist(sessionID, transcript.AgentText(ev.Text, at))
			e.broadcastRecorded(sessionID, protocol.ServerEvent{
				Type: protocol.TypeAgentText,
				At:   at,
				Text: ev.Text,
			})

		case agent.EventToolCall:
			at := time.Now().UTC()
			e.persist(sessionID, transcript.AgentToolCall(ev.ToolName, ev.ToolID, ev.ToolInput, at))
			if ev.ToolName == agent.QuestionToolName {
				// The agent is asking the human. Register the pending request
				// and keep draining; the answer arrives through AnswerPause.
				e.pauses.Register(ev.ToolID, sessionID)
				e.broadcastRecorded(sessionID, protocol.ServerEvent{
					Type:          protocol.TypeInteractivePause,
					At:            at,
					CorrelationID: ev.ToolID,
					Question:      ev.ToolInput,
				})
			} else {
				e.broadcastRecorded(sessionID, protocol.ServerEvent{
					Type:      protocol.TypeAgentToolCall,
					At:        at,
					ToolName:  ev.ToolName,
					ToolID:    ev.ToolID,
					ToolInput: ev.ToolInput,
				})
			}

		case agent.EventToolResult:
			at := time.Now().UTC()
			e.persist(sessionID, transcript.ToolResult(ev.CallID, ev.Content, ev.IsError, at))
			e.broadcastRecorded(sessionID, protocol.ServerEvent{
				Type:    protocol.TypeToolResult,
				At:      at,
				CallID:  ev.CallID,
				Content: ev.Content,
				IsError: ev.IsError,
			})

		case agent.EventResult:
			// Terminal summary of the invocation. The stream may still carry
			// trailing events, so the status transition waits for the end; the
			// payload rides out on the terminal status broadcast.
			e.tasks.RecordSummary(sessionID, ev.Outcome, ev.CostUSD, ev.Duration)

		case agent.EventError:
			streamErr = errors.New(ev.Detail)
		}

		if streamErr != nil {
			break
		}
	}

	if streamErr != nil {
		e.finishError(sessionID, startedAt, streamErr)
		return
	}
	// Stream end without a result event counts as completion: the remote side
	// closed cleanly and everything it sent has been persisted.
	e.finishCompleted(sessionID, startedAt)
}

func (e *Engine) finishCompleted(sessionID string, startedAt time.Time) {
	task, err := e.tasks.Finish(sessionID, tasks.StatusCompleted, "")
	if err != nil {
		return
	}
	e.observeTurn(startedAt, tasks.StatusCompleted)
	e.broadcastStatus(sessionID, task)
	e.touch(sessionID)
	e.advance(sessionID)
}

func (e *Engine) finishError(sessionID string, startedAt time.Time, cause error) {
	cat := reliability.Classify(cause)
	e.broadcastRecorded(sessionID, protocol.ServerEvent{
		Type:    protocol.TypeErrorEvent,
		Code:    string(cat),
		Message: reliability.UserMessage(cat),
	})

	task, err := e.tasks.Finish(sessionID, tasks.StatusError, cause.Error())
	if err != nil {
		return
	}
	log.Printf("engine: task failed session=%s category=%s: %v", sessionID, cat, cause)
	e.observeTurn(startedAt, tasks.StatusError)
	e.broadcastStatus(sessionID, task)
	e.touch(sessionID)
	// Errors advance the queue: one failed prompt must not strand the rest.
	e.advance(sessionID)
}

func (e *Engine) finishCancelled(sessionID string, startedAt time.Time) {
	task, err := e.tasks.Finish(sessionID, tasks.StatusCancelled, "")
	if err != nil {
		return
	}
	e.pauses.RejectAll(sessionID, "task cancelled")
	e.observeTurn(startedAt, tasks.StatusCancelled)
	e.broadcastStatus(sessionID, task)
	e.touch(sessionID)
	// Cancellation never advances the queue: the user asked to stop, not to
	// run the next prompt.
}

// advance pops the FIFO head, if any, and starts it as the next invocation.
func (e *Engine) advance(sessionID string) {
	entry, ok := e.queue.Dequeue(sessionID)
	e.broadcastQueue(sessionID)
	if !ok {
		return
	}
	err := e.launch(sessionID, entry.Prompt, entry.Options)
	if errors.Is(err, tasks.ErrAlreadyRunning) {
		// Another invocation won the start race. The entry goes back to the
		// head, not the back, so FIFO order holds; the winner advances the
		// queue again when it finishes.
		e.queue.Requeue(sessionID, entry)
		e.broadcastQueue(sessionID)
		if !e.tasks.Running(sessionID) {
			e.advance(sessionID)
		}
		return
	}
	if err != nil {
		log.Printf("engine: start queued prompt failed session=%s: %v", sessionID, err)
	}
}

func (e *Engine) persist(sessionID string, entry transcript.Entry) {
	if err := e.store.Append(sessionID, entry); err != nil {
		log.Printf("engine: transcript append failed session=%s kind=%s: %v", sessionID, entry.Kind, err)
	}
}

// broadcastRecorded fans a message out to watchers and records it on the
// running task so reconnecting clients can be replayed the turn so far.
func (e *Engine) broadcastRecorded(sessionID string, ev protocol.ServerEvent) {
	ev.SessionID = sessionID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.tasks.AppendResult(sessionID, ev)
	e.watchers.Broadcast(sessionID, ev)
	e.metrics.ObserveBroadcast(string(ev.Type))
}

func (e *Engine) broadcastStatus(sessionID string, task tasks.Task) {
	ev := protocol.ServerEvent{
		Type:         protocol.TypeTaskStatus,
		SessionID:    sessionID,
		At:           time.Now().UTC(),
		TaskID:       task.ID,
		Status:       string(task.Status),
		ResultsCount: len(task.Results),
		Outcome:      task.Outcome,
		CostUSD:      task.CostUSD,
		DurationMS:   task.Duration.Milliseconds(),
	}
	e.watchers.Broadcast(sessionID, ev)
	e.metrics.ObserveBroadcast(string(ev.Type))
}

func (e *Engine) broadcastQueue(sessionID string) {
	items := e.QueueSnapshot(sessionID)
	ev := protocol.ServerEvent{
		Type:      protocol.TypeQueueUpdated,
		SessionID: sessionID,
		At:        time.Now().UTC(),
		Queue:     items,
		QueueSize: len(items),
	}
	e.watchers.Broadcast(sessionID, ev)
	e.metrics.ObserveBroadcast(string(ev.Type))
}

func (e *Engine) observeTurn(startedAt time.Time, status tasks.Status) {
	e.metrics.ObserveTurnDuration(time.Since(startedAt))
	e.metrics.ObserveTaskOutcome(string(status))
}

func (e *Engine) touch(sessionID string) {
	if err := e.sessions.Touch(sessionID); err != nil && !errors.Is(err, sessions.ErrNotFound) {
		log.Printf("engine: touch session failed session=%s: %v", sessionID, err)
	}
}

// formatAnswers renders the answer map in stable key order.
func formatAnswers(answers map[string]string) string {
	if len(answers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(answers[k])
	}
	return b.String()
}
