package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/deckhand/internal/agent"
	"github.com/antoniostano/deckhand/internal/observability"
	"github.com/antoniostano/deckhand/internal/pause"
	"github.com/antoniostano/deckhand/internal/protocol"
	"github.com/antoniostano/deckhand/internal/queue"
	"github.com/antoniostano/deckhand/internal/sessions"
	"github.com/antoniostano/deckhand/internal/tasks"
	"github.com/antoniostano/deckhand/internal/transcript"
	"github.com/antoniostano/deckhand/internal/watch"
)

// stubStream plays scripted events, then optionally blocks until released,
// then ends with io.EOF or a staged failure.
type stubStream struct {
	mu      sync.Mutex
	events  []agent.Event
	pos     int
	block   chan struct{}
	failErr error
}

func (s *stubStream) Next(ctx context.Context) (agent.Event, error) {
	s.mu.Lock()
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		s.mu.Unlock()
		return ev, nil
	}
	block := s.block
	failErr := s.failErr
	s.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return agent.Event{}, ctx.Err()
		case <-block:
		}
	}
	if failErr != nil {
		return agent.Event{}, failErr
	}
	return agent.Event{}, io.EOF
}

func (s *stubStream) Close() error { return nil }

type stubStreamer struct {
	mu      sync.Mutex
	starts  []agent.Request
	streams []*stubStream
}

func (s *stubStreamer) Start(_ context.Context, req agent.Request) (agent.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, req)
	idx := len(s.starts) - 1
	if idx >= len(s.streams) {
		idx = len(s.streams) - 1
	}
	return s.streams[idx], nil
}

func (s *stubStreamer) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.starts)
}

func (s *stubStreamer) start(i int) agent.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts[i]
}

func happyStream(token string) *stubStream {
	return &stubStream{events: []agent.Event{
		{Type: agent.EventInit, ContinuationToken: token},
		{Type: agent.EventText, Text: "working on it"},
		{Type: agent.EventResult, Outcome: "success"},
	}}
}

type fixture struct {
	eng      *Engine
	streamer *stubStreamer
	store    *transcript.Store
	tasksReg *tasks.Registry
	queue    *queue.Queue
	watchers *watch.Registry
	pauses   *pause.Manager
	sessions *sessions.Manager
	sid      string
	events   <-chan protocol.ServerEvent
}

func newFixture(t *testing.T, cfg Config, streams ...*stubStream) *fixture {
	t.Helper()
	if len(streams) == 0 {
		streams = []*stubStream{happyStream("tok-1")}
	}
	store, err := transcript.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("transcript store: %v", err)
	}
	sessMgr, err := sessions.NewManager(context.Background(), nil)
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "sonnet"
		cfg.AllowedModels = []string{"sonnet", "opus"}
	}

	f := &fixture{
		streamer: &stubStreamer{streams: streams},
		store:    store,
		tasksReg: tasks.NewRegistry(time.Hour, time.Hour),
		queue:    queue.New(queue.DefaultCap),
		watchers: watch.NewRegistry(),
		pauses:   pause.NewManager(),
		sessions: sessMgr,
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_engine_%d", time.Now().UnixNano()))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.eng = New(ctx, cfg, f.streamer, store, f.tasksReg, f.queue, f.watchers, f.pauses, sessMgr, metrics)

	sess := sessMgr.Create("test", cfg.WorkspaceRoot)
	f.sid = sess.ID

	ch, detach := f.watchers.Attach("test-conn", f.sid)
	t.Cleanup(detach)
	f.events = ch
	return f
}

// waitUntil collects broadcast events until the predicate matches one,
// returning everything seen so far.
func waitUntil(t *testing.T, ch <-chan protocol.ServerEvent, what string, match func(protocol.ServerEvent) bool) []protocol.ServerEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	var seen []protocol.ServerEvent
	for {
		select {
		case ev := <-ch:
			seen = append(seen, ev)
			if match(ev) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s; saw %d events: %+v", what, len(seen), seen)
		}
	}
}

func statusIs(status tasks.Status) func(protocol.ServerEvent) bool {
	return func(ev protocol.ServerEvent) bool {
		return ev.Type == protocol.TypeTaskStatus && ev.Status == string(status)
	}
}

func TestSubmitEchoesPromptBeforeAgentOutput(t *testing.T) {
	f := newFixture(t, Config{})

	if err := f.eng.Submit(f.sid, "build the widget", "", ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	seen := waitUntil(t, f.events, "completed status", statusIs(tasks.StatusCompleted))

	echoAt, textAt := -1, -1
	for i, ev := range seen {
		switch ev.Type {
		case protocol.TypeUserTurnEcho:
			if echoAt < 0 {
				echoAt = i
			}
		case protocol.TypeAgentText:
			if textAt < 0 {
				textAt = i
			}
		}
	}
	if echoAt < 0 || textAt < 0 || echoAt > textAt {
		t.Fatalf("echo at %d, agent text at %d; echo must come first", echoAt, textAt)
	}

	var entries []transcript.Entry
	_ = f.store.Scan(f.sid, func(e transcript.Entry) error {
		entries = append(entries, e)
		return nil
	})
	if len(entries) < 2 || entries[0].Kind != transcript.KindUserTurn || entries[1].Kind != transcript.KindAgentText {
		t.Fatalf("transcript order = %+v", entries)
	}
}

func TestInitAdoptsContinuationToken(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.eng.Submit(f.sid, "hello", "", ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	seen := waitUntil(t, f.events, "completed status", statusIs(tasks.StatusCompleted))

	identitySeen := false
	for _, ev := range seen {
		if ev.Type == protocol.TypeSessionIdentity && ev.ContinuationToken == "tok-1" {
			identitySeen = true
		}
	}
	if !identitySeen {
		t.Fatalf("session_identity never broadcast: %+v", seen)
	}
	sess, _ := f.sessions.Get(f.sid)
	if sess.ContinuationToken != "tok-1" {
		t.Fatalf("token = %q, want tok-1", sess.ContinuationToken)
	}
}

func TestSecondSubmitQueuesInsteadOfRunning(t *testing.T) {
	gate := make(chan struct{})
	blocked := &stubStream{
		events: []agent.Event{{Type: agent.EventInit, ContinuationToken: "tok-1"}},
		block:  gate,
	}
	f := newFixture(t, Config{}, blocked, happyStream("tok-1"))

	if err := f.eng.Submit(f.sid, "first", "", ""); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	waitUntil(t, f.events, "running status", statusIs(tasks.StatusRunning))

	if err := f.eng.Submit(f.sid, "second", "", ""); err != nil {
		t.Fatalf("Submit(second) error = %v", err)
	}
	waitUntil(t, f.events, "queue update", func(ev protocol.ServerEvent) bool {
		return ev.Type == protocol.TypeQueueUpdated && ev.QueueSize == 1
	})
	if f.streamer.startCount() != 1 {
		t.Fatalf("startCount = %d while first task still running, want 1", f.streamer.startCount())
	}

	close(gate)
	completions := 0
	waitUntil(t, f.events, "second completion", func(ev protocol.ServerEvent) bool {
		if statusIs(tasks.StatusCompleted)(ev) {
			completions++
		}
		return completions == 2
	})
	if f.streamer.startCount() != 2 {
		t.Fatalf("startCount = %d after drain, want 2", f.streamer.startCount())
	}
	if got := f.streamer.start(1).Prompt; got != "second" {
		t.Fatalf("queued prompt ran as %q, want second", got)
	}
	if f.queue.Len(f.sid) != 0 {
		t.Fatalf("queue not drained: %d", f.queue.Len(f.sid))
	}
}

func TestCancelStopsTaskAndKeepsQueue(t *testing.T) {
	blocked := &stubStream{
		events: []agent.Event{{Type: agent.EventInit, ContinuationToken: "tok-1"}},
		block:  make(chan struct{}),
	}
	f := newFixture(t, Config{}, blocked)

	if err := f.eng.Cancel(f.sid); !errors.Is(err, tasks.ErrNotRunning) {
		t.Fatalf("Cancel() with nothing running error = %v, want ErrNotRunning", err)
	}

	if err := f.eng.Submit(f.sid, "first", "", ""); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	waitUntil(t, f.events, "running status", statusIs(tasks.StatusRunning))
	if err := f.eng.Submit(f.sid, "second", "", ""); err != nil {
		t.Fatalf("Submit(second) error = %v", err)
	}

	if err := f.eng.Cancel(f.sid); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	waitUntil(t, f.events, "cancelled status", statusIs(tasks.StatusCancelled))

	// Cancellation stops work; it never skips ahead to the queued prompt.
	time.Sleep(50 * time.Millisecond)
	if f.streamer.startCount() != 1 {
		t.Fatalf("startCount = %d after cancel, want 1", f.streamer.startCount())
	}
	if f.queue.Len(f.sid) != 1 {
		t.Fatalf("queue length = %d after cancel, want 1", f.queue.Len(f.sid))
	}
}

func TestCancelRejectsPendingPauses(t *testing.T) {
	blocked := &stubStream{
		events: []agent.Event{
			{Type: agent.EventInit, ContinuationToken: "tok-1"},
			{Type: agent.EventToolCall, ToolName: agent.QuestionToolName, ToolID: "q1", ToolInput: []byte(`{"question":"color?"}`)},
		},
		block: make(chan struct{}),
	}
	f := newFixture(t, Config{}, blocked)

	if err := f.eng.Submit(f.sid, "ask me things", "", ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitUntil(t, f.events, "interactive pause", func(ev protocol.ServerEvent) bool {
		return ev.Type == protocol.TypeInteractivePause && ev.CorrelationID == "q1"
	})
	if len(f.pauses.PendingFor(f.sid)) != 1 {
		t.Fatalf("pending pauses = %d, want 1", len(f.pauses.PendingFor(f.sid)))
	}

	if err := f.eng.Cancel(f.sid); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	waitUntil(t, f.events, "cancelled status", statusIs(tasks.StatusCancelled))
	if len(f.pauses.PendingFor(f.sid)) != 0 {
		t.Fatalf("pauses survive cancellation")
	}
	if err := f.eng.AnswerPause(f.sid, "q1", nil); !errors.Is(err, ErrUnknownPause) {
		t.Fatalf("AnswerPause() after cancel error = %v, want ErrUnknownPause", err)
	}
}

func TestAnswerPauseResumesTurn(t *testing.T) {
	asking := &stubStream{events: []agent.Event{
		{Type: agent.EventInit, ContinuationToken: "tok-1"},
		{Type: agent.EventToolCall, ToolName: agent.QuestionToolName, ToolID: "q1", ToolInput: []byte(`{"question":"which color?"}`)},
	}}
	f := newFixture(t, Config{}, asking, happyStream("tok-1"))

	if err := f.eng.Submit(f.sid, "paint it", "", ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitUntil(t, f.events, "first completion", statusIs(tasks.StatusCompleted))

	if err := f.eng.AnswerPause(f.sid, "q1", map[string]string{"color": "blue"}); err != nil {
		t.Fatalf("AnswerPause() error = %v", err)
	}
	completions := 0
	waitUntil(t, f.events, "resumed completion", func(ev protocol.ServerEvent) bool {
		if statusIs(tasks.StatusCompleted)(ev) {
			completions++
		}
		return completions == 1
	})

	if f.streamer.startCount() != 2 {
		t.Fatalf("startCount = %d, want 2", f.streamer.startCount())
	}
	resume := f.streamer.start(1)
	if resume.Resume != "tok-1" {
		t.Fatalf("resume token = %q, want tok-1", resume.Resume)
	}
	if !strings.Contains(resume.Prompt, "color: blue") || !strings.Contains(resume.Prompt, "Continue with the provided answers.") {
		t.Fatalf("resume prompt = %q", resume.Prompt)
	}

	found, err := f.store.Contains(f.sid, func(e transcript.Entry) bool {
		return e.Kind == transcript.KindControlAnswer && e.CallID == "q1" && strings.Contains(e.Content, "color: blue")
	})
	if err != nil || !found {
		t.Fatalf("control answer missing from transcript (found=%v err=%v)", found, err)
	}

	if len(f.pauses.PendingFor(f.sid)) != 0 {
		t.Fatalf("pause still pending after answer")
	}
}

func TestAnswerPauseUnknownID(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.eng.AnswerPause(f.sid, "ghost", nil); !errors.Is(err, ErrUnknownPause) {
		t.Fatalf("AnswerPause() error = %v, want ErrUnknownPause", err)
	}
}

func TestStreamErrorUsesFixedVocabularyAndAdvancesQueue(t *testing.T) {
	gate := make(chan struct{})
	failing := &stubStream{
		events:  []agent.Event{{Type: agent.EventInit, ContinuationToken: "tok-1"}},
		block:   gate,
		failErr: errors.New("upstream 429 too many requests from provider at 10.1.2.3"),
	}
	f := newFixture(t, Config{}, failing, happyStream("tok-1"))

	if err := f.eng.Submit(f.sid, "first", "", ""); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	waitUntil(t, f.events, "running status", statusIs(tasks.StatusRunning))
	if err := f.eng.Submit(f.sid, "second", "", ""); err != nil {
		t.Fatalf("Submit(second) error = %v", err)
	}
	close(gate)

	seen := waitUntil(t, f.events, "error status", statusIs(tasks.StatusError))
	var errEvent *protocol.ServerEvent
	for i := range seen {
		if seen[i].Type == protocol.TypeErrorEvent {
			errEvent = &seen[i]
		}
	}
	if errEvent == nil {
		t.Fatalf("no error_event broadcast: %+v", seen)
	}
	if errEvent.Code != "rate_limited" {
		t.Fatalf("error code = %q, want rate_limited", errEvent.Code)
	}
	if errEvent.Message != "Rate limit exceeded. Please wait a moment and try again." {
		t.Fatalf("error message = %q, want the fixed vocabulary text", errEvent.Message)
	}
	if strings.Contains(errEvent.Message, "10.1.2.3") {
		t.Fatalf("raw upstream detail leaked to clients: %q", errEvent.Message)
	}

	// The failure advances the queue; one bad prompt must not strand the rest.
	waitUntil(t, f.events, "queued prompt completion", statusIs(tasks.StatusCompleted))
	if f.streamer.startCount() != 2 {
		t.Fatalf("startCount = %d, want 2", f.streamer.startCount())
	}
	snap, _ := f.tasksReg.Snapshot(f.sid)
	if snap.Status != tasks.StatusCompleted {
		t.Fatalf("final task status = %q", snap.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, Config{DefaultModel: "sonnet", AllowedModels: []string{"sonnet"}})

	if err := f.eng.Submit(f.sid, "   ", "", ""); !errors.Is(err, queue.ErrEmptyPrompt) {
		t.Fatalf("blank prompt error = %v, want ErrEmptyPrompt", err)
	}
	if err := f.eng.Submit("missing", "hi", "", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing session error = %v, want ErrSessionNotFound", err)
	}
	if err := f.eng.Submit(f.sid, "hi", "gpt-9000", ""); !errors.Is(err, ErrModelNotAllowed) {
		t.Fatalf("unknown model error = %v, want ErrModelNotAllowed", err)
	}
	if err := f.eng.Submit(f.sid, "hi", "", "yolo"); !errors.Is(err, ErrInvalidAutonomy) {
		t.Fatalf("bad autonomy error = %v, want ErrInvalidAutonomy", err)
	}
}

func TestSubmitRejectsWorkspaceOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	inside := filepath.Join(root, "project")
	if err := os.MkdirAll(inside, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	f := newFixture(t, Config{WorkspaceRoot: root}, happyStream("tok-1"), happyStream("tok-2"))

	escaped := f.sessions.Create("escaped", outside)
	if err := f.eng.Submit(escaped.ID, "hi", "", ""); !errors.Is(err, ErrWorkspaceDenied) {
		t.Fatalf("outside-root submit error = %v, want ErrWorkspaceDenied", err)
	}
	if f.streamer.startCount() != 0 {
		t.Fatalf("invocation started despite workspace rejection")
	}

	contained := f.sessions.Create("contained", inside)
	if err := f.eng.Submit(contained.ID, "hi", "", ""); err != nil {
		t.Fatalf("inside-root submit error = %v", err)
	}
}

func TestSubmitRecoversStaleRunningMarker(t *testing.T) {
	f := newFixture(t, Config{})

	// Simulate a running marker left behind with no live cancellation handle.
	if _, err := f.tasksReg.Begin(f.sid, nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	if err := f.eng.Submit(f.sid, "hello again", "", ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitUntil(t, f.events, "completed status", statusIs(tasks.StatusCompleted))
	if f.streamer.startCount() != 1 {
		t.Fatalf("startCount = %d, want 1", f.streamer.startCount())
	}
	if f.queue.Len(f.sid) != 0 {
		t.Fatalf("prompt was queued instead of recovering the stale marker")
	}
}

func TestQueueHelpers(t *testing.T) {
	blocked := &stubStream{
		events: []agent.Event{{Type: agent.EventInit, ContinuationToken: "tok-1"}},
		block:  make(chan struct{}),
	}
	f := newFixture(t, Config{}, blocked)

	if err := f.eng.Submit(f.sid, "running", "", ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitUntil(t, f.events, "running status", statusIs(tasks.StatusRunning))
	_ = f.eng.Submit(f.sid, "queued-a", "", "")
	_ = f.eng.Submit(f.sid, "queued-b", "", "")

	items := f.eng.QueueSnapshot(f.sid)
	if len(items) != 2 || items[0].Prompt != "queued-a" {
		t.Fatalf("QueueSnapshot() = %+v", items)
	}

	if !f.eng.DeleteQueueEntry(f.sid, items[0].ID) {
		t.Fatalf("DeleteQueueEntry() = false for pending entry")
	}
	if f.eng.DeleteQueueEntry(f.sid, items[0].ID) {
		t.Fatalf("DeleteQueueEntry() = true for already removed entry")
	}

	f.eng.ClearQueue(f.sid)
	if len(f.eng.QueueSnapshot(f.sid)) != 0 {
		t.Fatalf("queue not empty after ClearQueue")
	}
}

func TestCompletionCarriesResultSummary(t *testing.T) {
	summarized := &stubStream{events: []agent.Event{
		{Type: agent.EventInit, ContinuationToken: "tok-1"},
		{Type: agent.EventText, Text: "all done"},
		{Type: agent.EventResult, Outcome: "success", CostUSD: 1.23, Duration: 1500 * time.Millisecond},
	}}
	f := newFixture(t, Config{}, summarized)

	if err := f.eng.Submit(f.sid, "wrap it up", "", ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	seen := waitUntil(t, f.events, "completed status", statusIs(tasks.StatusCompleted))

	final := seen[len(seen)-1]
	if final.Outcome != "success" || final.CostUSD != 1.23 || final.DurationMS != 1500 {
		t.Fatalf("completed status summary = outcome %q cost %v duration %dms", final.Outcome, final.CostUSD, final.DurationMS)
	}

	snap, ok := f.tasksReg.Snapshot(f.sid)
	if !ok || snap.Outcome != "success" || snap.CostUSD != 1.23 || snap.Duration != 1500*time.Millisecond {
		t.Fatalf("task record summary = %+v", snap)
	}
}

func TestStaleRecoveryRejectsPendingPauses(t *testing.T) {
	f := newFixture(t, Config{})

	// A running marker with no live cancellation handle, with a question still
	// pending from the dead invocation.
	if _, err := f.tasksReg.Begin(f.sid, nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	f.pauses.Register("q9", f.sid)

	if _, recovered := f.eng.OpenSession(f.sid); !recovered {
		t.Fatalf("OpenSession() did not recover the stale marker")
	}
	if n := len(f.pauses.PendingFor(f.sid)); n != 0 {
		t.Fatalf("pending pauses = %d after recovery, want 0", n)
	}
	if err := f.eng.AnswerPause(f.sid, "q9", nil); !errors.Is(err, ErrUnknownPause) {
		t.Fatalf("AnswerPause() after recovery error = %v, want ErrUnknownPause", err)
	}
}
