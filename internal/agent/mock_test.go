package agent

import (
	"context"
	"errors"
	"io"
	"testing"
)

func drain(t *testing.T, s Stream) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, ev)
	}
}

func TestMockStreamerDefaultScript(t *testing.T) {
	m := NewMockStreamer()
	stream, err := m.Start(context.Background(), Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stream.Close()

	events := drain(t, stream)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Type != EventInit || events[0].ContinuationToken == "" {
		t.Fatalf("first event = %+v, want init with token", events[0])
	}
	if events[1].Type != EventText {
		t.Fatalf("second event = %+v, want text", events[1])
	}
	if events[2].Type != EventResult {
		t.Fatalf("third event = %+v, want result", events[2])
	}
}

func TestMockStreamerReusesResumeToken(t *testing.T) {
	m := NewMockStreamer()
	stream, err := m.Start(context.Background(), Request{Prompt: "hi", Resume: "tok-1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stream.Close()
	events := drain(t, stream)
	if events[0].ContinuationToken != "tok-1" {
		t.Fatalf("token = %q, want tok-1", events[0].ContinuationToken)
	}
}

func TestMockStreamerScriptOverride(t *testing.T) {
	m := NewMockStreamer()
	m.Script = func(req Request) ([]Event, error) {
		if req.Prompt == "fail" {
			return nil, errors.New("boom")
		}
		return []Event{{Type: EventText, Text: "scripted"}}, nil
	}

	if _, err := m.Start(context.Background(), Request{Prompt: "fail"}); err == nil {
		t.Fatalf("Start() should propagate script error")
	}

	stream, err := m.Start(context.Background(), Request{Prompt: "ok"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stream.Close()
	events := drain(t, stream)
	if len(events) != 1 || events[0].Text != "scripted" {
		t.Fatalf("events = %+v", events)
	}

	if m.StartCount() != 2 {
		t.Fatalf("StartCount() = %d, want 2", m.StartCount())
	}
	last, ok := m.LastStart()
	if !ok || last.Prompt != "ok" {
		t.Fatalf("LastStart() = %+v %v", last, ok)
	}
}

func TestClosedStreamReturnsError(t *testing.T) {
	m := NewMockStreamer()
	stream, err := m.Start(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = stream.Close()
	if _, err := stream.Next(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Next() after Close error = %v, want ErrStreamClosed", err)
	}
}
