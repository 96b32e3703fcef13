package service

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type fakeFlusher struct {
	flushed int
}

func (f *fakeFlusher) Flush() { f.flushed++ }

type fakeRecorder struct {
	lines [][]byte
}

func (r *fakeRecorder) Append(rootMessageID string, line []byte) {
	r.lines = append(r.lines, append([]byte(nil), line...))
}

func TestEventEmitter_EmitsOneJSONLinePerCall(t *testing.T) {
	var buf bytes.Buffer
	flusher := &fakeFlusher{}
	recorder := &fakeRecorder{}
	e := NewEventEmitter(&buf, flusher, "root1", recorder)

	if err := e.Step(StepLine{Step: 1, TotalSteps: 3, Action: "retrieve"}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if err := e.Done(DoneLine{Done: true, Message: "done"}); err != nil {
		t.Fatalf("Done: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}

	var step StepLine
	if err := json.Unmarshal([]byte(lines[0]), &step); err != nil {
		t.Fatalf("unmarshal step line: %v", err)
	}
	if step.Action != "retrieve" {
		t.Errorf("step.Action = %q, want retrieve", step.Action)
	}

	var done DoneLine
	if err := json.Unmarshal([]byte(lines[1]), &done); err != nil {
		t.Fatalf("unmarshal done line: %v", err)
	}
	if !done.Done || done.Message != "done" {
		t.Errorf("done = %+v, want Done=true Message=done", done)
	}

	if flusher.flushed != 2 {
		t.Errorf("flushed = %d, want 2", flusher.flushed)
	}
	if len(recorder.lines) != 2 {
		t.Errorf("recorder got %d lines, want 2", len(recorder.lines))
	}
}

func TestEventEmitter_NilFlusherAndRecorderAreOptional(t *testing.T) {
	var buf bytes.Buffer
	e := NewEventEmitter(&buf, nil, "root1", nil)
	if err := e.Error("boom"); err != nil {
		t.Fatalf("Error: %v", err)
	}

	var errLine ErrorLine
	if err := json.Unmarshal(bytes.TrimRight(buf.Bytes(), "\n"), &errLine); err != nil {
		t.Fatalf("unmarshal error line: %v", err)
	}
	if errLine.Error != "boom" {
		t.Errorf("errLine.Error = %q, want boom", errLine.Error)
	}
}

func TestEventEmitter_Clarify(t *testing.T) {
	var buf bytes.Buffer
	e := NewEventEmitter(&buf, nil, "root1", nil)
	if err := e.Clarify([]string{"which year?"}); err != nil {
		t.Fatalf("Clarify: %v", err)
	}

	var line ClarifyLine
	if err := json.Unmarshal(bytes.TrimRight(buf.Bytes(), "\n"), &line); err != nil {
		t.Fatalf("unmarshal clarify line: %v", err)
	}
	if !line.Clarify || len(line.Questions) != 1 || line.Questions[0] != "which year?" {
		t.Errorf("line = %+v, want Clarify=true Questions=[which year?]", line)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, bytes.ErrTooLarge
}

func TestEventEmitter_WriteErrorPropagates(t *testing.T) {
	e := NewEventEmitter(failingWriter{}, nil, "root1", nil)
	if err := e.Error("boom"); err == nil {
		t.Fatal("want error when the underlying writer fails")
	}
}
