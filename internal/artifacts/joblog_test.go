package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEventStream(t *testing.T) {
	root := t.TempDir()
	l := NewJobLog(root, 7)

	l.Event("job_start", "Job started", map[string]any{"kind": "issue"})
	l.Event("tool", "git.clone_from_mirror", nil)
	l.Event("job_done", "Job completed", map[string]any{"kind": "issue"})

	events := ReadEvents(root, 7, 0)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Kind != "job_start" || events[0].Message != "Job started" {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[0].Data["kind"] != "issue" {
		t.Fatalf("first event data = %v", events[0].Data)
	}
	if events[1].Data != nil {
		t.Fatalf("nil data should stay nil, got %v", events[1].Data)
	}
	if events[0].TS == "" {
		t.Fatal("event timestamp missing")
	}
}

func TestEventLimitKeepsMostRecent(t *testing.T) {
	root := t.TempDir()
	l := NewJobLog(root, 1)
	for i := 0; i < 10; i++ {
		l.Event("tick", "n", map[string]any{"i": i})
	}

	events := ReadEvents(root, 1, 3)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	// json numbers decode as float64
	if events[2].Data["i"] != float64(9) {
		t.Fatalf("last event = %+v, want i=9", events[2])
	}
}

func TestMalformedEventLinesSkipped(t *testing.T) {
	root := t.TempDir()
	l := NewJobLog(root, 2)
	l.Event("ok", "first", nil)

	path := filepath.Join(JobDir(root, 2), "events.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()
	l.Event("ok", "second", nil)

	events := ReadEvents(root, 2, 0)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (malformed skipped)", len(events))
	}
}

func TestTranscriptSections(t *testing.T) {
	root := t.TempDir()
	l := NewJobLog(root, 3)

	l.Section("Agent Input", "Title: crash on startup")
	l.Section("LLM Step 1", "reading the stack trace")

	text := ReadTranscript(root, 3)
	if !strings.Contains(text, "## Agent Input") {
		t.Fatalf("missing input section:\n%s", text)
	}
	if !strings.Contains(text, "## LLM Step 1") {
		t.Fatalf("missing step section:\n%s", text)
	}
	if strings.Index(text, "Agent Input") > strings.Index(text, "LLM Step 1") {
		t.Fatal("sections out of order")
	}
}

func TestMissingArtifactsReadEmpty(t *testing.T) {
	root := t.TempDir()
	if got := ReadTranscript(root, 99); got != "" {
		t.Fatalf("transcript for unknown job = %q", got)
	}
	if got := ReadEvents(root, 99, 10); got != nil {
		t.Fatalf("events for unknown job = %v", got)
	}
}
