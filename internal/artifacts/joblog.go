// Package artifacts persists per-job evidence on disk: a structured event
// stream (events.jsonl) and a human-readable transcript (transcript.md).
// Artifact writes are best effort; a full disk must not fail a job.
package artifacts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Event is one line of events.jsonl.
type Event struct {
	TS      string         `json:"ts"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// JobLog writes the artifact files for a single job under
// <root>/job-<id>/.
type JobLog struct {
	dir string
}

// JobDir returns the artifact directory for a job id without creating it.
func JobDir(root string, jobID int64) string {
	return filepath.Join(root, fmt.Sprintf("job-%d", jobID))
}

// NewJobLog creates the job's artifact directory and returns a logger for
// it. Directory creation failure is logged and the logger still returned;
// subsequent writes will fail softly the same way.
func NewJobLog(root string, jobID int64) *JobLog {
	dir := JobDir(root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Failed to create artifact dir", "dir", dir, "error", err)
	}
	return &JobLog{dir: dir}
}

// Dir returns the job's artifact directory.
func (l *JobLog) Dir() string { return l.dir }

// Event appends one JSON line to events.jsonl.
func (l *JobLog) Event(kind, message string, data map[string]any) {
	e := Event{
		TS:      time.Now().UTC().Format(time.RFC3339),
		Kind:    kind,
		Message: message,
		Data:    data,
	}
	line, err := json.Marshal(e)
	if err != nil {
		slog.Warn("Failed to encode job event", "kind", kind, "error", err)
		return
	}
	l.appendFile("events.jsonl", append(line, '\n'))
}

// Section appends a titled markdown section to transcript.md.
func (l *JobLog) Section(title, body string) {
	text := fmt.Sprintf("\n## %s\n\n%s\n", title, body)
	l.appendFile("transcript.md", []byte(text))
}

func (l *JobLog) appendFile(name string, data []byte) {
	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("Failed to open artifact file", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		slog.Warn("Failed to write artifact file", "path", path, "error", err)
	}
}

// ReadTranscript returns the transcript for a job, or "" when none exists.
func ReadTranscript(root string, jobID int64) string {
	data, err := os.ReadFile(filepath.Join(JobDir(root, jobID), "transcript.md"))
	if err != nil {
		return ""
	}
	return string(data)
}

// ReadEvents returns up to limit most recent events for a job. Malformed
// lines are skipped.
func ReadEvents(root string, jobID int64, limit int) []Event {
	f, err := os.Open(filepath.Join(JobDir(root, jobID), "events.jsonl"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}
