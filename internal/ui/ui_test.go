package ui

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CosmoTheDev/sdlc-agent/internal/artifacts"
	"github.com/CosmoTheDev/sdlc-agent/internal/config"
	"github.com/CosmoTheDev/sdlc-agent/internal/database"
	"github.com/CosmoTheDev/sdlc-agent/internal/store"
	"github.com/CosmoTheDev/sdlc-agent/models"
)

func newConsole(t *testing.T) (*Console, *store.Store) {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return New(st, t.TempDir()), st
}

func enqueue(t *testing.T, st *store.Store, kind models.JobKind, issue *int64) int64 {
	t.Helper()
	repo := "octo/widgets"
	id, err := st.Enqueue(context.Background(), store.EnqueueParams{
		Kind: kind, Payload: map[string]any{}, Repo: &repo, IssueNumber: issue,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func render(t *testing.T, c *Console, target string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestConsoleEmpty(t *testing.T) {
	c, _ := newConsole(t)
	body := render(t, c, "/ui")
	if !strings.Contains(body, "No jobs yet") || !strings.Contains(body, "No events yet") {
		t.Fatalf("empty console body = %q", body)
	}
}

func TestConsoleListsAndSelectsJobs(t *testing.T) {
	c, st := newConsole(t)
	five := int64(5)
	id := enqueue(t, st, models.KindIssue, &five)

	log := artifacts.NewJobLog(c.artifactsDir, id)
	log.Event("job_start", "Job started", nil)
	log.Section("Input (Issue)", "Title: add feature")

	body := render(t, c, "/ui")
	if !strings.Contains(body, "issue · issue #5") {
		t.Fatalf("job label missing: %q", body)
	}
	if !strings.Contains(body, "octo/widgets") || !strings.Contains(body, "queued") {
		t.Fatalf("job row incomplete: %q", body)
	}
	// The newest job is auto-selected, so its artifacts render.
	if !strings.Contains(body, "Job started") || !strings.Contains(body, "add feature") {
		t.Fatalf("selected artifacts missing: %q", body)
	}
}

func TestConsoleStatusFilter(t *testing.T) {
	c, st := newConsole(t)
	ctx := context.Background()
	doneID := enqueue(t, st, models.KindIssue, nil)
	if err := st.SetStatus(ctx, doneID, models.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}
	if err := st.SetStatus(ctx, doneID, models.StatusDone, ""); err != nil {
		t.Fatal(err)
	}
	enqueue(t, st, models.KindFix, nil)

	body := render(t, c, "/ui?status=done")
	if !strings.Contains(body, "#1") || strings.Contains(body, ">fix<") {
		t.Fatalf("filter leaked other statuses: %q", body)
	}
}

func TestConsoleExplicitSelection(t *testing.T) {
	c, st := newConsole(t)
	first := enqueue(t, st, models.KindIssue, nil)
	enqueue(t, st, models.KindIssue, nil)

	log := artifacts.NewJobLog(c.artifactsDir, first)
	log.Section("Input (Issue)", "the first job transcript")

	body := render(t, c, "/ui?job_id=1")
	if !strings.Contains(body, "the first job transcript") {
		t.Fatalf("explicit selection ignored: %q", body)
	}
}
