package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/CosmoTheDev/sdlc-agent/internal/config"
	"github.com/CosmoTheDev/sdlc-agent/internal/database"
	"github.com/CosmoTheDev/sdlc-agent/internal/store"
)

const (
	codeSecret     = "code-secret"
	reviewerSecret = "reviewer-secret"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
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

	cfg := &config.Config{}
	cfg.Code.WebhookSecret = codeSecret
	cfg.Reviewer.WebhookSecret = reviewerSecret
	cfg.Agent.RetryLabels = []string{"agent:retry"}

	srv := httptest.NewServer(NewServer(cfg, st, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

type webhookResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	JobID  *int64 `json:"job_id"`
}

func post(t *testing.T, srv *httptest.Server, event, delivery, secret string, payload map[string]any) (int, webhookResponse) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", delivery)
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", Sign(secret, body))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out webhookResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode, out
}

func issueOpened(number int64) map[string]any {
	return map[string]any{
		"action":     "opened",
		"repository": map[string]any{"full_name": "octo/widgets"},
		"issue":      map[string]any{"number": number},
	}
}

func countJobs(t *testing.T, st *store.Store) int {
	t.Helper()
	jobs, err := st.ListJobs(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	return len(jobs)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDuplicateDeliverySkipped(t *testing.T) {
	srv, st := newTestServer(t)

	code, out := post(t, srv, "issues", "D1", codeSecret, issueOpened(42))
	if code != http.StatusOK || out.Status != "accepted" || out.JobID == nil {
		t.Fatalf("first delivery: code=%d out=%+v", code, out)
	}
	if countJobs(t, st) != 1 {
		t.Fatal("one issue job expected")
	}

	code, out = post(t, srv, "issues", "D1", codeSecret, issueOpened(42))
	if code != http.StatusOK || out.Status != "skipped" || out.Reason != "duplicate delivery" {
		t.Fatalf("replay: code=%d out=%+v", code, out)
	}
	if countJobs(t, st) != 1 {
		t.Fatal("replay must not enqueue")
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	srv, st := newTestServer(t)

	code, _ := post(t, srv, "issues", "D1", "wrong-secret", issueOpened(1))
	if code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", code)
	}
	code, _ = post(t, srv, "issues", "D2", "", issueOpened(1))
	if code != http.StatusUnauthorized {
		t.Fatalf("missing signature: code = %d, want 401", code)
	}
	if countJobs(t, st) != 0 {
		t.Fatal("rejected deliveries must not enqueue")
	}

	// Either role's secret is acceptable.
	code, out := post(t, srv, "issues", "D3", reviewerSecret, issueOpened(1))
	if code != http.StatusOK || out.Status != "accepted" {
		t.Fatalf("reviewer secret: code=%d out=%+v", code, out)
	}
}

func TestUnmatchedEventAcceptedWithoutJob(t *testing.T) {
	srv, st := newTestServer(t)

	code, out := post(t, srv, "star", "D1", codeSecret, map[string]any{"action": "created"})
	if code != http.StatusOK || out.Status != "accepted" || out.JobID != nil {
		t.Fatalf("code=%d out=%+v", code, out)
	}
	code, out = post(t, srv, "issues", "D2", codeSecret, map[string]any{"action": "closed"})
	if code != http.StatusOK || out.JobID != nil {
		t.Fatalf("closed issue: code=%d out=%+v", code, out)
	}
	if countJobs(t, st) != 0 {
		t.Fatal("no jobs expected")
	}

	// The delivery is consumed even when nothing matched.
	code, out = post(t, srv, "star", "D1", codeSecret, map[string]any{})
	if out.Status != "skipped" {
		t.Fatalf("code=%d out=%+v", code, out)
	}
}

func checkSuiteCompleted(sha string) map[string]any {
	return map[string]any{
		"action":        "completed",
		"repository":    map[string]any{"full_name": "octo/widgets"},
		"pull_requests": []any{map[string]any{"number": 7, "head": map[string]any{"sha": sha}}},
		"check_suite":   map[string]any{"head_sha": sha},
	}
}

func TestReviewDedupBySHA(t *testing.T) {
	srv, st := newTestServer(t)

	code, out := post(t, srv, "check_suite", "D1", codeSecret, checkSuiteCompleted("abc123"))
	if code != http.StatusOK || out.JobID == nil {
		t.Fatalf("code=%d out=%+v", code, out)
	}

	// Same sha, new delivery id: the review key suppresses it.
	code, out = post(t, srv, "workflow_run", "D2", codeSecret, map[string]any{
		"action":     "completed",
		"repository": map[string]any{"full_name": "octo/widgets"},
		"workflow_run": map[string]any{
			"head_sha":      "abc123",
			"pull_requests": []any{map[string]any{"number": 7}},
		},
	})
	if code != http.StatusOK || out.Status != "accepted" || out.JobID != nil {
		t.Fatalf("same-sha: code=%d out=%+v", code, out)
	}

	// A new commit gets a new review.
	code, out = post(t, srv, "check_suite", "D3", codeSecret, checkSuiteCompleted("def456"))
	if code != http.StatusOK || out.JobID == nil {
		t.Fatalf("new sha: code=%d out=%+v", code, out)
	}

	jobs, err := st.ListJobs(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.Kind != "review" || j.PRNumber == nil || *j.PRNumber != 7 {
			t.Fatalf("job = %+v", j)
		}
	}
}

func TestRetryLabelEnqueuesForcedFix(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	payload := map[string]any{
		"action":     "labeled",
		"label":      map[string]any{"name": "agent:retry"},
		"repository": map[string]any{"full_name": "octo/widgets"},
		"pull_request": map[string]any{
			"number": 7,
			"head":   map[string]any{"sha": "abc123"},
		},
	}
	code, out := post(t, srv, "pull_request", "D1", codeSecret, payload)
	if code != http.StatusOK || out.JobID == nil {
		t.Fatalf("code=%d out=%+v", code, out)
	}

	job, err := st.GetJob(ctx, *out.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Kind != "fix" || job.Iter != 1 || job.HeadSHA == nil || *job.HeadSHA != "abc123" {
		t.Fatalf("job = %+v", job)
	}
	doc, err := job.Doc()
	if err != nil {
		t.Fatal(err)
	}
	if forced, _ := doc["agent_force_retry"].(bool); !forced {
		t.Fatal("payload must carry the force-retry marker")
	}

	seven := int64(7)
	count, err := st.IterationCount(ctx, "octo/widgets", nil, &seven)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("iteration count = %d, want 1", count)
	}

	// While that fix is queued, a second label application is suppressed.
	code, out = post(t, srv, "pull_request", "D2", codeSecret, payload)
	if code != http.StatusOK || out.JobID != nil {
		t.Fatalf("second label: code=%d out=%+v", code, out)
	}
	if countJobs(t, st) != 1 {
		t.Fatal("second label must not enqueue")
	}
}

func TestRetryLabelIgnoresOtherLabels(t *testing.T) {
	srv, st := newTestServer(t)
	code, out := post(t, srv, "pull_request", "D1", codeSecret, map[string]any{
		"action":     "labeled",
		"label":      map[string]any{"name": "documentation"},
		"repository": map[string]any{"full_name": "octo/widgets"},
		"pull_request": map[string]any{
			"number": 7,
			"head":   map[string]any{"sha": "abc123"},
		},
	})
	if code != http.StatusOK || out.JobID != nil {
		t.Fatalf("code=%d out=%+v", code, out)
	}
	if countJobs(t, st) != 0 {
		t.Fatal("no job expected")
	}
}

func TestCICompletedInternalShape(t *testing.T) {
	srv, st := newTestServer(t)
	code, out := post(t, srv, "ci_completed", "D1", codeSecret, map[string]any{
		"repo":     "octo/widgets",
		"pr":       7,
		"head_sha": "abc123",
	})
	if code != http.StatusOK || out.JobID == nil {
		t.Fatalf("code=%d out=%+v", code, out)
	}
	job, err := st.GetJob(context.Background(), *out.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Kind != "review" || job.RepoName() != "octo/widgets" {
		t.Fatalf("job = %+v", job)
	}
}

func TestExtractHeadSHAOrder(t *testing.T) {
	prs := []any{map[string]any{"number": 1, "head": map[string]any{"sha": "from-pr-list"}}}
	cases := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"top-level head_sha", map[string]any{"head_sha": "a", "sha": "b"}, "a"},
		{"top-level sha", map[string]any{"sha": "b"}, "b"},
		{"head.sha", map[string]any{"head": map[string]any{"sha": "c"}}, "c"},
		{"pull_request.head.sha", map[string]any{"pull_request": map[string]any{"head": map[string]any{"sha": "d"}}}, "d"},
		{"workflow_run.head_sha", map[string]any{"workflow_run": map[string]any{"head_sha": "e"}}, "e"},
		{"check_suite.head_sha", map[string]any{"check_suite": map[string]any{"head_sha": "f"}}, "f"},
		{"pull_requests fallback", map[string]any{}, "from-pr-list"},
	}
	for _, tc := range cases {
		if got := extractHeadSHA(tc.payload, prs); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
	if extractHeadSHA(map[string]any{}, nil) != "" {
		t.Fatal("empty payload must yield empty sha")
	}
}

func TestSignatureHelpers(t *testing.T) {
	body := []byte(`{"x":1}`)
	sig := Sign("s3cret", body)
	if !verify("s3cret", body, sig) {
		t.Fatal("valid signature rejected")
	}
	if verify("s3cret", body, "sha256=deadbeef") {
		t.Fatal("bad signature accepted")
	}
	if verify("s3cret", body, "") {
		t.Fatal("missing signature accepted")
	}
	if !verify("", body, "") {
		t.Fatal("empty secret must disable verification")
	}
	if !verifyAny(body, sig, "other", "s3cret") {
		t.Fatal("any-match should accept")
	}
}
