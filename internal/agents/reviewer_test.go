package agents

import (
	"context"
	"strings"
	"testing"

	"github.com/CosmoTheDev/sdlc-agent/internal/hosting"
)

// fakeHosting is a canned hosting.Service for reviewer tests.
type fakeHosting struct {
	pr       hosting.PullRequest
	diff     string
	files    []hosting.PRFile
	combined hosting.CombinedStatus
	checks   []hosting.CheckRun
}

func (f *fakeHosting) GetIssue(context.Context, string, int64) (*hosting.Issue, error) {
	return &hosting.Issue{}, nil
}
func (f *fakeHosting) GetPR(context.Context, string, int64) (*hosting.PullRequest, error) {
	pr := f.pr
	return &pr, nil
}
func (f *fakeHosting) CreatePR(context.Context, string, string, string, string, string) (*hosting.CreatedPR, error) {
	return &hosting.CreatedPR{}, nil
}
func (f *fakeHosting) PostComment(context.Context, string, int64, string) error { return nil }
func (f *fakeHosting) SubmitReview(context.Context, string, int64, string, string) error {
	return nil
}
func (f *fakeHosting) ListPRFiles(context.Context, string, int64) ([]hosting.PRFile, error) {
	return f.files, nil
}
func (f *fakeHosting) PRDiff(context.Context, string, int64) (string, error) {
	return f.diff, nil
}
func (f *fakeHosting) GetCombinedStatus(context.Context, string, string) (*hosting.CombinedStatus, error) {
	cs := f.combined
	return &cs, nil
}
func (f *fakeHosting) ListCheckRuns(context.Context, string, string) ([]hosting.CheckRun, error) {
	return f.checks, nil
}

func reviewTarget(t *testing.T) ReviewTarget {
	return ReviewTarget{
		Repo:       "octo/widgets",
		PRNumber:   4,
		HeadSHA:    "abc123",
		IssueTitle: "crash on startup",
		IssueBody:  "it crashes",
		RepoPath:   testRepo(t),
	}
}

func TestReviewerChecksCIAndApproves(t *testing.T) {
	gh := &fakeHosting{
		combined: hosting.CombinedStatus{State: "success"},
		checks:   []hosting.CheckRun{{Name: "test", Status: "completed", Conclusion: "success"}},
	}
	chat := &scriptedChat{replies: []string{
		`{"type":"tool","tool":"ci_status","args":{}}`,
		`{"type":"final","decision":"ok","summary":"looks good","findings":[],"ci":"success"}`,
	}}

	res, err := RunReviewerAgent(context.Background(), chat, agentCfg(), gh, reviewTarget(t), newLog(t))
	if err != nil {
		t.Fatalf("RunReviewerAgent: %v", err)
	}
	if res.Decision != "ok" || res.CI != "success" {
		t.Fatalf("res = %+v", res)
	}

	users := chat.lastUserContents()
	last := users[len(users)-1]
	if !strings.Contains(last, `"combined_status":"success"`) {
		t.Fatalf("ci observation = %q", last)
	}
}

func TestReviewerCoercesUnknownDecision(t *testing.T) {
	gh := &fakeHosting{}
	chat := &scriptedChat{replies: []string{
		`{"type":"final","decision":"approve","summary":"s","findings":["missing tests"],"ci":"failed"}`,
	}}

	res, err := RunReviewerAgent(context.Background(), chat, agentCfg(), gh, reviewTarget(t), newLog(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != "fix" {
		t.Fatalf("decision = %q, want fix", res.Decision)
	}
	if len(res.Findings) != 1 || res.Findings[0].Note != "missing tests" {
		t.Fatalf("findings = %+v", res.Findings)
	}
	if res.Findings[0].Severity != "low" || res.Findings[0].File != "-" {
		t.Fatalf("bare-string finding defaults wrong: %+v", res.Findings[0])
	}
}

func TestReviewerUsesLocalReadonlyTools(t *testing.T) {
	gh := &fakeHosting{}
	chat := &scriptedChat{replies: []string{
		`{"type":"tool","tool":"read_file_head","args":{"path":"main.go","n":5}}`,
		`{"type":"final","decision":"ok","summary":"read it","findings":[],"ci":"success"}`,
	}}

	if _, err := RunReviewerAgent(context.Background(), chat, agentCfg(), gh, reviewTarget(t), newLog(t)); err != nil {
		t.Fatal(err)
	}
	users := chat.lastUserContents()
	last := users[len(users)-1]
	if !strings.Contains(last, "package main") {
		t.Fatalf("local read observation = %q", last)
	}
}

func TestReviewerRejectsEditingTools(t *testing.T) {
	gh := &fakeHosting{}
	chat := &scriptedChat{replies: []string{
		`{"type":"tool","tool":"write_file","args":{"path":"x","content":"y"}}`,
		`{"type":"final","decision":"ok","summary":"s","findings":[],"ci":""}`,
	}}

	if _, err := RunReviewerAgent(context.Background(), chat, agentCfg(), gh, reviewTarget(t), newLog(t)); err != nil {
		t.Fatal(err)
	}
	users := chat.lastUserContents()
	if users[len(users)-1] != "Unknown tool: write_file" {
		t.Fatalf("message = %q", users[len(users)-1])
	}
}

func TestReviewerMaxSteps(t *testing.T) {
	gh := &fakeHosting{}
	chat := &scriptedChat{replies: []string{"nope"}}
	cfg := agentCfg()
	cfg.MaxSteps = 2

	res, err := RunReviewerAgent(context.Background(), chat, cfg, gh, reviewTarget(t), newLog(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != "fix" || res.Summary != "Max steps reached" {
		t.Fatalf("res = %+v", res)
	}
}
