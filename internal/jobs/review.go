package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/CosmoTheDev/sdlc-agent/internal/agents"
	"github.com/CosmoTheDev/sdlc-agent/internal/artifacts"
	"github.com/CosmoTheDev/sdlc-agent/internal/store"
	"github.com/CosmoTheDev/sdlc-agent/models"
)

// ciFailureStates demote an "ok" review to "fix"; ciSuccessStates gate
// the APPROVE submission. Everything in between (pending, unknown) posts
// a comment only.
var (
	ciFailureStates = map[string]bool{"failed": true, "error": true}
	ciSuccessStates = map[string]bool{"success": true, "passed": true, "ok": true}
)

// HandleReview reviews the head commit of a PR: run the reviewer agent
// over the API and a pinned checkout, post the verdict as a comment,
// submit a formal review when CI allows, and chain a fix job when the
// verdict is not "ok".
func (r *Runner) HandleReview(ctx context.Context, job *models.Job, log *artifacts.JobLog) error {
	doc, err := job.Doc()
	if err != nil {
		return err
	}
	repo := docString(docMap(doc, "repository"), "full_name")
	prNumber, ok := reviewPRNumber(doc)
	if repo == "" || !ok {
		return fmt.Errorf("review job %d: missing repo or pr number in payload", job.ID)
	}

	slog.Info("review job", "repo", repo, "pr", prNumber)
	log.Event("review", "Review job received", map[string]any{"repo": repo, "pr": prNumber})

	token, err := r.ReviewerTokens.InstallationToken(ctx, repo)
	if err != nil {
		return fmt.Errorf("review job %d: %w", job.ID, err)
	}
	gh, err := r.NewClient(token)
	if err != nil {
		return err
	}

	pr, err := gh.GetPR(ctx, repo, prNumber)
	if err != nil {
		return fmt.Errorf("fetching PR #%d: %w", prNumber, err)
	}
	headSHA := pr.HeadSHA
	if job.HeadSHA != nil && *job.HeadSHA != "" {
		headSHA = *job.HeadSHA
	}

	var issueTitle, issueBody string
	if issueNumber := linkedIssue(pr.Body); issueNumber != nil {
		issue, err := gh.GetIssue(ctx, repo, *issueNumber)
		if err != nil {
			return fmt.Errorf("fetching linked issue #%d: %w", *issueNumber, err)
		}
		issueTitle, issueBody = issue.Title, issue.Body
	}

	ws, err := r.prepareWorkspace(ctx, repo, token, job.ID, log)
	if err != nil {
		return err
	}
	if headSHA != "" {
		log.Event("tool", "git.checkout", map[string]any{"ref": headSHA})
		if err := ws.CheckoutRef(headSHA); err != nil {
			return err
		}
	}

	res, err := agents.RunReviewerAgent(ctx, r.Chat, r.Cfg.Agent, gh, agents.ReviewTarget{
		Repo:       repo,
		PRNumber:   prNumber,
		HeadSHA:    headSHA,
		IssueTitle: issueTitle,
		IssueBody:  issueBody,
		RepoPath:   ws.Path,
	}, log)
	if err != nil {
		return err
	}

	decision := strings.ToLower(res.Decision)
	ci := strings.ToLower(res.CI)
	// A green verdict over red CI is not a verdict.
	if decision == "ok" && ciFailureStates[ci] {
		decision = "fix"
	}

	body := fmt.Sprintf("DECISION: %s\nSUMMARY: %s\nCI: %s\n\nFINDINGS:\n%s",
		decision, res.Summary, res.CI, findingsBlock(res.Findings))
	if err := gh.PostComment(ctx, repo, prNumber, body); err != nil {
		return err
	}
	// Formal review submission can fail when the token cannot review its
	// own PR; the comment above already carries the verdict.
	switch {
	case decision == "ok" && ciSuccessStates[ci]:
		if err := gh.SubmitReview(ctx, repo, prNumber, body, "APPROVE"); err != nil {
			slog.Info("review submission skipped", "error", err)
		}
	case decision != "ok":
		if err := gh.SubmitReview(ctx, repo, prNumber, body, "REQUEST_CHANGES"); err != nil {
			slog.Info("review submission skipped", "error", err)
		}
	}
	log.Section("Reviewer Output", body)
	slog.Info("posted review comment", "pr", prNumber, "decision", decision)

	if decision == "ok" {
		return nil
	}
	return r.chainFix(ctx, doc, repo, prNumber, headSHA)
}

// chainFix enqueues the follow-up fix job for a failed review, unless one
// is already queued or running for the same PR.
func (r *Runner) chainFix(ctx context.Context, payload map[string]any, repo string, prNumber int64, headSHA string) error {
	active, err := r.Store.HasActiveJob(ctx, models.KindFix, repo, &prNumber, nil)
	if err != nil {
		return err
	}
	if active {
		slog.Info("fix job already active, not chaining", "repo", repo, "pr", prNumber)
		return nil
	}
	count, err := r.Store.IterationCount(ctx, repo, nil, &prNumber)
	if err != nil {
		return err
	}
	iterNum := count + 1
	if err := r.Store.SetIterationStatus(ctx, repo, nil, &prNumber, iterNum, models.IterQueued); err != nil {
		return err
	}
	var sha *string
	if headSHA != "" {
		sha = &headSHA
	}
	id, err := r.Store.Enqueue(ctx, store.EnqueueParams{
		Kind:     models.KindFix,
		Payload:  payload,
		Repo:     &repo,
		PRNumber: &prNumber,
		HeadSHA:  sha,
		Iter:     iterNum,
	})
	if err != nil {
		return err
	}
	slog.Info("chained fix job", "job_id", id, "repo", repo, "pr", prNumber, "iter", iterNum)
	return nil
}

// reviewPRNumber digs the PR number out of the several event shapes that
// can trigger a review: pull_request events carry it directly, check and
// workflow events carry a pull_requests list.
func reviewPRNumber(doc map[string]any) (int64, bool) {
	if n, ok := docNumber(docMap(doc, "pull_request"), "number"); ok {
		return n, true
	}
	lists := [][]any{}
	if l, ok := doc["pull_requests"].([]any); ok {
		lists = append(lists, l)
	}
	if wr := docMap(doc, "workflow_run"); wr != nil {
		if l, ok := wr["pull_requests"].([]any); ok {
			lists = append(lists, l)
		}
	}
	for _, list := range lists {
		if len(list) == 0 {
			continue
		}
		if first, ok := list[0].(map[string]any); ok {
			if n, ok := docNumber(first, "number"); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// findingsBlock renders findings as a YAML list for the PR comment.
func findingsBlock(findings []agents.Finding) string {
	if len(findings) == 0 {
		findings = []agents.Finding{{Severity: "low", File: "-", Note: "No findings."}}
	}
	out, err := yaml.Marshal(findings)
	if err != nil {
		return fmt.Sprintf("- severity: low\n  file: -\n  note: %d findings (render failed)", len(findings))
	}
	return strings.TrimRight(string(out), "\n")
}
