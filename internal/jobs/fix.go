package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CosmoTheDev/sdlc-agent/internal/agents"
	"github.com/CosmoTheDev/sdlc-agent/internal/artifacts"
	"github.com/CosmoTheDev/sdlc-agent/internal/gitops"
	"github.com/CosmoTheDev/sdlc-agent/models"
)

// ErrMaxIterations marks a fix job blocked by the iteration governor.
// The job fails; a retry label lifts the block.
var ErrMaxIterations = errors.New("max iterations reached")

// HandleFix runs one fix cycle on an existing PR: check out the PR branch,
// run the code agent against the linked issue (or the PR itself), commit
// and push, and record the iteration in the ledger. The governor caps
// cycles per PR unless the payload carries the force-retry marker.
func (r *Runner) HandleFix(ctx context.Context, job *models.Job, log *artifacts.JobLog) error {
	doc, err := job.Doc()
	if err != nil {
		return err
	}
	repo := job.RepoName()
	if repo == "" {
		repo = docString(docMap(doc, "repository"), "full_name")
	}
	var prNumber int64
	if job.PRNumber != nil {
		prNumber = *job.PRNumber
	} else if n, ok := docNumber(docMap(doc, "pull_request"), "number"); ok {
		prNumber = n
	}
	if repo == "" || prNumber == 0 {
		return fmt.Errorf("fix job %d: missing repo or pr number in payload", job.ID)
	}
	forceRetry := docBool(doc, "agent_force_retry")

	slog.Info("fix job", "repo", repo, "pr", prNumber, "force_retry", forceRetry)
	log.Event("fix", "Fix job received", map[string]any{"repo": repo, "pr": prNumber})

	token, err := r.CodeTokens.InstallationToken(ctx, repo)
	if err != nil {
		return fmt.Errorf("fix job %d: %w", job.ID, err)
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

	// Prefer the linked issue as the task statement; the PR text is a
	// derived artifact of the previous cycle.
	taskTitle, taskBody := pr.Title, pr.Body
	issueNumber := linkedIssue(pr.Body)
	if issueNumber != nil {
		issue, err := gh.GetIssue(ctx, repo, *issueNumber)
		if err != nil {
			return fmt.Errorf("fetching linked issue #%d: %w", *issueNumber, err)
		}
		taskTitle, taskBody = issue.Title, issue.Body
	}

	iterNum := job.Iter
	if iterNum == 0 {
		count, err := r.Store.IterationCount(ctx, repo, issueNumber, &prNumber)
		if err != nil {
			return err
		}
		iterNum = count + 1
	}
	if !forceRetry && iterNum > r.Cfg.Agent.MaxIters {
		if err := r.Store.SetIterationStatus(ctx, repo, issueNumber, &prNumber, iterNum, models.IterBlocked); err != nil {
			return err
		}
		labelsHint := "retry"
		if len(r.Cfg.Agent.RetryLabels) > 0 {
			labelsHint = strings.Join(r.Cfg.Agent.RetryLabels, ", ")
		}
		if err := gh.PostComment(ctx, repo, prNumber, fmt.Sprintf(
			"Max iterations reached (%d). Add label [%s] to retry.",
			r.Cfg.Agent.MaxIters, labelsHint)); err != nil {
			slog.Warn("posting governor comment failed", "error", err)
		}
		return fmt.Errorf("fix job %d: %w", job.ID, ErrMaxIterations)
	}
	if err := r.Store.SetIterationStatus(ctx, repo, issueNumber, &prNumber, iterNum, models.IterRunning); err != nil {
		return err
	}

	ws, err := r.prepareWorkspace(ctx, repo, token, job.ID, log)
	if err != nil {
		return err
	}
	switch {
	case pr.HeadRef != "":
		log.Event("tool", "git.checkout_branch", map[string]any{"ref": pr.HeadRef})
		if err := ws.CheckoutRemoteBranch(pr.HeadRef); err != nil {
			return err
		}
	case headSHA != "":
		log.Event("tool", "git.checkout", map[string]any{"ref": headSHA})
		if err := ws.CheckoutRef(headSHA); err != nil {
			return err
		}
	}

	res, err := agents.RunCodeAgent(ctx, r.Chat, r.Cfg.Agent, ws.Path, taskTitle, taskBody, log)
	if err != nil {
		return err
	}

	paths, err := ws.Status()
	if err != nil {
		return err
	}
	if !gitops.HasMeaningfulChanges(paths, "agent_notes/") {
		if err := r.Store.SetIterationStatus(ctx, repo, issueNumber, &prNumber, iterNum, models.IterDone); err != nil {
			return err
		}
		return gh.PostComment(ctx, repo, prNumber,
			"Code Agent did not produce any changes for this fix cycle. Please clarify the task.")
	}

	commitMsg := fmt.Sprintf("Agent: Fix PR #%d", prNumber)
	log.Event("tool", "git.commit", map[string]any{"message": commitMsg})
	if err := ws.AddAllAndCommit(commitMsg); err != nil {
		return err
	}
	if pr.HeadRef != "" {
		log.Event("tool", "git.push", map[string]any{"branch": pr.HeadRef})
		if err := ws.Push(ctx, pr.HeadRef); err != nil {
			return err
		}
	}

	body := fmt.Sprintf("## Fix iteration %d\n- %s\n\n## Testing\n- %s\n",
		iterNum, res.Summary, res.Tests)
	log.Section("Agent Output (PR Fix)", body)
	if err := gh.PostComment(ctx, repo, prNumber, body); err != nil {
		return err
	}

	return r.Store.SetIterationStatus(ctx, repo, issueNumber, &prNumber, iterNum, models.IterDone)
}
