package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CosmoTheDev/sdlc-agent/internal/agents"
	"github.com/CosmoTheDev/sdlc-agent/internal/artifacts"
	"github.com/CosmoTheDev/sdlc-agent/internal/gitops"
	"github.com/CosmoTheDev/sdlc-agent/models"
)

// HandleIssue turns a labeled issue into a pull request: clone, run the
// code agent, commit, push a branch and open a PR that closes the issue.
func (r *Runner) HandleIssue(ctx context.Context, job *models.Job, log *artifacts.JobLog) error {
	doc, err := job.Doc()
	if err != nil {
		return err
	}
	repo := docString(docMap(doc, "repository"), "full_name")
	issueNumber, ok := docNumber(docMap(doc, "issue"), "number")
	if repo == "" || !ok {
		return fmt.Errorf("issue job %d: missing repo or issue number in payload", job.ID)
	}

	slog.Info("issue job", "repo", repo, "issue", issueNumber)
	log.Event("issue", "Issue job received", map[string]any{"repo": repo, "issue": issueNumber})

	token, err := r.CodeTokens.InstallationToken(ctx, repo)
	if err != nil {
		return fmt.Errorf("issue job %d: %w", job.ID, err)
	}
	gh, err := r.NewClient(token)
	if err != nil {
		return err
	}

	issue, err := gh.GetIssue(ctx, repo, issueNumber)
	if err != nil {
		return fmt.Errorf("fetching issue #%d: %w", issueNumber, err)
	}
	defaultBranch := docString(docMap(doc, "repository"), "default_branch")
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	log.Section("Input (Issue)", fmt.Sprintf("Title: %s\n\n%s", issue.Title, issue.Body))

	ws, err := r.prepareWorkspace(ctx, repo, token, job.ID, log)
	if err != nil {
		return err
	}
	branch := fmt.Sprintf("agent/issue-%d-%d", issueNumber, job.ID)
	log.Event("tool", "git.create_branch", map[string]any{"branch": branch})
	if err := ws.CreateBranch(branch); err != nil {
		return err
	}
	if err := writeIssueNotes(ws.Path, issueNumber, issue.Title, issue.Body); err != nil {
		return err
	}

	res, err := agents.RunCodeAgent(ctx, r.Chat, r.Cfg.Agent, ws.Path, issue.Title, issue.Body, log)
	if err != nil {
		return err
	}

	paths, err := ws.Status()
	if err != nil {
		return err
	}
	if !gitops.HasMeaningfulChanges(paths, "agent_notes/") {
		log.Event("info", "no_changes", map[string]any{"message": "No changes detected"})
		return gh.PostComment(ctx, repo, issueNumber,
			"Code Agent did not produce any changes. Please clarify the task.")
	}

	commitMsg := "Agent: " + issue.Title
	log.Event("tool", "git.commit", map[string]any{"message": commitMsg})
	if err := ws.AddAllAndCommit(commitMsg); err != nil {
		return err
	}
	log.Event("tool", "git.push", map[string]any{"branch": branch})
	if err := ws.Push(ctx, branch); err != nil {
		return err
	}

	prBody := fmt.Sprintf("Closes #%d\n\n## Summary\n- %s\n\n## Testing\n- %s\n",
		issueNumber, res.Summary, res.Tests)
	log.Section("Agent Output (PR)", prBody)
	pr, err := gh.CreatePR(ctx, repo, defaultBranch, branch, commitMsg, prBody)
	if err != nil {
		return fmt.Errorf("creating PR for issue #%d: %w", issueNumber, err)
	}
	log.Event("github", "pr.created", map[string]any{"url": pr.URL, "branch": branch})

	comment := "Created PR."
	if pr.URL != "" {
		comment = "Created PR: " + pr.URL
	}
	return gh.PostComment(ctx, repo, issueNumber, comment)
}

// writeIssueNotes drops the issue text into the working copy so the agent
// can re-read it with its file tools. The notes directory never counts as
// a meaningful change.
func writeIssueNotes(repoPath string, number int64, title, body string) error {
	dir := filepath.Join(repoPath, "agent_notes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("# Issue #%d\n\nTitle: %s\n\n%s\n", number, title, body)
	return os.WriteFile(filepath.Join(dir, fmt.Sprintf("issue-%d.md", number)), []byte(content), 0o644)
}
