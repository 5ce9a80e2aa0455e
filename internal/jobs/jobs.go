// Package jobs implements the issue, fix and review job handlers: the
// bridge between queued webhook events and the LLM agents working in a
// git checkout.
package jobs

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/CosmoTheDev/sdlc-agent/internal/agents"
	"github.com/CosmoTheDev/sdlc-agent/internal/artifacts"
	"github.com/CosmoTheDev/sdlc-agent/internal/config"
	"github.com/CosmoTheDev/sdlc-agent/internal/gitops"
	"github.com/CosmoTheDev/sdlc-agent/internal/hosting"
	"github.com/CosmoTheDev/sdlc-agent/internal/store"
	"github.com/CosmoTheDev/sdlc-agent/models"
)

// TokenSource exchanges a GitHub App identity for an installation token
// scoped to one repository. *githubapp.AppAuth implements it.
type TokenSource interface {
	InstallationToken(ctx context.Context, repo string) (string, error)
}

// Runner executes jobs. The function fields default to the production
// implementations and exist so tests can substitute local fakes.
type Runner struct {
	Cfg            *config.Config
	Store          *store.Store
	Chat           agents.Chatter
	CodeTokens     TokenSource
	ReviewerTokens TokenSource

	// NewClient builds an API client from an installation token.
	NewClient func(token string) (hosting.Service, error)
	// RemoteURL maps a repo full name to its clone URL.
	RemoteURL func(repo string) string
}

// New wires a Runner with production defaults.
func New(cfg *config.Config, st *store.Store, chat agents.Chatter, code, reviewer TokenSource) *Runner {
	return &Runner{
		Cfg:            cfg,
		Store:          st,
		Chat:           chat,
		CodeTokens:     code,
		ReviewerTokens: reviewer,
		NewClient: func(token string) (hosting.Service, error) {
			return hosting.NewClient(token, cfg.GitHub.APIBase)
		},
		RemoteURL: gitops.RemoteURL,
	}
}

// Handle dispatches one job to its handler.
func (r *Runner) Handle(ctx context.Context, job *models.Job, log *artifacts.JobLog) error {
	switch models.JobKind(job.Kind) {
	case models.KindIssue:
		return r.HandleIssue(ctx, job, log)
	case models.KindFix:
		return r.HandleFix(ctx, job, log)
	case models.KindReview:
		return r.HandleReview(ctx, job, log)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (r *Runner) identity() gitops.Identity {
	return gitops.Identity{Name: r.Cfg.Git.UserName, Email: r.Cfg.Git.UserEmail}
}

// prepareWorkspace refreshes the repo mirror and produces a fresh clone
// for this job.
func (r *Runner) prepareWorkspace(ctx context.Context, repo, token string, jobID int64, log *artifacts.JobLog) (*gitops.Workspace, error) {
	remoteURL := r.RemoteURL(repo)
	mirror := gitops.MirrorPath(r.Cfg.Workdir.Root, repo)
	workdir := gitops.WorkdirPath(r.Cfg.Workdir.Root, repo, jobID)

	log.Event("tool", "git.ensure_mirror", map[string]any{"repo": repo})
	if err := gitops.EnsureMirror(ctx, remoteURL, token, mirror); err != nil {
		return nil, err
	}
	log.Event("tool", "git.clone_from_mirror", map[string]any{"dest": workdir})
	return gitops.CloneFromMirror(ctx, mirror, workdir, remoteURL, token, r.identity())
}

var closesRe = regexp.MustCompile(`(?i)closes\s+#(\d+)`)

// linkedIssue extracts the issue number from a "Closes #N" marker in a
// PR body, or nil when absent.
func linkedIssue(prBody string) *int64 {
	m := closesRe.FindStringSubmatch(prBody)
	if m == nil {
		return nil
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// payload field helpers; webhook payloads are open-ended JSON.

func docMap(doc map[string]any, key string) map[string]any {
	if m, ok := doc[key].(map[string]any); ok {
		return m
	}
	return nil
}

func docString(doc map[string]any, key string) string {
	if s, ok := doc[key].(string); ok {
		return s
	}
	return ""
}

func docNumber(doc map[string]any, key string) (int64, bool) {
	switch v := doc[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func docBool(doc map[string]any, key string) bool {
	b, ok := doc[key].(bool)
	return ok && b
}
