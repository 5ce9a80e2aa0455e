// Package hosting wraps the GitHub REST API calls the job handlers and
// the reviewer agent need. Handlers depend on the Service interface so
// tests can substitute fakes.
package hosting

import (
	"context"
	"fmt"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// Issue is the subset of issue fields the agents consume.
type Issue struct {
	Number int64
	Title  string
	Body   string
}

// PullRequest is the subset of PR fields the agents consume.
type PullRequest struct {
	Number       int64
	Title        string
	Body         string
	State        string
	HeadRef      string
	HeadSHA      string
	BaseRef      string
	Mergeable    *bool
	ChangedFiles int
	Additions    int
	Deletions    int
}

// CreatedPR is returned by CreatePR.
type CreatedPR struct {
	Number int64
	URL    string
}

// PRFile is one changed file in a PR.
type PRFile struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
	Patch     string
}

// StatusContext is one commit status inside a combined status.
type StatusContext struct {
	Context string
	State   string
}

// CombinedStatus is the commit's combined status plus its contexts.
type CombinedStatus struct {
	State    string
	Contexts []StatusContext
}

// CheckRun is one check run on a commit.
type CheckRun struct {
	Name       string
	Status     string
	Conclusion string
}

// Service is the repository-level GitHub surface used by job handlers.
type Service interface {
	GetIssue(ctx context.Context, repo string, number int64) (*Issue, error)
	GetPR(ctx context.Context, repo string, number int64) (*PullRequest, error)
	CreatePR(ctx context.Context, repo, base, head, title, body string) (*CreatedPR, error)
	PostComment(ctx context.Context, repo string, number int64, body string) error
	SubmitReview(ctx context.Context, repo string, number int64, body, event string) error
	ListPRFiles(ctx context.Context, repo string, number int64) ([]PRFile, error)
	PRDiff(ctx context.Context, repo string, number int64) (string, error)
	GetCombinedStatus(ctx context.Context, repo, sha string) (*CombinedStatus, error)
	ListCheckRuns(ctx context.Context, repo, sha string) ([]CheckRun, error)
}

// Client implements Service against the GitHub API using an installation
// token.
type Client struct {
	gh *gogithub.Client
}

// NewClient builds a Client authenticated with token. apiBase overrides
// the API endpoint for GitHub Enterprise; empty means github.com.
func NewClient(token, apiBase string) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	client := gogithub.NewClient(tc)
	if apiBase != "" && apiBase != "https://api.github.com" {
		var err error
		client, err = client.WithEnterpriseURLs(apiBase, apiBase)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub API base: %w", err)
		}
	}
	return &Client{gh: client}, nil
}

func (c *Client) GetIssue(ctx context.Context, repo string, number int64) (*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	issue, _, err := c.gh.Issues.Get(ctx, owner, name, int(number))
	if err != nil {
		return nil, fmt.Errorf("getting issue %s#%d: %w", repo, number, err)
	}
	return &Issue{
		Number: int64(issue.GetNumber()),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
	}, nil
}

func (c *Client) GetPR(ctx context.Context, repo string, number int64) (*PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, name, int(number))
	if err != nil {
		return nil, fmt.Errorf("getting pr %s#%d: %w", repo, number, err)
	}
	return &PullRequest{
		Number:       int64(pr.GetNumber()),
		Title:        pr.GetTitle(),
		Body:         pr.GetBody(),
		State:        pr.GetState(),
		HeadRef:      pr.GetHead().GetRef(),
		HeadSHA:      pr.GetHead().GetSHA(),
		BaseRef:      pr.GetBase().GetRef(),
		Mergeable:    pr.Mergeable,
		ChangedFiles: pr.GetChangedFiles(),
		Additions:    pr.GetAdditions(),
		Deletions:    pr.GetDeletions(),
	}, nil
}

func (c *Client) CreatePR(ctx context.Context, repo, base, head, title, body string) (*CreatedPR, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, name, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(title),
		Head:  gogithub.Ptr(head),
		Base:  gogithub.Ptr(base),
		Body:  gogithub.Ptr(body),
	})
	if err != nil {
		return nil, fmt.Errorf("creating pr %s %s -> %s: %w", repo, head, base, err)
	}
	return &CreatedPR{Number: int64(pr.GetNumber()), URL: pr.GetHTMLURL()}, nil
}

// PostComment posts an issue comment. Issues and PRs share comment
// numbering on GitHub, so this works for both.
func (c *Client) PostComment(ctx context.Context, repo string, number int64, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Issues.CreateComment(ctx, owner, name, int(number),
		&gogithub.IssueComment{Body: gogithub.Ptr(body)})
	if err != nil {
		return fmt.Errorf("commenting on %s#%d: %w", repo, number, err)
	}
	return nil
}

// SubmitReview submits a PR review. event is APPROVE, REQUEST_CHANGES or
// COMMENT.
func (c *Client) SubmitReview(ctx context.Context, repo string, number int64, body, event string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, err = c.gh.PullRequests.CreateReview(ctx, owner, name, int(number),
		&gogithub.PullRequestReviewRequest{
			Body:  gogithub.Ptr(body),
			Event: gogithub.Ptr(event),
		})
	if err != nil {
		return fmt.Errorf("submitting %s review on %s#%d: %w", event, repo, number, err)
	}
	return nil
}

func (c *Client) ListPRFiles(ctx context.Context, repo string, number int64) ([]PRFile, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	var files []PRFile
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		page, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, name, int(number), opts)
		if err != nil {
			return nil, fmt.Errorf("listing files of %s#%d: %w", repo, number, err)
		}
		for _, f := range page {
			files = append(files, PRFile{
				Filename:  f.GetFilename(),
				Status:    f.GetStatus(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
				Patch:     f.GetPatch(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

// PRDiff returns the PR's unified diff.
func (c *Client) PRDiff(ctx context.Context, repo string, number int64) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	diff, _, err := c.gh.PullRequests.GetRaw(ctx, owner, name, int(number),
		gogithub.RawOptions{Type: gogithub.Diff})
	if err != nil {
		return "", fmt.Errorf("getting diff of %s#%d: %w", repo, number, err)
	}
	return diff, nil
}

func (c *Client) GetCombinedStatus(ctx context.Context, repo, sha string) (*CombinedStatus, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	status, _, err := c.gh.Repositories.GetCombinedStatus(ctx, owner, name, sha, nil)
	if err != nil {
		return nil, fmt.Errorf("getting combined status of %s@%s: %w", repo, sha, err)
	}
	out := &CombinedStatus{State: status.GetState()}
	for _, s := range status.Statuses {
		out.Contexts = append(out.Contexts, StatusContext{
			Context: s.GetContext(),
			State:   s.GetState(),
		})
	}
	return out, nil
}

func (c *Client) ListCheckRuns(ctx context.Context, repo, sha string) ([]CheckRun, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	var runs []CheckRun
	opts := &gogithub.ListCheckRunsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		page, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, name, sha, opts)
		if err != nil {
			return nil, fmt.Errorf("listing check runs of %s@%s: %w", repo, sha, err)
		}
		for _, r := range page.CheckRuns {
			runs = append(runs, CheckRun{
				Name:       r.GetName(),
				Status:     r.GetStatus(),
				Conclusion: r.GetConclusion(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return runs, nil
}

func splitRepo(repo string) (owner, name string, err error) {
	for i := 0; i < len(repo); i++ {
		if repo[i] == '/' {
			if i == 0 || i == len(repo)-1 {
				break
			}
			return repo[:i], repo[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("invalid repo full name %q", repo)
}
