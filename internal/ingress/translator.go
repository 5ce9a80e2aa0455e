package ingress

import (
	"context"
	"log/slog"
	"slices"

	"github.com/CosmoTheDev/sdlc-agent/internal/store"
	"github.com/CosmoTheDev/sdlc-agent/models"
)

// Translator maps webhook events to at most one enqueued job. It owns the
// review dedup keys and the retry-label fix path; everything else is a
// straight classification on (event, action).
type Translator struct {
	store       *store.Store
	retryLabels []string
}

func NewTranslator(st *store.Store, retryLabels []string) *Translator {
	return &Translator{store: st, retryLabels: retryLabels}
}

// Translate classifies one delivery. It returns the enqueued job id, or
// nil when the event does not produce a job.
func (t *Translator) Translate(ctx context.Context, event string, payload map[string]any, deliveryID string) (*int64, error) {
	switch event {
	case "issues":
		return t.issueEvent(ctx, payload, deliveryID)
	case "pull_request":
		return t.pullRequestEvent(ctx, payload, deliveryID)
	case "check_suite":
		if asString(payload["action"]) != "completed" {
			return nil, nil
		}
		prs := anyList(payload["pull_requests"])
		if len(prs) == 0 {
			prs = anyList(mapValue(payload, "check_suite")["pull_requests"])
		}
		return t.reviewEvent(ctx, payload, prs, deliveryID)
	case "workflow_run":
		if asString(payload["action"]) != "completed" {
			return nil, nil
		}
		prs := anyList(mapValue(payload, "workflow_run")["pull_requests"])
		return t.reviewEvent(ctx, payload, prs, deliveryID)
	case "ci_completed":
		// Internal event shape used by simulate and by CI forwarders.
		return t.reviewEvent(ctx, payload, anyList(payload["pull_requests"]), deliveryID)
	default:
		return nil, nil
	}
}

func (t *Translator) issueEvent(ctx context.Context, payload map[string]any, deliveryID string) (*int64, error) {
	action := asString(payload["action"])
	if action != "opened" && action != "labeled" {
		return nil, nil
	}
	var issueNumber *int64
	if n, ok := numberValue(mapValue(payload, "issue"), "number"); ok {
		issueNumber = &n
	}
	id, err := t.store.Enqueue(ctx, store.EnqueueParams{
		Kind:        models.KindIssue,
		Payload:     payload,
		Repo:        repoFullName(payload),
		IssueNumber: issueNumber,
		DeliveryID:  &deliveryID,
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// pullRequestEvent handles only the retry-label path: a configured label
// applied to a PR forces a fresh fix cycle past the iteration governor.
func (t *Translator) pullRequestEvent(ctx context.Context, payload map[string]any, deliveryID string) (*int64, error) {
	if asString(payload["action"]) != "labeled" {
		return nil, nil
	}
	label := asString(mapValue(payload, "label")["name"])
	if label == "" || !slices.Contains(t.retryLabels, label) {
		return nil, nil
	}

	repo := repoFullName(payload)
	pr := mapValue(payload, "pull_request")
	prNumber, okPR := numberValue(pr, "number")
	headSHA := asString(mapValue(pr, "head")["sha"])
	if repo == nil || !okPR || headSHA == "" {
		return nil, nil
	}

	active, err := t.store.HasActiveJob(ctx, models.KindFix, *repo, &prNumber, nil)
	if err != nil {
		return nil, err
	}
	if active {
		slog.Info("retry label ignored, fix job already active", "repo", *repo, "pr", prNumber)
		return nil, nil
	}
	count, err := t.store.IterationCount(ctx, *repo, nil, &prNumber)
	if err != nil {
		return nil, err
	}
	iterNum := count + 1
	if err := t.store.SetIterationStatus(ctx, *repo, nil, &prNumber, iterNum, models.IterQueued); err != nil {
		return nil, err
	}

	payload["agent_force_retry"] = true
	id, err := t.store.Enqueue(ctx, store.EnqueueParams{
		Kind:       models.KindFix,
		Payload:    payload,
		Repo:       repo,
		PRNumber:   &prNumber,
		HeadSHA:    &headSHA,
		Iter:       iterNum,
		DeliveryID: &deliveryID,
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// reviewEvent enqueues a review for the head commit, deduplicated on
// (repo, pr, sha). The markReview after enqueue is the commit point.
func (t *Translator) reviewEvent(ctx context.Context, payload map[string]any, prs []any, deliveryID string) (*int64, error) {
	repo := repoFullName(payload)
	prNumber, okPR := extractPRNumber(payload, prs)
	headSHA := extractHeadSHA(payload, prs)
	if repo == nil || !okPR || headSHA == "" {
		return nil, nil
	}

	seen, err := t.store.ReviewSeen(ctx, *repo, prNumber, headSHA)
	if err != nil {
		return nil, err
	}
	if seen {
		slog.Info("review already requested for commit", "repo", *repo, "pr", prNumber, "sha", headSHA)
		return nil, nil
	}
	id, err := t.store.Enqueue(ctx, store.EnqueueParams{
		Kind:       models.KindReview,
		Payload:    payload,
		Repo:       repo,
		PRNumber:   &prNumber,
		HeadSHA:    &headSHA,
		DeliveryID: &deliveryID,
	})
	if err != nil {
		return nil, err
	}
	if err := t.store.MarkReview(ctx, *repo, prNumber, headSHA); err != nil {
		return nil, err
	}
	return &id, nil
}

// --- payload accessors ---

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func mapValue(doc map[string]any, key string) map[string]any {
	if doc == nil {
		return nil
	}
	m, _ := doc[key].(map[string]any)
	return m
}

func anyList(v any) []any {
	l, _ := v.([]any)
	return l
}

func numberValue(doc map[string]any, key string) (int64, bool) {
	if doc == nil {
		return 0, false
	}
	switch v := doc[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// repoFullName tolerates both the object and bare-string repository
// shapes (the internal ci_completed event uses the latter).
func repoFullName(payload map[string]any) *string {
	switch repo := payload["repository"].(type) {
	case string:
		return &repo
	case map[string]any:
		if name := asString(repo["full_name"]); name != "" {
			return &name
		}
	}
	if name := asString(payload["repo"]); name != "" {
		return &name
	}
	return nil
}

func extractPRNumber(payload map[string]any, prs []any) (int64, bool) {
	if n, ok := numberValue(mapValue(payload, "pull_request"), "number"); ok {
		return n, true
	}
	if len(prs) > 0 {
		if first, ok := prs[0].(map[string]any); ok {
			if n, ok := numberValue(first, "number"); ok {
				return n, true
			}
		}
	}
	if n, ok := numberValue(payload, "pr_number"); ok {
		return n, true
	}
	if n, ok := numberValue(mapValue(payload, "pr"), "number"); ok {
		return n, true
	}
	if n, ok := numberValue(payload, "pr"); ok {
		return n, true
	}
	return 0, false
}

// extractHeadSHA resolves the commit under review. Resolution order is
// fixed: top-level head_sha/sha, head.sha, pull_request.head.sha,
// workflow_run.head_sha, check_suite.head_sha, then the first associated
// PR's head.sha.
func extractHeadSHA(payload map[string]any, prs []any) string {
	if sha := asString(payload["head_sha"]); sha != "" {
		return sha
	}
	if sha := asString(payload["sha"]); sha != "" {
		return sha
	}
	if sha := asString(mapValue(payload, "head")["sha"]); sha != "" {
		return sha
	}
	if sha := asString(mapValue(mapValue(payload, "pull_request"), "head")["sha"]); sha != "" {
		return sha
	}
	if sha := asString(mapValue(payload, "workflow_run")["head_sha"]); sha != "" {
		return sha
	}
	if sha := asString(mapValue(payload, "check_suite")["head_sha"]); sha != "" {
		return sha
	}
	if len(prs) > 0 {
		if first, ok := prs[0].(map[string]any); ok {
			if sha := asString(mapValue(first, "head")["sha"]); sha != "" {
				return sha
			}
		}
	}
	return ""
}
