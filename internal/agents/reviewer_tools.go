package agents

import (
	"context"
	"encoding/json"

	"github.com/CosmoTheDev/sdlc-agent/internal/hosting"
)

type apiToolFunc func(ctx context.Context) (string, error)

// buildReviewerAPITools binds the PR-level tools to one review target.
// Results are JSON so the model sees a stable machine-readable shape.
func buildReviewerAPITools(gh hosting.Service, target ReviewTarget) map[string]apiToolFunc {
	return map[string]apiToolFunc{
		"pr_info": func(ctx context.Context) (string, error) {
			pr, err := gh.GetPR(ctx, target.Repo, target.PRNumber)
			if err != nil {
				return "", err
			}
			return encodeJSON(map[string]any{
				"title":         pr.Title,
				"body":          pr.Body,
				"state":         pr.State,
				"base":          pr.BaseRef,
				"head":          pr.HeadRef,
				"head_sha":      pr.HeadSHA,
				"changed_files": pr.ChangedFiles,
				"additions":     pr.Additions,
				"deletions":     pr.Deletions,
			})
		},
		"pr_diff": func(ctx context.Context) (string, error) {
			return gh.PRDiff(ctx, target.Repo, target.PRNumber)
		},
		"pr_files": func(ctx context.Context) (string, error) {
			files, err := gh.ListPRFiles(ctx, target.Repo, target.PRNumber)
			if err != nil {
				return "", err
			}
			simplified := make([]map[string]any, 0, len(files))
			for _, f := range files {
				simplified = append(simplified, map[string]any{
					"filename":  f.Filename,
					"status":    f.Status,
					"additions": f.Additions,
					"deletions": f.Deletions,
					"patch":     f.Patch,
				})
			}
			return encodeJSON(simplified)
		},
		"ci_status": func(ctx context.Context) (string, error) {
			status, err := gh.GetCombinedStatus(ctx, target.Repo, target.HeadSHA)
			if err != nil {
				return "", err
			}
			checks, err := gh.ListCheckRuns(ctx, target.Repo, target.HeadSHA)
			if err != nil {
				return "", err
			}
			contexts := make([]map[string]any, 0, len(status.Contexts))
			for _, c := range status.Contexts {
				contexts = append(contexts, map[string]any{
					"context": c.Context,
					"state":   c.State,
				})
			}
			runs := make([]map[string]any, 0, len(checks))
			for _, r := range checks {
				runs = append(runs, map[string]any{
					"name":       r.Name,
					"status":     r.Status,
					"conclusion": r.Conclusion,
				})
			}
			return encodeJSON(map[string]any{
				"combined_status": status.State,
				"statuses":        contexts,
				"check_runs":      runs,
			})
		},
	}
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
