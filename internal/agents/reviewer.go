package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/CosmoTheDev/sdlc-agent/internal/artifacts"
	"github.com/CosmoTheDev/sdlc-agent/internal/config"
	"github.com/CosmoTheDev/sdlc-agent/internal/hosting"
	"github.com/CosmoTheDev/sdlc-agent/internal/llm"
)

// Finding is one reviewer observation.
type Finding struct {
	Severity string `yaml:"severity" json:"severity"`
	File     string `yaml:"file" json:"file"`
	Note     string `yaml:"note" json:"note"`
}

// ReviewResult is the reviewer agent's verdict. Decision is "ok" or
// "fix"; anything else from the model is coerced to "fix".
type ReviewResult struct {
	Decision string
	Summary  string
	Findings []Finding
	CI       string
}

// ReviewTarget identifies the PR under review.
type ReviewTarget struct {
	Repo       string
	PRNumber   int64
	HeadSHA    string
	IssueTitle string
	IssueBody  string
	RepoPath   string
}

const reviewerSystemPrompt = `You are a meticulous senior code reviewer.
Be skeptical, evidence-driven, and prioritize correctness, CI health, and maintainability.

HARD OUTPUT RULES (must follow exactly):
1) Return EXACTLY ONE JSON object per response.
2) Do NOT include any extra text or markdown.
3) For tool calls: {"type":"tool","tool":"<name>","args":{...}}
4) For final: {"type":"final","decision":"ok|fix","summary":"...","findings":[{"severity":"low|med|high","file":"path-or-'-'","note":"..."}],"ci":"..."}

SCOPE / SAFETY:
5) Use tools to inspect PR, diff, CI, and local repo (read-only). Do NOT modify code.

REVIEW WORKFLOW (thorough, not verbose):
6) Always check CI status for the head SHA (combined status + check runs). Summarize in ci.
7) Inspect PR metadata and the diff. Confirm the change matches the Issue requirements.
8) Look for: missing/weak tests, edge cases, correctness bugs, security issues, performance pitfalls, and unrelated changes.
9) If CI failed or is inconclusive for the relevant SHA, decision should be fix.
10) Findings must be actionable: point to file (or '-') and describe the concrete issue.

FINAL RESPONSE QUALITY:
11) summary should be short but substantive: what was checked, whether requirements are met, and the primary reason for ok/fix.
12) Keep findings concise; include the highest-impact issues first.
`

var reviewerAPIToolLines = []string{
	"- pr_info {} — PR metadata",
	"- pr_diff {} — unified diff of PR",
	"- pr_files {} — list of files with patches",
	"- ci_status {} — combined status + check runs",
}

// RunReviewerAgent drives the reviewer over the PR via the GitHub API
// plus read-only local inspection of the checked-out head.
func RunReviewerAgent(ctx context.Context, chat Chatter, cfg config.AgentConfig, gh hosting.Service, target ReviewTarget, log *artifacts.JobLog) (*ReviewResult, error) {
	apiTools := buildReviewerAPITools(gh, target)
	toolLines := append([]string{}, reviewerAPIToolLines...)

	var localTools map[string]ToolFunc
	var localCtx *ToolContext
	if target.RepoPath != "" {
		var localLines []string
		localTools, localLines = BuildReadonlyTools(cfg)
		localCtx = NewToolContext(target.RepoPath, cfg)
		toolLines = append(toolLines, localLines...)
	}

	user := fmt.Sprintf("PR: #%d in %s\nHead SHA: %s\n\nIssue title: %s\n\nIssue body:\n%s\n\nAvailable tools:\n%s",
		target.PRNumber, target.Repo, target.HeadSHA,
		target.IssueTitle, target.IssueBody, strings.Join(toolLines, "\n"))
	messages := []llm.Message{
		{Role: "system", Content: reviewerSystemPrompt},
		{Role: "user", Content: user},
	}

	log.Section("Reviewer Input", fmt.Sprintf("PR #%d\nIssue: %s\n\n%s",
		target.PRNumber, target.IssueTitle, target.IssueBody))

	for step := 0; step < cfg.MaxSteps; step++ {
		content, err := chat.Chat(ctx, messages, cfg.Temperature)
		if err != nil {
			return nil, fmt.Errorf("reviewer step %d: %w", step+1, err)
		}
		log.Section(fmt.Sprintf("Reviewer LLM Step %d", step+1), content)

		act := extractJSON(content)
		if act == nil || act.typ() == "" {
			msg := parseRetryMsg
			if looksLikeMultipleObjects(content) {
				msg = multiObjectMsg
			}
			messages = append(messages,
				llm.Message{Role: "assistant", Content: content},
				llm.Message{Role: "user", Content: msg})
			log.Event("error", "parse_failed", map[string]any{"message": msg})
			continue
		}

		switch act.typ() {
		case "final":
			return finalReview(act), nil
		case "tool":
		default:
			messages = append(messages, llm.Message{Role: "user", Content: "Unknown type. Use tool or final."})
			continue
		}

		toolName := act.tool()
		args := act.args()
		var result string
		if fn, ok := apiTools[toolName]; ok {
			log.Event("tool", toolName, map[string]any{"args": args})
			result, err = fn(ctx)
			if err != nil {
				result = "tool error: " + err.Error()
			}
		} else if fn, ok := localTools[toolName]; ok {
			log.Event("tool", toolName, map[string]any{"args": args})
			result, err = fn(ctx, args, localCtx)
			if err != nil {
				result = "tool error: " + err.Error()
			}
		} else {
			messages = append(messages,
				llm.Message{Role: "assistant", Content: content},
				llm.Message{Role: "user", Content: "Unknown tool: " + toolName})
			continue
		}

		result = truncate(result, cfg.MaxToolOutputChars)
		if result == "" {
			log.Section("Tool: "+toolName, "(no output)")
		} else {
			log.Section("Tool: "+toolName, result)
		}
		messages = append(messages,
			llm.Message{Role: "assistant", Content: content},
			llm.Message{Role: "user", Content: "OBSERVATION:\n" + result})
	}

	return &ReviewResult{Decision: "fix", Summary: "Max steps reached"}, nil
}

func finalReview(act *action) *ReviewResult {
	decision := strings.ToLower(act.str("decision"))
	if decision != "ok" {
		decision = "fix"
	}
	return &ReviewResult{
		Decision: decision,
		Summary:  act.str("summary"),
		Findings: parseFindings(act.raw["findings"]),
		CI:       act.str("ci"),
	}
}

// parseFindings tolerates both structured findings and bare strings.
func parseFindings(raw any) []Finding {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var findings []Finding
	for _, item := range items {
		switch v := item.(type) {
		case string:
			findings = append(findings, Finding{Severity: "low", File: "-", Note: v})
		case map[string]any:
			f := Finding{
				Severity: stringField(v, "severity"),
				File:     stringField(v, "file"),
				Note:     stringField(v, "note"),
			}
			if f.Severity == "" {
				f.Severity = "low"
			}
			if f.File == "" {
				f.File = "-"
			}
			findings = append(findings, f)
		}
	}
	return findings
}
