package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/CosmoTheDev/sdlc-agent/internal/artifacts"
	"github.com/CosmoTheDev/sdlc-agent/internal/config"
	"github.com/CosmoTheDev/sdlc-agent/internal/llm"
)

// Chatter is the LLM surface the agent loops need. *llm.Client satisfies
// it; tests use scripted fakes.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, temperature float64) (string, error)
}

// CodeResult is the code agent's final report.
type CodeResult struct {
	Summary string
	Tests   string
}

const codeSystemPrompt = `You are a coding agent. Follow these rules strictly:
1) Return EXACTLY ONE JSON object per response.
2) Do NOT include any extra text or markdown.
3) For tool calls: {"type":"tool","tool":"<name>","args":{...}}
4) For final: {"type":"final","summary":"...","tests":"..."}
5) If you need multiple tool calls, do them across multiple steps.
6) Use unified diff format for apply_patch (like git diff).
   Example:
   diff --git a/path b/path
   --- a/path
   +++ b/path
   @@ -1,2 +1,3 @@
   -old line
   +new line
7) Do NOT commit or push.
8) Prefer apply_patch or write_file over run_shell.
9) For searching/reading use rg_search/grep_search/glob_files/read_file_* (avoid run_shell for cat/grep/ls).
10) If you run tests, use the run_tests tool. Only claim tests were run if you actually ran them.
11) If helpful, create a TODO list using todo_init (items must be a list of strings) and keep it updated. Allowed statuses: pending|running|done|blocked.
12) Before final, verify your changes match the issue and mention this in summary.
13) After editing tests, re-read the edited block to confirm syntax.
14) You MUST read a file before editing it (read_file_*). Edits without prior read will fail.
15) If the Issue cannot be completed as written (missing file/function, conflicting requirements, or it would require changing unrelated code), do NOT invent changes. Complete only the clearly possible parts and explain what's missing or ambiguous in final.
`

// patchErrorMarkers identify failed apply_patch observations; two in a
// row trigger a nudge towards write_file.
var patchErrorMarkers = []string{
	"patch must include diff --git",
	"patch must be unified diff",
	"apply failed",
	"git apply",
	"patch failed",
	"corrupt patch",
	"unified diff",
}

// RunCodeAgent drives the code agent over the checked-out repo until it
// produces a final report or the step budget runs out.
func RunCodeAgent(ctx context.Context, chat Chatter, cfg config.AgentConfig, repoPath, issueTitle, issueBody string, log *artifacts.JobLog) (*CodeResult, error) {
	tools, toolLines := BuildTools(cfg)
	tc := NewToolContext(repoPath, cfg)

	user := fmt.Sprintf("Issue title: %s\n\nIssue body:\n%s\n\nAvailable tools:\n%s",
		issueTitle, issueBody, strings.Join(toolLines, "\n"))
	messages := []llm.Message{
		{Role: "system", Content: codeSystemPrompt},
		{Role: "user", Content: user},
	}

	log.Section("Agent Input", fmt.Sprintf("Title: %s\n\n%s", issueTitle, issueBody))

	patchFailures := 0
	for step := 0; step < cfg.MaxSteps; step++ {
		content, err := chat.Chat(ctx, messages, cfg.Temperature)
		if err != nil {
			return nil, fmt.Errorf("code agent step %d: %w", step+1, err)
		}
		log.Section(fmt.Sprintf("LLM Step %d", step+1), content)

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
			return &CodeResult{Summary: act.str("summary"), Tests: act.str("tests")}, nil
		case "tool":
		default:
			messages = append(messages, llm.Message{Role: "user", Content: "Unknown type. Use tool or final."})
			continue
		}

		toolName := act.tool()
		fn, ok := tools[toolName]
		if !ok {
			messages = append(messages,
				llm.Message{Role: "assistant", Content: content},
				llm.Message{Role: "user", Content: "Unknown tool: " + toolName})
			continue
		}

		args := act.args()
		log.Event("tool", toolName, map[string]any{"args": args})
		result, err := fn(ctx, args, tc)
		if err != nil {
			result = "tool error: " + err.Error()
		}
		if toolName == "apply_patch" && patchFailed(result) {
			patchFailures++
			if patchFailures >= 2 {
				messages = append(messages, llm.Message{
					Role:    "user",
					Content: "apply_patch failed twice. Use write_file instead.",
				})
			}
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

	return &CodeResult{Summary: "Max steps reached", Tests: "not run"}, nil
}

func patchFailed(result string) bool {
	for _, marker := range patchErrorMarkers {
		if strings.Contains(result, marker) {
			return true
		}
	}
	return false
}
