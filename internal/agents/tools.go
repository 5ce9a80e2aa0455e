package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/CosmoTheDev/sdlc-agent/internal/config"
)

// skipDirs are never traversed or reported by the repo inspection tools.
var skipDirs = map[string]bool{
	".git":         true,
	".venv":        true,
	"__pycache__":  true,
	"node_modules": true,
	"agent_notes":  true,
	"artifacts":    true,
	"data":         true,
	"workdir":      true,
}

// TodoItem is one entry of the agent's scratch task list.
type TodoItem struct {
	ID     int    `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"`
}

// TodoState holds the in-memory task list for one agent run.
type TodoState struct {
	items  []TodoItem
	nextID int
}

func (t *TodoState) reset(texts []string) {
	t.items = nil
	t.nextID = 1
	for _, text := range texts {
		t.items = append(t.items, TodoItem{ID: t.nextID, Text: text, Status: "pending"})
		t.nextID++
	}
}

func (t *TodoState) setStatus(id int, status string) bool {
	for i := range t.items {
		if t.items[i].ID == id {
			t.items[i].Status = status
			return true
		}
	}
	return false
}

func (t *TodoState) dump() string {
	if t.items == nil {
		return "[]"
	}
	b, _ := json.Marshal(t.items)
	return string(b)
}

// ToolContext carries the state tools share within one agent run.
// readPaths enforces the read-before-edit rule.
type ToolContext struct {
	RepoPath  string
	Cfg       config.AgentConfig
	Todo      *TodoState
	readPaths map[string]bool
}

// NewToolContext builds a context rooted at repoPath.
func NewToolContext(repoPath string, cfg config.AgentConfig) *ToolContext {
	return &ToolContext{
		RepoPath:  repoPath,
		Cfg:       cfg,
		Todo:      &TodoState{},
		readPaths: map[string]bool{},
	}
}

// ToolFunc executes one tool call. Tool failures are reported as
// observation text, not errors; only programming mistakes return err.
type ToolFunc func(ctx context.Context, args map[string]any, tc *ToolContext) (string, error)

func (tc *ToolContext) timeout() time.Duration {
	if tc.Cfg.ToolTimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(tc.Cfg.ToolTimeoutSec) * time.Second
}

// safePath resolves path inside the repo and rejects escapes.
func (tc *ToolContext) safePath(path string) (string, error) {
	full := filepath.Clean(filepath.Join(tc.RepoPath, path))
	base := filepath.Clean(tc.RepoPath)
	if full != base && !strings.HasPrefix(full, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes repository")
	}
	return full, nil
}

func (tc *ToolContext) relPath(path string) (string, error) {
	full, err := tc.safePath(path)
	if err != nil {
		return "", err
	}
	return filepath.Rel(tc.RepoPath, full)
}

func (tc *ToolContext) markRead(path string) {
	if rel, err := tc.relPath(path); err == nil {
		tc.readPaths[rel] = true
	}
}

func (tc *ToolContext) wasRead(path string) bool {
	rel, err := tc.relPath(path)
	if err != nil {
		return false
	}
	return tc.readPaths[rel]
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// runCmd executes a command in the repo with the tool timeout. stderr is
// appended to stdout the way a terminal would show it.
func runCmd(ctx context.Context, tc *ToolContext, name string, args ...string) string {
	cctx, cancel := context.WithTimeout(ctx, tc.timeout())
	defer cancel()
	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = tc.RepoPath
	out, err := cmd.CombinedOutput()
	if cctx.Err() == context.DeadlineExceeded {
		return "command timed out"
	}
	text := strings.TrimSpace(string(out))
	if err != nil && text == "" {
		return err.Error()
	}
	return text
}

func runCmdWithExit(ctx context.Context, tc *ToolContext, name string, args ...string) (int, string) {
	cctx, cancel := context.WithTimeout(ctx, tc.timeout())
	defer cancel()
	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = tc.RepoPath
	out, err := cmd.CombinedOutput()
	if cctx.Err() == context.DeadlineExceeded {
		return 124, "command timed out"
	}
	code := 0
	if ee, ok := err.(*exec.ExitError); ok {
		code = ee.ExitCode()
	} else if err != nil {
		code = 1
	}
	return code, strings.TrimSpace(string(out))
}

// --- repo inspection ---

func toolListFiles(_ context.Context, args map[string]any, tc *ToolContext) (string, error) {
	pattern := argString(args, "pattern")
	maxResults := argInt(args, "max_results", 200)
	entries, err := walkMatches(tc.RepoPath, pattern, maxResults)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "NO_MATCHES", nil
	}
	return strings.Join(entries, "\n"), nil
}

func toolRepoTree(_ context.Context, args map[string]any, tc *ToolContext) (string, error) {
	maxDepth := argInt(args, "max_depth", 3)
	var lines []string
	err := filepath.WalkDir(tc.RepoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(tc.RepoPath, path)
		depth := 0
		if rel != "." {
			depth = strings.Count(rel, string(os.PathSeparator)) + 1
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return fs.SkipDir
			}
			if depth > maxDepth {
				return fs.SkipDir
			}
			display := rel
			if rel == "." {
				display = "./"
			}
			lines = append(lines, strings.Repeat("  ", depth)+display)
			return nil
		}
		if depth <= maxDepth+1 {
			lines = append(lines, strings.Repeat("  ", depth)+d.Name())
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func toolReadFileRange(_ context.Context, args map[string]any, tc *ToolContext) (string, error) {
	path := argString(args, "path")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	start := argInt(args, "start", 1)
	end := argInt(args, "end", start+200)
	full, err := tc.safePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	lines := strings.SplitAfter(string(data), "\n")
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", nil
	}
	tc.markRead(path)
	return strings.Join(lines[start-1:end], ""), nil
}

func toolReadFileHead(_ context.Context, args map[string]any, tc *ToolContext) (string, error) {
	path := argString(args, "path")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	n := argInt(args, "n", 200)
	full, err := tc.safePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	lines := strings.SplitAfter(string(data), "\n")
	if n > len(lines) {
		n = len(lines)
	}
	tc.markRead(path)
	return strings.Join(lines[:n], ""), nil
}

func toolRgSearch(ctx context.Context, args map[string]any, tc *ToolContext) (string, error) {
	query := argString(args, "query")
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	contextLines := argInt(args, "context_lines", 2)
	cmdArgs := []string{
		"--line-number",
		fmt.Sprintf("-C%d", contextLines),
		"-g", "!.git/**",
		"-g", "!agent_notes/**",
		"-g", "!artifacts/**",
		"-g", "!node_modules/**",
	}
	if globs, ok := args["globs"].([]any); ok {
		for _, g := range globs {
			if s, ok := g.(string); ok {
				cmdArgs = append(cmdArgs, "-g", s)
			}
		}
	}
	cmdArgs = append(cmdArgs, query)
	out := runCmd(ctx, tc, "rg", cmdArgs...)
	if out == "" || strings.HasPrefix(out, "exit status 1") {
		return "NO_MATCHES", nil
	}
	return out, nil
}

func toolGlobFiles(_ context.Context, args map[string]any, tc *ToolContext) (string, error) {
	pattern := argString(args, "pattern")
	if pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	entries, err := walkMatches(tc.RepoPath, pattern, 0)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "NO_MATCHES", nil
	}
	sort.Strings(entries)
	return strings.Join(entries, "\n"), nil
}

// walkMatches lists repo files matching pattern. A "**" prefix matches at
// any depth; otherwise the pattern is matched against the relative path,
// with a bare file pattern also tried against the base name.
func walkMatches(root, pattern string, limit int) ([]string, error) {
	var entries []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if pattern != "" && !matchPattern(pattern, rel) {
			return nil
		}
		entries = append(entries, rel)
		if limit > 0 && len(entries) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func matchPattern(pattern, rel string) bool {
	if strings.Contains(pattern, "**") {
		// "**/x.go" means x.go at any depth, including the root.
		suffix := pattern[strings.LastIndex(pattern, "**")+2:]
		suffix = strings.TrimPrefix(suffix, "/")
		if ok, _ := filepath.Match(suffix, filepath.Base(rel)); ok {
			return true
		}
		ok, _ := filepath.Match(suffix, rel)
		return ok
	}
	if ok, _ := filepath.Match(pattern, rel); ok {
		return true
	}
	ok, _ := filepath.Match(pattern, filepath.Base(rel))
	return ok
}

// --- git tools ---
//
// The worktree belongs to go-git, but these read-only views and patch
// application shell out to the git CLI: `git apply` has no go-git
// equivalent and the agents expect its exact error text.

func toolGitDiff(ctx context.Context, _ map[string]any, tc *ToolContext) (string, error) {
	return runCmd(ctx, tc, "git", "diff"), nil
}

func toolGitStatus(ctx context.Context, _ map[string]any, tc *ToolContext) (string, error) {
	return runCmd(ctx, tc, "git", "status", "--porcelain"), nil
}

func toolGitLog(ctx context.Context, args map[string]any, tc *ToolContext) (string, error) {
	maxCount := argInt(args, "max_count", 5)
	return runCmd(ctx, tc, "git", "log", fmt.Sprintf("-n%d", maxCount), "--oneline"), nil
}

func toolGitShow(ctx context.Context, args map[string]any, tc *ToolContext) (string, error) {
	ref := argString(args, "ref")
	if ref == "" {
		return "", fmt.Errorf("ref is required")
	}
	if path := argString(args, "path"); path != "" {
		return runCmd(ctx, tc, "git", "show", ref+":"+path), nil
	}
	return runCmd(ctx, tc, "git", "show", ref), nil
}

func toolApplyPatch(ctx context.Context, args map[string]any, tc *ToolContext) (string, error) {
	patch := argString(args, "patch")
	if patch == "" {
		return "", fmt.Errorf("patch is required")
	}
	if !strings.Contains(patch, "diff --git") {
		return "patch must include diff --git header", nil
	}
	if !strings.Contains(patch, "+++") || !strings.Contains(patch, "---") {
		return "patch must be unified diff with --- and +++ headers", nil
	}
	if missing := tc.missingReadsForPatch(patch); len(missing) > 0 {
		return "must read file before editing: " + strings.Join(missing, ", "), nil
	}

	patchPath := filepath.Join(tc.RepoPath, ".agent_patch.diff")
	if err := os.WriteFile(patchPath, []byte(strings.TrimRight(patch, "\n")+"\n"), 0o644); err != nil {
		return "", err
	}
	defer os.Remove(patchPath)

	if out := runCmd(ctx, tc, "git", "apply", "--check", patchPath); out != "" {
		return out, nil
	}
	if out := runCmd(ctx, tc, "git", "apply", patchPath); out != "" {
		return out, nil
	}
	return "patch applied", nil
}

// missingReadsForPatch returns existing patched files that were never
// read this run.
func (tc *ToolContext) missingReadsForPatch(patch string) []string {
	paths := map[string]bool{}
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			parts := strings.Fields(line)
			if len(parts) >= 4 {
				paths[parts[2]] = true
				paths[parts[3]] = true
			}
		case strings.HasPrefix(line, "+++ "), strings.HasPrefix(line, "--- "):
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				paths[parts[1]] = true
			}
		}
	}
	var missing []string
	for path := range paths {
		if path == "/dev/null" {
			continue
		}
		path = strings.TrimPrefix(strings.TrimPrefix(path, "a/"), "b/")
		full, err := tc.safePath(path)
		if err != nil {
			continue
		}
		if _, err := os.Stat(full); err != nil {
			continue
		}
		if !tc.wasRead(path) {
			missing = append(missing, path)
		}
	}
	sort.Strings(missing)
	return missing
}

// --- editing ---

func toolWriteFile(_ context.Context, args map[string]any, tc *ToolContext) (string, error) {
	path := argString(args, "path")
	content, hasContent := args["content"].(string)
	if path == "" || !hasContent {
		return "", fmt.Errorf("path and content are required")
	}
	full, err := tc.safePath(path)
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(full); statErr == nil && !tc.wasRead(path) {
		return "must read file before editing", nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", err
	}
	return "file written", nil
}

func toolStrReplaceInFile(_ context.Context, args map[string]any, tc *ToolContext) (string, error) {
	path := argString(args, "path")
	old, hasOld := args["old"].(string)
	replacement, hasNew := args["new"].(string)
	if path == "" || !hasOld || !hasNew {
		return "", fmt.Errorf("path, old, and new are required")
	}
	full, err := tc.safePath(path)
	if err != nil {
		return "", err
	}
	if !tc.wasRead(path) {
		return "must read file before editing", nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	content := string(data)
	count := strings.Count(content, old)
	if count == 0 {
		return "no matches", nil
	}
	if count > 1 {
		return fmt.Sprintf("ambiguous: %d matches", count), nil
	}
	content = strings.Replace(content, old, replacement, 1)
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", err
	}
	return "replaced", nil
}

func toolInsertInFile(_ context.Context, args map[string]any, tc *ToolContext) (string, error) {
	path := argString(args, "path")
	anchor, hasAnchor := args["insert_after"].(string)
	text, hasNew := args["new"].(string)
	if path == "" || !hasAnchor || !hasNew {
		return "", fmt.Errorf("path, insert_after, and new are required")
	}
	full, err := tc.safePath(path)
	if err != nil {
		return "", err
	}
	if !tc.wasRead(path) {
		return "must read file before editing", nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	lines := strings.SplitAfter(string(data), "\n")
	var matches []int
	for i, line := range lines {
		if strings.Contains(line, anchor) {
			matches = append(matches, i)
		}
	}
	if len(matches) == 0 {
		return "anchor not found", nil
	}
	if len(matches) > 1 {
		return fmt.Sprintf("ambiguous: %d anchors", len(matches)), nil
	}
	insert := text
	if !strings.HasSuffix(insert, "\n") {
		insert += "\n"
	}
	idx := matches[0]
	out := strings.Join(lines[:idx+1], "") + insert + strings.Join(lines[idx+1:], "")
	if err := os.WriteFile(full, []byte(out), 0o644); err != nil {
		return "", err
	}
	return "inserted", nil
}

// --- commands ---

func toolRunTests(ctx context.Context, args map[string]any, tc *ToolContext) (string, error) {
	command := tc.Cfg.TestCommand
	if command == "" {
		return "test command not configured", nil
	}
	if target := argString(args, "target"); target != "" {
		command = command + " " + target
	}
	code, out := runCmdWithExit(ctx, tc, "bash", "-lc", command)
	return fmt.Sprintf("EXIT=%d\n%s", code, out), nil
}

func toolRunShell(ctx context.Context, args map[string]any, tc *ToolContext) (string, error) {
	if !tc.Cfg.AllowShell {
		return "shell tool disabled", nil
	}
	command := argString(args, "command")
	if command == "" {
		return "", fmt.Errorf("command is required")
	}
	blocked := []string{
		"git merge", "git checkout", "git show", "git log", "git diff",
		"git status", "cat ", "grep ", "ls ", "find ",
	}
	lower := strings.ToLower(command)
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return "command blocked: use tools (read_file_*, rg_search, git_log, git_show, git_diff, git_status)", nil
		}
	}
	return runCmd(ctx, tc, "bash", "-lc", command), nil
}

// --- todos ---

func toolTodoInit(_ context.Context, args map[string]any, tc *ToolContext) (string, error) {
	raw, ok := args["items"].([]any)
	if !ok {
		return "", fmt.Errorf("items must be a list of strings")
	}
	texts := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return "invalid items: list must contain only strings", nil
		}
		texts = append(texts, s)
	}
	tc.Todo.reset(texts)
	return tc.Todo.dump(), nil
}

func toolTodoList(_ context.Context, _ map[string]any, tc *ToolContext) (string, error) {
	return tc.Todo.dump(), nil
}

func toolTodoSet(_ context.Context, args map[string]any, tc *ToolContext) (string, error) {
	id := argInt(args, "id", 0)
	if id == 0 {
		return "", fmt.Errorf("id is required")
	}
	status := argString(args, "status")
	switch status {
	case "pending", "running", "done", "blocked":
	default:
		return "invalid status", nil
	}
	if !tc.Todo.setStatus(id, status) {
		return "not found", nil
	}
	return "ok", nil
}

// --- registry ---

type toolEntry struct {
	name     string
	desc     string
	fn       ToolFunc
	readonly bool
}

func toolEntries(cfg config.AgentConfig) []toolEntry {
	entries := []toolEntry{
		{"list_files", "- list_files {pattern?(glob), max_results?} — list matching files (fast inventory)", toolListFiles, true},
		{"repo_tree", "- repo_tree {max_depth?} — shallow tree view (structure)", toolRepoTree, true},
		{"read_file_range", "- read_file_range {path, start, end} — read exact lines (use before edit)", toolReadFileRange, true},
		{"read_file_head", "- read_file_head {path, n} — read file head (use before edit)", toolReadFileHead, true},
		{"rg_search", "- rg_search {query, globs?, context_lines?} — ripgrep search in repo", toolRgSearch, true},
		{"grep_search", "- grep_search {query, globs?, context_lines?} — alias to rg_search", toolRgSearch, true},
		{"glob_files", "- glob_files {pattern} — glob search for files", toolGlobFiles, true},
		{"git_diff", "- git_diff {} — current diff", toolGitDiff, true},
		{"git_status", "- git_status {} — git status porcelain", toolGitStatus, true},
		{"git_log", "- git_log {max_count?} — recent commits (oneline)", toolGitLog, true},
		{"git_show", "- git_show {ref, path?} — show commit or file at ref", toolGitShow, true},
		{"apply_patch", "- apply_patch {patch} — apply unified diff (preferred edit)", toolApplyPatch, false},
		{"write_file", "- write_file {path, content} — overwrite file (use if patch fails)", toolWriteFile, false},
		{"str_replace_in_file", "- str_replace_in_file {path, old, new} — replace single exact match", toolStrReplaceInFile, false},
		{"insert_in_file", "- insert_in_file {path, insert_after, new} — insert after unique anchor", toolInsertInFile, false},
		{"run_tests", "- run_tests {target?} — run the configured test command", toolRunTests, false},
		{"todo_init", "- todo_init {items} — create TODO list", toolTodoInit, true},
		{"todo_list", "- todo_list {} — show TODO list", toolTodoList, true},
		{"todo_set", "- todo_set {id, status} — update TODO item (pending|running|done|blocked)", toolTodoSet, true},
	}
	if cfg.AllowShell {
		entries = append(entries, toolEntry{"run_shell", "- run_shell {command}", toolRunShell, false})
	}
	return entries
}

// BuildTools returns the full tool set for the code agent.
func BuildTools(cfg config.AgentConfig) (map[string]ToolFunc, []string) {
	tools := map[string]ToolFunc{}
	var lines []string
	for _, e := range toolEntries(cfg) {
		tools[e.name] = e.fn
		lines = append(lines, e.desc)
	}
	return tools, lines
}

// BuildReadonlyTools returns the inspection-only subset for the reviewer.
func BuildReadonlyTools(cfg config.AgentConfig) (map[string]ToolFunc, []string) {
	tools := map[string]ToolFunc{}
	var lines []string
	for _, e := range toolEntries(cfg) {
		if !e.readonly {
			continue
		}
		tools[e.name] = e.fn
		lines = append(lines, e.desc)
	}
	return tools, lines
}
