package agents

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CosmoTheDev/sdlc-agent/internal/config"
)

func testRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"main.go":          "package main\n\nfunc main() {}\n",
		"pkg/util.go":      "package pkg\n\nfunc Add(a, b int) int { return a + b }\n",
		"agent_notes/x.md": "scratch\n",
	}
	for path, content := range files {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testToolCtx(t *testing.T) *ToolContext {
	return NewToolContext(testRepo(t), config.AgentConfig{
		ToolTimeoutSec:     10,
		MaxToolOutputChars: 8000,
		TestCommand:        "true",
	})
}

func TestListFilesSkipsScratchDirs(t *testing.T) {
	tc := testToolCtx(t)
	out, err := toolListFiles(context.Background(), map[string]any{}, tc)
	if err != nil {
		t.Fatalf("list_files: %v", err)
	}
	if !strings.Contains(out, "main.go") || !strings.Contains(out, filepath.Join("pkg", "util.go")) {
		t.Fatalf("out = %q", out)
	}
	if strings.Contains(out, "agent_notes") {
		t.Fatalf("agent_notes leaked: %q", out)
	}
}

func TestGlobFiles(t *testing.T) {
	tc := testToolCtx(t)
	out, err := toolGlobFiles(context.Background(), map[string]any{"pattern": "**/*.go"}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "main.go") || !strings.Contains(out, "util.go") {
		t.Fatalf("out = %q", out)
	}
	out, err = toolGlobFiles(context.Background(), map[string]any{"pattern": "*.rs"}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if out != "NO_MATCHES" {
		t.Fatalf("out = %q", out)
	}
}

func TestReadBeforeEditEnforced(t *testing.T) {
	ctx := context.Background()
	tc := testToolCtx(t)

	out, err := toolWriteFile(ctx, map[string]any{"path": "main.go", "content": "x"}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if out != "must read file before editing" {
		t.Fatalf("out = %q", out)
	}

	if _, err := toolReadFileHead(ctx, map[string]any{"path": "main.go"}, tc); err != nil {
		t.Fatal(err)
	}
	out, err = toolWriteFile(ctx, map[string]any{"path": "main.go", "content": "package main\n"}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if out != "file written" {
		t.Fatalf("out = %q", out)
	}

	// New files don't need a prior read.
	out, err = toolWriteFile(ctx, map[string]any{"path": "new.go", "content": "package main\n"}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if out != "file written" {
		t.Fatalf("new file out = %q", out)
	}
}

func TestStrReplaceInFile(t *testing.T) {
	ctx := context.Background()
	tc := testToolCtx(t)
	if _, err := toolReadFileHead(ctx, map[string]any{"path": "pkg/util.go"}, tc); err != nil {
		t.Fatal(err)
	}

	out, _ := toolStrReplaceInFile(ctx, map[string]any{
		"path": "pkg/util.go", "old": "a + b", "new": "b + a",
	}, tc)
	if out != "replaced" {
		t.Fatalf("out = %q", out)
	}
	data, _ := os.ReadFile(filepath.Join(tc.RepoPath, "pkg/util.go"))
	if !strings.Contains(string(data), "b + a") {
		t.Fatalf("file not updated: %s", data)
	}

	out, _ = toolStrReplaceInFile(ctx, map[string]any{
		"path": "pkg/util.go", "old": "absent", "new": "x",
	}, tc)
	if out != "no matches" {
		t.Fatalf("out = %q", out)
	}
}

func TestStrReplaceAmbiguous(t *testing.T) {
	ctx := context.Background()
	tc := testToolCtx(t)
	if _, err := toolReadFileHead(ctx, map[string]any{"path": "main.go"}, tc); err != nil {
		t.Fatal(err)
	}
	// "main" occurs twice in main.go.
	out, _ := toolStrReplaceInFile(ctx, map[string]any{
		"path": "main.go", "old": "main", "new": "x",
	}, tc)
	if !strings.HasPrefix(out, "ambiguous:") {
		t.Fatalf("out = %q", out)
	}
}

func TestInsertInFile(t *testing.T) {
	ctx := context.Background()
	tc := testToolCtx(t)
	if _, err := toolReadFileHead(ctx, map[string]any{"path": "pkg/util.go"}, tc); err != nil {
		t.Fatal(err)
	}
	out, _ := toolInsertInFile(ctx, map[string]any{
		"path": "pkg/util.go", "insert_after": "package pkg", "new": "\n// utilities",
	}, tc)
	if out != "inserted" {
		t.Fatalf("out = %q", out)
	}
	data, _ := os.ReadFile(filepath.Join(tc.RepoPath, "pkg/util.go"))
	if !strings.Contains(string(data), "// utilities") {
		t.Fatalf("file not updated: %s", data)
	}

	out, _ = toolInsertInFile(ctx, map[string]any{
		"path": "pkg/util.go", "insert_after": "no such anchor", "new": "x",
	}, tc)
	if out != "anchor not found" {
		t.Fatalf("out = %q", out)
	}
}

func TestSafePathRejectsEscape(t *testing.T) {
	tc := testToolCtx(t)
	if _, err := tc.safePath("../outside.txt"); err == nil {
		t.Fatal("escape should be rejected")
	}
	if _, err := tc.safePath("pkg/../main.go"); err != nil {
		t.Fatalf("in-repo traversal should be fine: %v", err)
	}
}

func TestApplyPatchValidation(t *testing.T) {
	ctx := context.Background()
	tc := testToolCtx(t)

	out, _ := toolApplyPatch(ctx, map[string]any{"patch": "random text"}, tc)
	if out != "patch must include diff --git header" {
		t.Fatalf("out = %q", out)
	}

	patch := "diff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n@@ -1,1 +1,1 @@\n-package main\n+package main2\n"
	out, _ = toolApplyPatch(ctx, map[string]any{"patch": patch}, tc)
	if !strings.HasPrefix(out, "must read file before editing:") {
		t.Fatalf("out = %q", out)
	}
}

func TestShellGating(t *testing.T) {
	ctx := context.Background()
	tc := testToolCtx(t)

	out, _ := toolRunShell(ctx, map[string]any{"command": "echo hi"}, tc)
	if out != "shell tool disabled" {
		t.Fatalf("out = %q", out)
	}

	tc.Cfg.AllowShell = true
	out, _ = toolRunShell(ctx, map[string]any{"command": "cat main.go"}, tc)
	if !strings.HasPrefix(out, "command blocked") {
		t.Fatalf("blocked command out = %q", out)
	}
	out, _ = toolRunShell(ctx, map[string]any{"command": "echo hi"}, tc)
	if out != "hi" {
		t.Fatalf("out = %q", out)
	}
}

func TestRunTestsUsesConfiguredCommand(t *testing.T) {
	ctx := context.Background()
	tc := testToolCtx(t)
	tc.Cfg.TestCommand = "echo EXIT_TEST_RAN"
	out, _ := toolRunTests(ctx, map[string]any{}, tc)
	if !strings.HasPrefix(out, "EXIT=0") || !strings.Contains(out, "EXIT_TEST_RAN") {
		t.Fatalf("out = %q", out)
	}

	tc.Cfg.TestCommand = "false"
	out, _ = toolRunTests(ctx, map[string]any{}, tc)
	if !strings.HasPrefix(out, "EXIT=1") {
		t.Fatalf("out = %q", out)
	}
}

func TestTodoFlow(t *testing.T) {
	ctx := context.Background()
	tc := testToolCtx(t)

	out, err := toolTodoInit(ctx, map[string]any{"items": []any{"read code", "write fix"}}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"read code"`) || !strings.Contains(out, `"pending"`) {
		t.Fatalf("out = %q", out)
	}

	if out, _ := toolTodoSet(ctx, map[string]any{"id": float64(1), "status": "done"}, tc); out != "ok" {
		t.Fatalf("todo_set = %q", out)
	}
	if out, _ := toolTodoSet(ctx, map[string]any{"id": float64(9), "status": "done"}, tc); out != "not found" {
		t.Fatalf("todo_set missing = %q", out)
	}
	if out, _ := toolTodoSet(ctx, map[string]any{"id": float64(1), "status": "nope"}, tc); out != "invalid status" {
		t.Fatalf("todo_set invalid = %q", out)
	}

	out, _ = toolTodoList(ctx, map[string]any{}, tc)
	if !strings.Contains(out, `"done"`) {
		t.Fatalf("todo_list = %q", out)
	}
}

func TestReadonlySubsetExcludesEditing(t *testing.T) {
	cfg := config.AgentConfig{AllowShell: true}
	tools, _ := BuildReadonlyTools(cfg)
	for _, banned := range []string{"apply_patch", "write_file", "str_replace_in_file", "run_shell", "run_tests"} {
		if _, ok := tools[banned]; ok {
			t.Fatalf("%s must not be in readonly set", banned)
		}
	}
	for _, required := range []string{"read_file_head", "rg_search", "git_diff", "todo_list"} {
		if _, ok := tools[required]; !ok {
			t.Fatalf("%s missing from readonly set", required)
		}
	}
}
