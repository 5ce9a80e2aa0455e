package agents

import (
	"strings"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	act := extractJSON(`{"type":"tool","tool":"git_diff","args":{}}`)
	if act == nil || act.typ() != "tool" || act.tool() != "git_diff" {
		t.Fatalf("act = %+v", act)
	}

	// Markdown fences with a language hint are tolerated.
	act = extractJSON("```json\n{\"type\":\"final\",\"summary\":\"done\"}\n```")
	if act == nil || act.typ() != "final" || act.str("summary") != "done" {
		t.Fatalf("fenced act = %+v", act)
	}

	// Trailing prose after the object is rejected.
	if extractJSON(`{"type":"final"} and that is all`) != nil {
		t.Fatal("trailing text should be rejected")
	}
	if extractJSON("not json at all") != nil {
		t.Fatal("prose should be rejected")
	}
	// Two objects are rejected too.
	if extractJSON(`{"type":"tool"}{"type":"final"}`) != nil {
		t.Fatal("two objects should be rejected")
	}
}

func TestLooksLikeMultipleObjects(t *testing.T) {
	if !looksLikeMultipleObjects(`{"a":1}{"b":2}`) {
		t.Fatal("two top-level objects should be detected")
	}
	if looksLikeMultipleObjects(`{"a":1}`) {
		t.Fatal("single flat object misdetected")
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 100)
	out := truncate(long, 40)
	if !strings.HasPrefix(out, strings.Repeat("x", 40)) {
		t.Fatalf("out = %q", out)
	}
	if !strings.Contains(out, "truncated 60 chars") {
		t.Fatalf("out = %q", out)
	}
	if truncate("short", 40) != "short" {
		t.Fatal("short text should pass through")
	}
	if truncate(long, 0) != long {
		t.Fatal("zero limit disables truncation")
	}
}
