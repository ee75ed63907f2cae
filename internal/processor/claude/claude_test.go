package claude

import (
	"strings"
	"testing"

	"github.com/papapumpkin/accretion/internal/processor"
)

func TestBuildArgs(t *testing.T) {
	p := &Processor{Path: "claude"}
	args := p.buildArgs("do stuff")

	want := []string{"-p", "do stuff", "--output-format", "json"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestBuildArgs_Model(t *testing.T) {
	p := &Processor{Path: "claude", Model: "opus"}
	args := p.buildArgs("x")

	var model string
	for i, arg := range args {
		if arg == "--model" && i+1 < len(args) {
			model = args[i+1]
		}
	}
	if model != "opus" {
		t.Errorf("model flag = %q, want opus", model)
	}
}

func TestBuildEnv(t *testing.T) {
	env := buildEnv([]string{"PATH=/bin", "CLAUDECODE=1", "HOME=/root"})

	for _, e := range env {
		if strings.HasPrefix(e, "CLAUDECODE=") {
			t.Errorf("CLAUDECODE survived: %v", env)
		}
	}
	found := false
	for _, e := range env {
		if e == "CLAUDE_CODE_DISABLE_MCP_POPUPS=1" {
			found = true
		}
	}
	if !found {
		t.Error("CLAUDE_CODE_DISABLE_MCP_POPUPS not added")
	}
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		wantErr bool
	}{
		{
			name:   "bare json",
			result: `{"artifact": "# Spec", "log_entry": "added auth", "commit_summary": "derive auth"}`,
		},
		{
			name:   "fenced json",
			result: "```json\n{\"artifact\": \"# Spec\", \"log_entry\": \"x\", \"commit_summary\": \"y\"}\n```",
		},
		{
			name:    "prose instead of json",
			result:  "Sure! Here is the updated document...",
			wantErr: true,
		},
		{
			name:    "empty artifact",
			result:  `{"artifact": "", "log_entry": "x", "commit_summary": "y"}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := parsePayload(tt.result)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePayload: %v", err)
			}
			if body.Artifact != "# Spec" {
				t.Errorf("Artifact = %q", body.Artifact)
			}
		})
	}
}

func TestStepPrompt(t *testing.T) {
	prompt := stepPrompt(processor.StepRequest{
		CommitID:        "abc123",
		CommitSummary:   "add login endpoint",
		Changes:         "+func Login() {}",
		PriorArtifact:   "# Spec v1",
		PriorLog:        "- started",
		RecentSummaries: []string{"init repo", "add server"},
	})

	for _, want := range []string{"abc123", "add login endpoint", "+func Login() {}", "# Spec v1", "init repo", `"artifact"`} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestStepPrompt_FirstVersion(t *testing.T) {
	prompt := stepPrompt(processor.StepRequest{CommitID: "abc", CommitSummary: "init", Changes: "+x"})
	if !strings.Contains(prompt, "no prior document") {
		t.Error("first-version instruction missing")
	}
}

func TestReconcilePrompt(t *testing.T) {
	prompt := reconcilePrompt(processor.ReconcileRequest{
		MergeID:        "m1",
		MergeSummary:   "merge feature",
		Changes:        "conflict resolution",
		TrunkArtifact:  "trunk doc",
		TrunkLog:       "trunk log",
		BranchArtifact: "branch doc",
		BranchLog:      "branch log",
	})

	for _, want := range []string{"m1", "merge feature", "trunk doc", "branch doc", "trunk log", "branch log"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
