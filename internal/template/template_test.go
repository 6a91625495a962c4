package template

import (
	"os"
	"path/filepath"
	"testing"
)

const coderTemplate = `{
	"template_id": "coder-v1",
	"role": "coder",
	"description": "implements work items",
	"model": "claude-sonnet-4-5",
	"required_skills": ["code-review"],
	"capabilities": {
		"allowed_tools": ["read_file", "write_file"],
		"git_push": "request_approval"
	},
	"budget": {
		"max_tokens": 50000,
		"max_tool_calls": 40,
		"max_cost_usd": 2.5
	}
}`

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "coder.json", coderTemplate)
	writeTemplate(t, dir, "reviewer.json", `{"template_id": "reviewer-v1", "role": "reviewer"}`)
	writeTemplate(t, dir, "notes.txt", "not a template")

	lib, err := NewLibrary(nil)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	if err := lib.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	got, err := lib.Get("coder-v1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Role != "coder" || got.Budget.MaxTokens != 50000 || got.Budget.MaxCostUSD != 2.5 {
		t.Errorf("template = %+v", got)
	}
	if len(got.Capabilities.AllowedTools) != 2 || got.Capabilities.GitPush != "request_approval" {
		t.Errorf("capabilities = %+v", got.Capabilities)
	}

	byRole, err := lib.GetByRole("reviewer")
	if err != nil {
		t.Fatalf("GetByRole: %v", err)
	}
	if byRole.TemplateID != "reviewer-v1" {
		t.Errorf("by role = %+v", byRole)
	}

	if all := lib.List(); len(all) != 2 || all[0].TemplateID != "coder-v1" {
		t.Errorf("List = %+v, want 2 ordered by id", all)
	}
}

func TestLoadDir_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "good.json", `{"template_id": "ok-v1", "role": "coder"}`)
	writeTemplate(t, dir, "missing-role.json", `{"template_id": "bad-v1"}`)
	writeTemplate(t, dir, "typo-key.json", `{"template_id": "typo-v1", "role": "coder", "budgett": {}}`)
	writeTemplate(t, dir, "bad-git.json", `{"template_id": "git-v1", "role": "coder", "capabilities": {"git_push": "sometimes"}}`)

	lib, err := NewLibrary(nil)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	err = lib.LoadDir(dir)
	if err == nil {
		t.Fatal("expected joined validation errors")
	}

	// The valid template still loads.
	if _, err := lib.Get("ok-v1"); err != nil {
		t.Errorf("valid template missing: %v", err)
	}
	for _, id := range []string{"bad-v1", "typo-v1", "git-v1"} {
		if _, err := lib.Get(id); err == nil {
			t.Errorf("%s loaded despite invalid definition", id)
		}
	}
}

func TestGet_Unknown(t *testing.T) {
	lib, err := NewLibrary(nil)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	if _, err := lib.Get("ghost"); err == nil {
		t.Error("expected not-found error")
	}
}
