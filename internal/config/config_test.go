package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAdHocRequiresURLXorConfigFile(t *testing.T) {
	if _, err := Load([]string{}); err == nil {
		t.Fatal("expected error when neither --url nor --config-file is set")
	}
	if _, err := Load([]string{"-url", "git@example.com:o/r.git", "-config-file", "x.yml", "-action", "true"}); err == nil {
		t.Fatal("expected error when both --url and --config-file are set")
	}
}

func TestLoadAdHocMinimal(t *testing.T) {
	cfg, err := Load([]string{"-url", "git@example.com:o/r.git", "-action", "go test ./..."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(cfg.Tasks))
	}
	task := cfg.Tasks[0]
	if task.Branch != defaultBranch {
		t.Errorf("branch = %q, want %q", task.Branch, defaultBranch)
	}
	if task.ID != "adhoc" {
		t.Errorf("id = %q, want %q", task.ID, "adhoc")
	}
	if len(task.Actions) != 1 || !task.Actions[0].IsShell() {
		t.Fatalf("expected one shell action, got %+v", task.Actions)
	}
}

func TestLoadAdHocRequiresAction(t *testing.T) {
	if _, err := Load([]string{"-url", "git@example.com:o/r.git"}); err == nil {
		t.Fatal("expected error when ad-hoc mode has no --action")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "kitops.yml")
	body := `
tasks:
  - name: deploy-prod
    git:
      url: git@github.com:org/repo.git
      branch: main
    interval: 60s
    timeout: 10m
    actions:
      - shell: "./deploy.sh"
        timeout: 5m
    notify:
      - github-status:
          context: deploy/production
`
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load([]string{"-config-file", p})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(cfg.Tasks))
	}
	task := cfg.Tasks[0]
	if task.ID != "deploy-prod" {
		t.Errorf("id = %q, want deploy-prod", task.ID)
	}
	if task.Interval.Duration().String() != "1m0s" {
		t.Errorf("interval = %s", task.Interval)
	}
	if len(task.Notifiers) != 1 || task.Notifiers[0].Kind != "github-status" {
		t.Fatalf("notifiers = %+v", task.Notifiers)
	}
	if task.Notifiers[0].StatusContext != "deploy/production" {
		t.Errorf("status context = %q", task.Notifiers[0].StatusContext)
	}
}

func TestLoadConfigFileRejectsBareIntegerDuration(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "kitops.yml")
	body := `
tasks:
  - name: t
    git: {url: "git@example.com:o/r.git"}
    interval: 60
    timeout: 600
    actions:
      - shell: "true"
`
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load([]string{"-config-file", p}); err == nil {
		t.Fatal("expected error for bare integer duration")
	}
}

func TestValidateTaskRejectsEmptyActionChain(t *testing.T) {
	task := &TaskDefinition{Name: "t", GitURL: "git@example.com:o/r.git", Interval: Duration(minInterval), Timeout: Duration(minTimeout)}
	if err := validateTask(task); err == nil {
		t.Fatal("expected error for empty action chain")
	}
}

func TestValidateTaskRejectsEscapingWorkingSubdir(t *testing.T) {
	task := &TaskDefinition{
		Name: "t", GitURL: "git@example.com:o/r.git",
		Interval: Duration(minInterval), Timeout: Duration(minTimeout),
		Actions: []Action{{Shell: &ShellAction{Command: "true", WorkingSubdir: "../escape"}}},
	}
	if err := validateTask(task); err == nil {
		t.Fatal("expected error for working subdir escaping the worktree")
	}
}

func TestFingerprintChangesWithActionChain(t *testing.T) {
	t1 := &TaskDefinition{GitURL: "u", Branch: "main", Actions: []Action{{Shell: &ShellAction{Command: "a"}}}}
	t2 := &TaskDefinition{GitURL: "u", Branch: "main", Actions: []Action{{Shell: &ShellAction{Command: "b"}}}}
	if t1.Fingerprint() == t2.Fingerprint() {
		t.Fatal("expected different fingerprints for different action chains")
	}
}

func TestIDFromName(t *testing.T) {
	cases := map[string]string{
		"Deploy Prod":   "deploy-prod",
		"my/service_v2": "my-service-v2",
		"   ":           "task",
	}
	for in, want := range cases {
		if got := idFromName(in); got != want {
			t.Errorf("idFromName(%q) = %q, want %q", in, got, want)
		}
	}
}
