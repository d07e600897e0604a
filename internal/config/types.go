// Package config normalizes CLI flags and an optional YAML config file into
// a validated set of TaskDefinitions. It owns the merge/validation logic;
// the flag and YAML decoders themselves are treated as external
// collaborators, same as the teacher's gohci.yml loader.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GitHubAuth configures GitHub App based authentication for a task's git
// fetches and its github-status notifier.
type GitHubAuth struct {
	AppID          int64  `yaml:"appId"`
	PrivateKeyFile string `yaml:"privateKeyFile"`
}

// GitSSHAuth configures key-file based SSH authentication for a task's
// git fetches, as an alternative to deferring to the local ssh-agent.
type GitSSHAuth struct {
	KeyFile        string `yaml:"keyFile"`
	KnownHostsFile string `yaml:"knownHostsFile,omitempty"`
}

// ShellAction runs a command against the checked-out working tree.
type ShellAction struct {
	Command          string    `yaml:"shell"`
	WorkingSubdir    string    `yaml:"workingSubdir,omitempty"`
	PerActionTimeout *Duration `yaml:"timeout,omitempty"`
	EnvInherit       bool      `yaml:"envInherit,omitempty"`
}

// NotifyAction is a "notify:" entry in a task's actions list, naming a
// notifier kind such as "github-status" or "log". The runner does not
// execute it: a run that reaches a notify action fails at that index.
// Lifecycle notifiers are configured separately, under a task's "notify".
type NotifyAction struct {
	Kind       string            `yaml:"notify"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
}

// Action is exactly one of Shell or Notify. At least one action is
// required per task (enforced by validateTask).
type Action struct {
	Shell  *ShellAction  `yaml:"-"`
	Notify *NotifyAction `yaml:"-"`
}

// IsShell reports whether this action is a shell command.
func (a Action) IsShell() bool { return a.Shell != nil }

// rawAction is the wire shape of one entry in a task's "actions" list.
type rawAction struct {
	Shell         *string  `yaml:"shell"`
	WorkingSubdir string   `yaml:"workingSubdir"`
	Timeout       *Duration `yaml:"timeout"`
	EnvInherit    bool     `yaml:"envInherit"`

	Notify     *string           `yaml:"notify"`
	Parameters map[string]string `yaml:"parameters"`
}

// UnmarshalYAML implements yaml.Unmarshaler, dispatching on whether the
// entry carries a "shell" or a "notify" key.
func (a *Action) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw rawAction
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch {
	case raw.Shell != nil && raw.Notify != nil:
		return fmt.Errorf("action cannot be both shell and notify")
	case raw.Shell != nil:
		a.Shell = &ShellAction{
			Command:          *raw.Shell,
			WorkingSubdir:    raw.WorkingSubdir,
			PerActionTimeout: raw.Timeout,
			EnvInherit:       raw.EnvInherit,
		}
	case raw.Notify != nil:
		a.Notify = &NotifyAction{Kind: *raw.Notify, Parameters: raw.Parameters}
	default:
		return fmt.Errorf("action must set either \"shell\" or \"notify\"")
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler for the per-task "notify" list.
// Each entry is a single-key map, e.g. {github-status: {context: ...}}.
func (n *Notifier) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw map[string]map[string]string
	if err := unmarshal(&raw); err != nil {
		return fmt.Errorf("notifier entry must be a single-key map: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("notifier entry must have exactly one key, got %d", len(raw))
	}
	for kind, params := range raw {
		n.Kind = kind
		n.Parameters = params
		n.StatusContext = params["context"]
	}
	return nil
}

// Notifier describes a lifecycle notifier attached to a task, invoked on
// Started/Succeeded/Failed/Cancelled.
type Notifier struct {
	Kind          string            `yaml:"kind"`
	Parameters    map[string]string `yaml:"parameters,omitempty"`
	StatusContext string            `yaml:"context,omitempty"`
}

// TaskDefinition is an immutable, validated description of one watched
// repository and the action chain to run when it advances. Built once at
// startup and never mutated thereafter.
type TaskDefinition struct {
	ID       string
	Name     string
	GitURL   string
	Branch   string
	RepoDir  string
	Interval Duration
	Timeout  Duration
	Actions  []Action
	Notifiers []Notifier

	GitHubAuth           *GitHubAuth
	GitHubStatusContext  string
	GitSSHAuth           *GitSSHAuth
}

// Fingerprint returns a stable hash of the fields that, if changed,
// should reset persisted state for this task: git URL, branch, and the
// ordered action chain (spec.md §3, "changed task config overrides state
// loaded from disk").
func (t *TaskDefinition) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "url=%s\nbranch=%s\n", t.GitURL, t.Branch)
	for i, a := range t.Actions {
		if a.IsShell() {
			fmt.Fprintf(h, "action[%d]=shell:%s:%s:%v\n", i, a.Shell.Command, a.Shell.WorkingSubdir, a.Shell.EnvInherit)
		} else {
			fmt.Fprintf(h, "action[%d]=notify:%s:%v\n", i, a.Notify.Kind, a.Notify.Parameters)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// idFromName derives a stable task identifier from a human-given name:
// lowercase, every run of characters outside [a-z0-9] collapsed to one
// dash, leading and trailing dashes dropped, and "task" if nothing is
// left. A config-file task named "adhoc" gets the same id as the ad-hoc
// task; the two never coexist in one Config because ad-hoc mode and
// config-file mode are mutually exclusive.
func idFromName(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	s := strings.TrimRight(b.String(), "-")
	if s == "" {
		s = "task"
	}
	return s
}
