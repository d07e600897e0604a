package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the fully validated runtime configuration produced by
// merging CLI flags and an optional YAML file: one or more
// TaskDefinitions plus the process-wide paths the scheduler needs.
type Config struct {
	Tasks     []*TaskDefinition
	StateFile string
	RepoDir   string
	PollOnce  bool
	HTTPAddr  string
}

// rawTaskGit is the "git:" block of a task in the YAML config file.
type rawTaskGit struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
}

// rawTask is the wire shape of one "tasks:" entry.
type rawTask struct {
	Name     string       `yaml:"name"`
	Git      rawTaskGit   `yaml:"git"`
	Interval Duration     `yaml:"interval"`
	Timeout  Duration     `yaml:"timeout"`
	Actions  []Action     `yaml:"actions"`
	Notify   []Notifier   `yaml:"notify"`
	RepoDir  string       `yaml:"repoDir"`

	GitHubApp struct {
		AppID          int64  `yaml:"appId"`
		PrivateKeyFile string `yaml:"privateKeyFile"`
	} `yaml:"githubApp"`
	GitHubStatusContext string `yaml:"githubStatusContext"`

	SSH struct {
		KeyFile        string `yaml:"keyFile"`
		KnownHostsFile string `yaml:"knownHostsFile"`
	} `yaml:"ssh"`
}

// rawFile is the top-level shape of the YAML config file.
type rawFile struct {
	Tasks []rawTask `yaml:"tasks"`
}

const (
	defaultStateFile = "./state.yaml"
	defaultRepoDir   = "./repos"
	defaultBranch    = "main"
	minInterval      = time.Second
	minTimeout       = time.Second
)

// Load parses args (excluding the program name, i.e. os.Args[1:]) into a
// validated Config. It enforces the CLI/config-file mutual exclusivity
// from spec.md §3: either a single ad-hoc task via --url/--action, xor a
// --config-file.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("kitops", flag.ContinueOnError)

	url := fs.String("url", "", "ad-hoc mode: git URL to watch")
	branch := fs.String("branch", defaultBranch, "ad-hoc mode: branch to watch")
	var actions stringSliceFlag
	fs.Var(&actions, "action", "ad-hoc mode: shell command to run (repeatable)")
	configFile := fs.String("config-file", "", "YAML file describing one or more tasks")
	stateFile := fs.String("state-file", defaultStateFile, "path to the state file")
	repoDir := fs.String("repo-dir", defaultRepoDir, "directory under which repositories are checked out")
	pollOnce := fs.Bool("poll-once", false, "examine every task once, run those due, then exit")
	interval := fs.String("interval", "60s", "ad-hoc mode: polling interval")
	timeout := fs.String("timeout", "10m", "ad-hoc mode: composite deadline for one run")
	httpAddr := fs.String("http-addr", "", "address for the /healthz and /metrics endpoints (disabled if empty)")
	githubAppID := fs.Int64("github-app-id", 0, "ad-hoc mode: GitHub App id for authentication")
	githubPrivateKeyFile := fs.String("github-private-key-file", "", "ad-hoc mode: PEM file for the GitHub App private key")
	githubStatusContext := fs.String("github-status-context", "", "ad-hoc mode: commit status context label")
	sshKeyFile := fs.String("ssh-key-file", "", "ad-hoc mode: PEM file for SSH authentication (falls back to ssh-agent if unset)")
	sshKnownHostsFile := fs.String("ssh-known-hosts-file", "", "ad-hoc mode: known_hosts file for SSH host key verification")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	hasURL := *url != ""
	hasConfigFile := *configFile != ""
	if hasURL && hasConfigFile {
		return nil, errors.New("--url and --config-file are mutually exclusive")
	}
	if !hasURL && !hasConfigFile {
		return nil, errors.New("one of --url or --config-file is required")
	}

	cfg := &Config{
		StateFile: *stateFile,
		RepoDir:   *repoDir,
		PollOnce:  *pollOnce,
		HTTPAddr:  *httpAddr,
	}

	if hasURL {
		var iv, to Duration
		if err := iv.Set(*interval); err != nil {
			return nil, err
		}
		if err := to.Set(*timeout); err != nil {
			return nil, err
		}
		if len(actions) == 0 {
			return nil, errors.New("ad-hoc mode requires at least one --action")
		}
		task := &TaskDefinition{
			Name:                "adhoc",
			GitURL:              *url,
			Branch:              *branch,
			RepoDir:             *repoDir,
			Interval:            iv,
			Timeout:             to,
			GitHubStatusContext: *githubStatusContext,
		}
		for _, a := range actions {
			task.Actions = append(task.Actions, Action{Shell: &ShellAction{Command: a}})
		}
		if *githubAppID != 0 {
			task.GitHubAuth = &GitHubAuth{AppID: *githubAppID, PrivateKeyFile: *githubPrivateKeyFile}
		}
		if *sshKeyFile != "" {
			task.GitSSHAuth = &GitSSHAuth{KeyFile: *sshKeyFile, KnownHostsFile: *sshKnownHostsFile}
		}
		task.ID = idFromName(task.Name)
		if err := validateTask(task); err != nil {
			return nil, err
		}
		cfg.Tasks = []*TaskDefinition{task}
		return cfg, nil
	}

	tasks, err := loadConfigFile(*configFile, *repoDir)
	if err != nil {
		return nil, err
	}
	cfg.Tasks = tasks
	return cfg, nil
}

// loadConfigFile reads and validates the YAML config file named by path.
func loadConfigFile(path, defaultRepoDir string) ([]*TaskDefinition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	var raw rawFile
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if len(raw.Tasks) == 0 {
		return nil, fmt.Errorf("config file %s defines no tasks", path)
	}

	seen := make(map[string]bool, len(raw.Tasks))
	tasks := make([]*TaskDefinition, 0, len(raw.Tasks))
	for i, rt := range raw.Tasks {
		branch := rt.Git.Branch
		if branch == "" {
			branch = defaultBranch
		}
		repoDir := rt.RepoDir
		if repoDir == "" {
			repoDir = defaultRepoDir
		}
		task := &TaskDefinition{
			Name:                rt.Name,
			GitURL:              rt.Git.URL,
			Branch:              branch,
			RepoDir:             repoDir,
			Interval:            rt.Interval,
			Timeout:             rt.Timeout,
			Actions:             rt.Actions,
			Notifiers:           rt.Notify,
			GitHubStatusContext: rt.GitHubStatusContext,
		}
		if rt.GitHubApp.AppID != 0 {
			task.GitHubAuth = &GitHubAuth{AppID: rt.GitHubApp.AppID, PrivateKeyFile: rt.GitHubApp.PrivateKeyFile}
		}
		if rt.SSH.KeyFile != "" {
			task.GitSSHAuth = &GitSSHAuth{KeyFile: rt.SSH.KeyFile, KnownHostsFile: rt.SSH.KnownHostsFile}
		}
		task.ID = idFromName(task.Name)
		if seen[task.ID] {
			return nil, fmt.Errorf("tasks[%d]: duplicate task id %q (from name %q)", i, task.ID, task.Name)
		}
		seen[task.ID] = true
		if err := validateTask(task); err != nil {
			return nil, fmt.Errorf("tasks[%d] (%s): %w", i, task.Name, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// validateTask enforces the TaskDefinition invariants from spec.md §3.
func validateTask(t *TaskDefinition) error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if t.GitURL == "" {
		return errors.New("git url is required")
	}
	if t.Interval.Duration() < minInterval {
		return fmt.Errorf("interval must be >= 1s, got %s", t.Interval)
	}
	if t.Timeout.Duration() < minTimeout {
		return fmt.Errorf("timeout must be >= 1s, got %s", t.Timeout)
	}
	if len(t.Actions) == 0 {
		return errors.New("at least one action is required")
	}
	for i, a := range t.Actions {
		if a.IsShell() && strings.TrimSpace(a.Shell.Command) == "" {
			return fmt.Errorf("actions[%d]: shell command is empty", i)
		}
		if a.Shell != nil && strings.Contains(a.Shell.WorkingSubdir, "..") {
			return fmt.Errorf("actions[%d]: workingSubdir must not contain \"..\"", i)
		}
	}
	return nil
}

// stringSliceFlag implements flag.Value for a repeatable string flag.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }
func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
