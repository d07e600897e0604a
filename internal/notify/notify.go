// Package notify implements the lifecycle notifiers from spec.md §4.5:
// log, github-status, and shell. Each is adapted to runner.Notifier and
// wrapped so a notifier failure is logged but never fails the task run.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/google/go-github/v31/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/bittrance/kitops/internal/config"
	"github.com/bittrance/kitops/internal/ghauth"
	"github.com/bittrance/kitops/internal/runner"
)

// githubClient builds a go-github client authenticated with a static
// bearer token, the same oauth2.StaticTokenSource idiom the corpus uses
// for both the GitHub App exchange and plain PAT access.
func githubClient(ctx context.Context, token string) *github.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// defaultTimeout bounds every notifier call independent of the task's
// composite deadline D (spec.md §4.3).
const defaultTimeout = 30 * time.Second

// TokenSource resolves the bearer token used for the github-status
// notifier's REST calls: either a static PAT or a GitHub App minter.
type TokenSource interface {
	Token(ctx context.Context, owner, repo string) (string, error)
}

// staticToken adapts a fixed personal access token to TokenSource.
type staticToken string

func (s staticToken) Token(context.Context, string, string) (string, error) { return string(s), nil }

// Build converts a task's configured notifiers into runner.Notifiers,
// defaulting to a static PAT (ghToken) unless the task carries its own
// GitHub App configuration (minted lazily via minterFor).
func Build(task *config.TaskDefinition, ghToken string, minterFor func(*config.GitHubAuth) (*ghauth.Minter, error)) ([]runner.Notifier, error) {
	out := make([]runner.Notifier, 0, len(task.Notifiers))
	for _, n := range task.Notifiers {
		switch n.Kind {
		case "log":
			out = append(out, timeoutWrap{logNotifier{}})
		case "github-status":
			var ts TokenSource
			if task.GitHubAuth != nil {
				minter, err := minterFor(task.GitHubAuth)
				if err != nil {
					return nil, fmt.Errorf("task %s: github-status notifier: %w", task.ID, err)
				}
				ts = minter
			} else {
				if ghToken == "" {
					return nil, fmt.Errorf("task %s: github-status notifier requires github_app or a static token", task.ID)
				}
				ts = staticToken(ghToken)
			}
			owner, repo, err := ownerRepo(task.GitURL)
			if err != nil {
				return nil, fmt.Errorf("task %s: github-status notifier: %w", task.ID, err)
			}
			statusContext := n.StatusContext
			if statusContext == "" {
				statusContext = "kitops"
			}
			out = append(out, timeoutWrap{&githubStatusNotifier{owner: owner, repo: repo, context: statusContext, tokens: ts}})
		case "shell":
			out = append(out, timeoutWrap{shellNotifier{command: n.Parameters["command"]}})
		default:
			return nil, fmt.Errorf("task %s: unknown notifier kind %q", task.ID, n.Kind)
		}
	}
	return out, nil
}

// timeoutWrap bounds a notifier call to defaultTimeout and swallows its
// error, logging instead (spec.md §4.3/§4.5: notifier failures are
// non-fatal).
type timeoutWrap struct {
	inner interface {
		notify(ctx context.Context, event runner.Event, task *config.TaskDefinition, ec runner.ExecutionContext, reason string) error
	}
}

func (t timeoutWrap) Notify(ctx context.Context, event runner.Event, task *config.TaskDefinition, ec runner.ExecutionContext, reason string) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := t.inner.notify(ctx, event, task, ec, reason); err != nil {
		logrus.WithFields(logrus.Fields{"task": task.ID, "event": event}).Warnf("notifier failed: %v", err)
	}
}

// logNotifier writes one structured line per lifecycle event; this is
// the one notifier whose output is meant to be grepped/parsed by humans
// or log pipelines, hence logrus rather than the rest of the agent's
// plain log.Printf lines.
type logNotifier struct{}

func (logNotifier) notify(_ context.Context, event runner.Event, task *config.TaskDefinition, ec runner.ExecutionContext, reason string) error {
	logrus.WithFields(logrus.Fields{
		"task":   task.ID,
		"event":  event,
		"commit": ec["KITOPS_SHA"],
		"reason": reason,
	}).Info("task lifecycle event")
	return nil
}

// githubStatusNotifier posts a commit status, mapping runner.Event to
// GitHub's {pending, success, failure} vocabulary.
type githubStatusNotifier struct {
	owner, repo, context string
	tokens               TokenSource
}

func (g *githubStatusNotifier) notify(ctx context.Context, event runner.Event, _ *config.TaskDefinition, ec runner.ExecutionContext, reason string) error {
	sha := ec["KITOPS_SHA"]
	if sha == "" {
		return fmt.Errorf("github-status: no commit sha in execution context")
	}
	token, err := g.tokens.Token(ctx, g.owner, g.repo)
	if err != nil {
		return fmt.Errorf("github-status: resolving token: %w", err)
	}
	client := githubClient(ctx, token)

	state, desc := statusState(event, reason)
	status := &github.RepoStatus{
		State:       github.String(state),
		Context:     github.String(g.context),
		Description: github.String(desc),
	}
	_, _, err = client.Repositories.CreateStatus(ctx, g.owner, g.repo, sha, status)
	if err != nil {
		return fmt.Errorf("github-status: creating status: %w", err)
	}
	return nil
}

func statusState(event runner.Event, reason string) (state, description string) {
	switch event {
	case runner.Started:
		return "pending", "kitops run in progress"
	case runner.Succeeded:
		return "success", "kitops run succeeded"
	default:
		if reason == "" {
			reason = "kitops run did not complete"
		}
		return "failure", reason
	}
}

// shellNotifier runs a fixed shell command with event fields injected as
// KITOPS_EVENT/KITOPS_REASON, independent of the task's own action chain
// (spec.md §4.5).
type shellNotifier struct {
	command string
}

func (s shellNotifier) notify(ctx context.Context, event runner.Event, task *config.TaskDefinition, ec runner.ExecutionContext, reason string) error {
	if s.command == "" {
		return fmt.Errorf("shell notifier: no command configured")
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.command)
	cmd.Dir = task.RepoDir
	env := make([]string, 0, len(ec)+2)
	for k, v := range ec {
		env = append(env, k+"="+v)
	}
	env = append(env, "KITOPS_EVENT="+string(event), "KITOPS_REASON="+reason)
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("shell notifier: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ownerRepo extracts "owner", "repo" from a GitHub HTTPS or SSH URL.
func ownerRepo(gitURL string) (owner, repo string, err error) {
	path := gitURL
	switch {
	case strings.HasPrefix(gitURL, "git@github.com:"):
		path = strings.TrimPrefix(gitURL, "git@github.com:")
	default:
		u, parseErr := url.Parse(gitURL)
		if parseErr != nil {
			return "", "", fmt.Errorf("parsing git url %q: %w", gitURL, parseErr)
		}
		path = strings.TrimPrefix(u.Path, "/")
	}
	path = strings.TrimSuffix(path, ".git")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("git url %q is not a github owner/repo url", gitURL)
	}
	return parts[0], parts[1], nil
}
