// Package gitgw is the git gateway (spec.md §4.1): it opens or clones a
// repository under repo_dir, fetches a branch, resolves it to a commit
// SHA, and materializes a clean working tree at that SHA. Built on
// github.com/go-git/go-git/v5, the same library used for git access
// elsewhere in the corpus (ia-eknorr-stoker-operator, weaveworks-libgitops).
package gitgw

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	gogitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// Result is the outcome of FetchAndResolve: the resolved commit and the
// directory the checked-out working tree lives in.
type Result struct {
	Commit       string
	WorktreePath string
}

// RepoHandle owns one on-disk git store. Concurrent use by two tasks
// sharing a (repo_dir, git_url) pair is serialized by its mutex
// (spec.md §3, §9).
type RepoHandle struct {
	mu   sync.Mutex
	path string
	url  string
}

// Gateway is a registry of RepoHandles keyed by (canonical url, repo_dir).
// One process-wide Gateway is shared by every task.
type Gateway struct {
	mu      sync.Mutex
	handles map[string]*RepoHandle
}

// New creates an empty Gateway.
func New() *Gateway {
	return &Gateway{handles: map[string]*RepoHandle{}}
}

func registryKey(url, repoDir string) string {
	return repoDir + "\x00" + url
}

// handleFor returns the RepoHandle for (url, repoDir), creating it on
// first use and retaining it for the process lifetime (spec.md §3).
func (g *Gateway) handleFor(url, repoDir string) *RepoHandle {
	key := registryKey(url, repoDir)
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.handles[key]; ok {
		return h
	}
	h := &RepoHandle{
		url:  url,
		path: filepath.Join(repoDir, hashURL(url)),
	}
	g.handles[key] = h
	return h
}

func hashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:16]
}

// FetchAndResolve implements the git gateway contract from spec.md §4.1:
// ensure a repository exists at repo_dir/hash(url), fetch refs/heads/branch,
// resolve it to a SHA, and check out a clean working tree at that SHA.
func (g *Gateway) FetchAndResolve(ctx context.Context, url, repoDir, branch string, auth transport.AuthMethod) (Result, error) {
	h := g.handleFor(url, repoDir)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetchAndResolve(ctx, branch, auth)
}

func (h *RepoHandle) fetchAndResolve(ctx context.Context, branch string, auth transport.AuthMethod) (Result, error) {
	repo, err := h.openOrClone(ctx, auth)
	if err != nil {
		return Result{}, err
	}

	refSpec := gogitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch))
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gogitconfig.RefSpec{refSpec},
		Auth:       auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return Result{}, classify(err)
	}

	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Result{}, fmt.Errorf("branch %q: %w", branch, ErrRefNotFound)
		}
		return Result{}, fmt.Errorf("resolving branch %q: %w", branch, ErrIO)
	}
	sha := ref.Hash()

	wt, err := repo.Worktree()
	if err != nil {
		return Result{}, fmt.Errorf("opening worktree at %s: %w", h.path, ErrIO)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: sha, Force: true}); err != nil {
		return Result{}, fmt.Errorf("checking out %s: %w", sha, ErrIO)
	}
	if err := wt.Reset(&gogit.ResetOptions{Commit: sha, Mode: gogit.HardReset}); err != nil {
		return Result{}, fmt.Errorf("resetting worktree to %s: %w", sha, ErrIO)
	}

	return Result{Commit: sha.String(), WorktreePath: h.path}, nil
}

// openOrClone opens the repo at h.path, cloning it first if it doesn't
// exist yet (spec.md §4.1 step 1).
func (h *RepoHandle) openOrClone(ctx context.Context, auth transport.AuthMethod) (*gogit.Repository, error) {
	if _, err := os.Stat(filepath.Join(h.path, ".git")); err == nil {
		repo, err := gogit.PlainOpen(h.path)
		if err != nil {
			return nil, fmt.Errorf("opening repo at %s: %w", h.path, ErrIO)
		}
		if err := ensureRemoteURL(repo, h.url); err != nil {
			return nil, fmt.Errorf("updating origin remote: %w", ErrIO)
		}
		return repo, nil
	}

	if err := os.MkdirAll(h.path, 0o700); err != nil {
		return nil, fmt.Errorf("creating repo dir %s: %w", h.path, ErrIO)
	}
	repo, err := gogit.PlainInitWithOptions(h.path, &gogit.PlainInitOptions{Bare: false})
	if err != nil {
		return nil, fmt.Errorf("initializing repo at %s: %w", h.path, ErrIO)
	}
	if _, err := repo.CreateRemote(&gogitconfig.RemoteConfig{Name: "origin", URLs: []string{h.url}}); err != nil {
		return nil, fmt.Errorf("creating origin remote: %w", ErrIO)
	}
	return repo, nil
}

// ensureRemoteURL updates the origin remote if the configured git_url
// changed since the store was created.
func ensureRemoteURL(repo *gogit.Repository, desiredURL string) error {
	remote, err := repo.Remote("origin")
	if err != nil {
		return err
	}
	urls := remote.Config().URLs
	if len(urls) > 0 && urls[0] == desiredURL {
		return nil
	}
	if err := repo.DeleteRemote("origin"); err != nil {
		return err
	}
	_, err = repo.CreateRemote(&gogitconfig.RemoteConfig{Name: "origin", URLs: []string{desiredURL}})
	return err
}

// classify maps a go-git/transport error to one of the spec.md §4.1/§7
// error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, gogit.NoMatchingRefSpecError{}):
		return fmt.Errorf("%w: %v", ErrRefNotFound, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
