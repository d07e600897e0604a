// Package scheduler is the orchestrator (spec.md §4.4): it drives each
// task on its interval, fetches and compares against the last
// successful commit, runs the action chain when the branch has
// advanced, and persists state on success and at shutdown.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/bittrance/kitops/internal/config"
	"github.com/bittrance/kitops/internal/ghauth"
	"github.com/bittrance/kitops/internal/gitgw"
	"github.com/bittrance/kitops/internal/notify"
	"github.com/bittrance/kitops/internal/obs"
	"github.com/bittrance/kitops/internal/runner"
	"github.com/bittrance/kitops/internal/state"
)

// maxWorkers caps the bounded pool regardless of task count (spec.md
// §4.4: "a small bounded pool ... capped at 32").
const maxWorkers = 32

// taskRuntime bundles a TaskDefinition with its at-most-one-in-flight
// guard and its notifier chain (built once in New).
type taskRuntime struct {
	def       *config.TaskDefinition
	running   atomic.Bool
	notifiers []runner.Notifier
	declOrder int
}

// Scheduler drives a set of tasks against a shared Gateway, Minter cache
// and Store.
type Scheduler struct {
	tasks    []*taskRuntime
	gw       *gitgw.Gateway
	store    *state.Store
	sem      chan struct{}
	pollOnce bool
	metrics  *obs.Metrics

	ghMintersMu sync.Mutex
	ghMinters   map[string]*ghauth.Minter

	wg sync.WaitGroup
}

// New builds a Scheduler for tasks, wiring each task's notifier chain.
func New(tasks []*config.TaskDefinition, gw *gitgw.Gateway, store *state.Store, pollOnce bool) (*Scheduler, error) {
	workers := len(tasks)
	if workers == 0 {
		workers = 1
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	s := &Scheduler{
		gw:        gw,
		store:     store,
		sem:       make(chan struct{}, workers),
		pollOnce:  pollOnce,
		ghMinters: map[string]*ghauth.Minter{},
	}
	for i, def := range tasks {
		nfs, err := notify.Build(def, "", s.minterFor)
		if err != nil {
			return nil, err
		}
		s.tasks = append(s.tasks, &taskRuntime{def: def, notifiers: nfs, declOrder: i})
		store.ResetIfFingerprintChanged(def.ID, def.Fingerprint())
	}
	return s, nil
}

// SetMetrics attaches a Metrics instance; runs started before this is
// called are simply not observed. Optional: a nil *obs.Metrics disables
// instrumentation (every metrics access in this package is guarded by a
// nil check).
func (s *Scheduler) SetMetrics(m *obs.Metrics) {
	s.metrics = m
}

// minterFor returns the cached Minter for a GitHub App configuration,
// creating it on first use. Tasks that share an App ID + key file share
// one installation-token cache.
func (s *Scheduler) minterFor(auth *config.GitHubAuth) (*ghauth.Minter, error) {
	key := fmt.Sprintf("%d:%s", auth.AppID, auth.PrivateKeyFile)
	s.ghMintersMu.Lock()
	defer s.ghMintersMu.Unlock()
	if m, ok := s.ghMinters[key]; ok {
		return m, nil
	}
	m, err := ghauth.NewMinter(auth.AppID, auth.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	s.ghMinters[key] = m
	return m, nil
}

// fireItem is one entry in the scheduler's next-fire heap.
type fireItem struct {
	task *taskRuntime
	at   time.Time
}

type fireQueue []fireItem

func (q fireQueue) Len() int { return len(q) }
func (q fireQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].task.declOrder < q[j].task.declOrder
	}
	return q[i].at.Before(q[j].at)
}
func (q fireQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *fireQueue) Push(x interface{}) { *q = append(*q, x.(fireItem)) }
func (q *fireQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// nextFire implements spec.md §4.4's scheduling rule:
// max(last_attempt+interval, next_run_not_before, now).
func (s *Scheduler) nextFire(tr *taskRuntime, now time.Time) time.Time {
	st := s.store.Get(tr.def.ID)
	fire := now
	if st.LastAttemptAt != nil {
		byInterval := st.LastAttemptAt.Add(tr.def.Interval.Duration())
		if byInterval.After(fire) {
			fire = byInterval
		}
	}
	if st.NextRunNotBefore != nil && st.NextRunNotBefore.After(fire) {
		fire = *st.NextRunNotBefore
	}
	return fire
}

// Run drives the scheduler loop. In continuous mode it blocks until ctx
// is cancelled (SIGINT/SIGTERM); in poll-once mode it runs every due
// task once and returns. It returns the number of tasks whose last run
// in this invocation failed, for the caller's exit-code decision.
func (s *Scheduler) Run(ctx context.Context) (failures int, err error) {
	if s.pollOnce {
		return s.runPollOnce(ctx)
	}
	return s.runContinuous(ctx)
}

func (s *Scheduler) runPollOnce(ctx context.Context) (int, error) {
	now := time.Now()
	var failed int64
	for _, tr := range s.tasks {
		if !s.nextFire(tr, now).After(now) {
			s.runOne(ctx, tr, &failed)
		}
	}
	s.wg.Wait()
	return int(failed), nil
}

func (s *Scheduler) runContinuous(ctx context.Context) (int, error) {
	var failed int64
	q := &fireQueue{}
	heap.Init(q)
	now := time.Now()
	for _, tr := range s.tasks {
		heap.Push(q, fireItem{task: tr, at: s.nextFire(tr, now)})
	}

	for {
		if q.Len() == 0 {
			// No tasks configured; nothing to drive.
			<-ctx.Done()
			s.wg.Wait()
			return int(failed), nil
		}
		next := (*q)[0]
		timer := time.NewTimer(time.Until(next.at))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Print("shutting down: waiting for in-flight runs")
			s.wg.Wait()
			if err := s.store.Save(); err != nil {
				log.Printf("saving state on shutdown: %v", err)
			}
			return int(failed), nil
		case <-timer.C:
			heap.Pop(q)
			s.runOne(ctx, next.task, &failed)
			heap.Push(q, fireItem{task: next.task, at: s.nextFire(next.task, time.Now())})
		}
	}
}

// runOne dispatches one task's tick onto the bounded worker pool,
// skipping it if a previous run is still in flight (spec.md §4.4).
func (s *Scheduler) runOne(ctx context.Context, tr *taskRuntime, failed *int64) {
	if !tr.running.CompareAndSwap(false, true) {
		log.Printf("task %s: previous run still in flight, skipping tick", tr.def.ID)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer tr.running.Store(false)
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
		if s.metrics != nil {
			s.metrics.TasksInFlight.Inc()
			defer s.metrics.TasksInFlight.Dec()
		}
		if !s.runTask(ctx, tr) {
			atomic.AddInt64(failed, 1)
		}
	}()
}

// runTask implements one tick's fetch-and-compare and, if the branch
// has advanced, runs the action chain. Returns false on any outcome
// other than Success or "nothing to do".
func (s *Scheduler) runTask(ctx context.Context, tr *taskRuntime) bool {
	def := tr.def
	now := time.Now()
	s.store.RecordAttempt(def.ID, now)
	if s.metrics != nil {
		s.metrics.LastRunTimestamp.WithLabelValues(def.ID).Set(float64(now.Unix()))
	}

	auth, err := s.resolveAuth(def)
	if err != nil {
		log.Printf("task %s: resolving auth: %v", def.ID, err)
		s.observeFetch(def.ID, "error")
		s.store.RecordFailure(def.ID, now.Add(def.Interval.Duration()))
		return false
	}

	res, err := s.gw.FetchAndResolve(ctx, def.GitURL, def.RepoDir, def.Branch, auth)
	if err != nil {
		log.Printf("task %s: git fetch failed: %v", def.ID, err)
		s.observeFetch(def.ID, "error")
		s.store.RecordFailure(def.ID, now.Add(def.Interval.Duration()))
		return false
	}
	s.observeFetch(def.ID, "ok")

	st := s.store.Get(def.ID)
	if res.Commit == st.LastSuccessfulCommit {
		log.Printf("task %s: %s unchanged at %s, skipping", def.ID, def.Branch, res.Commit)
		return true
	}

	ec := runner.ExecutionContext{
		"KITOPS_SHA":      res.Commit,
		"KITOPS_BRANCH":   def.Branch,
		"KITOPS_REPO_URL": def.GitURL,
	}
	r := runner.New(tr.notifiers)
	runStart := time.Now()
	outcome := r.Run(ctx, def, res.WorktreePath, ec)
	s.observeRun(def.ID, runStart, outcome)
	if !outcome.Success {
		reason := outcome.Reason
		if outcome.Cancelled {
			reason = "cancelled: " + reason
		}
		log.Printf("task %s: run failed: %s", def.ID, reason)
		s.store.RecordFailure(def.ID, now.Add(def.Interval.Duration()))
		return false
	}

	s.store.RecordSuccess(def.ID, res.Commit, def.Fingerprint())
	if err := s.store.Save(); err != nil {
		log.Printf("task %s: saving state: %v", def.ID, err)
	}
	return true
}

func (s *Scheduler) observeFetch(taskID, result string) {
	if s.metrics != nil {
		s.metrics.GitFetchTotal.WithLabelValues(taskID, result).Inc()
	}
}

func (s *Scheduler) observeRun(taskID string, start time.Time, outcome runner.Outcome) {
	if s.metrics == nil {
		return
	}
	result := "success"
	switch {
	case outcome.Cancelled:
		result = "cancelled"
	case !outcome.Success:
		result = "failure"
	}
	s.metrics.TaskRunTotal.WithLabelValues(taskID, result).Inc()
	s.metrics.TaskRunDuration.WithLabelValues(taskID).Observe(time.Since(start).Seconds())
}

// resolveAuth picks the transport.AuthMethod for a task's git_url:
// GitHub App installation token when the task has GitHub App config,
// the configured SSH key file (or else ssh-agent) for ssh/git@ urls, or
// no auth otherwise.
func (s *Scheduler) resolveAuth(def *config.TaskDefinition) (transport.AuthMethod, error) {
	if def.GitHubAuth != nil {
		owner, repo, err := ownerRepoFromURL(def.GitURL)
		if err != nil {
			return nil, err
		}
		minter, err := s.minterFor(def.GitHubAuth)
		if err != nil {
			return nil, err
		}
		token, err := minter.Token(context.Background(), owner, repo)
		if err != nil {
			return nil, fmt.Errorf("minting github app token: %w", err)
		}
		return gitgw.TokenAuth(token), nil
	}
	if strings.HasPrefix(def.GitURL, "git@") || strings.HasPrefix(def.GitURL, "ssh://") {
		if def.GitSSHAuth != nil {
			return gitgw.SSHKeyAuth("git", def.GitSSHAuth.KeyFile, def.GitSSHAuth.KnownHostsFile)
		}
		return gitgw.SSHAgentAuth("git")
	}
	return nil, nil
}

func ownerRepoFromURL(gitURL string) (owner, repo string, err error) {
	path := gitURL
	if strings.HasPrefix(gitURL, "git@github.com:") {
		path = strings.TrimPrefix(gitURL, "git@github.com:")
	} else if i := strings.Index(gitURL, "github.com/"); i >= 0 {
		path = gitURL[i+len("github.com/"):]
	} else {
		return "", "", errors.New("git url is not a github.com url; cannot use github app auth")
	}
	path = strings.TrimSuffix(path, ".git")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("git url %q is not a github owner/repo url", gitURL)
	}
	return parts[0], parts[1], nil
}
