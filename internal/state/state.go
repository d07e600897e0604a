// Package state persists per-task progress (last successful commit and
// scheduling marks) across restarts. Saves are atomic: write to a sibling
// temp file, fsync, then rename over the target.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// TaskState is the persisted record for one task.
type TaskState struct {
	LastSuccessfulCommit string     `yaml:"last_successful_commit,omitempty"`
	LastAttemptAt        *time.Time `yaml:"last_attempt_at,omitempty"`
	NextRunNotBefore     *time.Time `yaml:"next_run_not_before,omitempty"`
	// Fingerprint is TaskDefinition.Fingerprint() as of the last successful
	// run. A mismatch on load means the task's config changed and its
	// commit should be treated as unseen.
	Fingerprint string `yaml:"fingerprint,omitempty"`
}

// file is the on-disk shape: task_id -> TaskState.
type file struct {
	Tasks map[string]*TaskState `yaml:"tasks"`
}

// Store is a loaded, mutable, file-backed TaskState map. All methods are
// safe for concurrent use: the scheduler is the sole owner, but a task's
// run completes on a worker goroutine.
type Store struct {
	path string
	mu   sync.Mutex
	data map[string]*TaskState
}

// Load reads path; a missing file yields an empty store (spec.md §4.6).
func Load(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]*TaskState{}}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	if f.Tasks != nil {
		s.data = f.Tasks
	}
	return s, nil
}

// Get returns a copy of the state for taskID, or a zero TaskState if
// absent. Entries for tasks no longer present in the current config are
// preserved on disk but otherwise inert (spec.md §3).
func (s *Store) Get(taskID string) TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.data[taskID]; ok {
		return *ts
	}
	return TaskState{}
}

// ResetIfFingerprintChanged clears the persisted commit for taskID when
// its fingerprint no longer matches what was recorded at the last
// successful run, implementing "changed task config overrides state
// loaded from disk" (spec.md §3, §8).
func (s *Store) ResetIfFingerprintChanged(taskID, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.data[taskID]
	if !ok || ts.Fingerprint == "" || ts.Fingerprint == fingerprint {
		return
	}
	s.data[taskID] = &TaskState{Fingerprint: fingerprint}
}

// RecordAttempt stamps last_attempt_at for taskID, creating the entry if
// necessary.
func (s *Store) RecordAttempt(taskID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.entry(taskID)
	ts.LastAttemptAt = &at
}

// RecordSuccess records a newly successful commit. It is the only path
// that advances LastSuccessfulCommit (spec.md §8 invariant).
func (s *Store) RecordSuccess(taskID, commit, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.entry(taskID)
	ts.LastSuccessfulCommit = commit
	ts.Fingerprint = fingerprint
	ts.NextRunNotBefore = nil
}

// RecordFailure sets next_run_not_before without touching the last
// successful commit (spec.md §4.4 backoff rule: no exponential backoff,
// retry at the next regular interval).
func (s *Store) RecordFailure(taskID string, nextRunNotBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.entry(taskID)
	ts.NextRunNotBefore = &nextRunNotBefore
}

// entry returns the TaskState for taskID, creating it if absent. Caller
// must hold s.mu.
func (s *Store) entry(taskID string) *TaskState {
	ts, ok := s.data[taskID]
	if !ok {
		ts = &TaskState{}
		s.data[taskID] = ts
	}
	return ts
}

// Save atomically persists the store: write to "<path>.tmp-<random>"
// (os.CreateTemp) in the same directory, fsync, then rename over path. Rename is atomic on
// POSIX; best-effort on Windows (spec.md §4.6).
func (s *Store) Save() error {
	s.mu.Lock()
	b, err := yaml.Marshal(file{Tasks: s.data})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming temp state file into place: %w", err)
	}
	return nil
}
