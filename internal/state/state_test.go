package state

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Get("t1"); got.LastSuccessfulCommit != "" {
		t.Errorf("expected zero-value state, got %+v", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s.RecordSuccess("t1", "deadbeef", "fp1")
	s.RecordAttempt("t1", time.Now().UTC().Truncate(time.Second))
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := loaded.Get("t1")
	if got.LastSuccessfulCommit != "deadbeef" {
		t.Errorf("commit = %q, want deadbeef", got.LastSuccessfulCommit)
	}
	if got.Fingerprint != "fp1" {
		t.Errorf("fingerprint = %q, want fp1", got.Fingerprint)
	}
}

func TestRecordFailureDoesNotAdvanceCommit(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	s.RecordSuccess("t1", "A", "fp1")
	s.RecordFailure("t1", time.Now().Add(time.Minute))
	got := s.Get("t1")
	if got.LastSuccessfulCommit != "A" {
		t.Errorf("commit changed on failure: %q", got.LastSuccessfulCommit)
	}
	if got.NextRunNotBefore == nil {
		t.Error("expected next_run_not_before to be set")
	}
}

func TestResetIfFingerprintChanged(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	s.RecordSuccess("t1", "X", "fp-old")

	s.ResetIfFingerprintChanged("t1", "fp-old")
	if got := s.Get("t1"); got.LastSuccessfulCommit != "X" {
		t.Errorf("state reset despite unchanged fingerprint: %+v", got)
	}

	s.ResetIfFingerprintChanged("t1", "fp-new")
	got := s.Get("t1")
	if got.LastSuccessfulCommit != "" {
		t.Errorf("expected commit reset to empty, got %q", got.LastSuccessfulCommit)
	}
	if got.Fingerprint != "fp-new" {
		t.Errorf("expected fingerprint updated to fp-new, got %q", got.Fingerprint)
	}
}

func TestEntriesForUnknownTasksPreservedAndInert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s.RecordSuccess("gone", "Z", "fp")
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	// Never referenced again by a live task, but still present on disk.
	if got := loaded.Get("gone"); got.LastSuccessfulCommit != "Z" {
		t.Errorf("expected preserved entry, got %+v", got)
	}
}
