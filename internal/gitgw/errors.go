package gitgw

import "errors"

// Error kinds from spec.md §4.1/§7. Callers can tell them apart with
// errors.Is; the scheduler logs any fetch error alike and tries again at
// the task's next interval.
var (
	// ErrNetwork indicates a transport-level failure; retryable at the
	// next scheduler tick.
	ErrNetwork = errors.New("git: network error")
	// ErrAuth indicates the configured credentials were rejected.
	ErrAuth = errors.New("git: authentication failed")
	// ErrRefNotFound indicates the requested branch does not exist on
	// the remote. Fatal for this run.
	ErrRefNotFound = errors.New("git: ref not found")
	// ErrIO indicates a local filesystem failure (corrupt store, disk
	// full, permissions). Fatal for this run.
	ErrIO = errors.New("git: io error")
)
