package mantis

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the failure taxonomy of a scan run.
var (
	// ErrSessionExpired means the current session failed its liveness probe.
	// The throttle controller escalates it to a single-flight refresh.
	ErrSessionExpired = errors.New("session expired")

	// ErrAuthenticationFailed means a refresh could not produce a working
	// session. No progress is possible, so it is fatal to the whole run.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrPaginationLoop means a list page repeated an earlier page's
	// signature, which would otherwise enumerate forever.
	ErrPaginationLoop = errors.New("pagination loop detected")
)

// ParseError marks a single page or issue whose structure could not be
// understood. It is fatal for that item only.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.URL, e.Reason)
}

// StatusError carries a non-2xx HTTP response through error classification.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// PersistenceError marks a failed flush. It is fatal for the owning project's
// cursor but does not stop other projects.
type PersistenceError struct {
	PartitionKey string
	Err          error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist partition %s: %v", e.PartitionKey, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
