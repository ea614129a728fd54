// Package errs defines the typed error taxonomy shared by every component
// in the fleet control plane, so HTTP handlers and job handlers can branch
// on error kind with errors.As instead of parsing messages.
package errs

import "fmt"

// ConfigError signals a missing or undecryptable required secret. Fatal at
// startup; surfaced as 400/500 at runtime depending on the call site.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("config error in %s", e.Op)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AuthError is a 401/403 from a target, or an LDAP bind failure. Reported
// distinctly from ConnectivityError so callers can guide the user.
type AuthError struct {
	Op     string
	Target string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s (%s): %v", e.Target, e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectivityError is a TCP/SSL/DNS/timeout failure reaching a target.
// Retryable at the handler's discretion.
type ConnectivityError struct {
	Op     string
	Target string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error reaching %s (%s): %v", e.Target, e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ProtocolError is a well-formed response that violates our expectations
// (an SCP task that completed with empty content, a vCenter sync with zero
// networks but nonzero hosts). These are warnings — they do not fail a job
// unless a downstream step truly cannot proceed without the missing data.
type ProtocolError struct {
	Op      string
	Details string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s: %s", e.Op, e.Details)
}

// SessionExpiredError is vCenter's NotAuthenticated fault. Call sites retry
// via the session manager's EnsureSession up to two times before giving up.
type SessionExpiredError struct {
	Op string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("vcenter session expired during %s", e.Op)
}

// StallError means an evacuation made no progress within stall_timeout
// despite headroom in the absolute timeout. Carries the blocker analysis.
type StallError struct {
	HostName string
	Blockers []string
}

func (e *StallError) Error() string {
	return fmt.Sprintf("evacuation of host %s stalled with %d blocking VM(s)", e.HostName, len(e.Blockers))
}

// ValidationError is malformed user input to the instant API. Always
// surfaced as 400 with a human-readable message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NotFoundError is a reference to an entity (server, vCenter host,
// replication target) that does not exist. Always surfaced as 404.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// CancelledError is an observed cancellation flag. Not a failure; it
// terminates the handler with its own terminal job status.
type CancelledError struct {
	JobID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("job %s was cancelled", e.JobID)
}
