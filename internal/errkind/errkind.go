// Package errkind defines the controller's domain error-kind taxonomy.
// Handlers and background loops attach a Kind to wrapped errors so callers
// can classify failures (retry, fail fast, escalate) without resorting to
// string matching on error messages.
package errkind

import "errors"

// Kind is an abstract category of failure, independent of which component
// produced it. The job engine, reconciler, and health monitor all branch on
// Kind rather than on a specific error type.
type Kind string

const (
	AgentUnavailable  Kind = "agent_unavailable"
	AgentRestart      Kind = "agent_restart"
	AgentOffline      Kind = "agent_offline"
	NetworkTimeout    Kind = "network_timeout"
	ConnectionRefused Kind = "connection_refused"
	JobTimeout        Kind = "job_timeout"
	JobNotFound       Kind = "job_not_found"
	JobCancelled      Kind = "job_cancelled"
	ImageNotFound     Kind = "image_not_found"
	ResourceNotFound  Kind = "resource_not_found"
	RaceCondition     Kind = "race_condition"
	InvalidState      Kind = "invalid_state"
	Internal          Kind = "internal_error"
	Configuration     Kind = "configuration_error"
)

// kindError pairs an underlying error with a Kind so errors.As can recover it
// through arbitrary fmt.Errorf("%w", ...) wrapping.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Wrap attaches kind to err. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Of returns the Kind attached to err via Wrap, and whether one was found by
// walking the Unwrap chain. Errors with no attached Kind report (Internal, false).
func Of(err error) (Kind, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return Internal, false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}

// Retryable reports whether a job-engine retry is worth attempting for this
// kind of failure. Permanent failures (not found, cancelled, configuration
// errors) are never retried.
func Retryable(kind Kind) bool {
	switch kind {
	case AgentUnavailable, AgentRestart, NetworkTimeout, ConnectionRefused, JobTimeout, RaceCondition:
		return true
	default:
		return false
	}
}
