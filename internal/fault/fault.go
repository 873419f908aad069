// Package fault defines the error taxonomy shared by the pipeline stages.
// Stages wrap these sentinels with fmt.Errorf("...: %w", ...) and callers
// classify with errors.Is.
package fault

import "errors"

var (
	// ErrConfigInvalid indicates a deployment configuration that violates a
	// local invariant. Never retried; rejected before any remote call.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrStateLockUnavailable indicates another run holds the state lease.
	ErrStateLockUnavailable = errors.New("state lock unavailable")

	// ErrPlatformTransient indicates a transient platform failure
	// (rate limiting, eventual-consistency lag). Retried with backoff.
	ErrPlatformTransient = errors.New("platform transient failure")

	// ErrAuthorization indicates an authorization or quota failure.
	// Fatal, surfaced immediately, never retried.
	ErrAuthorization = errors.New("authorization failure")

	// ErrRegistryUnavailable indicates the image registry could not be
	// reached. Retried with backoff.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrTemplateInvalid indicates the deployment template could not be
	// rendered with the supplied values. Local, fatal.
	ErrTemplateInvalid = errors.New("template invalid")

	// ErrRolloutTimedOut indicates a rollout that did not reach a terminal
	// state within its deadline. Distinct from a failed rollout: the workload
	// may still be converging.
	ErrRolloutTimedOut = errors.New("rollout timed out")
)

// Retryable reports whether err may be retried with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrPlatformTransient) ||
		errors.Is(err, ErrRegistryUnavailable) ||
		errors.Is(err, ErrStateLockUnavailable)
}

// Fatal reports whether err must abort the run immediately.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfigInvalid) ||
		errors.Is(err, ErrAuthorization) ||
		errors.Is(err, ErrTemplateInvalid)
}
