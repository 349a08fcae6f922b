// Package gwerrors defines the error taxonomy shared across the gateway.
//
// Errors are sentinel kinds wrapped with fmt.Errorf("...: %w", Kind), so
// callers use errors.Is against the exported Err* values rather than type
// assertions.
package gwerrors

import "errors"

// Kinds of errors the gateway surfaces to callers, per the error taxonomy.
var (
	// ErrValidation marks a malformed request, reported synchronously
	// before enqueue.
	ErrValidation = errors.New("validation error")

	// ErrModelUnavailable marks that no ready worker carries the
	// requested model at enqueue time.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrQueueFull marks that the queue depth limit was exceeded.
	ErrQueueFull = errors.New("queue full")

	// ErrDeadlineExpired marks that a job's absolute deadline was
	// reached, regardless of the job's state at the time.
	ErrDeadlineExpired = errors.New("deadline expired")

	// ErrWorkerLost marks that the worker holding a job transitioned to
	// lost liveness.
	ErrWorkerLost = errors.New("worker lost")

	// ErrTransportCorrupt marks a stream parse failure or a premature
	// close of the worker stream.
	ErrTransportCorrupt = errors.New("transport corrupt")

	// ErrWorkerReportedError marks that the worker returned an
	// application-level error response.
	ErrWorkerReportedError = errors.New("worker reported error")

	// ErrCancelled marks a client-initiated cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrUnknownWorker marks a heartbeat or reservation referencing a
	// worker id the registry does not know.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrStaleSession marks a heartbeat whose session token does not
	// match the worker's current registration.
	ErrStaleSession = errors.New("stale session")

	// ErrAddressConflict marks an attempt to re-register a known worker
	// id under a different network address.
	ErrAddressConflict = errors.New("address conflict")
)

// HTTPStatus maps an error kind to the HTTP status code the client-facing
// surface should return for it, per spec's error-surface table.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return 400
	case errors.Is(err, ErrModelUnavailable):
		return 404
	case errors.Is(err, ErrQueueFull):
		return 503
	case errors.Is(err, ErrDeadlineExpired):
		return 504
	case errors.Is(err, ErrWorkerLost), errors.Is(err, ErrTransportCorrupt), errors.Is(err, ErrWorkerReportedError):
		return 500
	case errors.Is(err, ErrCancelled):
		return 499
	default:
		return 500
	}
}

// Type is the OpenAI-style error type string for a given error kind.
func Type(err error) string {
	if errors.Is(err, ErrValidation) {
		return "invalid_request_error"
	}
	return "server_error"
}

// Code is the OpenAI-style error code string for a given error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrModelUnavailable):
		return "model_not_found"
	default:
		return "internal_error"
	}
}
