package apiclient

import "fmt"

// ErrorKind is the closed set of ways a ServiceClient operation can fail
// (spec §4.1, §7). A nil error means success.
type ErrorKind string

const (
	ErrorKindThrottled           ErrorKind = "THROTTLED"
	ErrorKindInternalServerError ErrorKind = "INTERNAL_SERVER_ERROR"
	ErrorKindAccessDenied        ErrorKind = "ACCESS_DENIED"
	ErrorKindValidationError     ErrorKind = "VALIDATION_ERROR"
	ErrorKindNotFound            ErrorKind = "NOT_FOUND"
	ErrorKindConflict            ErrorKind = "CONFLICT"
)

// ConflictReason further qualifies an ErrorKindConflict (spec §7).
type ConflictReason string

const (
	ConflictReasonStatusConflict        ConflictReason = "STATUS_CONFLICT"
	ConflictReasonConcurrentModification ConflictReason = "CONCURRENT_MODIFICATION"
	ConflictReasonAssociated            ConflictReason = "ASSOCIATED"
	ConflictReasonStopping              ConflictReason = "STOPPING"
	ConflictReasonNotCompatible         ConflictReason = "NOT_COMPATIBLE"
	ConflictReasonResourceAlreadyExists ConflictReason = "RESOURCE_ALREADY_EXISTS"
)

// Error is the error type every ServiceClient operation returns on
// failure. It implements the standard error interface and is compatible
// with errors.As.
type Error struct {
	Kind ErrorKind

	// Reason, ResourceID and Context are populated only when Kind is
	// ErrorKindConflict.
	Reason     ConflictReason
	ResourceID string
	Context    string

	// Op names the ServiceClient operation that failed, for logging.
	Op string

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrorKindConflict:
		return fmt.Sprintf("apiclient: %s: conflict(%s) resource=%s: %v", e.Op, e.Reason, e.ResourceID, e.Err)
	default:
		return fmt.Sprintf("apiclient: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the core's standard retry policy (spec §7)
// applies to this error: Throttled and InternalServerError retry with
// backoff; everything else requires a specific, kind-aware response from
// the caller.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrorKindThrottled, ErrorKindInternalServerError:
		return true
	default:
		return false
	}
}

// IsWorkerStatusConflict reports whether this is the STATUS_CONFLICT on
// the worker resource that indicates the service no longer considers the
// worker STARTED and the startup workflow must re-run (spec §4.5, §7).
func (e *Error) IsWorkerStatusConflict(workerResourceID string) bool {
	return e.Kind == ErrorKindConflict &&
		e.Reason == ConflictReasonStatusConflict &&
		e.ResourceID == workerResourceID
}
