package grpcclient

import (
	"google.golang.org/grpc/codes"

	"github.com/rendergrid/workeragent/pkg/apiclient"
)

// codeToKind maps a bare gRPC status code to an apiclient.ErrorKind when
// the server did not attach a structured errorEnvelope. Conflict-shaped
// codes without an envelope are reported as ErrorKindConflict with an
// empty Reason rather than guessing a ConflictReason.
func codeToKind(code codes.Code) apiclient.ErrorKind {
	switch code {
	case codes.ResourceExhausted, codes.Unavailable:
		return apiclient.ErrorKindThrottled
	case codes.Internal, codes.DeadlineExceeded, codes.Unknown:
		return apiclient.ErrorKindInternalServerError
	case codes.PermissionDenied, codes.Unauthenticated:
		return apiclient.ErrorKindAccessDenied
	case codes.InvalidArgument:
		return apiclient.ErrorKindValidationError
	case codes.NotFound:
		return apiclient.ErrorKindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return apiclient.ErrorKindConflict
	default:
		return apiclient.ErrorKindInternalServerError
	}
}
