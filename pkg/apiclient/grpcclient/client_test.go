package grpcclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rendergrid/workeragent/pkg/apiclient"
)

func TestTranslateErrorWithEnvelope(t *testing.T) {
	env := errorEnvelope{
		Kind:       apiclient.ErrorKindConflict,
		Reason:     apiclient.ConflictReasonStatusConflict,
		ResourceID: "worker-1",
	}
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	grpcErr := status.Error(codes.FailedPrecondition, string(payload))

	apiErr := translateError("UpdateWorker", grpcErr)

	var translated *apiclient.Error
	require.ErrorAs(t, apiErr, &translated)
	assert.Equal(t, apiclient.ErrorKindConflict, translated.Kind)
	assert.Equal(t, apiclient.ConflictReasonStatusConflict, translated.Reason)
	assert.True(t, translated.IsWorkerStatusConflict("worker-1"))
}

func TestTranslateErrorWithoutEnvelopeFallsBackToCode(t *testing.T) {
	grpcErr := status.Error(codes.ResourceExhausted, "slow down")

	apiErr := translateError("UpdateWorkerSchedule", grpcErr)

	var translated *apiclient.Error
	require.ErrorAs(t, apiErr, &translated)
	assert.Equal(t, apiclient.ErrorKindThrottled, translated.Kind)
	assert.True(t, translated.Retryable())
}

func TestCodeToKind(t *testing.T) {
	assert.Equal(t, apiclient.ErrorKindNotFound, codeToKind(codes.NotFound))
	assert.Equal(t, apiclient.ErrorKindAccessDenied, codeToKind(codes.PermissionDenied))
	assert.Equal(t, apiclient.ErrorKindValidationError, codeToKind(codes.InvalidArgument))
}
