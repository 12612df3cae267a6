package apiclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendergrid/workeragent/pkg/apiclient"
	"github.com/rendergrid/workeragent/pkg/apiclient/apiclienttest"
)

func TestRetryingClientRetriesThrottled(t *testing.T) {
	fake := &apiclienttest.Fake{}
	attempts := 0
	fake.CreateWorkerFunc = func(ctx context.Context, in apiclient.CreateWorkerInput) (*apiclient.CreateWorkerOutput, error) {
		attempts++
		if attempts < 3 {
			return nil, &apiclient.Error{Kind: apiclient.ErrorKindThrottled, Op: "CreateWorker"}
		}
		return &apiclient.CreateWorkerOutput{WorkerID: "worker-1"}, nil
	}

	client := apiclient.NewRetryingClient(fake)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := client.CreateWorker(ctx, apiclient.CreateWorkerInput{})
	require.NoError(t, err)
	assert.Equal(t, "worker-1", out.WorkerID)
	assert.Equal(t, 3, attempts)
}

func TestRetryingClientDoesNotRetryValidationError(t *testing.T) {
	fake := &apiclienttest.Fake{}
	attempts := 0
	fake.CreateWorkerFunc = func(ctx context.Context, in apiclient.CreateWorkerInput) (*apiclient.CreateWorkerOutput, error) {
		attempts++
		return nil, &apiclient.Error{Kind: apiclient.ErrorKindValidationError, Op: "CreateWorker"}
	}

	client := apiclient.NewRetryingClient(fake)

	_, err := client.CreateWorker(context.Background(), apiclient.CreateWorkerInput{})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestErrorIsWorkerStatusConflict(t *testing.T) {
	err := &apiclient.Error{
		Kind:       apiclient.ErrorKindConflict,
		Reason:     apiclient.ConflictReasonStatusConflict,
		ResourceID: "worker-1",
	}

	assert.True(t, err.IsWorkerStatusConflict("worker-1"))
	assert.False(t, err.IsWorkerStatusConflict("worker-2"))
}
