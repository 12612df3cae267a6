package apiclienttest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendergrid/workeragent/pkg/apiclient"
	"github.com/rendergrid/workeragent/pkg/types"
)

func TestFakeCreateWorkerDefaultsToSuccess(t *testing.T) {
	f := &Fake{}

	out, err := f.CreateWorker(context.Background(), apiclient.CreateWorkerInput{
		Source:  apiclient.CredentialSourceBootstrap,
		FarmID:  "farm-1",
		FleetID: "fleet-1",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, out.WorkerID)
	assert.Equal(t, 1, f.CallCount("CreateWorker"))
}

func TestFakeOverrideFunc(t *testing.T) {
	f := &Fake{
		UpdateWorkerFunc: func(ctx context.Context, in apiclient.UpdateWorkerInput) error {
			return &apiclient.Error{Kind: apiclient.ErrorKindAccessDenied, Op: "UpdateWorker"}
		},
	}

	err := f.UpdateWorker(context.Background(), apiclient.UpdateWorkerInput{})
	require.Error(t, err)

	var apiErr *apiclient.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apiclient.ErrorKindAccessDenied, apiErr.Kind)
	assert.False(t, apiErr.Retryable())
}

func TestFakeBatchGetJobEntityEchoesRefs(t *testing.T) {
	f := &Fake{}

	refs := []types.EntityRef{
		{SessionID: "sess-1", JobID: "job-1"},
		{SessionID: "sess-1", JobID: "job-1", StepID: "step-1"},
	}
	out, err := f.BatchGetJobEntity(context.Background(), apiclient.BatchGetJobEntityInput{Refs: refs})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	for i, res := range out.Results {
		assert.Equal(t, refs[i], res.Ref)
		assert.Equal(t, []byte(`{}`), res.Data)
	}
}
