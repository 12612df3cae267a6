package credentials

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendergrid/workeragent/pkg/apiclient/apiclienttest"
	"github.com/rendergrid/workeragent/pkg/log"
)

func TestQueueCredentialManagerAcquireRelease(t *testing.T) {
	fake := &apiclienttest.Fake{}
	mgr := NewQueueCredentialManager(fake, "farm-1", "fleet-1", "worker-1", t.TempDir(), log.Logger)

	paths1, err := mgr.Acquire(context.Background(), "queue-1")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.CallCount("AssumeQueueRoleForWorker"))

	_, err = os.Stat(paths1.JSONPath)
	assert.NoError(t, err)

	// second Session on the same queue reuses the existing credentials
	paths2, err := mgr.Acquire(context.Background(), "queue-1")
	require.NoError(t, err)
	assert.Equal(t, paths1, paths2)
	assert.Equal(t, 1, fake.CallCount("AssumeQueueRoleForWorker"))

	mgr.Release("queue-1")
	_, err = os.Stat(paths1.JSONPath)
	assert.NoError(t, err, "credentials survive while refcount > 0")

	mgr.Release("queue-1")
	_, err = os.Stat(paths1.Dir)
	assert.True(t, os.IsNotExist(err), "credentials purged once refcount reaches zero")
}

func TestQueueCredentialManagerSnapshotNilForUnknownQueue(t *testing.T) {
	fake := &apiclienttest.Fake{}
	mgr := NewQueueCredentialManager(fake, "farm-1", "fleet-1", "worker-1", t.TempDir(), log.Logger)

	assert.Nil(t, mgr.Snapshot("queue-unknown"))
}
