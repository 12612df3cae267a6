package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendergrid/workeragent/pkg/apiclient"
	"github.com/rendergrid/workeragent/pkg/apiclient/apiclienttest"
	"github.com/rendergrid/workeragent/pkg/credentials"
	"github.com/rendergrid/workeragent/pkg/session"
	"github.com/rendergrid/workeragent/pkg/types"
)

type fakeSession struct {
	mu sync.Mutex

	queueID       string
	enqueued      []*types.Action
	canceled      []string
	teardownCalls int
	expedited     []time.Duration
	drainedGrace  []time.Duration
	exhausted     bool

	updates  chan session.ActionUpdate
	torndown chan struct{}
	tornOnce sync.Once
}

func newFakeSession(queueID string) *fakeSession {
	return &fakeSession{
		queueID:  queueID,
		updates:  make(chan session.ActionUpdate, 16),
		torndown: make(chan struct{}),
	}
}

func (f *fakeSession) Enqueue(actions ...*types.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, actions...)
}

func (f *fakeSession) Cancel(actionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, actionID)
}

func (f *fakeSession) Teardown(ctx context.Context) error {
	f.mu.Lock()
	f.teardownCalls++
	f.mu.Unlock()
	f.tornOnce.Do(func() {
		close(f.updates)
		close(f.torndown)
	})
	return nil
}

func (f *fakeSession) Updates() <-chan session.ActionUpdate { return f.updates }

func (f *fakeSession) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.torndown:
		return nil
	}
}

func (f *fakeSession) Exhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exhausted
}

func (f *fakeSession) QueueID() string { return f.queueID }

func (f *fakeSession) ExpediteDrain(minGrace time.Duration) {
	f.mu.Lock()
	f.expedited = append(f.expedited, minGrace)
	f.mu.Unlock()
}

func (f *fakeSession) DrainRegular(ctx context.Context, grace time.Duration) error {
	f.mu.Lock()
	f.drainedGrace = append(f.drainedGrace, grace)
	f.mu.Unlock()
	return nil
}

func newTestScheduler(t *testing.T, fake *apiclienttest.Fake) (*Scheduler, map[string]*fakeSession) {
	t.Helper()
	fakes := make(map[string]*fakeSession)
	var mu sync.Mutex

	cfg := Config{
		Client:  fake,
		FarmID:  "farm-1",
		FleetID: "fleet-1",
		Logger:  zerolog.Nop(),
		NewSession: func(sessDef types.Session) sessionRunner {
			fs := newFakeSession(sessDef.QueueID)
			mu.Lock()
			fakes[sessDef.ID] = fs
			mu.Unlock()
			return fs
		},
	}
	return New(cfg), fakes
}

func TestBootstrapHappyPath(t *testing.T) {
	fake := &apiclienttest.Fake{}
	s, _ := newTestScheduler(t, fake)
	s.cfg.CredentialsFactory = func(workerID string) WorkerScopedDeps {
		return WorkerScopedDeps{
			AgentCreds: credentials.NewAgentCredentialManager(fake, "farm-1", "fleet-1", workerID, zerolog.Nop()),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Bootstrap(ctx))
	assert.Equal(t, types.WorkerStatusStarted, s.Lifecycle().State())
	assert.Equal(t, "worker-fake", s.WorkerID())
	assert.Equal(t, 1, fake.CallCount("CreateWorker"))
	assert.Equal(t, 1, fake.CallCount("AssumeFleetRoleForWorker"))
	assert.Equal(t, 1, fake.CallCount("UpdateWorker"))
}

func TestBootstrapRetriesOnAssociatedConflict(t *testing.T) {
	fake := &apiclienttest.Fake{}
	calls := 0
	fake.UpdateWorkerFunc = func(ctx context.Context, in apiclient.UpdateWorkerInput) error {
		calls++
		if calls == 1 {
			return &apiclient.Error{Kind: apiclient.ErrorKindConflict, Reason: apiclient.ConflictReasonAssociated}
		}
		return nil
	}

	s, _ := newTestScheduler(t, fake)
	require.NoError(t, s.Bootstrap(context.Background()))
	assert.Equal(t, types.WorkerStatusStarted, s.Lifecycle().State())
	assert.GreaterOrEqual(t, calls, 2)
}

func TestBootstrapStopsThenRestartsOnStoppingConflict(t *testing.T) {
	fake := &apiclienttest.Fake{}
	calls := 0
	fake.UpdateWorkerFunc = func(ctx context.Context, in apiclient.UpdateWorkerInput) error {
		calls++
		if calls == 1 && in.TargetStatus == types.WorkerStatusStarted {
			return &apiclient.Error{Kind: apiclient.ErrorKindConflict, Reason: apiclient.ConflictReasonStopping}
		}
		return nil
	}

	s, _ := newTestScheduler(t, fake)
	require.NoError(t, s.Bootstrap(context.Background()))
	assert.Equal(t, types.WorkerStatusStarted, s.Lifecycle().State())

	var sawStopped bool
	for _, c := range fake.Calls {
		if c.Op == "UpdateWorker" && c.In.(apiclient.UpdateWorkerInput).TargetStatus == types.WorkerStatusStopped {
			sawStopped = true
		}
	}
	assert.True(t, sawStopped, "expected an UpdateWorker(STOPPED) call before retrying STARTED")
}

func TestBootstrapAbortsOnPermanentError(t *testing.T) {
	fake := &apiclienttest.Fake{}
	fake.UpdateWorkerFunc = func(ctx context.Context, in apiclient.UpdateWorkerInput) error {
		return &apiclient.Error{Kind: apiclient.ErrorKindValidationError}
	}

	s, _ := newTestScheduler(t, fake)
	err := s.Bootstrap(context.Background())
	assert.Error(t, err)
	assert.Equal(t, types.WorkerStatusStarting, s.Lifecycle().State())
}

func TestApplyDeltaStartsSessionsAndRoutesActions(t *testing.T) {
	fake := &apiclienttest.Fake{}
	s, fakes := newTestScheduler(t, fake)
	s.workerID = "worker-1"

	delta := types.AssignmentDelta{
		NewSessions: []*types.Session{
			{ID: "sess-1", QueueID: "queue-1"},
		},
	}
	s.applyDelta(context.Background(), delta)

	require.Contains(t, fakes, "sess-1")

	s.applyDelta(context.Background(), types.AssignmentDelta{
		NewActionsBySession: map[string][]*types.Action{
			"sess-1": {{ID: "action-1", Kind: types.ActionKindTaskRun}},
		},
	})
	assert.Len(t, fakes["sess-1"].enqueued, 1)

	s.applyDelta(context.Background(), types.AssignmentDelta{
		CancelActionIDs: []string{"action-1"},
	})
	assert.Contains(t, fakes["sess-1"].canceled, "action-1")

	s.applyDelta(context.Background(), types.AssignmentDelta{
		SessionsGone: []string{"sess-1"},
	})
	assert.Equal(t, 1, fakes["sess-1"].teardownCalls)
	assert.NotContains(t, s.sessionIDs(), "sess-1")
}

func TestApplyDeltaIgnoresDuplicateSession(t *testing.T) {
	fake := &apiclienttest.Fake{}
	s, fakes := newTestScheduler(t, fake)

	sessDef := &types.Session{ID: "sess-1", QueueID: "queue-1"}
	s.applyDelta(context.Background(), types.AssignmentDelta{NewSessions: []*types.Session{sessDef}})
	s.applyDelta(context.Background(), types.AssignmentDelta{NewSessions: []*types.Session{sessDef}})

	assert.Len(t, fakes, 1)
}

func TestRecordUpdateCoalescesRunningProgress(t *testing.T) {
	fake := &apiclienttest.Fake{}
	s, _ := newTestScheduler(t, fake)

	s.recordUpdate(session.ActionUpdate{ActionID: "a1", Status: types.ActionStatusRunning, Progress: 0.1})
	s.recordUpdate(session.ActionUpdate{ActionID: "a1", Status: types.ActionStatusRunning, Progress: 0.1})
	s.recordUpdate(session.ActionUpdate{ActionID: "a1", Status: types.ActionStatusRunning, Progress: 0.5})

	s.mu.Lock()
	n := len(s.pendingUpdates)
	s.mu.Unlock()
	assert.Equal(t, 2, n)
}

func TestRecordUpdateAlwaysKeepsTerminal(t *testing.T) {
	fake := &apiclienttest.Fake{}
	s, _ := newTestScheduler(t, fake)

	s.recordUpdate(session.ActionUpdate{ActionID: "a1", Status: types.ActionStatusFailed})

	s.mu.Lock()
	n := len(s.pendingUpdates)
	terminal := s.terminalSince
	s.mu.Unlock()
	assert.Equal(t, 1, n)
	assert.True(t, terminal)
}

func TestDrainRegularStopsWorkerAndTearsDownSessions(t *testing.T) {
	fake := &apiclienttest.Fake{}
	s, fakes := newTestScheduler(t, fake)
	s.workerID = "worker-1"
	require.NoError(t, s.lifecycle.Transition(EventRegistered))
	require.NoError(t, s.lifecycle.Transition(EventStartConfirmed))

	s.applyDelta(context.Background(), types.AssignmentDelta{
		NewSessions: []*types.Session{{ID: "sess-1", QueueID: "queue-1"}},
	})

	err := s.drain(context.Background(), ModeRegular)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusStopped, s.Lifecycle().State())
	assert.Len(t, fakes["sess-1"].drainedGrace, 1)

	var sawStopping, sawStopped bool
	for _, c := range fake.Calls {
		if c.Op != "UpdateWorker" {
			continue
		}
		switch c.In.(apiclient.UpdateWorkerInput).TargetStatus {
		case types.WorkerStatusStopping:
			sawStopping = true
		case types.WorkerStatusStopped:
			sawStopped = true
		}
	}
	assert.True(t, sawStopping)
	assert.True(t, sawStopped)
}

func TestDrainEscalatesToExpeditedWhenGraceBelowMinBudget(t *testing.T) {
	fake := &apiclienttest.Fake{}
	s, fakes := newTestScheduler(t, fake)
	s.cfg.RegularDrainGrace = 1 * time.Second
	s.cfg.MinDrainBudget = 10 * time.Second
	require.NoError(t, s.lifecycle.Transition(EventRegistered))
	require.NoError(t, s.lifecycle.Transition(EventStartConfirmed))

	s.applyDelta(context.Background(), types.AssignmentDelta{
		NewSessions: []*types.Session{{ID: "sess-1", QueueID: "queue-1"}},
	})

	require.NoError(t, s.drain(context.Background(), ModeRegular))
	assert.Len(t, fakes["sess-1"].expedited, 1)
	assert.Empty(t, fakes["sess-1"].drainedGrace)
}

func TestRunWakesSleepOnTerminalUpdateWithoutWaitingForPollInterval(t *testing.T) {
	fake := &apiclienttest.Fake{}
	fake.UpdateWorkerScheduleFunc = func(ctx context.Context, in apiclient.UpdateWorkerScheduleInput) (*apiclient.UpdateWorkerScheduleOutput, error) {
		return &apiclient.UpdateWorkerScheduleOutput{UpdateInterval: 5 * time.Second}, nil
	}
	s, fakes := newTestScheduler(t, fake)
	s.workerID = "worker-1"
	require.NoError(t, s.lifecycle.Transition(EventRegistered))
	require.NoError(t, s.lifecycle.Transition(EventStartConfirmed))

	s.applyDelta(context.Background(), types.AssignmentDelta{
		NewSessions: []*types.Session{{ID: "sess-1", QueueID: "queue-1"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return fake.CallCount("UpdateWorkerSchedule") >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected the initial poll")

	fakes["sess-1"].updates <- session.ActionUpdate{ActionID: "a1", Status: types.ActionStatusSucceeded}

	// With a 5s poll interval, a second poll arriving well within that
	// window proves the terminal update woke the sleep rather than the
	// loop waiting out the full interval (spec §4.5 trigger condition 3).
	require.Eventually(t, func() bool {
		return fake.CallCount("UpdateWorkerSchedule") >= 2
	}, time.Second, 10*time.Millisecond, "expected a second poll woken by the terminal update")
}

func TestDrainDeletesWorkerWhenConfigured(t *testing.T) {
	fake := &apiclienttest.Fake{}
	s, _ := newTestScheduler(t, fake)
	s.cfg.DeleteWorkerOnShutdown = true
	require.NoError(t, s.lifecycle.Transition(EventRegistered))
	require.NoError(t, s.lifecycle.Transition(EventStartConfirmed))

	require.NoError(t, s.drain(context.Background(), ModeExpedited))
	assert.Equal(t, types.WorkerStatusDeleted, s.Lifecycle().State())
	assert.Equal(t, 1, fake.CallCount("DeleteWorker"))
}
