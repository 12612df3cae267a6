package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendergrid/workeragent/pkg/actionrunner"
	"github.com/rendergrid/workeragent/pkg/types"
)

type fakeEntities struct {
	data map[types.EntityKind][]byte
	errs map[types.EntityKind]error
}

func (f *fakeEntities) Get(ctx context.Context, ref types.EntityRef) ([]byte, error) {
	if err, ok := f.errs[ref.Kind]; ok {
		return nil, err
	}
	if d, ok := f.data[ref.Kind]; ok {
		return d, nil
	}
	return []byte("ok"), nil
}

type fakeBuilder struct{}

func (fakeBuilder) Build(sess types.Session, action *types.Action, entities map[types.EntityKind][]byte) (actionrunner.ActionSpec, error) {
	return actionrunner.ActionSpec{ActionID: action.ID, Command: "/bin/true"}, nil
}

type fakeHandle struct {
	resultCh chan actionrunner.Result
	canceled chan time.Duration
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{resultCh: make(chan actionrunner.Result, 1), canceled: make(chan time.Duration, 1)}
}

func (h *fakeHandle) Wait() <-chan actionrunner.Result { return h.resultCh }
func (h *fakeHandle) Cancel(grace time.Duration) {
	select {
	case h.canceled <- grace:
	default:
	}
}

// fakeRunner maps an action ID to a scripted Result delivered immediately,
// or to a manually-controlled handle for tests exercising Cancel.
type fakeRunner struct {
	results  map[string]actionrunner.Result
	startErr map[string]error
	handles  map[string]*fakeHandle
	started  []actionrunner.ActionSpec
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results:  make(map[string]actionrunner.Result),
		startErr: make(map[string]error),
		handles:  make(map[string]*fakeHandle),
	}
}

func (f *fakeRunner) Start(ctx context.Context, spec actionrunner.ActionSpec) (actionrunner.Handle, error) {
	f.started = append(f.started, spec)
	if err, ok := f.startErr[spec.ActionID]; ok {
		return nil, err
	}
	if h, ok := f.handles[spec.ActionID]; ok {
		return h, nil
	}
	h := newFakeHandle()
	res, ok := f.results[spec.ActionID]
	if !ok {
		code := 0
		res = actionrunner.Result{ExitCode: &code, Succeeded: true}
	}
	h.resultCh <- res
	return h, nil
}

type fakeCleanup struct {
	released []string
	removed  []string
	purged   []string
}

func (f *fakeCleanup) ReleaseQueueCredentials(queueID string) { f.released = append(f.released, queueID) }
func (f *fakeCleanup) RemoveSessionDir(sessionID string) error {
	f.removed = append(f.removed, sessionID)
	return nil
}
func (f *fakeCleanup) PurgeLog(sessionID string) { f.purged = append(f.purged, sessionID) }

func action(id string, kind types.ActionKind) *types.Action {
	return &types.Action{ID: id, Kind: kind, Status: types.ActionStatusQueued}
}

func newTestSession(t *testing.T, runner *fakeRunner, entities *fakeEntities, cleanup *fakeCleanup) *Session {
	t.Helper()
	return New(Config{
		Session:  types.Session{ID: "sess-1", QueueID: "queue-1", JobID: "job-1"},
		Runner:   runner,
		Entities: entities,
		Builder:  fakeBuilder{},
		Cleanup:  cleanup,
		Logger:   zerolog.Nop(),
	})
}

func collectUpdates(t *testing.T, s *Session, n int, timeout time.Duration) []ActionUpdate {
	t.Helper()
	var got []ActionUpdate
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case u := <-s.Updates():
			got = append(got, u)
		case <-deadline:
			t.Fatalf("timed out waiting for %d updates, got %d: %+v", n, len(got), got)
		}
	}
	return got
}

func TestSessionRunsSingleActionToSuccess(t *testing.T) {
	runner := newFakeRunner()
	entities := &fakeEntities{}
	s := newTestSession(t, runner, entities, &fakeCleanup{})
	s.Enqueue(action("a1", types.ActionKindSyncInputJobAttachments))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	updates := collectUpdates(t, s, 2, 2*time.Second)
	assert.Equal(t, types.ActionStatusRunning, updates[0].Status)
	assert.Equal(t, types.ActionStatusSucceeded, updates[1].Status)
	assert.False(t, updates[1].EndedAt.IsZero())
}

func TestRunActionAppendsCredentialEnvFromConfig(t *testing.T) {
	runner := newFakeRunner()
	s := New(Config{
		Session:       types.Session{ID: "sess-1", QueueID: "queue-1", JobID: "job-1"},
		Runner:        runner,
		Entities:      &fakeEntities{},
		Builder:       fakeBuilder{},
		Cleanup:       &fakeCleanup{},
		Logger:        zerolog.Nop(),
		CredentialEnv: []string{"AWS_CONFIG_FILE=/creds/queue-1/config", "AWS_PROFILE=queue-1"},
	})
	s.Enqueue(action("a1", types.ActionKindSyncInputJobAttachments))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	collectUpdates(t, s, 2, 2*time.Second)
	require.Len(t, runner.started, 1)
	assert.Contains(t, runner.started[0].Env, "AWS_CONFIG_FILE=/creds/queue-1/config")
	assert.Contains(t, runner.started[0].Env, "AWS_PROFILE=queue-1")
}

func TestTaskFailurePropagatesNeverAttemptedButEnvExitRuns(t *testing.T) {
	runner := newFakeRunner()
	code := 137
	runner.results["task1"] = actionrunner.Result{ExitCode: &code, Message: "nonzero exit"}

	s := newTestSession(t, runner, &fakeEntities{}, &fakeCleanup{})
	env1Enter := action("env1-enter", types.ActionKindEnvEnter)
	task1 := action("task1", types.ActionKindTaskRun)
	task2 := action("task2", types.ActionKindTaskRun)
	env1Exit := action("env1-exit", types.ActionKindEnvExit)
	env1Exit.EnvExitFor = env1Enter.ID
	s.Enqueue(env1Enter, task1, task2, env1Exit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	byID := make(map[string]ActionUpdate)
	deadline := time.After(3 * time.Second)
	for len(byID) < 4 || byID["task2"].Status == "" {
		select {
		case u := <-s.Updates():
			if u.Status.Terminal() {
				byID[u.ActionID] = u
			}
		case <-deadline:
			t.Fatalf("timed out, got %+v", byID)
		}
	}

	require.Contains(t, byID, "task2")
	assert.Equal(t, types.ActionStatusNeverAttempted, byID["task2"].Status)
	assert.True(t, byID["task2"].StartedAt.IsZero())
	assert.True(t, byID["task2"].EndedAt.IsZero())

	require.Contains(t, byID, "env1-exit")
	assert.Equal(t, types.ActionStatusSucceeded, byID["env1-exit"].Status)

	require.Contains(t, byID, "task1")
	assert.Equal(t, types.ActionStatusFailed, byID["task1"].Status)
	require.NotNil(t, byID["task1"].ProcessExitCode)
	assert.Equal(t, 137, *byID["task1"].ProcessExitCode)
}

func TestEnvEnterFailureKeepsItsOwnEnvExitQueued(t *testing.T) {
	runner := newFakeRunner()
	runner.results["env1-enter"] = actionrunner.Result{Message: "enter failed"}

	s := newTestSession(t, runner, &fakeEntities{}, &fakeCleanup{})
	env1Enter := action("env1-enter", types.ActionKindEnvEnter)
	task1 := action("task1", types.ActionKindTaskRun)
	env1Exit := action("env1-exit", types.ActionKindEnvExit)
	env1Exit.EnvExitFor = env1Enter.ID
	s.Enqueue(env1Enter, task1, env1Exit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	byID := make(map[string]ActionUpdate)
	deadline := time.After(3 * time.Second)
	for len(byID) < 3 {
		select {
		case u := <-s.Updates():
			if u.Status.Terminal() {
				byID[u.ActionID] = u
			}
		case <-deadline:
			t.Fatalf("timed out, got %+v", byID)
		}
	}

	assert.Equal(t, types.ActionStatusFailed, byID["env1-enter"].Status)
	assert.Equal(t, types.ActionStatusNeverAttempted, byID["task1"].Status)
	assert.Equal(t, types.ActionStatusSucceeded, byID["env1-exit"].Status)
}

func TestEnvExitFailureAffectsOnlyItself(t *testing.T) {
	runner := newFakeRunner()
	runner.results["env1-exit"] = actionrunner.Result{Message: "exit failed"}

	s := newTestSession(t, runner, &fakeEntities{}, &fakeCleanup{})
	env1Enter := action("env1-enter", types.ActionKindEnvEnter)
	env1Exit := action("env1-exit", types.ActionKindEnvExit)
	env1Exit.EnvExitFor = env1Enter.ID
	env2Exit := action("env2-exit", types.ActionKindEnvExit)
	env2Exit.EnvExitFor = "env2-enter-not-present"
	s.Enqueue(env1Enter, env1Exit, env2Exit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	byID := make(map[string]ActionUpdate)
	deadline := time.After(3 * time.Second)
	for len(byID) < 3 {
		select {
		case u := <-s.Updates():
			if u.Status.Terminal() {
				byID[u.ActionID] = u
			}
		case <-deadline:
			t.Fatalf("timed out, got %+v", byID)
		}
	}

	assert.Equal(t, types.ActionStatusFailed, byID["env1-exit"].Status)
	assert.Equal(t, types.ActionStatusSucceeded, byID["env2-exit"].Status)
}

func TestCancelQueuedActionBehindRunningReportsNeverAttempted(t *testing.T) {
	runner := newFakeRunner()
	running := newFakeHandle()
	runner.handles["task1"] = running

	s := newTestSession(t, runner, &fakeEntities{}, &fakeCleanup{})
	task1 := action("task1", types.ActionKindTaskRun)
	task2 := action("task2", types.ActionKindTaskRun)
	s.Enqueue(task1, task2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// wait for task1 to be reported Running
	collectUpdates(t, s, 1, 2*time.Second)

	s.Cancel("task2")

	// task2's NeverAttempted report must not arrive before task1's own
	// terminal status is known (spec §4.4/§5 ordering).
	select {
	case u := <-s.Updates():
		t.Fatalf("task2 reported before task1 finished: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}

	code := 0
	running.resultCh <- actionrunner.Result{ExitCode: &code, Succeeded: true}

	updates := collectUpdates(t, s, 2, 2*time.Second)
	assert.Equal(t, "task1", updates[0].ActionID)
	assert.Equal(t, types.ActionStatusSucceeded, updates[0].Status)
	assert.Equal(t, "task2", updates[1].ActionID)
	assert.Equal(t, types.ActionStatusNeverAttempted, updates[1].Status)
}

func TestCancelQueuedActionAloneReportsCanceled(t *testing.T) {
	runner := newFakeRunner()
	s := newTestSession(t, runner, &fakeEntities{}, &fakeCleanup{})

	// Enqueue directly without starting Run, so task1 is still Queued.
	task1 := action("task1", types.ActionKindTaskRun)
	s.Enqueue(task1)

	s.Cancel("task1")

	u := <-s.Updates()
	assert.Equal(t, types.ActionStatusCanceled, u.Status)
	assert.True(t, u.StartedAt.IsZero())
}

func TestRunningActionCancelIsReportedCanceledNotInterrupted(t *testing.T) {
	runner := newFakeRunner()
	h := newFakeHandle()
	runner.handles["task1"] = h

	s := newTestSession(t, runner, &fakeEntities{}, &fakeCleanup{})
	s.Enqueue(action("task1", types.ActionKindTaskRun))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	collectUpdates(t, s, 1, 2*time.Second) // Running

	s.Cancel("task1")

	select {
	case grace := <-h.canceled:
		assert.Equal(t, 30*time.Second, grace)
	case <-time.After(time.Second):
		t.Fatal("Cancel did not reach ActionRunner")
	}
	h.resultCh <- actionrunner.Result{Canceled: true, Message: "canceled"}

	u := <-s.Updates()
	assert.Equal(t, types.ActionStatusCanceled, u.Status)
}

func TestJobDetailsFetchFailureFailsTheNextAction(t *testing.T) {
	entities := &fakeEntities{errs: map[types.EntityKind]error{
		types.EntityKindJobDetails: fmt.Errorf("jobDetails unavailable"),
	}}
	runner := newFakeRunner()
	s := newTestSession(t, runner, entities, &fakeCleanup{})
	s.Enqueue(action("sync1", types.ActionKindSyncInputJobAttachments), action("task1", types.ActionKindTaskRun))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	byID := make(map[string]ActionUpdate)
	deadline := time.After(2 * time.Second)
	for len(byID) < 2 {
		select {
		case u := <-s.Updates():
			byID[u.ActionID] = u
		case <-deadline:
			t.Fatalf("timed out, got %+v", byID)
		}
	}

	assert.Equal(t, types.ActionStatusFailed, byID["sync1"].Status)
	assert.Equal(t, types.ActionStatusNeverAttempted, byID["task1"].Status)
}

func TestTeardownRunsRemainingEnvExitAndReleasesResources(t *testing.T) {
	runner := newFakeRunner()
	cleanup := &fakeCleanup{}
	s := newTestSession(t, runner, &fakeEntities{}, cleanup)

	env1Enter := action("env1-enter", types.ActionKindEnvEnter)
	env1Exit := action("env1-exit", types.ActionKindEnvExit)
	env1Exit.EnvExitFor = env1Enter.ID
	s.Enqueue(env1Enter, env1Exit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	collectUpdates(t, s, 2, 2*time.Second) // env1-enter Running, then Succeeded

	teardownCtx, tcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer tcancel()
	require.NoError(t, s.Teardown(teardownCtx))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Teardown")
	}

	assert.Equal(t, []string{"queue-1"}, cleanup.released)
	assert.Equal(t, []string{"sess-1"}, cleanup.removed)
	assert.Equal(t, []string{"sess-1"}, cleanup.purged)
}

func TestExpediteDrainReportsInterruptedAndNeverAttempted(t *testing.T) {
	runner := newFakeRunner()
	h := newFakeHandle()
	runner.handles["task1"] = h

	s := newTestSession(t, runner, &fakeEntities{}, &fakeCleanup{})
	task1 := action("task1", types.ActionKindTaskRun)
	task2 := action("task2", types.ActionKindTaskRun)
	s.Enqueue(task1, task2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	collectUpdates(t, s, 1, 2*time.Second) // task1 Running

	s.ExpediteDrain(time.Millisecond)

	select {
	case <-h.canceled:
	case <-time.After(time.Second):
		t.Fatal("ActionRunner was not asked to cancel")
	}
	h.resultCh <- actionrunner.Result{Canceled: true, Message: "interrupted"}

	byID := make(map[string]ActionUpdate)
	deadline := time.After(2 * time.Second)
	for len(byID) < 2 {
		select {
		case u := <-s.Updates():
			byID[u.ActionID] = u
		case <-deadline:
			t.Fatalf("timed out, got %+v", byID)
		}
	}

	assert.Equal(t, types.ActionStatusInterrupted, byID["task1"].Status)
	assert.Equal(t, types.ActionStatusNeverAttempted, byID["task2"].Status)
}
