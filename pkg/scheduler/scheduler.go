package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/rendergrid/workeragent/pkg/actionrunner"
	"github.com/rendergrid/workeragent/pkg/apiclient"
	"github.com/rendergrid/workeragent/pkg/credentials"
	"github.com/rendergrid/workeragent/pkg/events"
	"github.com/rendergrid/workeragent/pkg/metrics"
	"github.com/rendergrid/workeragent/pkg/session"
	"github.com/rendergrid/workeragent/pkg/types"
)

// sessionRunner is the subset of *session.Session the Scheduler depends
// on, narrowed so tests can supply a fake in its place.
type sessionRunner interface {
	Enqueue(actions ...*types.Action)
	Cancel(actionID string)
	Teardown(ctx context.Context) error
	Updates() <-chan session.ActionUpdate
	Run(ctx context.Context) error
	Exhausted() bool
	QueueID() string
	ExpediteDrain(minGrace time.Duration)
	DrainRegular(ctx context.Context, grace time.Duration) error
}

var _ sessionRunner = (*session.Session)(nil)

// WorkerScopedDeps are the dependencies a Config.CredentialsFactory builds
// once a WorkerID exists.
type WorkerScopedDeps struct {
	AgentCreds *credentials.AgentCredentialManager
	QueueCreds *credentials.QueueCredentialManager
	Entities   session.EntityGetter
}

// Config assembles a Scheduler's dependencies and tuning knobs.
type Config struct {
	Client  apiclient.ServiceClient
	FarmID  string
	FleetID string

	AgentCreds *credentials.AgentCredentialManager
	QueueCreds *credentials.QueueCredentialManager

	// CredentialsFactory, if set, is called once Bootstrap has a confirmed
	// WorkerID, to construct the worker-scoped AgentCreds/QueueCreds/
	// Entities that could not exist before the service assigned that ID.
	// It overrides the two fields above and Entities below. Production
	// sets this; tests that never call Bootstrap for real can leave all
	// four nil.
	CredentialsFactory func(workerID string) WorkerScopedDeps

	Entities session.EntityGetter
	Runner   actionrunner.Runner
	Builder  session.CommandBuilder
	Cleanup  session.Cleanup

	Sink   events.Sink
	Logger zerolog.Logger

	DrainSources []DrainSource

	// NewSession builds a sessionRunner for a newly-assigned Session.
	// Tests override this to inject a fake; production leaves it nil and
	// gets a real *session.Session wired to the fields above via
	// SessionDeps.
	NewSession func(sess types.Session) sessionRunner

	CancelGrace            time.Duration
	RegularDrainGrace      time.Duration
	ExpeditedDrainGrace    time.Duration
	MinDrainBudget         time.Duration
	DefaultUpdateInterval  time.Duration
	DeleteWorkerOnShutdown bool
}

func (c *Config) setDefaults() {
	if c.CancelGrace <= 0 {
		c.CancelGrace = 30 * time.Second
	}
	if c.RegularDrainGrace <= 0 {
		c.RegularDrainGrace = 30 * time.Second
	}
	if c.ExpeditedDrainGrace <= 0 {
		c.ExpeditedDrainGrace = 2 * time.Second
	}
	if c.MinDrainBudget <= 0 {
		c.MinDrainBudget = 10 * time.Second
	}
	if c.DefaultUpdateInterval <= 0 {
		c.DefaultUpdateInterval = 5 * time.Second
	}
}

// Scheduler is the worker's top-level loop: it owns the Lifecycle, polls
// UpdateWorkerSchedule, diffs assignments into Session runtimes, collects
// their outgoing status updates, and drives drains (spec §4.5).
type Scheduler struct {
	cfg       Config
	lifecycle *Lifecycle
	logger    zerolog.Logger

	workerID string

	mu              sync.Mutex
	sessions        map[string]sessionRunner
	sessionCancel   map[string]context.CancelFunc
	sessionDone     map[string]chan struct{}
	terminalSince   bool
	updateInterval  time.Duration
	pendingUpdates  []apiclient.SessionActionUpdate
	reportedRunning map[string]apiclient.SessionActionUpdate

	wakeCh      chan struct{}
	updatesAggr chan session.ActionUpdate
}

// New constructs a Scheduler in the CREATED lifecycle state.
func New(cfg Config) *Scheduler {
	cfg.setDefaults()
	s := &Scheduler{
		cfg:             cfg,
		lifecycle:       NewLifecycle(),
		logger:          cfg.Logger,
		sessions:        make(map[string]sessionRunner),
		sessionCancel:   make(map[string]context.CancelFunc),
		sessionDone:     make(map[string]chan struct{}),
		reportedRunning: make(map[string]apiclient.SessionActionUpdate),
		wakeCh:          make(chan struct{}, 1),
		updatesAggr:     make(chan session.ActionUpdate, 256),
		updateInterval:  cfg.DefaultUpdateInterval,
	}
	if s.cfg.NewSession == nil {
		s.cfg.NewSession = s.defaultNewSession
	}
	return s
}

// defaultNewSession builds a real *session.Session wired to the
// Scheduler's shared Runner/Entities/Builder/Cleanup/Sink, acquiring the
// Session's queue credentials first so they are on disk before its
// ActionRunner starts. If Acquire fails, the error is logged and the
// Session is still built, with no credential environment; its Actions are
// not failed on that account.
func (s *Scheduler) defaultNewSession(sessDef types.Session) sessionRunner {
	var credEnv []string
	if s.cfg.QueueCreds != nil {
		paths, err := s.cfg.QueueCreds.Acquire(context.Background(), sessDef.QueueID)
		if err != nil {
			s.logger.Error().Err(err).Str("queue_id", sessDef.QueueID).Msg("failed to acquire queue credentials for session")
		} else {
			credEnv = paths.Env(sessDef.QueueID)
		}
	}
	return session.New(session.Config{
		Session:       sessDef,
		Runner:        s.cfg.Runner,
		Entities:      s.cfg.Entities,
		Builder:       s.cfg.Builder,
		Cleanup:       s.cfg.Cleanup,
		Sink:          s.cfg.Sink,
		Logger:        s.logger,
		CancelGrace:   s.cfg.CancelGrace,
		CredentialEnv: credEnv,
	})
}

// Lifecycle exposes the worker's state machine, mostly for observability
// and tests.
func (s *Scheduler) Lifecycle() *Lifecycle { return s.lifecycle }

// WorkerID returns the worker identity assigned by Bootstrap.
func (s *Scheduler) WorkerID() string { return s.workerID }

// Bootstrap registers the worker, acquires agent credentials, and
// confirms STARTED, applying the Conflict retry policy of spec §4.5/§7.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	out, err := s.cfg.Client.CreateWorker(ctx, apiclient.CreateWorkerInput{
		Source:  apiclient.CredentialSourceBootstrap,
		FarmID:  s.cfg.FarmID,
		FleetID: s.cfg.FleetID,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	s.workerID = out.WorkerID

	if err := s.lifecycle.Transition(EventRegistered); err != nil {
		return err
	}

	if s.cfg.CredentialsFactory != nil {
		deps := s.cfg.CredentialsFactory(s.workerID)
		s.cfg.AgentCreds = deps.AgentCreds
		s.cfg.QueueCreds = deps.QueueCreds
		s.cfg.Entities = deps.Entities
	}

	if s.cfg.AgentCreds != nil {
		if err := s.cfg.AgentCreds.Bootstrap(ctx); err != nil {
			return fmt.Errorf("assume fleet role: %w", err)
		}
		// Run drives the expiry-15min refresh timer (spec §4.2) for the
		// lifetime of ctx, which Bootstrap's caller keeps alive through Run.
		go s.cfg.AgentCreds.Run(ctx)
	}

	return s.confirmStarted(ctx)
}

// confirmStarted implements spec §4.5's UpdateWorker(STARTED) conflict
// policy: ASSOCIATED/CONCURRENT_MODIFICATION retry with backoff;
// STOPPING/NOT_COMPATIBLE require a successful UpdateWorker(STOPPED)
// before retrying STARTED.
func (s *Scheduler) confirmStarted(ctx context.Context) error {
	op := func() (struct{}, error) {
		err := s.updateWorker(ctx, types.WorkerStatusStarted)
		if err == nil {
			return struct{}{}, nil
		}

		var apiErr *apiclient.Error
		if errors.As(err, &apiErr) && apiErr.Kind == apiclient.ErrorKindConflict {
			switch apiErr.Reason {
			case apiclient.ConflictReasonAssociated, apiclient.ConflictReasonConcurrentModification:
				return struct{}{}, err
			case apiclient.ConflictReasonStopping, apiclient.ConflictReasonNotCompatible:
				if stopErr := s.updateWorker(ctx, types.WorkerStatusStopped); stopErr != nil {
					return struct{}{}, backoff.Permanent(fmt.Errorf("stop before restart: %w", stopErr))
				}
				return struct{}{}, err
			}
		}
		return struct{}{}, backoff.Permanent(err)
	}

	if _, err := backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewExponentialBackOff())); err != nil {
		return fmt.Errorf("confirm worker started: %w", err)
	}
	return s.lifecycle.Transition(EventStartConfirmed)
}

func (s *Scheduler) updateWorker(ctx context.Context, target types.WorkerStatus) error {
	return s.cfg.Client.UpdateWorker(ctx, apiclient.UpdateWorkerInput{
		Source:       apiclient.CredentialSourceAgent,
		FarmID:       s.cfg.FarmID,
		FleetID:      s.cfg.FleetID,
		WorkerID:     s.workerID,
		TargetStatus: target,
	})
}

// Run is the main loop of spec §4.5: it issues UpdateWorkerSchedule
// whenever triggered, applies the resulting AssignmentDelta, and drains on
// a DrainSource event. It returns when the worker reaches STOPPED (or
// ctx is canceled).
func (s *Scheduler) Run(ctx context.Context) error {
	drains := s.fanInDrains()

	// Trigger conditions 3 and 4 of spec §4.5 (a terminal Action, or a
	// Session running out of queued work) must interrupt the sleep below
	// as soon as they happen, not only when the next poll already drains
	// updatesAggr. This goroutine keeps recordUpdate (and the wakeLocked
	// it calls on a terminal status) running continuously for the
	// lifetime of Run.
	updatesCtx, stopUpdates := context.WithCancel(ctx)
	defer stopUpdates()
	go s.drainUpdatesLoop(updatesCtx)

	first := true
	intervalElapsed := false

	for {
		if s.lifecycle.State() != types.WorkerStatusStarted {
			return nil
		}

		select {
		case mode := <-drains:
			return s.drain(ctx, mode)
		default:
		}

		if first || intervalElapsed || s.shouldPoll() {
			first = false
			intervalElapsed = false
			gone, err := s.pollOnce(ctx)
			if err != nil {
				var apiErr *apiclient.Error
				if errors.As(err, &apiErr) && apiErr.IsWorkerStatusConflict(s.workerID) {
					if tErr := s.lifecycle.Transition(EventStatusConflict); tErr != nil {
						return tErr
					}
					// The worker already has an ID and agent credentials,
					// so only the STARTING -> STARTED step is repeated.
					if err := s.confirmStarted(ctx); err != nil {
						return err
					}
					continue
				}
				s.logger.Error().Err(err).Msg("update worker schedule failed")
			}
			if gone {
				return s.drain(ctx, ModeRegular)
			}
		}

		select {
		case <-time.After(s.sleepDuration()):
			intervalElapsed = true
		case <-s.wakeCh:
		case mode := <-drains:
			return s.drain(ctx, mode)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainUpdatesLoop continuously applies session updates to pendingUpdates
// as they arrive, rather than only when a poll or drain happens to call
// drainPendingUpdates, so a terminal status can wake Run's sleep select
// the moment it occurs.
func (s *Scheduler) drainUpdatesLoop(ctx context.Context) {
	for {
		select {
		case u := <-s.updatesAggr:
			s.recordUpdate(u)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) shouldPoll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalSince {
		return true
	}
	for _, sess := range s.sessions {
		if sess.Exhausted() {
			return true
		}
	}
	return false
}

func (s *Scheduler) sleepDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateInterval
}

// pollOnce issues one UpdateWorkerSchedule call, applies its delta, and
// reports whether the service directed a STOPPED shutdown with no
// remaining sessions.
func (s *Scheduler) pollOnce(ctx context.Context) (stopped bool, err error) {
	updates := s.drainPendingUpdates()

	timer := metrics.NewTimer()
	out, err := s.cfg.Client.UpdateWorkerSchedule(ctx, apiclient.UpdateWorkerScheduleInput{
		Source:                apiclient.CredentialSourceAgent,
		FarmID:                s.cfg.FarmID,
		FleetID:               s.cfg.FleetID,
		WorkerID:              s.workerID,
		UpdatedSessionActions: updates,
	})
	timer.ObserveDuration(metrics.PollLatency)
	metrics.PollCyclesTotal.Inc()
	if err != nil {
		metrics.PollErrorsTotal.Inc()
		s.mu.Lock()
		s.pendingUpdates = append(updates, s.pendingUpdates...)
		s.mu.Unlock()
		return false, err
	}

	s.mu.Lock()
	s.terminalSince = false
	if out.UpdateInterval > 0 {
		s.updateInterval = out.UpdateInterval
	}
	s.mu.Unlock()

	s.applyDelta(ctx, out.Delta)

	return out.Delta.DesiredWorkerStatus == types.WorkerStatusStopped && len(out.Delta.NewSessions) == 0 && len(s.sessionIDs()) == 0, nil
}

// ActiveSessionCount returns how many Session runtimes are currently
// assigned to this worker, for metrics collection.
func (s *Scheduler) ActiveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// LifecycleState returns the worker's current lifecycle state as a string,
// for metrics collection that should not need to import the Lifecycle type.
func (s *Scheduler) LifecycleState() string {
	return string(s.lifecycle.State())
}

func (s *Scheduler) sessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// applyDelta implements spec §4.5's assignment diffing.
func (s *Scheduler) applyDelta(ctx context.Context, delta types.AssignmentDelta) {
	for _, sess := range delta.NewSessions {
		s.startSession(ctx, *sess)
	}

	s.mu.Lock()
	for sessionID, actions := range delta.NewActionsBySession {
		if sess, ok := s.sessions[sessionID]; ok {
			sess.Enqueue(actions...)
		}
	}
	s.mu.Unlock()

	for _, actionID := range delta.CancelActionIDs {
		s.cancelAction(actionID)
	}

	for _, sessionID := range delta.SessionsGone {
		s.teardownSession(sessionID)
	}
}

func (s *Scheduler) cancelAction(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.Cancel(actionID)
	}
}

func (s *Scheduler) startSession(ctx context.Context, sessDef types.Session) {
	s.mu.Lock()
	if _, exists := s.sessions[sessDef.ID]; exists {
		s.mu.Unlock()
		return
	}
	newFn := s.cfg.NewSession
	s.mu.Unlock()

	runner := newFn(sessDef)

	sessCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.sessions[sessDef.ID] = runner
	s.sessionCancel[sessDef.ID] = cancel
	s.sessionDone[sessDef.ID] = done
	s.mu.Unlock()

	go s.forwardUpdates(runner)

	go func() {
		defer close(done)
		if err := runner.Run(sessCtx); err != nil && sessCtx.Err() == nil {
			s.logger.Error().Err(err).Str("session_id", sessDef.ID).Msg("session runtime exited")
		}
	}()

	s.emitEvent(events.SubtypeSessionStarted, sessDef.ID, sessDef.QueueID)
}

func (s *Scheduler) forwardUpdates(runner sessionRunner) {
	for u := range runner.Updates() {
		s.updatesAggr <- u
	}
}

func (s *Scheduler) teardownSession(sessionID string) {
	s.mu.Lock()
	runner, ok := s.sessions[sessionID]
	done := s.sessionDone[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RegularDrainGrace+s.cfg.MinDrainBudget)
	defer cancel()
	if err := runner.Teardown(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("session teardown did not complete cleanly")
	}

	if done != nil {
		<-done
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	delete(s.sessionCancel, sessionID)
	delete(s.sessionDone, sessionID)
	s.mu.Unlock()

	s.emitEvent(events.SubtypeSessionTornDown, sessionID, "")
}

// drainPendingUpdates returns and clears the updates recordUpdate has
// accumulated since the last call, coalescing Running progress/message
// updates and always keeping terminal transitions, per spec §4.5
// "Outgoing updates". recordUpdate itself is fed continuously by
// drainUpdatesLoop while Run is active.
func (s *Scheduler) drainPendingUpdates() []apiclient.SessionActionUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pendingUpdates
	s.pendingUpdates = nil
	return out
}

func (s *Scheduler) recordUpdate(u session.ActionUpdate) {
	out := apiclient.SessionActionUpdate{
		SessionID:       u.SessionID,
		ActionID:        u.ActionID,
		Status:          u.Status,
		ProcessExitCode: u.ProcessExitCode,
		Progress:        u.Progress,
		Message:         u.Message,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Status.Terminal() {
		s.terminalSince = true
		delete(s.reportedRunning, u.ActionID)
		s.pendingUpdates = append(s.pendingUpdates, out)
		metrics.ActionsCompletedTotal.WithLabelValues(string(u.Kind), string(u.Status)).Inc()
		if !u.StartedAt.IsZero() && !u.EndedAt.IsZero() {
			metrics.ActionDuration.WithLabelValues(string(u.Kind)).Observe(u.EndedAt.Sub(u.StartedAt).Seconds())
		}
		s.wakeLocked()
		return
	}

	if u.Status == types.ActionStatusRunning {
		if last, ok := s.reportedRunning[u.ActionID]; ok && last.Progress == u.Progress && last.Message == u.Message {
			return
		}
		s.reportedRunning[u.ActionID] = out
		s.pendingUpdates = append(s.pendingUpdates, out)
	}
}

func (s *Scheduler) wakeLocked() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) fanInDrains() <-chan Mode {
	out := make(chan Mode, 1)
	for _, src := range s.cfg.DrainSources {
		src := src
		go func() {
			for m := range src.Drains() {
				select {
				case out <- m:
				default:
				}
			}
		}()
	}
	return out
}

// drain implements spec §4.5's regular and expedited drain behaviors. A
// regular drain whose configured grace has fallen below MinDrainBudget
// escalates to expedited rather than risk running out of wall-clock time.
// A service-directed drain (desired_worker_status = STOPPED, detected in
// pollOnce) is handled as a regular drain: by the time the service reports
// it, assigned_sessions is already empty, so the session-draining step is
// naturally a no-op and the two converge.
func (s *Scheduler) drain(ctx context.Context, mode Mode) error {
	timer := metrics.NewTimer()

	if err := s.lifecycle.Transition(EventDrainRequested); err != nil {
		return err
	}

	if mode == ModeRegular && s.cfg.RegularDrainGrace < s.cfg.MinDrainBudget {
		mode = ModeExpedited
	}

	if err := s.updateWorker(ctx, types.WorkerStatusStopping); err != nil {
		s.logger.Warn().Err(err).Msg("update worker stopping failed during drain")
	}

	switch mode {
	case ModeExpedited:
		s.drainExpedited()
	default:
		s.drainRegular(ctx)
	}
	timer.ObserveDurationVec(metrics.DrainDuration, string(mode))

	updates := s.drainPendingUpdates()
	if _, err := s.cfg.Client.UpdateWorkerSchedule(ctx, apiclient.UpdateWorkerScheduleInput{
		Source:                apiclient.CredentialSourceAgent,
		FarmID:                s.cfg.FarmID,
		FleetID:               s.cfg.FleetID,
		WorkerID:              s.workerID,
		UpdatedSessionActions: updates,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("final update worker schedule flush failed during drain")
	}

	if err := s.updateWorker(ctx, types.WorkerStatusStopped); err != nil {
		return fmt.Errorf("update worker stopped: %w", err)
	}
	if err := s.lifecycle.Transition(EventStopConfirmed); err != nil {
		return err
	}

	if !s.cfg.DeleteWorkerOnShutdown {
		return nil
	}
	if err := s.cfg.Client.DeleteWorker(ctx, apiclient.DeleteWorkerInput{
		Source:   apiclient.CredentialSourceAgent,
		FarmID:   s.cfg.FarmID,
		FleetID:  s.cfg.FleetID,
		WorkerID: s.workerID,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("delete worker failed")
		return nil
	}
	return s.lifecycle.Transition(EventDeleteConfirmed)
}

// drainRegular cancels each session's in-flight work with RegularDrainGrace
// and lets queued envExits run to completion before releasing resources.
func (s *Scheduler) drainRegular(ctx context.Context) {
	sessions := s.snapshotSessions()
	var wg sync.WaitGroup
	for id, runner := range sessions {
		wg.Add(1)
		go func(id string, runner sessionRunner) {
			defer wg.Done()
			if err := runner.DrainRegular(ctx, s.cfg.RegularDrainGrace); err != nil {
				s.logger.Warn().Err(err).Str("session_id", id).Msg("session did not drain cleanly")
			}
		}(id, runner)
	}
	wg.Wait()
	s.forgetSessions(sessions)
}

// drainExpedited reports every session's in-flight work as Interrupted or
// NeverAttempted immediately and asks the runner to cancel with minimal
// grace, without waiting for the subprocess to actually exit.
func (s *Scheduler) drainExpedited() {
	sessions := s.snapshotSessions()
	var wg sync.WaitGroup
	for _, runner := range sessions {
		wg.Add(1)
		go func(runner sessionRunner) {
			defer wg.Done()
			runner.ExpediteDrain(s.cfg.ExpeditedDrainGrace)
		}(runner)
	}
	wg.Wait()
	s.forgetSessions(sessions)
}

func (s *Scheduler) snapshotSessions() map[string]sessionRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]sessionRunner, len(s.sessions))
	for id, r := range s.sessions {
		out[id] = r
	}
	return out
}

func (s *Scheduler) forgetSessions(sessions map[string]sessionRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range sessions {
		if cancel, ok := s.sessionCancel[id]; ok {
			cancel()
		}
		delete(s.sessions, id)
		delete(s.sessionCancel, id)
		delete(s.sessionDone, id)
	}
}

func (s *Scheduler) emitEvent(subtype events.Subtype, sessionID, queueID string) {
	if s.cfg.Sink == nil {
		return
	}
	s.cfg.Sink.Emit(events.Event{
		Level:     events.LevelInfo,
		Type:      events.TypeSession,
		Subtype:   subtype,
		WorkerID:  s.workerID,
		SessionID: sessionID,
		QueueID:   queueID,
	})
}
