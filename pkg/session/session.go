package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rendergrid/workeragent/pkg/actionrunner"
	"github.com/rendergrid/workeragent/pkg/events"
	"github.com/rendergrid/workeragent/pkg/types"
)

// EntityGetter resolves the entity details an Action needs before it can
// run. pkg/entitycache.Cache satisfies this.
type EntityGetter interface {
	Get(ctx context.Context, ref types.EntityRef) ([]byte, error)
}

// CommandBuilder turns an Action plus its resolved entity details into a
// subprocess spec. The concrete job-description schema is outside the
// core's scope (spec §1); production wires a real implementation, tests
// supply a fake.
type CommandBuilder interface {
	Build(session types.Session, action *types.Action, entities map[types.EntityKind][]byte) (actionrunner.ActionSpec, error)
}

// Cleanup performs the host-side effects of Session teardown.
type Cleanup interface {
	ReleaseQueueCredentials(queueID string)
	RemoveSessionDir(sessionID string) error
	PurgeLog(sessionID string)
}

// ActionUpdate is one reportable change to an Action's status, destined
// for the next outgoing updated_session_actions batch (spec §4.5).
type ActionUpdate struct {
	SessionID       string
	ActionID        string
	Kind            types.ActionKind
	Status          types.ActionStatus
	StartedAt       time.Time
	EndedAt         time.Time
	ProcessExitCode *int
	Progress        float64
	Message         string
}

// Config assembles a Session's dependencies.
type Config struct {
	Session        types.Session
	Runner         actionrunner.Runner
	Entities       EntityGetter
	Builder        CommandBuilder
	Cleanup        Cleanup
	Sink           events.Sink
	Logger         zerolog.Logger
	CancelGrace    time.Duration
	TeardownGrace  time.Duration
	RetainTempDirs bool
	// AbnormalExit, when true, skips temp-directory cleanup on teardown
	// (spec §4.4 "unless ... the agent is exiting abnormally").
	AbnormalExit bool
	UpdatesBuf   int
	// CredentialEnv holds the AWS_CONFIG_FILE/AWS_SHARED_CREDENTIALS_FILE/
	// AWS_PROFILE variables for this Session's queue credentials (spec §6),
	// appended to every ActionSpec's Env so job subprocesses can find them.
	CredentialEnv []string
}

type cancelRequest struct {
	actionID string
	grace    time.Duration
}

// Session runs one job's ordered Action pipeline. Only one Action executes
// at a time; Enqueue/Cancel/Teardown are safe to call concurrently with
// the running pipeline.
type Session struct {
	cfg Config

	mu      sync.Mutex
	actions map[string]*types.Action
	queue   []string

	state          types.SessionState
	terminalReason types.TerminalReason
	torndown       bool

	enqueueCh    chan struct{}
	teardownCh   chan struct{}
	doneCh       chan struct{}
	cancelSignal chan cancelRequest

	// interruptOverride marks an in-flight action whose eventual terminal
	// status must be reported Interrupted rather than Canceled, set by
	// ExpediteDrain (spec §4.5's expedited drain reports Running actions
	// as Interrupted, not Canceled).
	interruptOverride map[string]bool

	updates chan ActionUpdate

	// cancelBehindPending holds ids of Queued actions canceled while a
	// Running action sat ahead of them; their NeverAttempted report is
	// deferred until that Running action's own terminal status has been
	// emitted, preserving the ordering guarantee of spec §4.4/§5.
	cancelBehindPending map[string]bool

	group *errgroup.Group
}

// New constructs a Session ready to Run. Initial actions, if any, should
// be queued via Enqueue before or after Run starts.
func New(cfg Config) *Session {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 30 * time.Second
	}
	if cfg.TeardownGrace <= 0 {
		cfg.TeardownGrace = 60 * time.Second
	}
	if cfg.UpdatesBuf <= 0 {
		cfg.UpdatesBuf = 256
	}
	return &Session{
		cfg:                 cfg,
		actions:             make(map[string]*types.Action),
		state:               types.SessionStateRunning,
		enqueueCh:           make(chan struct{}, 1),
		teardownCh:          make(chan struct{}),
		doneCh:              make(chan struct{}),
		cancelSignal:        make(chan cancelRequest, 1),
		interruptOverride:   make(map[string]bool),
		cancelBehindPending: make(map[string]bool),
		updates:             make(chan ActionUpdate, cfg.UpdatesBuf),
	}
}

// ID returns the Session's identifier.
func (s *Session) ID() string { return s.cfg.Session.ID }

// Updates returns the channel the scheduler drains for reportable Action
// status changes.
func (s *Session) Updates() <-chan ActionUpdate { return s.updates }

// Run starts the pipeline and blocks until the Session is torn down or ctx
// is canceled.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error {
		return s.pipelineLoop(gctx)
	})

	return g.Wait()
}

// Enqueue appends Actions to the tail of the pipeline in order.
func (s *Session) Enqueue(actions ...*types.Action) {
	if len(actions) == 0 {
		return
	}
	s.mu.Lock()
	for _, a := range actions {
		if _, exists := s.actions[a.ID]; exists {
			continue
		}
		a.SessionID = s.cfg.Session.ID
		a.Status = types.ActionStatusQueued
		s.actions[a.ID] = a
		s.queue = append(s.queue, a.ID)
	}
	s.mu.Unlock()
	s.signalEnqueue()
}

func (s *Session) signalEnqueue() {
	select {
	case s.enqueueCh <- struct{}{}:
	default:
	}
}

// QueueID returns the Session's immutable queue.
func (s *Session) QueueID() string { return s.cfg.Session.QueueID }

// State reports the Session's current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TerminalReason reports why the Session stopped accepting new taskRun or
// envEnter actions, or TerminalReasonNone if it hasn't.
func (s *Session) TerminalReason() types.TerminalReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalReason
}

// Exhausted reports whether the Session has no more queued work (trigger
// condition 4 of the scheduler's main loop, spec §4.5).
func (s *Session) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// Cancel requests cancelation of one Action. Idempotent; a no-op against
// an already-terminal or unknown Action.
func (s *Session) Cancel(actionID string) {
	s.mu.Lock()
	action, ok := s.actions[actionID]
	if !ok || action.Status.Terminal() {
		s.mu.Unlock()
		return
	}

	if action.Status == types.ActionStatusRunning || action.Status == types.ActionStatusCanceling {
		action.Status = types.ActionStatusCanceling
		grace := s.cfg.CancelGrace
		s.mu.Unlock()
		select {
		case s.cancelSignal <- cancelRequest{actionID: actionID, grace: grace}:
		default:
		}
		return
	}

	// Still queued: a running action ahead of it means this is a
	// service-initiated cancel of work behind it, reported NeverAttempted
	// rather than Canceled (spec §4.4). That report must not jump ahead of
	// the running action's own terminal status (spec §4.4/§5 ordering), so
	// it is deferred until that action finishes.
	if s.hasRunningLocked() {
		s.cancelBehindPending[actionID] = true
	} else {
		s.finishLocked(action, types.ActionStatusCanceled, nil, "canceled before start")
	}
	s.mu.Unlock()
}

// ExpediteDrain implements the expedited-drain half of spec §4.5: every
// Queued action is immediately reported NeverAttempted, and the Running
// action (if any) is flagged so its eventual terminal report reads
// Interrupted rather than Canceled, while ActionRunner is asked to cancel
// it with minimal grace concurrently rather than being waited on.
func (s *Session) ExpediteDrain(minGrace time.Duration) {
	s.mu.Lock()
	pending := append([]string(nil), s.queue...)
	var runningID string
	for _, id := range pending {
		a := s.actions[id]
		if a.Status == types.ActionStatusRunning || a.Status == types.ActionStatusCanceling {
			s.interruptOverride[a.ID] = true
			a.Status = types.ActionStatusCanceling
			runningID = a.ID
			continue
		}
		s.finishLocked(a, types.ActionStatusNeverAttempted, nil, "expedited drain")
	}
	s.mu.Unlock()

	if runningID != "" {
		select {
		case s.cancelSignal <- cancelRequest{actionID: runningID, grace: minGrace}:
		default:
		}
	}
}

// DrainRegular implements the regular-drain half of spec §4.5: the Running
// action (if any) is canceled with a moderate grace, every other Queued
// non-envExit action is dropped immediately (NeverAttempted, or Canceled if
// nothing else is running ahead of it), and envExit actions are left queued
// to run normally. It then behaves exactly like Teardown: the remaining
// envExits run to completion (bounded by TeardownGrace) and resources are
// released before it returns.
func (s *Session) DrainRegular(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	pending := append([]string(nil), s.queue...)
	var runningID string
	for _, id := range pending {
		a := s.actions[id]
		if a.Kind == types.ActionKindEnvExit {
			continue
		}
		if a.Status == types.ActionStatusRunning || a.Status == types.ActionStatusCanceling {
			a.Status = types.ActionStatusCanceling
			runningID = a.ID
			continue
		}
		if s.hasRunningLocked() {
			s.finishLocked(a, types.ActionStatusNeverAttempted, nil, "regular drain")
		} else {
			s.finishLocked(a, types.ActionStatusCanceled, nil, "regular drain")
		}
	}
	s.mu.Unlock()

	if runningID != "" {
		select {
		case s.cancelSignal <- cancelRequest{actionID: runningID, grace: grace}:
		default:
		}
	}

	return s.Teardown(ctx)
}

// flushCancelBehindLocked reports NeverAttempted for any Queued action
// whose Cancel was deferred behind a Running action, now that nothing is
// Running ahead of it. Caller holds s.mu.
func (s *Session) flushCancelBehindLocked() {
	if len(s.cancelBehindPending) == 0 || s.hasRunningLocked() {
		return
	}
	for id := range s.cancelBehindPending {
		delete(s.cancelBehindPending, id)
		if a, ok := s.actions[id]; ok && !a.Status.Terminal() {
			s.finishLocked(a, types.ActionStatusNeverAttempted, nil, "")
		}
	}
}

func (s *Session) hasRunningLocked() bool {
	for _, id := range s.queue {
		a := s.actions[id]
		if a.Status == types.ActionStatusRunning || a.Status == types.ActionStatusCanceling {
			return true
		}
	}
	return false
}

// Teardown asks the Session to run any remaining permitted envExit
// actions and release its resources, then blocks until done or ctx is
// canceled.
func (s *Session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	if s.torndown {
		s.mu.Unlock()
	} else {
		s.torndown = true
		close(s.teardownCh)
		s.mu.Unlock()
	}

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) pipelineLoop(ctx context.Context) error {
	defer close(s.doneCh)

	for {
		s.mu.Lock()
		id, ok := s.nextQueuedLocked()
		s.mu.Unlock()

		if !ok {
			select {
			case <-s.enqueueCh:
				continue
			case <-s.teardownCh:
				return s.finalizeTeardown(ctx)
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s.mu.Lock()
		action := s.actions[id]
		s.mu.Unlock()

		if err := s.runAction(ctx, action); err != nil {
			return err
		}
	}
}

func (s *Session) nextQueuedLocked() (string, bool) {
	if len(s.queue) == 0 {
		return "", false
	}
	return s.queue[0], true
}

func (s *Session) runAction(ctx context.Context, action *types.Action) error {
	refs := entityRefsFor(s.cfg.Session, action)
	details := make(map[types.EntityKind][]byte, len(refs))
	for _, ref := range refs {
		data, err := s.cfg.Entities.Get(ctx, ref)
		if err != nil {
			s.mu.Lock()
			s.finishLocked(action, types.ActionStatusFailed, nil, fmt.Sprintf("could not resolve %s: %v", ref.Kind, err))
			s.flushCancelBehindLocked()
			s.mu.Unlock()
			return nil
		}
		details[ref.Kind] = data
	}

	spec, err := s.cfg.Builder.Build(s.cfg.Session, action, details)
	if err != nil {
		s.mu.Lock()
		s.finishLocked(action, types.ActionStatusFailed, nil, fmt.Sprintf("cannot run action: %v", err))
		s.flushCancelBehindLocked()
		s.mu.Unlock()
		return nil
	}
	spec.Env = append(spec.Env, s.cfg.CredentialEnv...)

	s.mu.Lock()
	action.Status = types.ActionStatusRunning
	action.StartedAt = time.Now()
	s.emitLocked(action)
	s.mu.Unlock()
	s.emitEvent(events.LevelInfo, events.TypeAction, events.SubtypeActionStarted, action, "")

	handle, err := s.cfg.Runner.Start(ctx, spec)
	if err != nil {
		s.mu.Lock()
		s.finishLocked(action, types.ActionStatusFailed, nil, fmt.Sprintf("spawn failed: %v", err))
		s.flushCancelBehindLocked()
		s.mu.Unlock()
		return nil
	}

	for {
		select {
		case res, open := <-handle.Wait():
			if !open {
				return nil
			}
			s.mu.Lock()
			status := statusFromResult(res)
			if s.interruptOverride[action.ID] {
				status = types.ActionStatusInterrupted
				delete(s.interruptOverride, action.ID)
			}
			s.finishLocked(action, status, res.ExitCode, res.Message)
			s.flushCancelBehindLocked()
			s.mu.Unlock()
			s.emitEvent(events.LevelInfo, events.TypeAction, events.SubtypeActionCompleted, action, res.Message)
			return nil

		case req := <-s.cancelSignal:
			if req.actionID != action.ID {
				continue
			}
			handle.Cancel(req.grace)

		case <-ctx.Done():
			handle.Cancel(s.cfg.CancelGrace)
		}
	}
}

func statusFromResult(res actionrunner.Result) types.ActionStatus {
	switch {
	case res.Succeeded:
		return types.ActionStatusSucceeded
	case res.Canceled:
		return types.ActionStatusCanceled
	default:
		return types.ActionStatusFailed
	}
}

// finishLocked applies a terminal status to action, reports it, removes it
// from the pending queue, and propagates failure to subsequent queued
// actions per spec §4.4. Caller holds s.mu.
func (s *Session) finishLocked(action *types.Action, status types.ActionStatus, exitCode *int, message string) {
	if action.Status.Terminal() {
		return
	}
	action.Status = status
	action.Message = message
	action.ProcessExitCode = exitCode
	if status != types.ActionStatusNeverAttempted {
		action.EndedAt = time.Now()
	}

	s.removeFromQueueLocked(action.ID)
	s.emitLocked(action)

	if status.Unsuccessful() && action.Kind != types.ActionKindEnvExit {
		s.propagateLocked()
		if s.terminalReason == types.TerminalReasonNone {
			if status == types.ActionStatusFailed {
				s.terminalReason = types.TerminalReasonFailed
			} else {
				s.terminalReason = types.TerminalReasonCanceled
			}
		}
	}
}

// propagateLocked marks every queued action NeverAttempted except envExit
// actions whose corresponding envEnter had already reached a terminal
// state before this propagation pass began. Caller holds s.mu.
func (s *Session) propagateLocked() {
	terminalEnvEnters := make(map[string]bool)
	for id, a := range s.actions {
		if a.Kind == types.ActionKindEnvEnter && a.Status.Terminal() {
			terminalEnvEnters[id] = true
		}
	}

	pending := append([]string(nil), s.queue...)
	for _, id := range pending {
		a := s.actions[id]
		if a.Kind == types.ActionKindEnvExit && terminalEnvEnters[a.EnvExitFor] {
			continue
		}
		s.finishLocked(a, types.ActionStatusNeverAttempted, nil, "")
	}
}

func (s *Session) removeFromQueueLocked(actionID string) {
	for i, id := range s.queue {
		if id == actionID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Session) emitLocked(action *types.Action) {
	update := ActionUpdate{
		SessionID:       s.cfg.Session.ID,
		ActionID:        action.ID,
		Kind:            action.Kind,
		Status:          action.Status,
		StartedAt:       action.StartedAt,
		EndedAt:         action.EndedAt,
		ProcessExitCode: action.ProcessExitCode,
		Progress:        action.Progress,
		Message:         action.Message,
	}
	select {
	case s.updates <- update:
	default:
		s.cfg.Logger.Warn().Str("action_id", action.ID).Msg("session updates channel full, dropping update")
	}
}

func (s *Session) emitEvent(level events.Level, typ events.Type, subtype events.Subtype, action *types.Action, message string) {
	if s.cfg.Sink == nil {
		return
	}
	s.cfg.Sink.Emit(events.Event{
		Level:       level,
		Type:        typ,
		Subtype:     subtype,
		QueueID:     s.cfg.Session.QueueID,
		JobID:       s.cfg.Session.JobID,
		SessionID:   s.cfg.Session.ID,
		ActionID:    action.ID,
		ProcessExit: action.ProcessExitCode,
		Message:     message,
	})
}

func (s *Session) finalizeTeardown(ctx context.Context) error {
	watchdogCtx, cancel := context.WithTimeout(ctx, s.cfg.TeardownGrace)
	defer cancel()

	for {
		s.mu.Lock()
		id, ok := s.nextQueuedLocked()
		s.mu.Unlock()
		if !ok {
			break
		}
		s.mu.Lock()
		action := s.actions[id]
		s.mu.Unlock()
		if err := s.runAction(watchdogCtx, action); err != nil {
			break
		}
		if watchdogCtx.Err() != nil {
			s.mu.Lock()
			s.drainRemainingAsNeverAttemptedLocked()
			s.mu.Unlock()
			break
		}
	}

	s.mu.Lock()
	s.state = types.SessionStateDone
	s.mu.Unlock()

	if s.cfg.Cleanup != nil {
		s.cfg.Cleanup.ReleaseQueueCredentials(s.cfg.Session.QueueID)
		s.cfg.Cleanup.PurgeLog(s.cfg.Session.ID)
		if !s.cfg.RetainTempDirs && !s.cfg.AbnormalExit {
			_ = s.cfg.Cleanup.RemoveSessionDir(s.cfg.Session.ID)
		}
	}

	s.emitEvent(events.LevelInfo, events.TypeSession, events.SubtypeSessionTornDown, &types.Action{}, "session torn down")
	return nil
}

func (s *Session) drainRemainingAsNeverAttemptedLocked() {
	pending := append([]string(nil), s.queue...)
	for _, id := range pending {
		s.finishLocked(s.actions[id], types.ActionStatusNeverAttempted, nil, "teardown grace expired")
	}
}

func entityRefsFor(sess types.Session, action *types.Action) []types.EntityRef {
	base := types.EntityRef{SessionID: sess.ID, JobID: sess.JobID}

	switch action.Kind {
	case types.ActionKindSyncInputJobAttachments:
		jd := base
		jd.Kind = types.EntityKindJobDetails
		jad := base
		jad.Kind = types.EntityKindJobAttachmentDetails
		return []types.EntityRef{jd, jad}

	case types.ActionKindEnvEnter, types.ActionKindEnvExit:
		ed := base
		ed.Kind = types.EntityKindEnvironmentDetails
		ed.EnvID = action.EnvID
		return []types.EntityRef{ed}

	case types.ActionKindTaskRun:
		jd := base
		jd.Kind = types.EntityKindJobDetails
		sd := base
		sd.Kind = types.EntityKindStepDetails
		sd.StepID = action.StepID
		return []types.EntityRef{jd, sd}

	default:
		return nil
	}
}
