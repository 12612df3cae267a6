package types

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Worker is the logical identity of one host within the remote fleet.
// The ID is held in memory only and is not written to disk, so every start
// registers the worker anew through CreateWorker; Status reflects the
// worker's position in the lifecycle state machine (see
// pkg/scheduler.Lifecycle).
type Worker struct {
	ID       string
	FleetID  string
	FarmID   string
	Status   WorkerStatus
	Hostname string
}

// WorkerStatus is the worker's position in the lifecycle state machine.
type WorkerStatus string

const (
	WorkerStatusCreated  WorkerStatus = "CREATED"
	WorkerStatusStarting WorkerStatus = "STARTING"
	WorkerStatusStarted  WorkerStatus = "STARTED"
	WorkerStatusStopping WorkerStatus = "STOPPING"
	WorkerStatusStopped  WorkerStatus = "STOPPED"
	WorkerStatusDeleted  WorkerStatus = "DELETED"
)

// AgentCredentials is the worker's own fleet-scoped temporary credential
// set. Exactly one active instance exists after successful bootstrap; it is
// never exposed to job subprocesses.
type AgentCredentials struct {
	Credentials aws.Credentials
}

// Expired reports whether the credentials have already passed their expiry.
func (c AgentCredentials) Expired(now time.Time) bool {
	return c.Credentials.Expires.Before(now) || c.Credentials.Expires.Equal(now)
}

// QueueCredentials is a per-queue temporary credential set, exposed to job
// subprocesses through a credentials-process file and two AWS config files.
type QueueCredentials struct {
	QueueID     string
	Credentials aws.Credentials
}

// Expired reports whether the credentials have already passed their expiry.
func (c QueueCredentials) Expired(now time.Time) bool {
	return c.Credentials.Expires.Before(now) || c.Credentials.Expires.Equal(now)
}

// SessionState is the lifecycle state of a Session's pipeline.
type SessionState string

const (
	SessionStateRunning  SessionState = "RUNNING"
	SessionStateCleaning SessionState = "CLEANING"
	SessionStateDone     SessionState = "DONE"
)

// TerminalReason explains why a Session stopped accepting new taskRun or
// envEnter actions. The zero value (TerminalReasonNone) means the Session
// is still healthy.
type TerminalReason string

const (
	TerminalReasonNone     TerminalReason = ""
	TerminalReasonFailed   TerminalReason = "ACTION_FAILED"
	TerminalReasonCanceled TerminalReason = "ACTION_CANCELED"
)

// Session is a host-local execution context for an ordered pipeline of
// Actions belonging to one job of one queue. QueueID is immutable for the
// Session's lifetime (invariant 4, spec §8).
type Session struct {
	ID      string
	QueueID string
	JobID   string
	OSUser  string

	State          SessionState
	TerminalReason TerminalReason
}

// ActionKind identifies which variant of the Action tagged union a value
// holds. Exactly one of the kind-specific fields on Action is meaningful
// for a given Kind.
type ActionKind string

const (
	ActionKindSyncInputJobAttachments ActionKind = "syncInputJobAttachments"
	ActionKindEnvEnter                ActionKind = "envEnter"
	ActionKindTaskRun                 ActionKind = "taskRun"
	ActionKindEnvExit                 ActionKind = "envExit"
)

// ActionStatus is a node in the Action state machine. Transitions are
// monotone: Queued -> Running -> {Succeeded, Failed, Canceled, Interrupted},
// or Queued -> NeverAttempted.
type ActionStatus string

const (
	ActionStatusQueued         ActionStatus = "QUEUED"
	ActionStatusRunning        ActionStatus = "RUNNING"
	ActionStatusCanceling      ActionStatus = "CANCELING"
	ActionStatusSucceeded      ActionStatus = "SUCCEEDED"
	ActionStatusFailed         ActionStatus = "FAILED"
	ActionStatusCanceled       ActionStatus = "CANCELED"
	ActionStatusInterrupted    ActionStatus = "INTERRUPTED"
	ActionStatusNeverAttempted ActionStatus = "NEVER_ATTEMPTED"
)

// Terminal reports whether status is one from which no further transition
// is possible.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionStatusSucceeded, ActionStatusFailed, ActionStatusCanceled,
		ActionStatusInterrupted, ActionStatusNeverAttempted:
		return true
	default:
		return false
	}
}

// Unsuccessful reports whether status is a terminal status that triggers
// the failure-propagation rules of spec §4.4.
func (s ActionStatus) Unsuccessful() bool {
	switch s {
	case ActionStatusFailed, ActionStatusCanceled, ActionStatusInterrupted:
		return true
	default:
		return false
	}
}

// Action is a unit of work within a Session's pipeline: sync inputs,
// env-enter, task-run, or env-exit. Sessions index Actions by ID in an
// arena (map[string]*Action) rather than holding cyclic pointers, per the
// source-shape notes in spec §9.
type Action struct {
	ID        string
	SessionID string
	Kind      ActionKind

	// Kind-specific identifiers. Only the field(s) matching Kind are set.
	EnvID  string // EnvEnter, EnvExit
	StepID string // TaskRun
	TaskID string // TaskRun

	// EnvExitFor links an EnvExit action back to the EnvEnter it tears
	// down; empty for every other kind.
	EnvExitFor string

	Status          ActionStatus
	StartedAt       time.Time
	EndedAt         time.Time
	ProcessExitCode *int
	Progress        float64
	Message         string
}

// HasTimestamps reports whether the action has recorded a start/end time.
// NeverAttempted actions must never have either (invariant 1, spec §8).
func (a *Action) HasTimestamps() bool {
	return !a.StartedAt.IsZero() || !a.EndedAt.IsZero()
}

// EntityKind identifies which BatchGetJobEntity entity a request/response
// concerns (spec §6).
type EntityKind string

const (
	EntityKindJobDetails           EntityKind = "jobDetails"
	EntityKindJobAttachmentDetails EntityKind = "jobAttachmentDetails"
	EntityKindEnvironmentDetails   EntityKind = "environmentDetails"
	EntityKindStepDetails          EntityKind = "stepDetails"
)

// EntityRef identifies one entity to fetch via BatchGetJobEntity, scoped to
// a Session.
type EntityRef struct {
	Kind      EntityKind
	SessionID string
	JobID     string
	EnvID     string // EnvironmentDetails
	StepID    string // StepDetails
}

// AssignmentDelta is the diff derived from one UpdateWorkerSchedule
// response: sessions to create, actions to append to existing sessions,
// cancel targets, and the desired worker status. Consumed once by the
// scheduler, never persisted.
type AssignmentDelta struct {
	NewSessions         []*Session
	NewActionsBySession map[string][]*Action
	CancelActionIDs     []string
	DesiredWorkerStatus WorkerStatus
	UpdateInterval      time.Duration
	// SessionsGone lists session IDs present locally but absent from the
	// response's assigned_sessions: a service-initiated cancel of the
	// remainder of the Session (spec §4.5).
	SessionsGone []string
}
