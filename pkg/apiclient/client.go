package apiclient

import (
	"context"
	"time"

	"github.com/rendergrid/workeragent/pkg/types"
)

// CredentialSource selects which credential set a ServiceClient
// implementation must sign a call with. A single call never mixes the
// two (spec §4.1).
type CredentialSource string

const (
	// CredentialSourceBootstrap is the long-lived credential set used for
	// CreateWorker, the first AssumeFleetRoleForWorker call, and any later
	// AssumeFleetRoleForWorker refresh made after the agent credentials
	// have expired.
	CredentialSourceBootstrap CredentialSource = "BOOTSTRAP"
	// CredentialSourceAgent is the worker's current AgentCredentials.
	CredentialSourceAgent CredentialSource = "AGENT"
)

// CreateWorkerInput is the input to CreateWorker.
type CreateWorkerInput struct {
	Source  CredentialSource
	FarmID  string
	FleetID string
}

// CreateWorkerOutput is the result of a successful CreateWorker call.
type CreateWorkerOutput struct {
	WorkerID string
}

// AssumeFleetRoleForWorkerInput is the input to AssumeFleetRoleForWorker.
type AssumeFleetRoleForWorkerInput struct {
	Source   CredentialSource
	FarmID   string
	FleetID  string
	WorkerID string
}

// AssumeQueueRoleForWorkerInput is the input to AssumeQueueRoleForWorker.
type AssumeQueueRoleForWorkerInput struct {
	Source   CredentialSource
	FarmID   string
	FleetID  string
	WorkerID string
	QueueID  string
}

// AssumeQueueRoleForWorkerOutput is the result of AssumeQueueRoleForWorker.
// Credentials is nil when the queue grants no per-queue role.
type AssumeQueueRoleForWorkerOutput struct {
	Credentials *types.QueueCredentials
}

// UpdateWorkerInput is the input to UpdateWorker.
type UpdateWorkerInput struct {
	Source       CredentialSource
	FarmID       string
	FleetID      string
	WorkerID     string
	TargetStatus types.WorkerStatus
}

// UpdateWorkerScheduleInput is the input to UpdateWorkerSchedule.
type UpdateWorkerScheduleInput struct {
	Source              CredentialSource
	FarmID              string
	FleetID             string
	WorkerID            string
	UpdatedSessionActions []SessionActionUpdate
}

// SessionActionUpdate is one outbound status update for an Action within a
// Session (spec §4.5 "Outgoing updates").
type SessionActionUpdate struct {
	SessionID       string
	ActionID        string
	Status          types.ActionStatus
	ProcessExitCode *int
	Progress        float64
	Message         string
}

// UpdateWorkerScheduleOutput is the result of UpdateWorkerSchedule.
type UpdateWorkerScheduleOutput struct {
	Delta          types.AssignmentDelta
	UpdateInterval time.Duration
}

// BatchGetJobEntityInput is the input to BatchGetJobEntity.
type BatchGetJobEntityInput struct {
	Source   CredentialSource
	FarmID   string
	FleetID  string
	WorkerID string
	Refs     []types.EntityRef
}

// EntityResult is one entity's result within a BatchGetJobEntity response.
// MaxPayloadSizeExceeded is a per-entity condition outside the closed
// ErrorKind taxonomy (spec §7): the caller re-queues the single entity
// into the next batch instead of treating it as a terminal error.
type EntityResult struct {
	Ref                    types.EntityRef
	Data                   []byte
	Err                    *Error
	MaxPayloadSizeExceeded bool
}

// BatchGetJobEntityOutput is the result of BatchGetJobEntity.
type BatchGetJobEntityOutput struct {
	Results []EntityResult
}

// DeleteWorkerInput is the input to DeleteWorker.
type DeleteWorkerInput struct {
	Source   CredentialSource
	FarmID   string
	FleetID  string
	WorkerID string
}

// ServiceClient is the worker agent's contract with the remote scheduling
// service (spec §4.1). Every operation returns either a typed success or
// an *Error drawn from the closed taxonomy in errors.go. Implementations
// must never mix CredentialSourceBootstrap and CredentialSourceAgent
// within one call.
type ServiceClient interface {
	CreateWorker(ctx context.Context, in CreateWorkerInput) (*CreateWorkerOutput, error)
	AssumeFleetRoleForWorker(ctx context.Context, in AssumeFleetRoleForWorkerInput) (*types.AgentCredentials, error)
	AssumeQueueRoleForWorker(ctx context.Context, in AssumeQueueRoleForWorkerInput) (*AssumeQueueRoleForWorkerOutput, error)
	UpdateWorker(ctx context.Context, in UpdateWorkerInput) error
	UpdateWorkerSchedule(ctx context.Context, in UpdateWorkerScheduleInput) (*UpdateWorkerScheduleOutput, error)
	BatchGetJobEntity(ctx context.Context, in BatchGetJobEntityInput) (*BatchGetJobEntityOutput, error)
	DeleteWorker(ctx context.Context, in DeleteWorkerInput) error
}
