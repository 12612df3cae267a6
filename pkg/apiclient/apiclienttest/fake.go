// Package apiclienttest provides an in-memory fake of apiclient.ServiceClient
// so C2-C5 packages can be tested without a real transport.
package apiclienttest

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/rendergrid/workeragent/pkg/apiclient"
	"github.com/rendergrid/workeragent/pkg/types"
)

// Fake is an in-memory apiclient.ServiceClient. Each operation's behavior
// is driven by a caller-settable func field defaulting to a reasonable
// success response; callers override the fields they need to exercise
// specific error paths.
type Fake struct {
	mu sync.Mutex

	CreateWorkerFunc             func(ctx context.Context, in apiclient.CreateWorkerInput) (*apiclient.CreateWorkerOutput, error)
	AssumeFleetRoleForWorkerFunc func(ctx context.Context, in apiclient.AssumeFleetRoleForWorkerInput) (*types.AgentCredentials, error)
	AssumeQueueRoleForWorkerFunc func(ctx context.Context, in apiclient.AssumeQueueRoleForWorkerInput) (*apiclient.AssumeQueueRoleForWorkerOutput, error)
	UpdateWorkerFunc             func(ctx context.Context, in apiclient.UpdateWorkerInput) error
	UpdateWorkerScheduleFunc     func(ctx context.Context, in apiclient.UpdateWorkerScheduleInput) (*apiclient.UpdateWorkerScheduleOutput, error)
	BatchGetJobEntityFunc        func(ctx context.Context, in apiclient.BatchGetJobEntityInput) (*apiclient.BatchGetJobEntityOutput, error)
	DeleteWorkerFunc             func(ctx context.Context, in apiclient.DeleteWorkerInput) error

	// Calls records every invocation in order, keyed by operation name,
	// for assertions on call counts and argument capture.
	Calls []Call
}

// Call records one invocation made against the Fake.
type Call struct {
	Op  string
	In  interface{}
}

func (f *Fake) record(op string, in interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Op: op, In: in})
}

func (f *Fake) CreateWorker(ctx context.Context, in apiclient.CreateWorkerInput) (*apiclient.CreateWorkerOutput, error) {
	f.record("CreateWorker", in)
	if f.CreateWorkerFunc != nil {
		return f.CreateWorkerFunc(ctx, in)
	}
	return &apiclient.CreateWorkerOutput{WorkerID: "worker-fake"}, nil
}

func (f *Fake) AssumeFleetRoleForWorker(ctx context.Context, in apiclient.AssumeFleetRoleForWorkerInput) (*types.AgentCredentials, error) {
	f.record("AssumeFleetRoleForWorker", in)
	if f.AssumeFleetRoleForWorkerFunc != nil {
		return f.AssumeFleetRoleForWorkerFunc(ctx, in)
	}
	return &types.AgentCredentials{
		Credentials: fakeCredentials(time.Hour),
	}, nil
}

func (f *Fake) AssumeQueueRoleForWorker(ctx context.Context, in apiclient.AssumeQueueRoleForWorkerInput) (*apiclient.AssumeQueueRoleForWorkerOutput, error) {
	f.record("AssumeQueueRoleForWorker", in)
	if f.AssumeQueueRoleForWorkerFunc != nil {
		return f.AssumeQueueRoleForWorkerFunc(ctx, in)
	}
	return &apiclient.AssumeQueueRoleForWorkerOutput{
		Credentials: &types.QueueCredentials{
			QueueID:     in.QueueID,
			Credentials: fakeCredentials(15 * time.Minute),
		},
	}, nil
}

func (f *Fake) UpdateWorker(ctx context.Context, in apiclient.UpdateWorkerInput) error {
	f.record("UpdateWorker", in)
	if f.UpdateWorkerFunc != nil {
		return f.UpdateWorkerFunc(ctx, in)
	}
	return nil
}

func (f *Fake) UpdateWorkerSchedule(ctx context.Context, in apiclient.UpdateWorkerScheduleInput) (*apiclient.UpdateWorkerScheduleOutput, error) {
	f.record("UpdateWorkerSchedule", in)
	if f.UpdateWorkerScheduleFunc != nil {
		return f.UpdateWorkerScheduleFunc(ctx, in)
	}
	return &apiclient.UpdateWorkerScheduleOutput{
		UpdateInterval: 15 * time.Second,
	}, nil
}

func (f *Fake) BatchGetJobEntity(ctx context.Context, in apiclient.BatchGetJobEntityInput) (*apiclient.BatchGetJobEntityOutput, error) {
	f.record("BatchGetJobEntity", in)
	if f.BatchGetJobEntityFunc != nil {
		return f.BatchGetJobEntityFunc(ctx, in)
	}
	results := make([]apiclient.EntityResult, 0, len(in.Refs))
	for _, ref := range in.Refs {
		results = append(results, apiclient.EntityResult{Ref: ref, Data: []byte(`{}`)})
	}
	return &apiclient.BatchGetJobEntityOutput{Results: results}, nil
}

func (f *Fake) DeleteWorker(ctx context.Context, in apiclient.DeleteWorkerInput) error {
	f.record("DeleteWorker", in)
	if f.DeleteWorkerFunc != nil {
		return f.DeleteWorkerFunc(ctx, in)
	}
	return nil
}

// CallCount returns how many times op was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func fakeCredentials(ttl time.Duration) aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     "AKIAFAKE",
		SecretAccessKey: "fakesecret",
		SessionToken:    "faketoken",
		CanExpire:       true,
		Expires:         time.Now().Add(ttl),
	}
}
