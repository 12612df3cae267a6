package apiclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/rendergrid/workeragent/pkg/types"
)

// RetryPolicy configures RetryingClient's backoff behavior (spec §7).
type RetryPolicy struct {
	// InitialInterval is the first retry delay for exponential backoff.
	InitialInterval time.Duration
	// MaxInterval caps the exponential backoff delay.
	MaxInterval time.Duration
	// MaxElapsedTime bounds bounded-retry call paths (e.g. bootstrap,
	// BatchGetJobEntity). Zero means retry forever, used by loop paths
	// like UpdateWorkerSchedule per §7.
	MaxElapsedTime time.Duration
}

// DefaultLoopRetryPolicy retries forever with jittered exponential
// backoff, for calls made from the main scheduler loop where there is no
// bound on patience (spec §7: "retry forever in loop paths").
func DefaultLoopRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  0,
	}
}

// DefaultBoundedRetryPolicy retries a bounded number of times before
// giving up, for bootstrap calls and BatchGetJobEntity's
// InternalServerError handling (spec §7, §9 open question).
func DefaultBoundedRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	return b
}

// retryWithPolicy runs op, retrying on Throttled/InternalServerError per
// the policy table in §7. Any other *Error, or a non-apiclient error, is
// treated as permanent and returned immediately.
func retryWithPolicy[T any](ctx context.Context, policy RetryPolicy, op func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		result, err := op()
		if err == nil {
			return result, nil
		}
		var apiErr *Error
		if ok := asAPIError(err, &apiErr); ok && apiErr.Retryable() {
			return result, err
		}
		return result, backoff.Permanent(err)
	}

	// WithMaxElapsedTime is always passed: backoff.Retry otherwise applies
	// its own default cap, and a zero value is what disables the cap.
	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxElapsedTime(policy.MaxElapsedTime),
	}

	return backoff.Retry(ctx, wrapped, opts...)
}

func asAPIError(err error, target **Error) bool {
	apiErr, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = apiErr
	return true
}

// RetryingClient decorates a ServiceClient with the retry policy of §7
// and a circuit breaker around UpdateWorkerSchedule, so a wedged service
// degrades the scheduler's sleep/backoff path instead of spinning it.
type RetryingClient struct {
	inner   ServiceClient
	loop    RetryPolicy
	bounded RetryPolicy
	cb      *gobreaker.CircuitBreaker
}

// NewRetryingClient wraps inner with the standard retry and
// circuit-breaking policy.
func NewRetryingClient(inner ServiceClient) *RetryingClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "UpdateWorkerSchedule",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &RetryingClient{
		inner:   inner,
		loop:    DefaultLoopRetryPolicy(),
		bounded: DefaultBoundedRetryPolicy(),
		cb:      cb,
	}
}

func (c *RetryingClient) CreateWorker(ctx context.Context, in CreateWorkerInput) (*CreateWorkerOutput, error) {
	return retryWithPolicy(ctx, c.bounded, func() (*CreateWorkerOutput, error) {
		return c.inner.CreateWorker(ctx, in)
	})
}

func (c *RetryingClient) AssumeFleetRoleForWorker(ctx context.Context, in AssumeFleetRoleForWorkerInput) (*types.AgentCredentials, error) {
	return retryWithPolicy(ctx, c.bounded, func() (*types.AgentCredentials, error) {
		return c.inner.AssumeFleetRoleForWorker(ctx, in)
	})
}

func (c *RetryingClient) AssumeQueueRoleForWorker(ctx context.Context, in AssumeQueueRoleForWorkerInput) (*AssumeQueueRoleForWorkerOutput, error) {
	return retryWithPolicy(ctx, c.bounded, func() (*AssumeQueueRoleForWorkerOutput, error) {
		return c.inner.AssumeQueueRoleForWorker(ctx, in)
	})
}

func (c *RetryingClient) UpdateWorker(ctx context.Context, in UpdateWorkerInput) error {
	_, err := retryWithPolicy(ctx, c.loop, func() (struct{}, error) {
		return struct{}{}, c.inner.UpdateWorker(ctx, in)
	})
	return err
}

func (c *RetryingClient) UpdateWorkerSchedule(ctx context.Context, in UpdateWorkerScheduleInput) (*UpdateWorkerScheduleOutput, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return retryWithPolicy(ctx, c.loop, func() (*UpdateWorkerScheduleOutput, error) {
			return c.inner.UpdateWorkerSchedule(ctx, in)
		})
	})
	if err != nil {
		return nil, err
	}
	return result.(*UpdateWorkerScheduleOutput), nil
}

func (c *RetryingClient) BatchGetJobEntity(ctx context.Context, in BatchGetJobEntityInput) (*BatchGetJobEntityOutput, error) {
	return retryWithPolicy(ctx, c.bounded, func() (*BatchGetJobEntityOutput, error) {
		return c.inner.BatchGetJobEntity(ctx, in)
	})
}

func (c *RetryingClient) DeleteWorker(ctx context.Context, in DeleteWorkerInput) error {
	_, err := retryWithPolicy(ctx, c.bounded, func() (struct{}, error) {
		return struct{}{}, c.inner.DeleteWorker(ctx, in)
	})
	return err
}
