/*
Package types defines the data model shared by every component of the worker
agent core: the worker's own identity and lifecycle status, the two temporary
AWS credential sets it juggles, and the Session/Action pipeline that the
scheduler and session runtime operate on.

# Core types

Identity and lifecycle:
  - Worker: the in-memory identity of this host within the fleet
  - WorkerStatus: Created, Starting, Started, Stopping, Stopped, Deleted

Credentials:
  - AgentCredentials: the worker's own fleet-scoped temporary credentials
  - QueueCredentials: per-queue temporary credentials exposed to job subprocesses

Work pipeline:
  - Session: a host-local execution context for one job of one queue
  - Action: a unit of work within a Session (sync inputs, env-enter, task-run, env-exit)
  - ActionKind / ActionStatus: the tagged union and state machine for Actions
  - AssignmentDelta: the diff derived from one UpdateWorkerSchedule response

These types carry no behavior beyond small invariant-preserving helpers;
the state machines that mutate them live in pkg/session and pkg/scheduler.
*/
package types
