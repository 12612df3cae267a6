package scheduler

import (
	"fmt"
	"sync"

	"github.com/rendergrid/workeragent/pkg/types"
)

// Event is one input to the Lifecycle state machine.
type Event string

const (
	// EventRegistered fires once CreateWorker has returned a worker ID.
	EventRegistered Event = "REGISTERED"
	// EventStartConfirmed fires once UpdateWorker(STARTED) succeeds.
	EventStartConfirmed Event = "START_CONFIRMED"
	// EventDrainRequested fires on any drain trigger: a host signal, an
	// imminent-termination notification, or the service directing
	// desired_worker_status = STOPPED.
	EventDrainRequested Event = "DRAIN_REQUESTED"
	// EventStopConfirmed fires once UpdateWorker(STOPPED) succeeds.
	EventStopConfirmed Event = "STOP_CONFIRMED"
	// EventDeleteConfirmed fires once DeleteWorker succeeds.
	EventDeleteConfirmed Event = "DELETE_CONFIRMED"
	// EventStatusConflict fires when the service reports STATUS_CONFLICT
	// against the worker resource outside of bootstrap, meaning the
	// service no longer considers the worker STARTED (spec §4.5, likely a
	// heartbeat lapse). Scheduler.Run then repeats UpdateWorker(STARTED)
	// under the bootstrap conflict policy, keeping its worker ID.
	EventStatusConflict Event = "STATUS_CONFLICT"
)

// edges enumerates every transition the worker lifecycle diagram (spec
// §4.5) allows. An event with no entry for the current state is refused
// rather than silently ignored, mirroring the explicit switch-on-command
// shape of a command-applying state machine.
var edges = map[types.WorkerStatus]map[Event]types.WorkerStatus{
	types.WorkerStatusCreated: {
		EventRegistered: types.WorkerStatusStarting,
	},
	types.WorkerStatusStarting: {
		EventStartConfirmed: types.WorkerStatusStarted,
		EventDrainRequested: types.WorkerStatusStopping,
	},
	types.WorkerStatusStarted: {
		EventDrainRequested: types.WorkerStatusStopping,
		EventStatusConflict: types.WorkerStatusStarting,
	},
	types.WorkerStatusStopping: {
		EventStopConfirmed: types.WorkerStatusStopped,
	},
	types.WorkerStatusStopped: {
		EventDeleteConfirmed: types.WorkerStatusDeleted,
	},
}

// Lifecycle is the worker's position in the CREATED/STARTING/STARTED/
// STOPPING/STOPPED/DELETED state machine. It holds no remote-call logic;
// Scheduler drives it by feeding back the outcome of each call.
type Lifecycle struct {
	mu    sync.Mutex
	state types.WorkerStatus
}

// NewLifecycle returns a Lifecycle in the CREATED state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: types.WorkerStatusCreated}
}

// State returns the current worker status.
func (l *Lifecycle) State() types.WorkerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition applies event to the current state, returning an error if
// the diagram has no edge for it.
func (l *Lifecycle) Transition(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, ok := edges[l.state][event]
	if !ok {
		return fmt.Errorf("lifecycle: event %s not valid from state %s", event, l.state)
	}
	l.state = next
	return nil
}
