// Package scheduler owns the worker's lifecycle state machine (Lifecycle)
// and the top-level polling loop (Scheduler) that turns UpdateWorkerSchedule
// responses into Session runtimes, routes cancels, collects outgoing status
// updates, and drives regular/expedited/service drains (spec §4.5).
package scheduler
