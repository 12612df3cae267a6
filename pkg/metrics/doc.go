// Package metrics defines the worker agent's Prometheus metrics (lifecycle
// state, poll cadence, drain duration, Action terminal counts, credential
// refresh latency, entity-cache batch size) and the /health, /ready, /live
// HTTP handlers used for operational monitoring.
//
// Metrics are package-level vars registered at init via
// prometheus.MustRegister, matching how the rest of this module's
// dependents expect to import and observe them directly; Collector polls a
// *scheduler.Scheduler on an interval for the gauges that aren't naturally
// updated at the point an event occurs.
package metrics
