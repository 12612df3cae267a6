// Package events defines the worker agent's abstract structured-event sink
// (spec §6, "Log destinations") and an in-process fan-out Broker. The core
// never writes to a log transport directly: it emits typed Events to a
// Sink, and a concrete transport (shipping to a remote log service, a
// file, or just zerolog) is wired in by whatever assembles the agent.
package events
