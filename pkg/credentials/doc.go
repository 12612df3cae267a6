// Package credentials implements the two independent credential
// refreshers of the worker agent (spec §4.2): AgentCredentialManager for
// the worker's own fleet-scoped credentials, and QueueCredentialManager
// for the per-queue credentials exposed to job subprocesses. Both expose
// non-blocking snapshot accessors; long I/O never runs under a held lock.
package credentials
