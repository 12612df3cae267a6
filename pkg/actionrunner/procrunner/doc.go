// Package procrunner is the default actionrunner.Runner: it executes a
// Session Action as an OS subprocess impersonating the Session's
// configured OS user, the user-impersonation analogue of the teacher's
// per-task container lifecycle in pkg/runtime. Graceful cancelation
// signals SIGTERM, waits out the grace period, then escalates to SIGKILL,
// mirroring ContainerdRuntime.StopContainer.
package procrunner
