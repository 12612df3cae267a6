// Package session implements the per-Session pipeline runtime (C4): a
// single logical worker per Session that runs queued Actions serially,
// fetches the entity details each Action needs through an EntityGetter,
// executes the Action through an actionrunner.Runner, applies the
// failure-propagation rules between queued Actions, and tears the Session
// down when the scheduler stops assigning it work.
package session
