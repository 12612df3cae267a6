// Package log provides structured logging for the worker agent using
// zerolog. A single global Logger is configured once via Init; every
// component derives a child logger carrying the identifiers relevant to it
// (worker, fleet, queue, session, action) so a single log line is enough to
// trace one Action through its whole lifecycle.
package log
