// Package driver re-runs materialization for every active enrollment on a
// cron or interval trigger.
//
// The driver owns timing only. Each run walks the active enrollments one by
// one, paced by an optional rate limit, and retries a client only when the
// engine reports a transient (storage) failure. A trigger that fires while a
// run is still in progress is skipped.
package driver
