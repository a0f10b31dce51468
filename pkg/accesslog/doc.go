// Package accesslog persists per-request access records to SQLite.
//
// Records are written asynchronously: the proxy's data path enqueues into
// a bounded channel and a background worker drains it into the store, so
// a slow disk never blocks forwarding. When the buffer is full, records
// are dropped and counted rather than applying backpressure.
//
// Retention is cron-scheduled: records older than the configured number
// of days are pruned in the background.
package accesslog
