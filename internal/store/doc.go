// Package store manages durable pipeline state backed by SQLite.
//
// It owns the job table and its compare-and-set transitions, the append-only
// progress event log, and the speaker profile, reference embedding, and
// assignment tables. Jobs move between statuses only through the conditional
// updates exposed here, which is how the single-active-execution invariant is
// enforced across the coordinator and the recovery monitor.
package store
