// Package logging assembles the structured slog loggers used across the
// orchestrator.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so stage code automatically tags
// log lines with job IDs, stages, pools, and correlation IDs. A no-op logger
// is provided for tests and wiring code that cannot fail.
package logging
