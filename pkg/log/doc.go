// Package log provides structured logging for fusekv built on zerolog.
//
// The package exposes a single global logger initialized once at process
// startup via Init, plus helpers for deriving child loggers scoped to a
// component or a client session. Console output (human-readable, colored)
// is the default; JSON output is available for log aggregation pipelines.
package log
