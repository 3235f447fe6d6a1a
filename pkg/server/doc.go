// Package server implements the TCP front-end: the listener, the
// per-connection session loop with newline framing and frame-size
// limits, the bearer-token check, and the static action dispatcher
// that maps wire actions onto the database manager.
package server
