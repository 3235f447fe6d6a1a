// Package lockfile guards a data directory against concurrent server
// instances. The lock is a file created with exclusive-create semantics
// containing the owner PID; a lock whose recorded PID is no longer alive
// is treated as stale and reclaimed on the next startup.
package lockfile
