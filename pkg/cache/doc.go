// Package cache implements the optional read cache in front of the
// storage engine: a 32-shard map with per-entry TTL and a background
// sweeper. The cache is strictly an accelerator; it is invalidated
// eagerly on every mutation and correctness never depends on it.
package cache
