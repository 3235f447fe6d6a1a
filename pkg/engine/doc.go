// Package engine wraps the embedded RocksDB store behind a typed API:
// column-family aware point operations, merge via a JSON-Patch merge
// operator, iterators, atomic write batches, pessimistic transactions,
// range compaction and hot backup/restore.
//
// Two open modes exist. By default the database opens as a pessimistic
// TransactionDB. When a per-record TTL is configured it opens as a TTL
// database instead, in which mode transactional operations return
// ErrTransactionsUnavailable.
package engine
