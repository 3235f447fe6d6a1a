package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fusekv/fusekv/pkg/cache"
	"github.com/fusekv/fusekv/pkg/engine"
	"github.com/fusekv/fusekv/pkg/log"
	"github.com/fusekv/fusekv/pkg/metrics"
)

var (
	ErrNoActiveTxn     = errors.New("no active transaction")
	ErrTxnActive       = errors.New("transaction already active")
	ErrUnknownIterator = errors.New("unknown iterator handle")
	ErrInvalidRange    = errors.New("invalid range")
	ErrMalformedPatch  = errors.New("malformed patch")
	ErrShuttingDown    = errors.New("server shutting down")
)

// IteratorInvalid is returned by iterator operations whose cursor is
// not positioned on a key.
const IteratorInvalid = "invalid"

// Manager is the typed façade over the storage engine. It owns the
// write queue, the blocking-worker pool, the cache and the handle
// tables for iterators and transactions.
type Manager struct {
	eng     *engine.Engine
	cache   *cache.Cache
	queue   *writeQueue
	workers *workerPool
	logger  zerolog.Logger

	mu         sync.Mutex
	nextHandle int64
	iterators  map[int64]*iteratorState
	txns       map[int64]*txnState
}

type iteratorState struct {
	it      iterCursor
	owner   *Session
	forward bool
}

type txnState struct {
	txn   *engine.Txn
	owner *Session
	// touched accumulates cache keys to invalidate on commit.
	touched []string
}

// NewManager creates the manager on top of an open engine. readCache
// may be nil when caching is disabled.
func NewManager(eng *engine.Engine, readCache *cache.Cache) *Manager {
	return &Manager{
		eng:       eng,
		cache:     readCache,
		queue:     newWriteQueue(eng),
		workers:   newWorkerPool(),
		logger:    log.WithComponent("db"),
		iterators: make(map[int64]*iteratorState),
		txns:      make(map[int64]*txnState),
	}
}

// Close seals the write queue, drains the worker pool and reclaims all
// outstanding handles. The engine itself stays open; its owner closes it.
func (m *Manager) Close() {
	m.queue.seal()
	m.workers.stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, state := range m.iterators {
		state.it.Close()
		delete(m.iterators, id)
	}
	for id, state := range m.txns {
		if err := state.txn.Rollback(); err != nil {
			m.logger.Warn().Err(err).Int64("handle", id).Msg("rollback on close failed")
		}
		if state.owner != nil {
			state.owner.clearTxn(id)
		}
		delete(m.txns, id)
	}
	m.logger.Info().Msg("db manager closed")
}

// handle allocates the next monotonic handle. Handles are never reused
// within one process lifetime.
func (m *Manager) handle() int64 {
	m.nextHandle++
	return m.nextHandle
}

func normalizeCF(name string) string {
	if name == "" {
		return engine.DefaultColumnFamily
	}
	return name
}

func (m *Manager) invalidate(cf, key string) {
	if m.cache != nil {
		m.cache.Invalidate(cache.Key(cf, key))
	}
}

// Get returns the value under key. found is false when the key is
// absent. Reads outside a transaction consult the cache first.
func (m *Manager) Get(s *Session, cfName, key string, useTxn bool) (string, bool, error) {
	cfName = normalizeCF(cfName)

	if useTxn {
		txn, _, err := m.sessionTxn(s)
		if err != nil {
			return "", false, err
		}
		value, err := m.eng.TxnGet(txn, cfName, []byte(key))
		if err != nil {
			return "", false, err
		}
		if value == nil {
			return "", false, nil
		}
		return string(value), true, nil
	}

	if m.cache != nil {
		if v, ok := m.cache.Get(cache.Key(cfName, key)); ok {
			metrics.CacheHits.Inc()
			return v, true, nil
		}
		metrics.CacheMisses.Inc()
	}

	value, err := m.eng.Get(cfName, []byte(key))
	if err != nil {
		return "", false, err
	}
	if value == nil {
		return "", false, nil
	}
	v := string(value)
	if m.cache != nil {
		m.cache.Set(cache.Key(cfName, key), v)
		metrics.CacheSet.Inc()
	}
	return v, true, nil
}

// Put stores value under key, via the transaction when useTxn is set
// and through the write queue otherwise.
func (m *Manager) Put(s *Session, cfName, key, value string, useTxn bool) error {
	cfName = normalizeCF(cfName)

	if useTxn {
		txn, state, err := m.sessionTxn(s)
		if err != nil {
			return err
		}
		if err := m.eng.TxnPut(txn, cfName, []byte(key), []byte(value)); err != nil {
			return err
		}
		m.touch(state, cfName, key)
		return nil
	}

	if err := m.queue.post(writeTask{op: opPut, cf: cfName, key: []byte(key), value: []byte(value)}); err != nil {
		return err
	}
	m.invalidate(cfName, key)
	return nil
}

// Delete removes key
func (m *Manager) Delete(s *Session, cfName, key string, useTxn bool) error {
	cfName = normalizeCF(cfName)

	if useTxn {
		txn, state, err := m.sessionTxn(s)
		if err != nil {
			return err
		}
		if err := m.eng.TxnDelete(txn, cfName, []byte(key)); err != nil {
			return err
		}
		m.touch(state, cfName, key)
		return nil
	}

	if err := m.queue.post(writeTask{op: opDelete, cf: cfName, key: []byte(key)}); err != nil {
		return err
	}
	m.invalidate(cfName, key)
	return nil
}

// Merge queues a JSON-Patch operand for key. The operand must at least
// be valid JSON; structural patch errors surface on the next read, per
// the engine's lazy merge evaluation.
func (m *Manager) Merge(s *Session, cfName, key, patch string, useTxn bool) error {
	cfName = normalizeCF(cfName)

	if !json.Valid([]byte(patch)) {
		return fmt.Errorf("%w: operand is not valid JSON", ErrMalformedPatch)
	}

	if useTxn {
		txn, state, err := m.sessionTxn(s)
		if err != nil {
			return err
		}
		if err := m.eng.TxnMerge(txn, cfName, []byte(key), []byte(patch)); err != nil {
			return err
		}
		m.touch(state, cfName, key)
		return nil
	}

	if err := m.queue.post(writeTask{op: opMerge, cf: cfName, key: []byte(key), value: []byte(patch)}); err != nil {
		return err
	}
	m.invalidate(cfName, key)
	return nil
}

// Property returns a RocksDB property string for the column family
func (m *Manager) Property(cfName, name string) (string, error) {
	return m.eng.Property(normalizeCF(cfName), name)
}

// Keys lists keys in order. start and limit apply after the substring
// filter; a limit below zero means unlimited.
func (m *Manager) Keys(cfName string, start, limit int, query string) ([]string, error) {
	if start < 0 {
		return nil, fmt.Errorf("%w: start must not be negative", ErrInvalidRange)
	}

	cfName = normalizeCF(cfName)
	it, err := m.eng.NewIterator(cfName)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	keys := []string{}
	skipped := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		slice := it.Key()
		k := string(slice.Data())
		slice.Free()

		if query != "" && !strings.Contains(k, query) {
			continue
		}
		if skipped < start {
			skipped++
			continue
		}
		if limit >= 0 && len(keys) >= limit {
			break
		}
		keys = append(keys, k)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("engine iteration: %w", err)
	}
	return keys, nil
}

// All lists every key, optionally filtered. The scan runs on the
// blocking-worker pool.
func (m *Manager) All(cfName, query string) ([]string, error) {
	var keys []string
	err := m.workers.run(func() error {
		var err error
		keys, err = m.Keys(cfName, 0, -1, query)
		return err
	})
	return keys, err
}

// ListColumnFamilies returns the live column family names
func (m *Manager) ListColumnFamilies() []string {
	return m.eng.ListColumnFamilies()
}

// CreateColumnFamily adds a named keyspace
func (m *Manager) CreateColumnFamily(name string) error {
	return m.eng.CreateColumnFamily(name)
}

// DropColumnFamily removes a named keyspace
func (m *Manager) DropColumnFamily(name string) error {
	return m.eng.DropColumnFamily(name)
}

// CompactRange compacts the key range on the worker pool
func (m *Manager) CompactRange(cfName, start, end string) error {
	cfName = normalizeCF(cfName)

	var s, e []byte
	if start != "" {
		s = []byte(start)
	}
	if end != "" {
		e = []byte(end)
	}
	return m.workers.run(func() error {
		return m.eng.CompactRange(cfName, s, e)
	})
}

// Backup creates a hot backup on the worker pool and returns its id
func (m *Manager) Backup() (uint32, error) {
	var id uint32
	err := m.workers.run(func() error {
		var err error
		id, err = m.eng.CreateBackup()
		return err
	})
	return id, err
}

// BackupInfo enumerates the available backups
func (m *Manager) BackupInfo() ([]engine.BackupInfo, error) {
	return m.eng.Backups()
}

// RestoreLatest restores the newest backup. All open iterators and
// transactions are reclaimed first since the database closes during the
// restore.
func (m *Manager) RestoreLatest() error {
	m.reclaimAll()
	return m.workers.run(m.eng.RestoreLatest)
}

// Restore restores the backup with the given id
func (m *Manager) Restore(id uint32) error {
	m.reclaimAll()
	return m.workers.run(func() error {
		return m.eng.Restore(id)
	})
}

// reclaimAll destroys every iterator and rolls back every transaction
func (m *Manager) reclaimAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, state := range m.iterators {
		state.it.Close()
		if state.owner != nil {
			state.owner.forgetIterator(id)
		}
		delete(m.iterators, id)
	}
	for id, state := range m.txns {
		if err := state.txn.Rollback(); err != nil {
			m.logger.Warn().Err(err).Int64("handle", id).Msg("rollback before restore failed")
		}
		if state.owner != nil {
			state.owner.clearTxn(id)
		}
		delete(m.txns, id)
	}
}
