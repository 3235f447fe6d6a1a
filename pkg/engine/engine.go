package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/linxGnu/grocksdb"

	"github.com/fusekv/fusekv/pkg/log"
)

// DefaultColumnFamily is the column family every database carries and
// that can never be dropped.
const DefaultColumnFamily = "default"

var (
	ErrUnknownColumnFamily     = errors.New("unknown column family")
	ErrColumnFamilyExists      = errors.New("column family already exists")
	ErrDefaultReserved         = errors.New("default column family cannot be dropped")
	ErrInvalidColumnFamilyName = errors.New("invalid column family name")
	ErrUnknownProperty         = errors.New("unknown property")
	ErrTransactionsUnavailable = errors.New("transactions are unavailable when record ttl is set")
	ErrClosed                  = errors.New("engine is closed")
)

// Options configures an Engine
type Options struct {
	Path string
	// TTL is the per-record time-to-live in seconds. When set the
	// database opens in TTL mode, which trades away transactions.
	TTL int
	// BackupDir overrides the default backup directory (<path>_backup).
	BackupDir string
}

// Engine wraps the RocksDB handle, its column families and the backup
// engine. All fusekv storage goes through it. In the default mode the
// database opens as a pessimistic TransactionDB; with a record TTL it
// opens as a TTL database and transactional operations are rejected.
type Engine struct {
	mu sync.RWMutex

	opts    Options
	dbOpts  *grocksdb.Options
	ro      *grocksdb.ReadOptions
	wo      *grocksdb.WriteOptions
	txnDB   *grocksdb.TransactionDB
	base    *grocksdb.DB
	cfs     map[string]*grocksdb.ColumnFamilyHandle
	backups *grocksdb.BackupEngine
	closed  bool
}

func (o Options) validate() error {
	if o.Path == "" {
		return fmt.Errorf("engine path must not be empty")
	}
	if o.TTL < 0 {
		return fmt.Errorf("record ttl must not be negative")
	}
	return nil
}

// Open opens (creating if needed) the database at opts.Path with all
// pre-existing column families.
func Open(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.BackupDir == "" {
		opts.BackupDir = opts.Path + "_backup"
	}

	dbOpts := grocksdb.NewDefaultOptions()
	dbOpts.SetCreateIfMissing(true)
	dbOpts.SetCreateIfMissingColumnFamilies(true)
	dbOpts.SetMergeOperator(jsonMergeOperator{})

	e := &Engine{
		opts:   opts,
		dbOpts: dbOpts,
		ro:     grocksdb.NewDefaultReadOptions(),
		wo:     grocksdb.NewDefaultWriteOptions(),
	}

	if err := e.open(); err != nil {
		e.ro.Destroy()
		e.wo.Destroy()
		dbOpts.Destroy()
		return nil, err
	}

	log.WithComponent("engine").Info().
		Str("path", opts.Path).
		Int("ttl", opts.TTL).
		Int("column_families", len(e.cfs)).
		Msg("storage engine opened")
	return e, nil
}

// open opens the underlying handles. Callers hold e.mu or own e
// exclusively.
func (e *Engine) open() error {
	cfNames, err := grocksdb.ListColumnFamilies(e.dbOpts, e.opts.Path)
	if err != nil || len(cfNames) == 0 {
		// A fresh database has no manifest to list yet.
		cfNames = []string{DefaultColumnFamily}
	}

	cfOpts := make([]*grocksdb.Options, len(cfNames))
	for i := range cfOpts {
		cfOpts[i] = e.dbOpts
	}

	var handles []*grocksdb.ColumnFamilyHandle
	if e.opts.TTL > 0 {
		ttls := make([]int32, len(cfNames))
		for i := range ttls {
			ttls[i] = int32(e.opts.TTL)
		}
		db, hs, err := grocksdb.OpenDbColumnFamiliesWithTTL(e.dbOpts, e.opts.Path, cfNames, cfOpts, ttls)
		if err != nil {
			return fmt.Errorf("failed to open database with ttl: %w", err)
		}
		e.base = db
		handles = hs
	} else {
		txnDBOpts := grocksdb.NewDefaultTransactionDBOptions()
		db, hs, err := grocksdb.OpenTransactionDbColumnFamilies(e.dbOpts, txnDBOpts, e.opts.Path, cfNames, cfOpts)
		txnDBOpts.Destroy()
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		e.txnDB = db
		e.base = db.GetBaseDB()
		handles = hs
	}

	e.cfs = make(map[string]*grocksdb.ColumnFamilyHandle, len(handles))
	for i, name := range cfNames {
		e.cfs[name] = handles[i]
	}
	e.closed = false
	return nil
}

// closeDB releases the database handles but keeps options alive so the
// engine can reopen after a restore. Callers hold e.mu.
func (e *Engine) closeDB() {
	for _, h := range e.cfs {
		h.Destroy()
	}
	e.cfs = nil
	if e.txnDB != nil {
		e.txnDB.Close()
		e.txnDB = nil
		e.base = nil
	} else if e.base != nil {
		e.base.Close()
		e.base = nil
	}
	e.closed = true
}

// Close shuts the engine down
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed && e.base == nil {
		return
	}
	e.closeDB()
	if e.backups != nil {
		e.backups.Close()
		e.backups = nil
	}
	e.ro.Destroy()
	e.wo.Destroy()
	e.dbOpts.Destroy()
	log.WithComponent("engine").Info().Msg("storage engine closed")
}

// cf resolves a column family name, defaulting to "default". Callers
// hold e.mu.
func (e *Engine) cf(name string) (*grocksdb.ColumnFamilyHandle, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if name == "" {
		name = DefaultColumnFamily
	}
	h, ok := e.cfs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumnFamily, name)
	}
	return h, nil
}

// Get returns the value stored under key, or nil when absent
func (e *Engine) Get(cfName string, key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return nil, err
	}

	var slice *grocksdb.Slice
	if e.txnDB != nil {
		slice, err = e.txnDB.GetCF(e.ro, h, key)
	} else {
		slice, err = e.base.GetCF(e.ro, h, key)
	}
	if err != nil {
		return nil, fmt.Errorf("engine get: %w", err)
	}
	defer slice.Free()

	if !slice.Exists() {
		return nil, nil
	}
	value := make([]byte, slice.Size())
	copy(value, slice.Data())
	return value, nil
}

// Put stores value under key
func (e *Engine) Put(cfName string, key, value []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return err
	}
	if e.txnDB != nil {
		err = e.txnDB.PutCF(e.wo, h, key, value)
	} else {
		err = e.base.PutCF(e.wo, h, key, value)
	}
	if err != nil {
		return fmt.Errorf("engine put: %w", err)
	}
	return nil
}

// Delete removes key
func (e *Engine) Delete(cfName string, key []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return err
	}
	if e.txnDB != nil {
		err = e.txnDB.DeleteCF(e.wo, h, key)
	} else {
		err = e.base.DeleteCF(e.wo, h, key)
	}
	if err != nil {
		return fmt.Errorf("engine delete: %w", err)
	}
	return nil
}

// Merge queues a merge operand for key
func (e *Engine) Merge(cfName string, key, operand []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return err
	}
	if e.txnDB != nil {
		err = e.txnDB.MergeCF(e.wo, h, key, operand)
	} else {
		err = e.base.MergeCF(e.wo, h, key, operand)
	}
	if err != nil {
		return fmt.Errorf("engine merge: %w", err)
	}
	return nil
}

// Property returns the value of a RocksDB property for the column family
func (e *Engine) Property(cfName, name string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return "", err
	}
	v := e.base.GetPropertyCF(name, h)
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownProperty, name)
	}
	return v, nil
}

// ListColumnFamilies returns the live column family names
func (e *Engine) ListColumnFamilies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.cfs))
	for name := range e.cfs {
		names = append(names, name)
	}
	return names
}

// CreateColumnFamily adds a new named keyspace
func (e *Engine) CreateColumnFamily(name string) error {
	if name == "" {
		return ErrInvalidColumnFamilyName
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.cfs[name]; ok {
		return fmt.Errorf("%w: %s", ErrColumnFamilyExists, name)
	}

	var (
		h   *grocksdb.ColumnFamilyHandle
		err error
	)
	if e.txnDB != nil {
		h, err = e.txnDB.CreateColumnFamily(e.dbOpts, name)
	} else {
		h, err = e.base.CreateColumnFamilyWithTTL(e.dbOpts, name, int32(e.opts.TTL))
	}
	if err != nil {
		return fmt.Errorf("engine create column family: %w", err)
	}
	e.cfs[name] = h
	return nil
}

// DropColumnFamily removes a named keyspace. The default column family
// is reserved.
func (e *Engine) DropColumnFamily(name string) error {
	if name == DefaultColumnFamily {
		return ErrDefaultReserved
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	h, ok := e.cfs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownColumnFamily, name)
	}
	if err := e.base.DropColumnFamily(h); err != nil {
		return fmt.Errorf("engine drop column family: %w", err)
	}
	h.Destroy()
	delete(e.cfs, name)
	return nil
}

// CompactRange compacts the keyspace between start and end; nil bounds
// compact from the first or to the last key.
func (e *Engine) CompactRange(cfName string, start, end []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return err
	}
	e.base.CompactRangeCF(h, grocksdb.Range{Start: start, Limit: end})
	return nil
}

// NewIterator opens a raw iterator over the column family. The caller
// owns the iterator and must Close it.
func (e *Engine) NewIterator(cfName string) (*grocksdb.Iterator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return nil, err
	}
	if e.txnDB != nil {
		return e.txnDB.NewIteratorCF(e.ro, h), nil
	}
	return e.base.NewIteratorCF(e.ro, h), nil
}

// ApplyBatch atomically writes a batch
func (e *Engine) ApplyBatch(batch *grocksdb.WriteBatch) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}

	var err error
	if e.txnDB != nil {
		err = e.txnDB.Write(e.wo, batch)
	} else {
		err = e.base.Write(e.wo, batch)
	}
	if err != nil {
		return fmt.Errorf("engine batch write: %w", err)
	}
	return nil
}

// Txn wraps a pessimistic engine transaction
type Txn struct {
	inner *grocksdb.Transaction
}

// BeginTransaction starts a pessimistic transaction. Unavailable in TTL
// mode.
func (e *Engine) BeginTransaction() (*Txn, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.txnDB == nil {
		return nil, ErrTransactionsUnavailable
	}

	txnOpts := grocksdb.NewDefaultTransactionOptions()
	defer txnOpts.Destroy()
	return &Txn{inner: e.txnDB.TransactionBegin(e.wo, txnOpts, nil)}, nil
}

// TxnGet reads key through the transaction, observing its own writes
func (e *Engine) TxnGet(t *Txn, cfName string, key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return nil, err
	}
	slice, err := t.inner.GetWithCF(e.ro, h, key)
	if err != nil {
		return nil, fmt.Errorf("engine txn get: %w", err)
	}
	defer slice.Free()

	if !slice.Exists() {
		return nil, nil
	}
	value := make([]byte, slice.Size())
	copy(value, slice.Data())
	return value, nil
}

// TxnPut stores key within the transaction
func (e *Engine) TxnPut(t *Txn, cfName string, key, value []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return err
	}
	if err := t.inner.PutCF(h, key, value); err != nil {
		return fmt.Errorf("engine txn put: %w", err)
	}
	return nil
}

// TxnDelete removes key within the transaction
func (e *Engine) TxnDelete(t *Txn, cfName string, key []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return err
	}
	if err := t.inner.DeleteCF(h, key); err != nil {
		return fmt.Errorf("engine txn delete: %w", err)
	}
	return nil
}

// TxnMerge queues a merge operand within the transaction
func (e *Engine) TxnMerge(t *Txn, cfName string, key, operand []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return err
	}
	if err := t.inner.MergeCF(h, key, operand); err != nil {
		return fmt.Errorf("engine txn merge: %w", err)
	}
	return nil
}

// Commit commits the transaction and releases it
func (t *Txn) Commit() error {
	defer t.inner.Destroy()
	if err := t.inner.Commit(); err != nil {
		return fmt.Errorf("engine txn commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction and releases it
func (t *Txn) Rollback() error {
	defer t.inner.Destroy()
	if err := t.inner.Rollback(); err != nil {
		return fmt.Errorf("engine txn rollback: %w", err)
	}
	return nil
}
