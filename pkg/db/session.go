package db

import (
	"sync"

	"github.com/linxGnu/grocksdb"

	"github.com/fusekv/fusekv/pkg/cache"
)

// Session is the per-connection state the manager tracks: the active
// transaction handle, the staged write batch and the iterator handles
// the connection created. A connection issues one request at a time, so
// the session mutex only guards against reclamation racing a request.
type Session struct {
	m  *Manager
	id string

	mu        sync.Mutex
	txnHandle int64
	iterators map[int64]struct{}
	batch     *grocksdb.WriteBatch
	batchKeys []string
}

// NewSession creates a session bound to the manager. The manager keeps
// no session table; the caller closes the session.
func (m *Manager) NewSession(id string) *Session {
	return &Session{
		m:         m,
		id:        id,
		iterators: make(map[int64]struct{}),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Close reclaims everything the session owns: open iterators are
// destroyed, an uncommitted transaction is rolled back and the staged
// batch is released.
func (s *Session) Close() {
	s.mu.Lock()
	handles := make([]int64, 0, len(s.iterators))
	for id := range s.iterators {
		handles = append(handles, id)
	}
	s.mu.Unlock()

	for _, id := range handles {
		if err := s.m.DestroyIterator(s, id); err != nil {
			s.m.logger.Debug().Err(err).Int64("handle", id).Msg("iterator reclaim")
		}
	}
	if s.txnHandleID() != 0 {
		if err := s.m.RollbackTransaction(s); err != nil {
			s.m.logger.Warn().Err(err).Str("session", s.id).Msg("rollback on session close failed")
		}
	}
	s.BatchDestroy()
}

func (s *Session) txnHandleID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnHandle
}

func (s *Session) setTxn(id int64) {
	s.mu.Lock()
	s.txnHandle = id
	s.mu.Unlock()
}

// clearTxn drops the transaction handle if it is still the given one
func (s *Session) clearTxn(id int64) {
	s.mu.Lock()
	if s.txnHandle == id {
		s.txnHandle = 0
	}
	s.mu.Unlock()
}

func (s *Session) trackIterator(id int64) {
	s.mu.Lock()
	s.iterators[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) forgetIterator(id int64) {
	s.mu.Lock()
	delete(s.iterators, id)
	s.mu.Unlock()
}

// ensureBatch lazily creates the session's write batch
func (s *Session) ensureBatch() *grocksdb.WriteBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		s.batch = s.m.eng.NewWriteBatch()
	}
	return s.batch
}

// BatchPut stages a put into the session's batch
func (s *Session) BatchPut(cfName, key, value string) error {
	cfName = normalizeCF(cfName)
	if err := s.m.eng.BatchPut(s.ensureBatch(), cfName, []byte(key), []byte(value)); err != nil {
		return err
	}
	s.stageKey(cfName, key)
	return nil
}

// BatchMerge stages a merge operand into the session's batch
func (s *Session) BatchMerge(cfName, key, patch string) error {
	cfName = normalizeCF(cfName)
	if err := s.m.eng.BatchMerge(s.ensureBatch(), cfName, []byte(key), []byte(patch)); err != nil {
		return err
	}
	s.stageKey(cfName, key)
	return nil
}

// BatchDelete stages a delete into the session's batch
func (s *Session) BatchDelete(cfName, key string) error {
	cfName = normalizeCF(cfName)
	if err := s.m.eng.BatchDelete(s.ensureBatch(), cfName, []byte(key)); err != nil {
		return err
	}
	s.stageKey(cfName, key)
	return nil
}

func (s *Session) stageKey(cfName, key string) {
	s.mu.Lock()
	s.batchKeys = append(s.batchKeys, cache.Key(cfName, key))
	s.mu.Unlock()
}

// BatchWrite atomically applies the staged batch through the write
// queue, then clears it. An empty batch write is a no-op.
func (s *Session) BatchWrite() error {
	s.mu.Lock()
	batch := s.batch
	keys := s.batchKeys
	s.mu.Unlock()

	if batch == nil || batch.Count() == 0 {
		return nil
	}

	if err := s.m.queue.post(writeTask{op: opBatch, batch: batch}); err != nil {
		return err
	}
	if s.m.cache != nil {
		for _, key := range keys {
			s.m.cache.Invalidate(key)
		}
	}
	s.BatchClear()
	return nil
}

// BatchClear empties the staged batch
func (s *Session) BatchClear() {
	s.mu.Lock()
	if s.batch != nil {
		s.batch.Clear()
	}
	s.batchKeys = nil
	s.mu.Unlock()
}

// BatchDestroy releases the staged batch entirely
func (s *Session) BatchDestroy() {
	s.mu.Lock()
	if s.batch != nil {
		s.batch.Destroy()
		s.batch = nil
	}
	s.batchKeys = nil
	s.mu.Unlock()
}
