package db

import (
	"fmt"

	"github.com/fusekv/fusekv/pkg/cache"
	"github.com/fusekv/fusekv/pkg/engine"
)

// sessionTxn resolves the session's active transaction
func (m *Manager) sessionTxn(s *Session) (*engine.Txn, *txnState, error) {
	handle := s.txnHandleID()
	if handle == 0 {
		return nil, nil, ErrNoActiveTxn
	}

	m.mu.Lock()
	state, ok := m.txns[handle]
	m.mu.Unlock()
	if !ok {
		return nil, nil, ErrNoActiveTxn
	}
	return state.txn, state, nil
}

// touch records a cache key for invalidation when the transaction commits
func (m *Manager) touch(state *txnState, cfName, key string) {
	m.mu.Lock()
	state.touched = append(state.touched, cache.Key(cfName, key))
	m.mu.Unlock()
}

// BeginTransaction starts the session's transaction. At most one
// transaction may be active per session.
func (m *Manager) BeginTransaction(s *Session) (int64, error) {
	if s.txnHandleID() != 0 {
		return 0, ErrTxnActive
	}

	txn, err := m.eng.BeginTransaction()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	id := m.handle()
	m.txns[id] = &txnState{txn: txn, owner: s}
	m.mu.Unlock()

	s.setTxn(id)
	return id, nil
}

// CommitTransaction commits the session's transaction and releases its
// handle. Cache entries written under the transaction are invalidated.
func (m *Manager) CommitTransaction(s *Session) error {
	handle := s.txnHandleID()
	if handle == 0 {
		return ErrNoActiveTxn
	}

	m.mu.Lock()
	state, ok := m.txns[handle]
	if ok {
		delete(m.txns, handle)
	}
	m.mu.Unlock()
	s.clearTxn(handle)
	if !ok {
		return ErrNoActiveTxn
	}

	if err := state.txn.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if m.cache != nil {
		for _, key := range state.touched {
			m.cache.Invalidate(key)
		}
	}
	return nil
}

// RollbackTransaction aborts the session's transaction
func (m *Manager) RollbackTransaction(s *Session) error {
	handle := s.txnHandleID()
	if handle == 0 {
		return ErrNoActiveTxn
	}

	m.mu.Lock()
	state, ok := m.txns[handle]
	if ok {
		delete(m.txns, handle)
	}
	m.mu.Unlock()
	s.clearTxn(handle)
	if !ok {
		return ErrNoActiveTxn
	}

	if err := state.txn.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
