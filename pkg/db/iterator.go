package db

import (
	"fmt"

	"github.com/linxGnu/grocksdb"
)

// iterCursor is the cursor surface the manager drives. It exists so the
// direction bookkeeping is testable without an engine.
type iterCursor interface {
	Seek(key string)
	SeekForPrev(key string)
	Next()
	Prev()
	Valid() bool
	Entry() (key, value string)
	Close()
}

// rocksCursor adapts a grocksdb iterator to iterCursor
type rocksCursor struct {
	it *grocksdb.Iterator
}

func (c *rocksCursor) Seek(key string)        { c.it.Seek([]byte(key)) }
func (c *rocksCursor) SeekForPrev(key string) { c.it.SeekForPrev([]byte(key)) }
func (c *rocksCursor) Next()                  { c.it.Next() }
func (c *rocksCursor) Prev()                  { c.it.Prev() }
func (c *rocksCursor) Valid() bool            { return c.it.Valid() }
func (c *rocksCursor) Close()                 { c.it.Close() }

func (c *rocksCursor) Entry() (string, string) {
	k := c.it.Key()
	v := c.it.Value()
	key, value := string(k.Data()), string(v.Data())
	k.Free()
	v.Free()
	return key, value
}

// CreateIterator opens a cursor over the column family and returns its
// handle. The session owns the handle until it destroys it or closes.
func (m *Manager) CreateIterator(s *Session, cfName string) (int64, error) {
	it, err := m.eng.NewIterator(normalizeCF(cfName))
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	id := m.handle()
	m.iterators[id] = &iteratorState{it: &rocksCursor{it: it}, owner: s, forward: true}
	m.mu.Unlock()

	s.trackIterator(id)
	return id, nil
}

// DestroyIterator closes the cursor behind the handle
func (m *Manager) DestroyIterator(s *Session, id int64) error {
	m.mu.Lock()
	state, ok := m.iterators[id]
	if ok {
		delete(m.iterators, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownIterator, id)
	}

	state.it.Close()
	if state.owner != nil {
		state.owner.forgetIterator(id)
	}
	return nil
}

// withIterator runs fn against the handle's state. The cursor is a
// single-writer object; the manager lock is held across each operation.
func (m *Manager) withIterator(id int64, fn func(*iteratorState) string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.iterators[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownIterator, id)
	}
	return fn(state), nil
}

func cursorResult(c iterCursor) string {
	if !c.Valid() {
		return IteratorInvalid
	}
	k, v := c.Entry()
	return k + ":" + v
}

// IteratorSeek positions the cursor at the smallest key >= key when
// forward, or the greatest key <= key when reverse, and records the
// direction for subsequent Next/Prev calls.
func (m *Manager) IteratorSeek(id int64, key string, forward bool) (string, error) {
	return m.withIterator(id, func(state *iteratorState) string {
		state.forward = forward
		if forward {
			state.it.Seek(key)
		} else {
			state.it.SeekForPrev(key)
		}
		return cursorResult(state.it)
	})
}

// IteratorNext advances in the direction last set by seek. An invalid
// cursor stays invalid and does not advance.
func (m *Manager) IteratorNext(id int64) (string, error) {
	return m.withIterator(id, func(state *iteratorState) string {
		if !state.it.Valid() {
			return IteratorInvalid
		}
		if state.forward {
			state.it.Next()
		} else {
			state.it.Prev()
		}
		return cursorResult(state.it)
	})
}

// IteratorPrev advances opposite to the direction last set by seek
func (m *Manager) IteratorPrev(id int64) (string, error) {
	return m.withIterator(id, func(state *iteratorState) string {
		if !state.it.Valid() {
			return IteratorInvalid
		}
		if state.forward {
			state.it.Prev()
		} else {
			state.it.Next()
		}
		return cursorResult(state.it)
	})
}
