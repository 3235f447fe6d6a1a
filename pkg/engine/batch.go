package engine

import (
	"github.com/linxGnu/grocksdb"
)

// NewWriteBatch returns an empty write batch. The caller owns it and
// must Destroy it when done.
func (e *Engine) NewWriteBatch() *grocksdb.WriteBatch {
	return grocksdb.NewWriteBatch()
}

// BatchPut stages a put into the batch
func (e *Engine) BatchPut(batch *grocksdb.WriteBatch, cfName string, key, value []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return err
	}
	batch.PutCF(h, key, value)
	return nil
}

// BatchMerge stages a merge operand into the batch
func (e *Engine) BatchMerge(batch *grocksdb.WriteBatch, cfName string, key, operand []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return err
	}
	batch.MergeCF(h, key, operand)
	return nil
}

// BatchDelete stages a delete into the batch
func (e *Engine) BatchDelete(batch *grocksdb.WriteBatch, cfName string, key []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, err := e.cf(cfName)
	if err != nil {
		return err
	}
	batch.DeleteCF(h, key)
	return nil
}
