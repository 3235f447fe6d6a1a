package db

import (
	"errors"
	"sync"

	"github.com/linxGnu/grocksdb"

	"github.com/fusekv/fusekv/pkg/engine"
	"github.com/fusekv/fusekv/pkg/log"
)

// ErrQueueClosed is returned for writes posted after shutdown began
var ErrQueueClosed = errors.New("write queue is closed")

const writeQueueDepth = 512

type writeOp int

const (
	opPut writeOp = iota
	opDelete
	opMerge
	opBatch
)

// writeTask is one queued mutation. The reply channel always receives
// exactly one result for every accepted task.
type writeTask struct {
	op    writeOp
	cf    string
	key   []byte
	value []byte
	batch *grocksdb.WriteBatch
	reply chan error
}

// writeQueue funnels every mutation through a single consumer, giving a
// natural serialization point for write metrics and a backpressure
// signal: posting blocks while the queue is full.
type writeQueue struct {
	eng   *engine.Engine
	tasks chan writeTask

	mu        sync.RWMutex
	sealed    bool
	producers sync.WaitGroup
	done      chan struct{}
}

func newWriteQueue(eng *engine.Engine) *writeQueue {
	q := &writeQueue{
		eng:   eng,
		tasks: make(chan writeTask, writeQueueDepth),
		done:  make(chan struct{}),
	}
	go q.consume()
	return q
}

// post enqueues a task and waits for its result
func (q *writeQueue) post(t writeTask) error {
	q.mu.RLock()
	if q.sealed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.producers.Add(1)
	q.mu.RUnlock()

	t.reply = make(chan error, 1)
	q.tasks <- t
	q.producers.Done()

	return <-t.reply
}

// seal stops new producers, drains accepted tasks and stops the consumer
func (q *writeQueue) seal() {
	q.mu.Lock()
	if q.sealed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.sealed = true
	q.mu.Unlock()

	q.producers.Wait()
	close(q.tasks)
	<-q.done
}

func (q *writeQueue) consume() {
	defer close(q.done)

	logger := log.WithComponent("write-queue")
	for t := range q.tasks {
		var err error
		switch t.op {
		case opPut:
			err = q.eng.Put(t.cf, t.key, t.value)
		case opDelete:
			err = q.eng.Delete(t.cf, t.key)
		case opMerge:
			err = q.eng.Merge(t.cf, t.key, t.value)
		case opBatch:
			err = q.eng.ApplyBatch(t.batch)
		}
		if err != nil {
			logger.Debug().Err(err).Str("cf", t.cf).Msg("write task failed")
		}
		t.reply <- err
	}
}
