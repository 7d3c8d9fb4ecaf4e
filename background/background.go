// Package background implements the delayed-compression queue:
// background_compress() enqueues a record once it becomes idle and
// eligible, and a single worker goroutine drains the queue compressing
// one record at a time, mirroring background_compress.c's
// comp_database + thread_compress.
package background

import (
	"container/list"
	"context"
	"log"
	"sync"

	"github.com/hexxellor/fusecompress/openfile"
)

// Compressor performs the actual whole-file compression of an
// already-locked, already-eligible record, returning it still locked.
// package core supplies this, wired to directio.Engine.CompressWholeFile
// plus a codec.Registry.Choose lookup.
type Compressor func(ctx context.Context, rec *openfile.Record)

// entry is the Go realization of compress_t.
type entry struct {
	rec *openfile.Record
}

// Queue is the Go realization of comp_database: a FIFO of records
// awaiting background compression, plus the condition variable the
// worker goroutine blocks on while the queue is empty.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items *list.List // *entry

	Logger *log.Logger
}

// NewQueue returns an empty Queue.
func NewQueue(logger *log.Logger) *Queue {
	q := &Queue{items: list.New(), Logger: logger}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Len reports the current queue depth, used by openfile.Table as the
// hysteresis term in its soft-limit purge trigger
// (database.entries++ > MAX_DATABASE_LEN + hysteresis in the C core).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Enqueue implements background_compress: rec must already be locked
// by the caller and must not yet have a codec assigned. Enqueue bumps
// rec.Accesses so the open-file table won't evict it while it's
// waiting in the queue, exactly as the original's comment explains.
func Enqueue(q *Queue, rec *openfile.Record) {
	rec.Accesses++

	q.mu.Lock()
	q.items.PushBack(&entry{rec: rec})
	q.mu.Unlock()
	q.cond.Signal()
}

// Repoint moves any queued entry referencing from over to to, called
// while both records are locked during an openfile.Rename, mirroring
// the comp_database scan inside direct_rename.
func (q *Queue) Repoint(from, to *openfile.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.items.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if ent.rec == from {
			ent.rec = to
		}
	}
}

// Run is the Go realization of thread_compress: it blocks until ctx is
// cancelled, dequeuing one record at a time and handing eligible ones
// to compress. It is meant to run as the body of exactly one
// goroutine for the lifetime of a CoreContext.
func (q *Queue) Run(ctx context.Context, compress Compressor) {
	go func() {
		<-ctx.Done()
		q.cond.Broadcast() // wake the worker so it can observe ctx.Err()
	}()

	for {
		q.mu.Lock()
		for q.items.Len() == 0 && ctx.Err() == nil {
			q.cond.Wait()
		}
		if ctx.Err() != nil {
			q.mu.Unlock()
			return
		}
		front := q.items.Front()
		ent := front.Value.(*entry)
		q.items.Remove(front)
		q.mu.Unlock()

		rec := ent.rec
		rec.Lock()
		if rec.Accesses == 1 && !rec.Deleted && rec.Codec == nil {
			if q.Logger != nil {
				q.Logger.Printf("background compress: %s", rec.Path)
			}
			compress(ctx, rec)
		}
		rec.Accesses--
		rec.Unlock()
	}
}
