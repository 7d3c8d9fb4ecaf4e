// Package openfile implements the open-file table: the in-memory
// registry of every path the core is currently tracking, keyed by a
// path hash with a linear fallback scan for collisions, exactly as
// direct_open/direct_open_purge worked in the C core this package is
// grounded on (original_source/direct_compress.c).
//
// A Record's lock is the single serialization point for everything
// that can happen to one file: direct reads and writes (package
// directio), background compression (package background), and
// deduplication (package dedup) all hold a Record's lock while they
// touch it. Table's own lock is always taken before a Record's lock,
// never while a Record's lock is already held.
package openfile

import (
	"container/list"
	"hash/fnv"
	"sync"

	"github.com/hexxellor/fusecompress/codec"
)

// Status is the small bitset direct_compress.c calls file->status.
type Status uint32

const (
	Compressing Status = 1 << iota
	Decompressing
	Deduping
	Cancel
)

// Kind records whether a Record has been established for reading,
// writing, or neither yet (file->type in the C core).
type Kind int

const (
	KindNone Kind = iota
	KindRead
	KindWrite
)

// Record is the Go realization of file_t. Every field below the lock
// line is GUARDED_BY mu; callers must hold mu (via Table.Open or an
// explicit Lock) before touching them.
type Record struct {
	mu   sync.Mutex
	cond *sync.Cond

	Path     string
	PathHash uint32

	// GUARDED_BY mu
	Accesses     int
	Deleted      bool
	Codec        codec.Codec // nil means raw: no container header, never compressed
	Size         int64       // -1 means unknown, mirrors file->size == -1
	DontCompress bool
	Kind         Kind
	Skipped      int64
	Status       Status

	descriptors *list.List // *Descriptor, GUARDED_BY mu

	elem *list.Element // this Record's node in Table's bucket list
}

// UnknownSize mirrors the C core's (off_t) -1 sentinel.
const UnknownSize int64 = -1

func newRecord(hash uint32, path string) *Record {
	r := &Record{
		Path:        path,
		PathHash:    hash,
		Size:        UnknownSize,
		descriptors: list.New(),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Lock acquires the record's lock. Most callers instead receive an
// already-locked Record from Table.Open.
func (r *Record) Lock() { r.mu.Lock() }

// Unlock releases the record's lock.
func (r *Record) Unlock() { r.mu.Unlock() }

// WaitCancelCompression blocks until no compression or decompression
// is in flight against r, setting Cancel each time it has to wait so
// the worker holding the status bit notices and yields — the Go
// realization of the while (file->status & (COMPRESSING|DECOMPRESSING))
// loop in direct_open/direct_compress/direct_decompress. r.mu must be
// held by the caller; it is released while waiting and reacquired
// before return.
func (r *Record) WaitCancelCompression() {
	for r.Status&(Compressing|Decompressing) != 0 {
		r.Status |= Cancel
		r.cond.Wait()
	}
}

// WaitDecompression blocks until no decompression is in flight,
// without requesting cancellation of an in-flight compression — used
// by direct reads/writes, mirroring the narrower
// while (file->status & DECOMPRESSING) loops in direct_compress.c.
func (r *Record) WaitDecompression() {
	for r.Status&Decompressing != 0 {
		r.Status |= Cancel
		r.cond.Wait()
	}
}

// Broadcast wakes every goroutine waiting on r's condition, called
// whenever a status bit clears.
func (r *Record) Broadcast() { r.cond.Broadcast() }

// Descriptor is the Go realization of descriptor_t: one open()
// instance of a Record, owning its own *os.File duplicate and codec
// Stream, positioned independently of any other Descriptor on the
// same Record.
type Descriptor struct {
	Record *Record

	// GUARDED_BY Record.mu
	Stream codec.Stream
	Offset int64

	elem *list.Element // this Descriptor's node in Record.descriptors
}

// pathHash is the Go stand-in for utils.h's gethash: a fast,
// well-distributed hash over the path, used only for bucketing, never
// for identity (identity is the path string compare that follows a
// hash match, exactly as direct_open does after memcmp).
func pathHash(path string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(path))
	return h.Sum32()
}

// softLimit mirrors MAX_DATABASE_LEN: once the table holds more than
// this many entries (plus the background queue's own hysteresis), new
// opens trigger an opportunistic Purge(false).
const softLimit = 30

// BacklogLen reports the current size of the caller's background
// compression queue, used to compute the same database.entries++ >
// MAX_DATABASE_LEN + hysteresis trigger the C core used against
// comp_database.entries.
type BacklogLen func() int

// Table is the Go realization of database_t: a bucketed registry of
// every Record currently tracked, plus the purge policy that evicts
// idle entries once the table grows large.
type Table struct {
	mu      sync.Mutex
	buckets map[uint32]*list.List // bucket -> *list.List of *Record
	entries int

	Backlog BacklogLen // optional; nil is treated as always-zero
}

// NewTable returns an empty Table. backlog may be nil.
func NewTable(backlog BacklogLen) *Table {
	if backlog == nil {
		backlog = func() int { return 0 }
	}
	return &Table{
		buckets: make(map[uint32]*list.List),
		Backlog: backlog,
	}
}

// Open returns the Record for path, creating it if necessary, locked
// for the caller. If wantStable is true, Open first drains any
// in-flight compression/decompression against the record (the
// "stabile" parameter of direct_open), so the caller sees a
// consistent, non-transcoding file.
//
// Open may trigger an opportunistic Purge(false) when the table has
// grown past its soft limit, exactly as direct_open did.
func (t *Table) Open(path string, wantStable bool) *Record {
	hash := pathHash(path)

	t.mu.Lock()
	bucket := t.buckets[hash]
	if bucket != nil {
		for e := bucket.Front(); e != nil; e = e.Next() {
			rec := e.Value.(*Record)
			rec.Lock()
			if rec.Path == path {
				rec.Deleted = false
				t.mu.Unlock()
				if wantStable {
					rec.WaitCancelCompression()
				}
				return rec
			}
			rec.Unlock()
		}
	}

	t.entries++
	shouldPurge := t.entries > softLimit+t.Backlog()
	t.mu.Unlock()

	if shouldPurge {
		t.Purge(false)
	}

	rec := newRecord(hash, path)
	rec.Lock()

	t.mu.Lock()
	bucket = t.buckets[hash]
	if bucket == nil {
		bucket = list.New()
		t.buckets[hash] = bucket
	}
	rec.elem = bucket.PushBack(rec)
	t.mu.Unlock()

	return rec
}

// remove unlinks rec from its bucket. Callers must hold t.mu, taken
// before rec.mu if they hold that too.
func (t *Table) remove(rec *Record) {
	bucket := t.buckets[rec.PathHash]
	if bucket == nil {
		return
	}
	bucket.Remove(rec.elem)
	if bucket.Len() == 0 {
		delete(t.buckets, rec.PathHash)
	}
	t.entries--
}

// Purge implements _direct_open_purge without any background
// eligibility test: it evicts every tracked Record with no open
// accesses, and hands none of them to background compression (that is
// PurgeWithEligibility). Records with open accesses are left alone
// unless force is true, in which case they are forcibly evicted (used
// only at unmount, mirroring the C core's comment about losing a few
// bytes being acceptable on exit). Open's soft-limit purge calls Purge.
func (t *Table) Purge(force bool) {
	t.purge(force, nil)
}

// PurgeWithEligibility is Purge, but hands every idle record to
// shouldBackground before deciding whether to evict it; records for
// which shouldBackground returns true are left in the table (still
// locked state returned to caller via the onEligible hook) instead of
// being removed, mirroring background_compress(file) in the C core.
//
// shouldBackground is called with rec already locked and must not
// block or call back into Table; the Go equivalent of the C core's
// choose_compressor() + statvfs() eligibility test lives in package
// core, which supplies this callback.
func (t *Table) PurgeWithEligibility(force bool, shouldBackground func(*Record) bool, onEligible func(*Record)) {
	t.purge(force, func(rec *Record) bool {
		if shouldBackground == nil {
			return false
		}
		ok := shouldBackground(rec)
		if ok && onEligible != nil {
			onEligible(rec)
		}
		return ok
	})
}

func (t *Table) purge(force bool, shouldBackground func(*Record) bool) {
	t.mu.Lock()
	var all []*Record
	for _, bucket := range t.buckets {
		for e := bucket.Front(); e != nil; e = e.Next() {
			all = append(all, e.Value.(*Record))
		}
	}
	t.mu.Unlock()

	for _, rec := range all {
		t.mu.Lock()
		rec.Lock()
		if rec.Accesses == 0 {
			if !rec.Deleted && rec.Codec == nil && shouldBackground != nil && shouldBackground(rec) {
				rec.Unlock()
				t.mu.Unlock()
				continue
			}
			t.remove(rec)
		} else if force {
			t.remove(rec)
		}
		rec.Unlock()
		t.mu.Unlock()
	}
}

// Delete marks rec as logically removed (direct_delete): its size
// becomes unknown and it is flagged deleted, but it stays in the table
// until its last Descriptor closes. r must already be locked.
func Delete(r *Record) {
	r.Deleted = true
	r.Size = UnknownSize
}

// Rename moves every Descriptor and all derived state from "from" to
// "to" (direct_rename) and marks "from" deleted. Both records must
// already be locked by the caller, "from" first then "to", matching
// the table's lock ordering. extra is invoked once per moved
// Descriptor while both locks are still held, so callers (package
// background) can repoint queue entries the same way the C core's
// comp_database scan does.
func Rename(from, to *Record, extra func(d *Descriptor)) {
	to.Size = from.Size
	to.Codec = from.Codec
	to.DontCompress = from.DontCompress
	to.Kind = from.Kind
	to.Status = from.Status

	for e := from.descriptors.Front(); e != nil; {
		next := e.Next()
		d := e.Value.(*Descriptor)
		from.descriptors.Remove(e)
		from.Accesses--

		d.elem = to.descriptors.PushBack(d)
		d.Record = to
		to.Accesses++

		if extra != nil {
			extra(d)
		}
		e = next
	}

	Delete(from)
}

// Attach registers a new Descriptor against rec, which must already be
// locked, incrementing Accesses. This is the bookkeeping half of
// direct_open's contract: callers open the backing *os.File themselves
// (package directio) and hand it here only to track it.
func Attach(rec *Record) *Descriptor {
	d := &Descriptor{Record: rec}
	d.elem = rec.descriptors.PushBack(d)
	rec.Accesses++
	return d
}

// Detach removes d from its Record's descriptor list, decrementing
// Accesses and resetting Kind/DontCompress if this was the last
// access, mirroring direct_close's "file->accesses == 1" branch. rec
// must already be locked.
func Detach(rec *Record, d *Descriptor) {
	rec.descriptors.Remove(d.elem)
	rec.Accesses--
	if rec.Accesses == 0 {
		rec.Kind = KindNone
		rec.DontCompress = false
	}
}
