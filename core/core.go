// Package core wires the open-file table, direct I/O engine,
// background worker, dedup index and codec registry into the single
// upward API a filesystem adaptor needs: open, read, write, close,
// delete, rename and purge. It is the Go realization of the "process
// wide mutable state... isolated behind a single value" design note.
package core

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hexxellor/fusecompress/background"
	"github.com/hexxellor/fusecompress/codec"
	"github.com/hexxellor/fusecompress/container"
	"github.com/hexxellor/fusecompress/corestat"
	"github.com/hexxellor/fusecompress/dedup"
	"github.com/hexxellor/fusecompress/directio"
	"github.com/hexxellor/fusecompress/openfile"
)

// Kind is the error-kind enum from the error handling design: every
// error CoreContext returns is classified so fuseadaptor can map it to
// the right errno without string-sniffing.
type Kind int

const (
	IOError Kind = iota
	Corrupt
	CodecFailure
	NoSpace
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case IOError:
		return "io-error"
	case Corrupt:
		return "corrupt"
	case CodecFailure:
		return "codec-failure"
	case NoSpace:
		return "no-space"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// category without inspecting the message.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Config holds every tunable the core needs that the original left as
// compile-time constants.
type Config struct {
	// FallbackSkipRatio/FallbackMinSize are directio's read-path
	// fallback heuristic, see design notes §9 open question 2.
	FallbackSkipRatio int64
	FallbackMinSize   int64

	// CompressLevel is passed to the chosen codec's OpenWriter/Compress
	// during background compression.
	CompressLevel int

	// DedupEnabled gates whether the background worker runs do_dedup
	// after a successful do_compress.
	DedupEnabled bool

	Logger *log.Logger
}

// DefaultConfig mirrors the constants implied by direct_compress.c.
func DefaultConfig() Config {
	return Config{
		FallbackSkipRatio: 3,
		FallbackMinSize:   128 * 1024,
		CompressLevel:     9,
		DedupEnabled:      true,
	}
}

// Handle is a single open()'d instance of a file, bundling the
// backing *os.File with the bookkeeping openfile.Record/Descriptor
// pair the rest of the core tracks it under.
type Handle struct {
	rec  *openfile.Record
	desc *openfile.Descriptor
	file *os.File
}

// CoreContext owns every piece of process-wide mutable state: the
// open-file table, the background compression queue (and its worker
// goroutine), the dedup index, and the codec registry. One value is
// created per mounted overlay.
type CoreContext struct {
	Table    *openfile.Table
	Engine   *directio.Engine
	Queue    *background.Queue
	Dedup    *dedup.Index
	Registry *codec.Registry
	Stats    *corestat.Counters
	Config   Config

	dedupPath string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a CoreContext. registry may be nil to use
// codec.Default(). reg may be nil (metrics go to a private, unscraped
// registry). dedupPath, if non-empty, is the path (used as given) of the
// dedup persistence file loaded at startup via dedup.LoadAndDelete and
// saved at Shutdown via Index.Save, per spec.md §4.5/§6.
func New(registry *codec.Registry, reg prometheus.Registerer, dedupPath string, cfg Config) (*CoreContext, error) {
	if registry == nil {
		registry = codec.Default()
	}
	if cfg.FallbackSkipRatio == 0 && cfg.FallbackMinSize == 0 {
		d := DefaultConfig()
		cfg.FallbackSkipRatio, cfg.FallbackMinSize = d.FallbackSkipRatio, d.FallbackMinSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	idx, err := loadDedupIndex(dedupPath)
	if err != nil {
		return nil, wrap(IOError, err)
	}

	queue := background.NewQueue(cfg.Logger)
	table := openfile.NewTable(queue.Len)
	engine := directio.NewEngine(registry, directio.Config{
		FallbackSkipRatio: cfg.FallbackSkipRatio,
		FallbackMinSize:   cfg.FallbackMinSize,
	}, cfg.Logger)

	c := &CoreContext{
		Table:     table,
		Engine:    engine,
		Queue:     queue,
		Dedup:     idx,
		Registry:  registry,
		Stats:     corestat.New(reg),
		Config:    cfg,
		dedupPath: dedupPath,
	}
	return c, nil
}

func loadDedupIndex(path string) (*dedup.Index, error) {
	if path == "" {
		return dedup.NewIndex(), nil
	}
	idx, err := dedup.LoadAndDelete(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, dedup.ErrBadFormat) {
			return dedup.NewIndex(), nil
		}
		return nil, err
	}
	return idx, nil
}

// Start launches the background worker goroutine. It must be called
// once before any file becomes eligible for background compression;
// Shutdown stops it.
func (c *CoreContext) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Queue.Run(ctx, c.compress)
	}()
}

// Shutdown stops the background worker and, if a dedup persistence
// path was configured, saves the index so a subsequent mount can
// reload it via New.
func (c *CoreContext) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
	if c.dedupPath == "" {
		return nil
	}
	if err := c.Dedup.Save(c.dedupPath); err != nil {
		return wrap(IOError, err)
	}
	return nil
}

// compress is the background.Compressor handed to Queue.Run: it
// mirrors thread_compress's body once an entry is dequeued and found
// eligible — do_compress, then (if enabled) do_dedup.
func (c *CoreContext) compress(ctx context.Context, rec *openfile.Record) {
	chosen, ok := c.Registry.Choose(rec.Path)
	if !ok {
		return
	}
	if err := c.Engine.CompressWholeFile(ctx, rec, chosen, c.Config.CompressLevel); err != nil {
		if !errors.Is(err, directio.ErrCancelled) {
			c.Config.Logger.Printf("background compress %s: %v", rec.Path, err)
		}
		return
	}
	c.Stats.BackgroundCompress.Inc()

	if !c.Config.DedupEnabled {
		return
	}

	rec.Status |= openfile.Deduping
	rec.Unlock()
	err := c.Dedup.Dedup(rec.Path)
	rec.Lock()
	rec.Status &^= openfile.Deduping
	rec.Status &^= openfile.Cancel
	rec.Broadcast()
	if err != nil {
		c.Config.Logger.Printf("background dedup %s: %v", rec.Path, err)
		return
	}
	c.Stats.Dedup.Inc()
}

// Open implements direct_open: it resolves (creating if necessary) the
// FileRecord for path, opens the backing file, peeks or trusts its
// container header to establish the record's codec and logical size,
// positions the backing descriptor past the header, and returns a
// Handle tracking the pair. wantStable requests the same draining
// behaviour as Table.Open.
func (c *CoreContext) Open(path string, flags int, perm os.FileMode, wantStable bool) (*Handle, error) {
	rec := c.Table.Open(path, wantStable)

	// A write-capable open always undedups first (do_undedup is
	// "invoked before any write"): doing it here, before the backing
	// file descriptor for this session even exists, means the
	// descriptor this Handle owns for its whole lifetime always refers
	// to the file's own private inode, never a shared one a later
	// rename-over would silently orphan it from.
	if flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		var st unix.Stat_t
		shared := unix.Stat(path, &st) == nil && st.Nlink >= 2
		if err := c.Dedup.Undedup(path); err != nil {
			rec.Unlock()
			kind := IOError
			if errors.Is(err, unix.ENOSPC) {
				kind = NoSpace
			}
			return nil, wrap(kind, err)
		}
		if shared {
			c.Stats.Undedup.Inc()
		}
	}

	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		rec.Unlock()
		return nil, wrap(IOError, xerrors.Errorf("core: opening %s: %w", path, err))
	}

	// rec.Size stays UnknownSize until a file's header (or lack of one)
	// has been established once; rec.Codec itself stays nil forever for
	// a file that has never been background compressed, so it cannot
	// serve as the "already looked at this session" signal.
	if rec.Size == openfile.UnknownSize {
		hdr, ok, err := container.Peek(f)
		if err != nil {
			f.Close()
			rec.Unlock()
			return nil, wrap(Corrupt, err)
		}
		if ok {
			chosen, err := c.Registry.ByID(codec.ID(hdr.Codec))
			if err != nil {
				f.Close()
				rec.Unlock()
				return nil, wrap(CodecFailure, err)
			}
			rec.Codec = chosen
			rec.Size = hdr.Size
		} else {
			info, err := f.Stat()
			if err != nil {
				f.Close()
				rec.Unlock()
				return nil, wrap(IOError, err)
			}
			rec.Size = info.Size()
		}
	}

	seekTo := int64(0)
	if rec.Codec != nil {
		seekTo = container.HeaderSize
	}
	if _, err := f.Seek(seekTo, io.SeekStart); err != nil {
		f.Close()
		rec.Unlock()
		return nil, wrap(IOError, err)
	}

	desc := openfile.Attach(rec)
	rec.Unlock()

	return &Handle{rec: rec, desc: desc, file: f}, nil
}

// Read implements direct_decompress via the direct I/O engine.
func (c *CoreContext) Read(ctx context.Context, h *Handle, buf []byte, offset int64) (int, error) {
	h.rec.Lock()
	defer h.rec.Unlock()

	fallback := h.rec.Codec != nil && c.Engine.NeedsReadFallback(h.rec, h.desc, offset)
	n, err := c.Engine.Read(ctx, h.rec, h.desc, h.file, buf, offset)
	if err != nil {
		return 0, wrap(IOError, err)
	}
	if fallback {
		c.Stats.Fallback.Inc()
	} else {
		c.Stats.DirectRead.Inc()
	}
	return n, nil
}

// Write implements direct_compress via the direct I/O engine. Open
// already ran do_undedup for any write-capable handle, so by the time
// Write is called the backing descriptor is guaranteed private.
func (c *CoreContext) Write(ctx context.Context, h *Handle, buf []byte, offset int64) (int, error) {
	h.rec.Lock()
	defer h.rec.Unlock()

	fallback := h.rec.Codec != nil && c.Engine.NeedsWriteFallback(h.rec, h.desc, offset)
	n, err := c.Engine.Write(ctx, h.rec, h.desc, h.file, buf, offset)
	if err != nil {
		return 0, wrap(IOError, err)
	}
	if fallback {
		c.Stats.Fallback.Inc()
	} else {
		c.Stats.DirectWrite.Inc()
	}
	return n, nil
}

// Close implements direct_close: it finalizes any open codec stream
// against h, detaches it from its Record, and, if that was the last
// access and the record enqueued eligible for background compression,
// hands it to the queue.
func (c *CoreContext) Close(h *Handle) error {
	h.rec.Lock()
	defer h.rec.Unlock()

	if err := c.Engine.Close(h.rec, h.desc); err != nil {
		h.file.Close()
		return wrap(IOError, err)
	}
	openfile.Detach(h.rec, h.desc)

	closeErr := h.file.Close()

	if h.rec.Accesses == 0 && !h.rec.Deleted && h.rec.Codec == nil {
		if _, ok := c.Registry.Choose(h.rec.Path); ok {
			background.Enqueue(c.Queue, h.rec)
		}
	}

	if closeErr != nil {
		return wrap(IOError, closeErr)
	}
	return nil
}

// Delete implements direct_delete/unlink: it removes the backing file
// and marks its FileRecord logically deleted so descriptors still open
// against it keep working until they close.
func (c *CoreContext) Delete(path string) error {
	rec := c.Table.Open(path, false)
	defer rec.Unlock()

	if err := os.Remove(path); err != nil {
		return wrap(IOError, err)
	}
	openfile.Delete(rec)
	c.Dedup.Discard(path)
	return nil
}

// Rename implements direct_rename: it moves the backing file, migrates
// the FileRecord (descriptors included) from "from" to "to", repoints
// any queued background-compression entry, and updates the dedup
// index's bookkeeping for the path change.
func (c *CoreContext) Rename(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		return wrap(IOError, err)
	}

	fromRec := c.Table.Open(from, false)
	toRec := c.Table.Open(to, false)

	openfile.Rename(fromRec, toRec, nil)
	c.Queue.Repoint(fromRec, toRec)

	fromRec.Unlock()
	toRec.Unlock()

	c.Dedup.Rename(from, to)
	return nil
}

// Purge implements _direct_open_purge/background_compress's eligibility
// pass over idle records: entries that can still be background
// compressed are enqueued instead of evicted.
func (c *CoreContext) Purge(force bool) {
	c.Table.PurgeWithEligibility(force, func(rec *openfile.Record) bool {
		if rec.Deleted || rec.Codec != nil {
			return false
		}
		_, ok := c.Registry.Choose(rec.Path)
		return ok
	}, func(rec *openfile.Record) {
		background.Enqueue(c.Queue, rec)
	})
}

// Stat resolves path's logical (uncompressed) size and codec for
// filesystem metadata calls (GetInodeAttributes), without needing a
// full Open/Close pair.
func (c *CoreContext) Stat(path string) (size int64, codecID codec.ID, err error) {
	rec := c.Table.Open(path, true)
	defer rec.Unlock()

	if rec.Codec != nil {
		return rec.Size, rec.Codec.ID(), nil
	}

	f, oerr := os.Open(path)
	if oerr != nil {
		return 0, 0, wrap(IOError, oerr)
	}
	defer f.Close()

	hdr, ok, perr := container.Peek(f)
	if perr != nil {
		return 0, 0, wrap(Corrupt, perr)
	}
	if !ok {
		info, serr := f.Stat()
		if serr != nil {
			return 0, 0, wrap(IOError, serr)
		}
		return info.Size(), codec.Null, nil
	}
	return hdr.Size, codec.ID(hdr.Codec), nil
}

// BackingPath joins a configured root with a filesystem-relative path.
// fuseadaptor uses this so every path handed to CoreContext is resolved
// the same way, with no "../" escape from the backing root.
func BackingPath(root, rel string) string {
	return filepath.Join(root, filepath.Clean("/"+rel))
}
