// Package codec defines the narrow, polymorphic contract the core
// consumes to stream-encode and stream-decode file content, plus the
// registry that maps codec ids and filename policy to concrete
// implementations. The core never imports a concrete codec; concrete
// codecs (package codec/gzipcodec, codec/lzmacodec, ...) register
// themselves with this package from an init(), the same way the
// standard library's image package is extended by its format plugins.
package codec

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
)

// ID is the on-disk codec identifier stored in the container header.
type ID byte

const (
	Null ID = iota
	Bzip2
	Gzip
	LZO
	LZMA
)

func (id ID) String() string {
	switch id {
	case Null:
		return "null"
	case Bzip2:
		return "bzip2"
	case Gzip:
		return "gzip"
	case LZO:
		return "lzo"
	case LZMA:
		return "lzma"
	default:
		return "unknown"
	}
}

// ErrEncodeUnsupported is returned by Compress/OpenWriter for codecs
// that can only decode existing content (see codec/bzip2codec).
var ErrEncodeUnsupported = errors.New("codec: compression not supported, decode-only")

// ErrUnknownID is returned by the registry when asked to resolve an id
// it has no implementation for.
var ErrUnknownID = errors.New("codec: unknown codec id")

// Stream is an opened, in-progress encode or decode against a file
// descriptor. Implementations are not required to be safe for
// concurrent use; the core serializes all access to a Stream under
// the owning FileRecord's lock.
type Stream interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// Codec is a stateless capability table. Every method must be safe
// for concurrent use by multiple goroutines operating on distinct
// files; per-file state lives entirely in the Stream it returns.
type Codec interface {
	ID() ID

	// Extension is the registration key used by filename-based codec
	// selection, e.g. "gzip".
	Extension() string

	// OpenReader opens a decoding Stream against r, which the caller
	// has already positioned just past the container header (when r
	// is backed by a file, the caller is responsible for any dup(2)
	// and Seek needed to give this Stream an independent position,
	// per the discipline described in openfile.Descriptor).
	OpenReader(r io.Reader) (Stream, error)

	// OpenWriter opens an encoding Stream against w at the given
	// compression level (codec-specific meaning; 0 means "default").
	OpenWriter(w io.Writer, level int) (Stream, error)

	// Compress performs whole-file transcoding from in to out,
	// checking ctx for cancellation between chunks (ctx.Err() != nil
	// aborts the transcode and returns ctx.Err()). Neither stream is
	// closed by Compress.
	Compress(ctx context.Context, in io.Reader, out io.Writer) error

	// Decompress is the inverse of Compress; out receives the
	// logical, uncompressed bytes of in (which is assumed already
	// positioned past any container header).
	Decompress(ctx context.Context, in io.Reader, out io.Writer) error
}

// Registry resolves codec ids to implementations and chooses a codec
// for a file based on its name, per spec.md §4.2: a default codec,
// unless the name's extension is blacklisted or (when enabled) the
// name falls under a canonical binary directory prefix.
type Registry struct {
	mu      sync.RWMutex
	byID    map[ID]Codec
	byExt   map[string]Codec
	Default Codec

	// Uncompressible extensions are never compressed regardless of
	// Default, e.g. media containers and archives that are already
	// compressed.
	Uncompressible map[string]bool

	// BinaryPrefixes, when SkipBinaryPrefixes is true, excludes paths
	// under these backing-relative prefixes from compression, to
	// avoid breaking memory-mapped executables (spec.md §4.2).
	SkipBinaryPrefixes bool
	BinaryPrefixes     []string
}

// NewRegistry returns a Registry with the Null codec registered and a
// default extension blacklist matching spec.md §4.2's description
// (media containers, archives, already-compressed formats).
func NewRegistry() *Registry {
	r := &Registry{
		byID:  make(map[ID]Codec),
		byExt: make(map[string]Codec),
		Uncompressible: map[string]bool{
			".gz": true, ".bz2": true, ".xz": true, ".zip": true,
			".7z": true, ".rar": true, ".tgz": true, ".tbz2": true,
			".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
			".mp3": true, ".mp4": true, ".mkv": true, ".avi": true,
			".ogg": true, ".webm": true, ".flac": true,
		},
		BinaryPrefixes: []string{"bin/", "usr/bin/", "usr/sbin/", "sbin/"},
	}
	r.Register(nullCodec{})
	r.Default = r.byID[Null]
	return r
}

// Register adds c to the registry, keyed by both its ID and its
// Extension. While the default is still unset or the Null codec, the
// first registered codec that can encode becomes the default.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ID()] = c
	r.byExt[c.Extension()] = c
	if r.Default == nil || r.Default.ID() == Null {
		if probe, ok := c.(interface{ CanEncode() bool }); !ok || probe.CanEncode() {
			r.Default = c
		}
	}
}

// defaultRegistry is populated by every codec plugin's init(), the
// same way the standard library's image package accumulates format
// decoders into a package-level list via image.RegisterFormat. A
// program that wants every linked-in codec need only blank-import the
// plugin packages and then use Default().
var defaultRegistry = NewRegistry()

// Register adds c to the package-level default registry. Called from
// plugin init() functions.
func Register(c Codec) {
	defaultRegistry.Register(c)
}

// Default returns the package-level registry that every codec
// plugin's init() populates itself into.
func Default() *Registry {
	return defaultRegistry
}

// ByID resolves a codec id previously read from a container header.
func (r *Registry) ByID(id ID) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrUnknownID
	}
	return c, nil
}

// SetDefault overrides the codec chosen for newly compressed files
// that are not blacklisted (e.g. selecting gzip vs lzma by config).
func (r *Registry) SetDefault(extension string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byExt[extension]
	if !ok {
		return false
	}
	r.Default = c
	return true
}

// Choose implements choose_compressor from spec.md §4.3: it returns
// the codec that should be used to compress path, or ok=false if path
// must not be compressed.
func (r *Registry) Choose(path string) (c Codec, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext := strings.ToLower(filepath.Ext(path))
	if r.Uncompressible[ext] {
		return nil, false
	}
	if r.SkipBinaryPrefixes {
		rel := strings.TrimPrefix(path, "/")
		for _, prefix := range r.BinaryPrefixes {
			if strings.HasPrefix(rel, prefix) {
				return nil, false
			}
		}
	}
	if r.Default == nil || r.Default.ID() == Null {
		return nil, false
	}
	// A codec that cannot encode (e.g. bzip2codec) is never chosen
	// for new background compression, matching spec.md's choose_
	// compressor contract that only picks codecs able to compress.
	if probe, ok := r.Default.(interface{ CanEncode() bool }); ok && !probe.CanEncode() {
		return nil, false
	}
	return r.Default, true
}

type nullCodec struct{}

func (nullCodec) ID() ID            { return Null }
func (nullCodec) Extension() string { return "null" }
func (nullCodec) CanEncode() bool   { return true }

func (nullCodec) OpenReader(r io.Reader) (Stream, error) { return passthrough{r: r}, nil }
func (nullCodec) OpenWriter(w io.Writer, level int) (Stream, error) {
	return passthrough{w: w}, nil
}

func (nullCodec) Compress(ctx context.Context, in io.Reader, out io.Writer) error {
	return CopyCancelable(ctx, out, in)
}

func (nullCodec) Decompress(ctx context.Context, in io.Reader, out io.Writer) error {
	return CopyCancelable(ctx, out, in)
}

// passthrough wraps whichever of r/w is non-nil so the null codec
// satisfies Stream without exposing the underlying reader/writer's
// wider surface (e.g. *os.File's Seek/Name) to callers that only
// expect a Stream.
type passthrough struct {
	r io.Reader
	w io.Writer
}

func (p passthrough) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p passthrough) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p passthrough) Close() error {
	if c, ok := p.r.(io.Closer); ok {
		return c.Close()
	}
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// CopyCancelable copies src to dst in chunks, checking ctx for
// cancellation between each chunk. It is the shared implementation
// every codec plugin uses for its whole-file Compress/Decompress, so
// that ctx cancellation (standing in for the original's cooperative
// testcancel() polling) is honoured uniformly.
func CopyCancelable(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}
