// Package container implements the fixed on-disk header that prefixes
// every compressed backing file: a magic, a codec id and the logical
// (uncompressed) size of the payload that follows.
package container

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/xerrors"
)

// Magic identifies a compressed backing file. A file whose first three
// bytes are not this sequence is raw, uncompressed data.
var Magic = [3]byte{0x1F, 0x5D, 0x89}

// HeaderSize is the fixed size in bytes of the on-disk header.
const HeaderSize = 3 + 1 + 4 + 8 // magic + codec id + reserved + u64 size

// UnknownSize is the sentinel written while a file's logical size has
// not yet been finalized (e.g. mid background-compression).
const UnknownSize int64 = -1

// ErrBrokenHeader is returned by ReadHeader when the caller has
// established that fd should hold a compressed file (e.g. it was
// already tagged with a codec) but the magic does not match.
var ErrBrokenHeader = errors.New("container: broken header")

// Header is the decoded form of the on-disk header.
type Header struct {
	Codec byte
	Size  int64
}

type rawHeader struct {
	Magic    [3]byte
	Codec    byte
	Reserved [4]byte
	Size     int64
}

// Peek reads the first HeaderSize bytes of r without requiring the
// caller to already know whether the file is compressed. ok is false
// (with a zero Header and nil error) when the magic does not match,
// which callers treat as "this is a raw file".
func Peek(r io.Reader) (h Header, ok bool, err error) {
	var raw rawHeader
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, false, nil
		}
		return Header{}, false, xerrors.Errorf("container: reading header: %w", err)
	}
	if n < HeaderSize {
		return Header{}, false, nil
	}
	if err := binary.Read(sliceReader{buf}, binary.LittleEndian, &raw); err != nil {
		return Header{}, false, xerrors.Errorf("container: decoding header: %w", err)
	}
	if raw.Magic != Magic {
		return Header{}, false, nil
	}
	return Header{Codec: raw.Codec, Size: raw.Size}, true, nil
}

// ReadHeader reads and validates the header, failing with
// ErrBrokenHeader when the caller has already established (by other
// means, e.g. the FileRecord's cached codec) that this should be a
// compressed file.
func ReadHeader(r io.Reader) (h Header, err error) {
	h, ok, err := Peek(r)
	if err != nil {
		return Header{}, err
	}
	if !ok {
		return Header{}, ErrBrokenHeader
	}
	return h, nil
}

// Encode returns the on-disk byte representation of a header, for
// callers that can only write sequentially (e.g. a renameio.PendingFile,
// which has no WriteAt) and must emit it as the first HeaderSize bytes
// written.
func Encode(codecID byte, size int64) ([]byte, error) {
	raw := rawHeader{
		Magic: Magic,
		Codec: codecID,
		Size:  size,
	}
	bw := &sliceWriter{buf: make([]byte, 0, HeaderSize)}
	if err := binary.Write(bw, binary.LittleEndian, &raw); err != nil {
		return nil, xerrors.Errorf("container: encoding header: %w", err)
	}
	return bw.buf, nil
}

// WriteHeader writes the header at offset 0 of w and leaves nothing
// about the file's current seek position (callers using *os.File must
// reposition themselves afterwards; WriteHeader only ever does
// positional writes).
func WriteHeader(w io.WriterAt, codecID byte, size int64) error {
	buf, err := Encode(codecID, size)
	if err != nil {
		return err
	}
	if _, err := w.WriteAt(buf, 0); err != nil {
		return xerrors.Errorf("container: writing header: %w", err)
	}
	return nil
}

type sliceReader struct{ b []byte }

func (s sliceReader) Read(p []byte) (int, error) {
	n := copy(p, s.b)
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

type sliceWriter struct{ buf []byte }

func (s *sliceWriter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}
