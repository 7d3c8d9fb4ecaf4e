// Package lzocodec registers the lzo codec.ID with codec.Register.
//
// The real LZO codec plugin is explicitly out of the core's scope
// (spec.md §1), and no repo in the retrieval pack — nor, to our
// knowledge, any actively maintained module in the wider Go ecosystem
// — implements the LZO compression algorithm (its licensing keeps it
// out of most Go module mirrors). Rather than fabricate a dependency,
// this plugin reproduces only the on-disk block framing described by
// original_source/minilzo/lzo.h (a block header of
// uncompressed-size/packed-size followed by packed-size bytes) over a
// store-only payload: psize always equals usize. It exists so the
// codec table has all five ids and files tagged lzo still round-trip;
// it never shrinks data. See DESIGN.md.
package lzocodec

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/hexxellor/fusecompress/codec"
)

const blockSize = 128 * 1024

func init() {
	codec.Register(lzoCodec{})
}

type lzoCodec struct{}

func (lzoCodec) ID() codec.ID      { return codec.LZO }
func (lzoCodec) Extension() string { return "lzo" }
func (lzoCodec) CanEncode() bool   { return false }

func (lzoCodec) OpenReader(r io.Reader) (codec.Stream, error) {
	return &reader{src: r}, nil
}

func (lzoCodec) OpenWriter(w io.Writer, level int) (codec.Stream, error) {
	return &writer{dst: w}, nil
}

func (lzoCodec) Compress(ctx context.Context, in io.Reader, out io.Writer) error {
	w := &writer{dst: out}
	if err := codec.CopyCancelable(ctx, w, in); err != nil {
		return err
	}
	return w.Close()
}

func (lzoCodec) Decompress(ctx context.Context, in io.Reader, out io.Writer) error {
	r := &reader{src: in}
	return codec.CopyCancelable(ctx, out, r)
}

// reader reassembles the framed blocks back into a flat stream.
type reader struct {
	src     io.Reader
	pending []byte
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		var usize, psize uint32
		if err := binary.Read(r.src, binary.LittleEndian, &usize); err != nil {
			return 0, err
		}
		if err := binary.Read(r.src, binary.LittleEndian, &psize); err != nil {
			return 0, io.ErrUnexpectedEOF
		}
		if usize != psize {
			// Store-only: a producer that claims a smaller packed
			// size is a real LZO stream this plugin cannot decode.
			return 0, codec.ErrEncodeUnsupported
		}
		if usize == 0 {
			return 0, io.EOF
		}
		buf := make([]byte, usize)
		if _, err := io.ReadFull(r.src, buf); err != nil {
			return 0, io.ErrUnexpectedEOF
		}
		r.pending = buf
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *reader) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (r *reader) Close() error              { return nil }

// writer frames each blockSize chunk as usize==psize, flushing a
// terminating zero-length block on Close.
type writer struct {
	dst io.Writer
	buf []byte
}

func (w *writer) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func (w *writer) Write(p []byte) (int, error) {
	total := len(p)
	w.buf = append(w.buf, p...)
	for len(w.buf) >= blockSize {
		if err := w.flushBlock(w.buf[:blockSize]); err != nil {
			return 0, err
		}
		w.buf = w.buf[blockSize:]
	}
	return total, nil
}

func (w *writer) flushBlock(block []byte) error {
	if err := binary.Write(w.dst, binary.LittleEndian, uint32(len(block))); err != nil {
		return err
	}
	if err := binary.Write(w.dst, binary.LittleEndian, uint32(len(block))); err != nil {
		return err
	}
	_, err := w.dst.Write(block)
	return err
}

func (w *writer) Close() error {
	if len(w.buf) > 0 {
		if err := w.flushBlock(w.buf); err != nil {
			return err
		}
		w.buf = nil
	}
	// Terminating zero-length block.
	if err := binary.Write(w.dst, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}
	return binary.Write(w.dst, binary.LittleEndian, uint32(0))
}
