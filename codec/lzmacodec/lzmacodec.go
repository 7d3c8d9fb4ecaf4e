// Package lzmacodec registers the lzma codec.ID with codec.Register,
// using github.com/ulikunitz/xz/lzma — the pack's only LZMA-family
// dependency, pulled from quay-claircore's go.mod.
package lzmacodec

import (
	"context"
	"io"

	"github.com/ulikunitz/xz/lzma"

	"github.com/hexxellor/fusecompress/codec"
)

func init() {
	codec.Register(lzmaCodec{})
}

type lzmaCodec struct{}

func (lzmaCodec) ID() codec.ID      { return codec.LZMA }
func (lzmaCodec) Extension() string { return "lzma" }
func (lzmaCodec) CanEncode() bool   { return true }

func (lzmaCodec) OpenReader(r io.Reader) (codec.Stream, error) {
	lr, err := lzma.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &reader{r: lr}, nil
}

func (lzmaCodec) OpenWriter(w io.Writer, level int) (codec.Stream, error) {
	lw, err := lzma.NewWriter(w)
	if err != nil {
		return nil, err
	}
	return &writer{w: lw}, nil
}

func (c lzmaCodec) Compress(ctx context.Context, in io.Reader, out io.Writer) error {
	w, err := c.OpenWriter(out, 0)
	if err != nil {
		return err
	}
	if err := codec.CopyCancelable(ctx, w, in); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (c lzmaCodec) Decompress(ctx context.Context, in io.Reader, out io.Writer) error {
	r, err := c.OpenReader(in)
	if err != nil {
		return err
	}
	return codec.CopyCancelable(ctx, out, r)
}

type reader struct{ r *lzma.Reader }

func (r *reader) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r *reader) Write([]byte) (int, error)  { return 0, io.ErrClosedPipe }
func (r *reader) Close() error               { return nil }

type writer struct{ w *lzma.Writer }

func (w *writer) Read([]byte) (int, error)    { return 0, io.ErrClosedPipe }
func (w *writer) Write(p []byte) (int, error) { return w.w.Write(p) }
func (w *writer) Close() error                { return w.w.Close() }
