// Package bzip2codec registers the bzip2 codec.ID with codec.Register.
// It is decode-only: the standard library's compress/bzip2 has no
// encoder, and no repo in the retrieval pack (nor, to our knowledge,
// the wider maintained Go ecosystem) carries a bzip2 encoder
// dependency. Existing bzip2-tagged containers still decode
// correctly; choose_compressor-equivalent selection (codec.Registry.Choose)
// skips this codec for new background compression because it reports
// CanEncode() == false. See DESIGN.md.
package bzip2codec

import (
	"compress/bzip2"
	"context"
	"io"

	"github.com/hexxellor/fusecompress/codec"
)

func init() {
	codec.Register(bzip2Codec{})
}

type bzip2Codec struct{}

func (bzip2Codec) ID() codec.ID      { return codec.Bzip2 }
func (bzip2Codec) Extension() string { return "bzip2" }
func (bzip2Codec) CanEncode() bool   { return false }

func (bzip2Codec) OpenReader(r io.Reader) (codec.Stream, error) {
	return &reader{r: bzip2.NewReader(r)}, nil
}

func (bzip2Codec) OpenWriter(w io.Writer, level int) (codec.Stream, error) {
	return nil, codec.ErrEncodeUnsupported
}

func (bzip2Codec) Compress(ctx context.Context, in io.Reader, out io.Writer) error {
	return codec.ErrEncodeUnsupported
}

func (c bzip2Codec) Decompress(ctx context.Context, in io.Reader, out io.Writer) error {
	r, err := c.OpenReader(in)
	if err != nil {
		return err
	}
	return codec.CopyCancelable(ctx, out, r)
}

type reader struct{ r io.Reader }

func (r *reader) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r *reader) Write([]byte) (int, error)  { return 0, io.ErrClosedPipe }
func (r *reader) Close() error               { return nil }
