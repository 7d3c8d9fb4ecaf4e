package codec

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestRegistryByID(t *testing.T) {
	r := NewRegistry()
	c, err := r.ByID(Null)
	if err != nil {
		t.Fatalf("ByID(Null): %v", err)
	}
	if c.ID() != Null {
		t.Fatalf("ID() = %v, want Null", c.ID())
	}

	if _, err := r.ByID(Gzip); err != ErrUnknownID {
		t.Fatalf("ByID(Gzip) on a fresh registry = %v, want ErrUnknownID", err)
	}
}

func TestChooseRespectsUncompressibleExtensions(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeGzip{})
	r.SetDefault("gzip")

	if _, ok := r.Choose("/music/track.mp3"); ok {
		t.Fatalf("Choose should refuse a blacklisted extension")
	}
	if _, ok := r.Choose("/data/plain.txt"); !ok {
		t.Fatalf("Choose should accept a non-blacklisted extension")
	}
}

func TestChooseRespectsBinaryPrefixes(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeGzip{})
	r.SetDefault("gzip")
	r.SkipBinaryPrefixes = true

	if _, ok := r.Choose("/bin/ls"); ok {
		t.Fatalf("Choose should refuse a canonical binary prefix when SkipBinaryPrefixes is set")
	}
	if _, ok := r.Choose("/home/user/ls"); !ok {
		t.Fatalf("Choose should accept a non-binary-prefixed path")
	}
}

func TestChooseSkipsDecodeOnlyDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeBzip2{})
	r.SetDefault("bzip2")

	if _, ok := r.Choose("/data/plain.txt"); ok {
		t.Fatalf("Choose should never select a decode-only default codec")
	}
}

func TestCopyCancelableRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := CopyCancelable(ctx, &out, bytes.NewReader([]byte("hello world")))
	if err == nil {
		t.Fatalf("CopyCancelable should fail once ctx is already cancelled")
	}
}

func TestCopyCancelableCopiesToEOF(t *testing.T) {
	var out bytes.Buffer
	in := bytes.NewReader([]byte("the quick brown fox"))
	if err := CopyCancelable(context.Background(), &out, in); err != nil {
		t.Fatalf("CopyCancelable: %v", err)
	}
	if out.String() != "the quick brown fox" {
		t.Fatalf("out = %q", out.String())
	}
}

type fakeGzip struct{}

func (fakeGzip) ID() ID            { return Gzip }
func (fakeGzip) Extension() string { return "gzip" }
func (fakeGzip) CanEncode() bool   { return true }

func (fakeGzip) OpenReader(io.Reader) (Stream, error)      { return nil, nil }
func (fakeGzip) OpenWriter(io.Writer, int) (Stream, error) { return nil, nil }
func (fakeGzip) Compress(context.Context, io.Reader, io.Writer) error   { return nil }
func (fakeGzip) Decompress(context.Context, io.Reader, io.Writer) error { return nil }

type fakeBzip2 struct{}

func (fakeBzip2) ID() ID            { return Bzip2 }
func (fakeBzip2) Extension() string { return "bzip2" }
func (fakeBzip2) CanEncode() bool   { return false }

func (fakeBzip2) OpenReader(io.Reader) (Stream, error)      { return nil, nil }
func (fakeBzip2) OpenWriter(io.Writer, int) (Stream, error) { return nil, ErrEncodeUnsupported }
func (fakeBzip2) Compress(context.Context, io.Reader, io.Writer) error   { return ErrEncodeUnsupported }
func (fakeBzip2) Decompress(context.Context, io.Reader, io.Writer) error { return nil }
