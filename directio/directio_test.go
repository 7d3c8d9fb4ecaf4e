package directio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hexxellor/fusecompress/codec"
	_ "github.com/hexxellor/fusecompress/codec/gzipcodec"
	"github.com/hexxellor/fusecompress/container"
	"github.com/hexxellor/fusecompress/openfile"
)

// stallingStream is a codec.Stream whose Write stalls for delay before
// completing, giving a test time to request cancellation mid-transcode.
type stallingStream struct {
	w     io.Writer
	delay time.Duration
}

func (s *stallingStream) Read(p []byte) (int, error) { return 0, io.EOF }

func (s *stallingStream) Write(p []byte) (int, error) {
	time.Sleep(s.delay)
	return s.w.Write(p)
}

func (s *stallingStream) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// stallingCodec is a codec.Codec stand-in used only to make
// CompressWholeFile's transcode slow and deterministic to interrupt;
// it is never registered with a Registry.
type stallingCodec struct{ delay time.Duration }

func (stallingCodec) ID() codec.ID      { return codec.ID(42) }
func (stallingCodec) Extension() string { return "stall" }

func (c stallingCodec) OpenReader(r io.Reader) (codec.Stream, error) {
	return &stallingStream{w: io.Discard}, nil
}

func (c stallingCodec) OpenWriter(w io.Writer, level int) (codec.Stream, error) {
	return &stallingStream{w: w, delay: c.delay}, nil
}

func (c stallingCodec) Compress(ctx context.Context, in io.Reader, out io.Writer) error {
	return codec.CopyCancelable(ctx, out, in)
}

func (c stallingCodec) Decompress(ctx context.Context, in io.Reader, out io.Writer) error {
	return codec.CopyCancelable(ctx, out, in)
}

func TestWriteThenReadStreamingNoFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")

	gz, err := codec.Default().ByID(codec.Gzip)
	if err != nil {
		t.Fatalf("gzip codec not registered: %v", err)
	}
	engine := NewEngine(codec.Default(), DefaultConfig(), nil)

	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fd.Close()

	table := openfile.NewTable(nil)
	rec := table.Open(path, false)
	rec.Codec = gz
	rec.Size = 0
	desc := openfile.Attach(rec)

	payload := []byte("hello, streaming world")
	n, err := engine.Write(context.Background(), rec, desc, fd, payload, 0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Write n = %d, want %d", n, len(payload))
	}
	if err := engine.Close(rec, desc); err != nil {
		t.Fatalf("Close: %v", err)
	}
	openfile.Detach(rec, desc)
	rec.Unlock()

	fd2, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fd2.Close()
	// Engine.Read assumes fd is already positioned just past the
	// container header, matching what a real Open (package core) does
	// when it first peeks the header; direct_decompress in the
	// original relies on the same precondition from direct_open.
	if _, err := fd2.Seek(container.HeaderSize, 0); err != nil {
		t.Fatalf("seek past header: %v", err)
	}

	rec2 := table.Open(path, false)
	if rec2 != rec {
		t.Fatalf("expected the same tracked record back")
	}
	desc2 := openfile.Attach(rec2)
	buf := make([]byte, len(payload))
	got, err := engine.Read(context.Background(), rec2, desc2, fd2, buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:got], payload) {
		t.Fatalf("Read = %q, want %q", buf[:got], payload)
	}
	rec2.Unlock()
}

func TestCompressWholeFileThenDecompressWholeFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.txt")
	original := bytes.Repeat([]byte("round trip me please. "), 500)
	if err := os.WriteFile(path, original, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	gz, err := codec.Default().ByID(codec.Gzip)
	if err != nil {
		t.Fatalf("gzip codec not registered: %v", err)
	}
	engine := NewEngine(codec.Default(), DefaultConfig(), nil)

	table := openfile.NewTable(nil)
	rec := table.Open(path, false)
	if err := engine.CompressWholeFile(context.Background(), rec, gz, 6); err != nil {
		t.Fatalf("CompressWholeFile: %v", err)
	}
	if rec.Codec == nil || rec.Codec.ID() != codec.Gzip {
		t.Fatalf("record codec not updated after compress")
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(compressed) >= len(original) {
		t.Fatalf("compressed file should be smaller: got %d, original %d", len(compressed), len(original))
	}
	if !bytes.HasPrefix(compressed, container.Magic[:]) {
		t.Fatalf("compressed file missing container magic")
	}

	fd, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fd.Close()

	if err := engine.decompressWholeFile(context.Background(), rec, fd); err != nil {
		t.Fatalf("decompressWholeFile: %v", err)
	}
	rec.Unlock()

	restored, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after decompress: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(restored), len(original))
	}
}

// TestCompressWholeFileHonorsCancel simulates a want_stable Open racing
// a slow background compress: it sets the record's CANCEL bit shortly
// after the transcode starts and expects CompressWholeFile to abort,
// leave the backing file untouched, and never commit rec.Codec/Size.
func TestCompressWholeFileHonorsCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.txt")
	original := bytes.Repeat([]byte("not yet compressed. "), 1000)
	if err := os.WriteFile(path, original, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	engine := NewEngine(codec.Default(), DefaultConfig(), nil)
	table := openfile.NewTable(nil)
	rec := table.Open(path, false)

	// The stalling codec's single Write call blocks long enough for
	// watchCancel's poll loop (every cancelPollInterval) to observe the
	// CANCEL bit set below before the transcode's next iteration runs.
	slow := stallingCodec{delay: 300 * time.Millisecond}

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.CompressWholeFile(context.Background(), rec, slow, 0)
	}()

	time.Sleep(50 * time.Millisecond)
	rec.Lock()
	rec.Status |= openfile.Cancel
	rec.Unlock()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("CompressWholeFile did not return after cancellation")
	}

	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("CompressWholeFile error = %v, want ErrCancelled", err)
	}
	// CompressWholeFile returns with rec still locked, matching
	// background.Queue.Run's contract, so these fields are read
	// directly rather than re-acquiring the lock.
	if rec.Codec != nil {
		t.Fatalf("cancelled compress must not commit a codec")
	}
	if rec.Status&openfile.Compressing != 0 {
		t.Fatalf("COMPRESSING must be cleared after a cancelled compress")
	}
	if rec.Status&openfile.Cancel != 0 {
		t.Fatalf("CANCEL must be cleared after a cancelled compress")
	}
	rec.Unlock()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatalf("cancelled compress must leave the backing file untouched")
	}
}
