package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hexxellor/fusecompress/codec"
	_ "github.com/hexxellor/fusecompress/codec/gzipcodec"
	"github.com/hexxellor/fusecompress/container"
)

func TestOpenWriteReadCloseRawFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.txt")

	c, err := New(codec.NewRegistry(), nil, "", DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h, err := c.Open(path, os.O_RDWR|os.O_CREATE, 0o644, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	content := []byte("hello, world")
	n, err := c.Write(context.Background(), h, content, 0)
	if err != nil || n != len(content) {
		t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len(content))
	}
	if err := c.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := c.Open(path, os.O_RDONLY, 0, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	buf := make([]byte, len(content))
	n, err = c.Read(context.Background(), h2, buf, 0)
	if err != nil || n != len(content) {
		t.Fatalf("Read = (%d, %v), want (%d, nil)", n, err, len(content))
	}
	if string(buf) != string(content) {
		t.Fatalf("Read content = %q, want %q", buf, content)
	}
	if err := c.Close(h2); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("on-disk content = %q, want %q (raw writes must never gain a container header)", got, content)
	}
}

func TestDeleteMarksRecordAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	if err := os.WriteFile(path, []byte("bye"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := New(codec.NewRegistry(), nil, "", DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Delete(path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should be removed from disk after Delete")
	}
}

func TestRenameMovesBackingFileAndDedupEntry(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "a.txt")
	to := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(from, []byte("content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := New(codec.NewRegistry(), nil, "", DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Dedup.Insert([16]byte{1}, from)

	if err := c.Rename(from, to); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(to); err != nil {
		t.Fatalf("Stat(to): %v", err)
	}
	if _, err := os.Stat(from); !os.IsNotExist(err) {
		t.Fatalf("old path should no longer exist")
	}
	if path, ok := c.Dedup.Lookup([16]byte{1}, ""); !ok || path != to {
		t.Fatalf("dedup entry did not follow rename: got (%q, %v)", path, ok)
	}
}

func TestBackgroundCompressionRunsOnIdleClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")

	registry := codec.Default() // gzipcodec registered its real plugin via blank import
	cfg := DefaultConfig()
	cfg.DedupEnabled = false
	c, err := New(registry, nil, "", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	h, err := c.Open(path, os.O_RDWR|os.O_CREATE, 0o644, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i)
	}
	if _, err := c.Write(context.Background(), h, content, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if len(b) >= 3 && container.Magic == [3]byte{b[0], b[1], b[2]} {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for background compression to tag the file")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
