// Command fusecompress-fsck walks a backing directory offline (the
// filesystem must not be mounted) and validates every compressed
// file's header and stream, optionally removing the ones that fail.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hexxellor/fusecompress/codec"
	_ "github.com/hexxellor/fusecompress/codec/bzip2codec"
	_ "github.com/hexxellor/fusecompress/codec/gzipcodec"
	_ "github.com/hexxellor/fusecompress/codec/lzmacodec"
	_ "github.com/hexxellor/fusecompress/codec/lzocodec"
	"github.com/hexxellor/fusecompress/container"
)

var (
	verbose = flag.Bool("v", false, "be verbose")
	fix     = flag.Bool("d", false, "remove broken files")
)

// renameio leaves its scratch files as dotfiles named
// ".renameio-<random>" in the target directory; a crash between
// TempFile and CloseAtomicallyReplace leaks one behind.
const renameioPrefix = ".renameio-"

const bufSize = 128 * 1024

type checker struct {
	registry    *codec.Registry
	errorsFound int
	errorsFixed int
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-dv] directory\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, " -d\tRemove broken files\n")
		fmt.Fprintf(os.Stderr, " -v\tBe verbose\n")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	c := &checker{registry: codec.Default()}
	err := filepath.WalkDir(flag.Arg(0), c.walk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "walk: %v\n", err)
		os.Exit(1)
	}

	if c.errorsFound == 0 {
		fmt.Fprintln(os.Stderr, "no errors found")
		return
	}
	if c.errorsFound > c.errorsFixed {
		fmt.Fprintf(os.Stderr, "%d errors fixed, %d unfixed errors remain\n", c.errorsFixed, c.errorsFound-c.errorsFixed)
		os.Exit(4)
	}
	fmt.Fprintf(os.Stderr, "%d errors fixed\n", c.errorsFixed)
	os.Exit(1)
}

func (c *checker) walk(path string, d os.DirEntry, err error) error {
	if err != nil {
		return err
	}
	if d.IsDir() {
		return nil
	}
	if !d.Type().IsRegular() {
		return nil
	}
	c.checkFile(path)
	return nil
}

func (c *checker) checkFile(path string) {
	if *verbose {
		fmt.Fprintf(os.Stderr, "checking file %s: ", path)
	}

	if strings.HasPrefix(filepath.Base(path), renameioPrefix) {
		c.fail(path, "stale temporary file")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		c.fail(path, fmt.Sprintf("open: %v", err))
		return
	}
	defer f.Close()

	hdr, ok, err := container.Peek(f)
	if err != nil {
		c.fail(path, fmt.Sprintf("broken header: %v", err))
		return
	}
	if !ok {
		if *verbose {
			fmt.Fprintln(os.Stderr, "uncompressed file, skipping")
		}
		return
	}

	cd, err := c.registry.ByID(codec.ID(hdr.Codec))
	if err != nil {
		c.fail(path, fmt.Sprintf("unknown codec id %d: %v", hdr.Codec, err))
		return
	}
	if _, err := f.Seek(int64(container.HeaderSize), io.SeekStart); err != nil {
		c.fail(path, fmt.Sprintf("seek past header: %v", err))
		return
	}

	stream, err := cd.OpenReader(f)
	if err != nil {
		c.fail(path, fmt.Sprintf("open decompressor: %v", err))
		return
	}

	remaining := hdr.Size
	buf := make([]byte, bufSize)
	for remaining > 0 {
		n := len(buf)
		if int64(n) > remaining {
			n = int(remaining)
		}
		read, rerr := stream.Read(buf[:n])
		if rerr != nil && rerr != io.EOF {
			stream.Close()
			c.fail(path, fmt.Sprintf("read error while decompressing: %v", rerr))
			return
		}
		if read == 0 {
			stream.Close()
			c.fail(path, "short read while decompressing")
			return
		}
		remaining -= int64(read)
	}
	if err := stream.Close(); err != nil {
		c.fail(path, fmt.Sprintf("close decompressor: %v", err))
		return
	}

	if *verbose {
		fmt.Fprintln(os.Stderr, "ok")
	}
}

func (c *checker) fail(path, reason string) {
	c.errorsFound++
	fmt.Fprintf(os.Stderr, "%s: %s\n", path, reason)
	if *fix {
		fmt.Fprintf(os.Stderr, "removing %s\n", path)
		if err := os.Remove(path); err == nil {
			c.errorsFixed++
		}
	} else if *verbose {
		fmt.Fprintf(os.Stderr, "not removing %s (disabled)\n", path)
	}
}
