// Command fusecompressd mounts a fusecompress overlay: a FUSE
// filesystem that transparently compresses idle files in a backing
// directory and deduplicates identical content across it.
package main

import (
	_ "github.com/hexxellor/fusecompress/codec/bzip2codec"
	_ "github.com/hexxellor/fusecompress/codec/gzipcodec"
	_ "github.com/hexxellor/fusecompress/codec/lzmacodec"
	_ "github.com/hexxellor/fusecompress/codec/lzocodec"
)

func main() {
	Execute()
}
