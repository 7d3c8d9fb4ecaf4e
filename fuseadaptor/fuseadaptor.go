// Package fuseadaptor implements a fuseutil.FileSystemServer on top of a
// core.CoreContext: a flat, single-level-resolved overlay directory whose
// paths are resolved relative to a configured backing root, grounded on
// the teacher's own internal/fuse mount/dispatch style.
package fuseadaptor

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/hexxellor/fusecompress/core"
)

const rootInode = fuseops.RootInodeID

// inode is the bookkeeping fuseFS keeps per allocated fuseops.InodeID:
// its path relative to the backing root, and whether it is a directory.
type inode struct {
	path  string // "" for the root
	isDir bool
}

// handle is an open file's FUSE-visible state: the core Handle plus the
// inode it was opened against, so Read/WriteFile can hand the pair
// straight to CoreContext.
type handle struct {
	inode fuseops.InodeID
	core  *core.Handle
}

// FileSystem is the fuseutil.FileSystemServer implementation. It holds
// one *core.CoreContext per mounted overlay, per spec.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	Root string
	Core *core.CoreContext
	Log  *log.Logger

	mu       sync.Mutex
	inodeCnt fuseops.InodeID
	inodes   map[fuseops.InodeID]*inode
	byPath   map[string]fuseops.InodeID

	handlesMu sync.Mutex
	handles   map[fuseops.HandleID]*handle
	handleCnt fuseops.HandleID
}

// New builds a FileSystem rooted at root, backed by c. logger may be nil.
func New(root string, c *core.CoreContext, logger *log.Logger) *FileSystem {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	fs := &FileSystem{
		Root:     root,
		Core:     c,
		Log:      logger,
		inodeCnt: rootInode,
		inodes:   make(map[fuseops.InodeID]*inode),
		byPath:   make(map[string]fuseops.InodeID),
		handles:  make(map[fuseops.HandleID]*handle),
	}
	fs.inodes[rootInode] = &inode{path: "", isDir: true}
	fs.byPath[""] = rootInode
	return fs
}

// Mount mounts fs at mountpoint and returns a join function, in the
// teacher's Mount/join style.
func Mount(mountpoint string, fs *FileSystem) (join func(context.Context) error, _ error) {
	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:      "fusecompress",
		ErrorLogger: fs.Log,
	})
	if err != nil {
		return nil, err
	}
	join = func(ctx context.Context) error {
		defer syscall.Unmount(mountpoint, 0)
		return mfs.Join(ctx)
	}
	return join, nil
}

func (fs *FileSystem) allocateInodeLocked(path string, isDir bool) fuseops.InodeID {
	fs.inodeCnt++
	id := fs.inodeCnt
	fs.inodes[id] = &inode{path: path, isDir: isDir}
	fs.byPath[path] = id
	return id
}

func (fs *FileSystem) lookupOrAllocate(path string, isDir bool) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id, ok := fs.byPath[path]; ok {
		return id
	}
	return fs.allocateInodeLocked(path, isDir)
}

func (fs *FileSystem) pathOf(id fuseops.InodeID) (string, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, ok := fs.inodes[id]
	if !ok {
		return "", false, syscall.ENOENT
	}
	return ino.path, ino.isDir, nil
}

func (fs *FileSystem) backing(rel string) string {
	return core.BackingPath(fs.Root, rel)
}

// toErrno maps a core.Error's Kind to the errno fuseadaptor's callers
// expect. Non-core errors (e.g. straight from os) become ENOENT when
// they report a missing file and EIO otherwise.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	var ce *core.Error
	if asCoreError(err, &ce) {
		switch ce.Kind {
		case core.NoSpace:
			return syscall.ENOSPC
		case core.Corrupt, core.CodecFailure, core.IOError, core.Cancelled:
			return syscall.EIO
		}
	}
	if os.IsNotExist(err) {
		return syscall.ENOENT
	}
	return syscall.EIO
}

func asCoreError(err error, target **core.Error) bool {
	ce, ok := err.(*core.Error)
	if !ok {
		return false
	}
	*target = ce
	return true
}

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.Blocks = 1
	op.IoSize = 65536
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parentPath, isDir, err := fs.pathOf(op.Parent)
	if err != nil {
		return err
	}
	if !isDir {
		return syscall.ENOTDIR
	}
	childPath := filepath.Join(parentPath, op.Name)
	info, err := os.Lstat(fs.backing(childPath))
	if err != nil {
		if os.IsNotExist(err) {
			return syscall.ENOENT
		}
		return syscall.EIO
	}
	id := fs.lookupOrAllocate(childPath, info.IsDir())
	op.Entry.Child = id
	op.Entry.AttributesExpiration = time.Now().Add(time.Second)
	op.Entry.EntryExpiration = time.Now().Add(time.Second)
	op.Entry.Attributes = fs.attributesFor(childPath, info)
	return nil
}

func (fs *FileSystem) attributesFor(path string, info os.FileInfo) fuseops.InodeAttributes {
	size := uint64(info.Size())
	if !info.IsDir() {
		if logical, _, err := fs.Core.Stat(fs.backing(path)); err == nil {
			size = uint64(logical)
		}
	}
	return fuseops.InodeAttributes{
		Size:  size,
		Nlink: 1,
		Mode:  info.Mode(),
		Atime: info.ModTime(),
		Mtime: info.ModTime(),
		Ctime: info.ModTime(),
	}
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	op.AttributesExpiration = time.Now().Add(time.Second)
	path, _, err := fs.pathOf(op.Inode)
	if err != nil {
		return err
	}
	info, err := os.Lstat(fs.backing(path))
	if err != nil {
		if os.IsNotExist(err) {
			return syscall.ENOENT
		}
		return syscall.EIO
	}
	op.Attributes = fs.attributesFor(path, info)
	return nil
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	_, isDir, err := fs.pathOf(op.Inode)
	if err != nil {
		return err
	}
	if !isDir {
		return syscall.ENOTDIR
	}
	return nil
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	path, _, err := fs.pathOf(op.Inode)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(fs.backing(path))
	if err != nil {
		return syscall.EIO
	}

	var dirents []fuseutil.Dirent
	for _, e := range entries {
		childPath := filepath.Join(path, e.Name())
		id := fs.lookupOrAllocate(childPath, e.IsDir())
		typ := fuseutil.DT_File
		if e.IsDir() {
			typ = fuseutil.DT_Directory
		}
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(dirents) + 1), // (opaque) offset of the next entry
			Inode:  id,
			Name:   e.Name(),
			Type:   typ,
		})
	}

	if op.Offset > fuseops.DirOffset(len(dirents)) {
		return syscall.EIO
	}

	for _, d := range dirents[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	path, isDir, err := fs.pathOf(op.Parent)
	if err != nil {
		return err
	}
	if !isDir {
		return syscall.ENOTDIR
	}
	childPath := filepath.Join(path, op.Name)
	if err := os.Mkdir(fs.backing(childPath), op.Mode); err != nil {
		if os.IsExist(err) {
			return syscall.EEXIST
		}
		return syscall.EIO
	}
	info, err := os.Lstat(fs.backing(childPath))
	if err != nil {
		return syscall.EIO
	}
	op.Entry.Child = fs.lookupOrAllocate(childPath, true)
	op.Entry.Attributes = fs.attributesFor(childPath, info)
	op.Entry.AttributesExpiration = time.Now().Add(time.Second)
	op.Entry.EntryExpiration = time.Now().Add(time.Second)
	return nil
}

func (fs *FileSystem) newHandle(inodeID fuseops.InodeID, h *core.Handle) fuseops.HandleID {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	fs.handleCnt++
	id := fs.handleCnt
	fs.handles[id] = &handle{inode: inodeID, core: h}
	return id
}

func (fs *FileSystem) handleFor(id fuseops.HandleID) (*handle, error) {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	h, ok := fs.handles[id]
	if !ok {
		return nil, syscall.EBADF
	}
	return h, nil
}

func (fs *FileSystem) releaseHandle(id fuseops.HandleID) *handle {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	h := fs.handles[id]
	delete(fs.handles, id)
	return h
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	path, isDir, err := fs.pathOf(op.Inode)
	if err != nil {
		return err
	}
	if isDir {
		return syscall.EISDIR
	}
	flags := os.O_RDONLY
	if op.OpenFlags.IsWriteOnly() {
		flags = os.O_WRONLY
	} else if op.OpenFlags.IsReadWrite() {
		flags = os.O_RDWR
	}
	h, err := fs.Core.Open(fs.backing(path), flags, 0, false)
	if err != nil {
		return toErrno(err)
	}
	op.Handle = fs.newHandle(op.Inode, h)
	return nil
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parentPath, isDir, err := fs.pathOf(op.Parent)
	if err != nil {
		return err
	}
	if !isDir {
		return syscall.ENOTDIR
	}
	childPath := filepath.Join(parentPath, op.Name)
	h, err := fs.Core.Open(fs.backing(childPath), os.O_RDWR|os.O_CREATE|os.O_EXCL, op.Mode, false)
	if err != nil {
		return toErrno(err)
	}
	info, err := os.Lstat(fs.backing(childPath))
	if err != nil {
		fs.Core.Close(h)
		return syscall.EIO
	}
	id := fs.lookupOrAllocate(childPath, false)
	op.Entry.Child = id
	op.Entry.Attributes = fs.attributesFor(childPath, info)
	op.Entry.AttributesExpiration = time.Now().Add(time.Second)
	op.Entry.EntryExpiration = time.Now().Add(time.Second)
	op.Handle = fs.newHandle(id, h)
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	h, err := fs.handleFor(op.Handle)
	if err != nil {
		return err
	}
	n, err := fs.Core.Read(ctx, h.core, op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil && err != io.EOF {
		return toErrno(err)
	}
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	h, err := fs.handleFor(op.Handle)
	if err != nil {
		return err
	}
	_, err = fs.Core.Write(ctx, h.core, op.Data, op.Offset)
	if err != nil {
		return toErrno(err)
	}
	return nil
}

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	h := fs.releaseHandle(op.Handle)
	if h == nil {
		return nil
	}
	if err := fs.Core.Close(h.core); err != nil {
		return toErrno(err)
	}
	return nil
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parentPath, isDir, err := fs.pathOf(op.Parent)
	if err != nil {
		return err
	}
	if !isDir {
		return syscall.ENOTDIR
	}
	childPath := filepath.Join(parentPath, op.Name)
	if err := fs.Core.Delete(fs.backing(childPath)); err != nil {
		return toErrno(err)
	}
	fs.mu.Lock()
	if id, ok := fs.byPath[childPath]; ok {
		delete(fs.byPath, childPath)
		delete(fs.inodes, id)
	}
	fs.mu.Unlock()
	return nil
}

func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, isDir, err := fs.pathOf(op.OldParent)
	if err != nil {
		return err
	}
	if !isDir {
		return syscall.ENOTDIR
	}
	newParent, isDir, err := fs.pathOf(op.NewParent)
	if err != nil {
		return err
	}
	if !isDir {
		return syscall.ENOTDIR
	}
	from := filepath.Join(oldParent, op.OldName)
	to := filepath.Join(newParent, op.NewName)
	if err := fs.Core.Rename(fs.backing(from), fs.backing(to)); err != nil {
		return toErrno(err)
	}

	fs.mu.Lock()
	if id, ok := fs.byPath[from]; ok {
		delete(fs.byPath, from)
		fs.byPath[to] = id
		fs.inodes[id].path = to
	}
	fs.mu.Unlock()
	return nil
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parentPath, isDir, err := fs.pathOf(op.Parent)
	if err != nil {
		return err
	}
	if !isDir {
		return syscall.ENOTDIR
	}
	childPath := filepath.Join(parentPath, op.Name)
	if err := os.Remove(fs.backing(childPath)); err != nil {
		if os.IsNotExist(err) {
			return syscall.ENOENT
		}
		return syscall.EIO
	}
	fs.mu.Lock()
	if id, ok := fs.byPath[childPath]; ok {
		delete(fs.byPath, childPath)
		delete(fs.inodes, id)
	}
	fs.mu.Unlock()
	return nil
}

func (fs *FileSystem) Destroy() {
	fs.Core.Purge(true)
}
