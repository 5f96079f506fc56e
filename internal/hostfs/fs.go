// Package hostfs adapts the inode engine to the FUSE low-level callback
// surface (C6): one method per operation, each locating its target inode,
// calling into the engine, and returning the resulting error. Host-syscall
// and invariant failures inside the engine panic; fuseutil's dispatch loop
// recovers those per-op rather than bringing the daemon down, but this
// package treats them as unconditionally fatal to the operation, matching
// the propagation policy of the engine they wrap.
package hostfs

import (
	"context"
	"os"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gofuse/hostmemfs/internal/inode"
)

// ttl is the fixed expiration used for both entry and attribute replies;
// generation is always 1 because this engine never reuses an inode ID for a
// different object.
const ttl = time.Second
const generation = fuseops.GenerationNumber(1)

// FS implements fuseutil.FileSystem over an *inode.Table. Operations this
// engine's spec declares out of scope (symlinks, rename, xattrs) fall
// through to NotImplementedFileSystem's ENOSYS defaults.
type FS struct {
	fuseutil.NotImplementedFileSystem

	table *inode.Table
	log   logrus.FieldLogger
}

// New builds an FS over table.
func New(table *inode.Table, log logrus.FieldLogger) *FS {
	return &FS{table: table, log: log}
}

func toFuseAttr(a inode.Attributes) fuseops.InodeAttributes {
	mode := a.Perm
	if a.Kind == inode.KindDirectory {
		mode |= os.ModeDir
	}
	return fuseops.InodeAttributes{
		Size:   a.Size,
		Nlink:  uint64(a.Nlink),
		Mode:   mode,
		Atime:  a.Atime,
		Mtime:  a.Mtime,
		Ctime:  a.Ctime,
		Crtime: a.Crtime,
		Uid:    a.Uid,
		Gid:    a.Gid,
	}
}

func (fs *FS) entryFor(id inode.ID, attr inode.Attributes) fuseops.ChildInodeEntry {
	now := time.Now()
	return fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(id),
		Generation:           generation,
		Attributes:           toFuseAttr(attr),
		AttributesExpiration: now.Add(ttl),
		EntryExpiration:      now.Add(ttl),
	}
}

func (fs *FS) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	id, attr, err := fs.table.Lookup(inode.ID(op.Parent), op.Name)
	if err != nil {
		return err
	}
	op.Entry = fs.entryFor(id, attr)
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	attr := fs.table.GetAttr(inode.ID(op.Inode))
	op.Attributes = toFuseAttr(attr)
	op.AttributesExpiration = time.Now().Add(ttl)
	return nil
}

func (fs *FS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	attr, changed := fs.table.SetAttr(inode.ID(op.Inode), func(a *inode.Attributes) bool {
		var didChange bool
		if op.Size != nil {
			a.Size = *op.Size
			didChange = true
		}
		if op.Mode != nil {
			a.Perm = op.Mode.Perm()
			didChange = true
		}
		if op.Atime != nil {
			a.Atime = *op.Atime
			didChange = true
		}
		if op.Mtime != nil {
			a.Mtime = *op.Mtime
			didChange = true
		}
		return didChange
	})
	if !changed {
		return unix.ENODATA
	}

	op.Attributes = toFuseAttr(attr)
	op.AttributesExpiration = time.Now().Add(ttl)
	return nil
}

func (fs *FS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.table.Forget(inode.ID(op.Inode), op.N)
	return nil
}

func (fs *FS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	id, attr, err := fs.table.Create(inode.ID(op.Parent), op.Name, inode.KindDirectory, uint32(op.Mode.Perm()))
	if err != nil {
		return err
	}
	op.Entry = fs.entryFor(id, attr)
	return nil
}

// MkNode serves a bare mknod(2) of a regular file: this engine's spec has no
// device or fifo nodes, so it reduces to a plain create, without the
// following open CreateFile also performs.
func (fs *FS) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	id, attr, err := fs.table.Create(inode.ID(op.Parent), op.Name, inode.KindRegularFile, uint32(op.Mode.Perm()))
	if err != nil {
		return err
	}
	op.Entry = fs.entryFor(id, attr)
	return nil
}

func (fs *FS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	id, attr, err := fs.table.Create(inode.ID(op.Parent), op.Name, inode.KindRegularFile, uint32(op.Mode.Perm()))
	if err != nil {
		return err
	}
	op.Entry = fs.entryFor(id, attr)

	h, err := fs.table.OpenHandle(id, int(op.Flags))
	if err != nil {
		return err
	}
	op.Handle = fuseops.HandleID(h)
	return nil
}

func (fs *FS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fs.table.Remove(inode.ID(op.Parent), op.Name, inode.KindDirectory)
}

func (fs *FS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fs.table.Remove(inode.ID(op.Parent), op.Name, inode.KindRegularFile)
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	h, err := fs.table.OpenHandle(inode.ID(op.Inode), int(op.Flags))
	if err != nil {
		return err
	}
	op.Handle = fuseops.HandleID(h)
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	op.Data = fs.table.ReadDirEntries(
		inode.ID(op.Inode),
		uint64(op.Offset),
		op.Size,
		func(ino inode.ID, nextOffset uint64, kind inode.Kind, name string) ([]byte, bool) {
			ft := fuseops.DT_File
			if kind == inode.KindDirectory {
				ft = fuseops.DT_Directory
			}
			// Fixed dirent header plus name plus padding comfortably covers
			// the wire format fuseutil.WriteDirent produces.
			buf := make([]byte, 64+len(name))
			n := fuseutil.WriteDirent(buf, fuseops.Dirent{
				Offset: fuseops.DirOffset(nextOffset),
				Inode:  fuseops.InodeID(ino),
				Name:   name,
				Type:   ft,
			})
			return buf[:n], n > 0
		},
	)
	return nil
}

func (fs *FS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.table.ReleaseHandle(inode.Handle(op.Handle))
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	h, err := fs.table.OpenHandle(inode.ID(op.Inode), int(op.Flags))
	if err != nil {
		return err
	}
	op.Handle = fuseops.HandleID(h)
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	data, err := fs.table.ReadFileAt(inode.ID(op.Inode), op.Offset, op.Size)
	if err != nil {
		return err
	}
	op.Data = data
	return nil
}

func (fs *FS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.table.WriteFileAt(inode.Handle(op.Handle), op.Offset, op.Data)
	return nil
}

func (fs *FS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.table.ReleaseHandle(inode.Handle(op.Handle))
	return nil
}
