package inode

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Handle is the value returned to the kernel from open/opendir: a duplicated
// host fd, cast to the width FUSE wants.
type Handle uint64

type handleInfo struct {
	ino    ID
	oflags int
}

// Table is the process-wide i-node table and lifecycle manager (C5).
type Table struct {
	mu syncutil.InvariantMutex

	byID  map[ID]*Inode
	trash map[ID]struct{}

	// handles maps an outstanding kernel handle back to the inode it was
	// opened against and the open-flags it was opened with, so release can
	// find the right open-count to decrement and write can reapply the
	// flags before each pwrite per C3 step 4, given only the handle.
	handles map[Handle]handleInfo

	nextSynthetic ID

	uid, gid uint32

	clock timeutil.Clock
	log   logrus.FieldLogger
}

func (t *Table) checkInvariants() {
	if _, ok := t.byID[RootID]; !ok {
		panic("table missing root")
	}
	for id := range t.trash {
		if _, ok := t.byID[id]; !ok {
			panic("trash member missing from table")
		}
	}
}

// NewTable resolves mountPath to its canonical absolute form, opens it as
// the root directory stream, and installs it as inode RootID.
func NewTable(mountPath string, clock timeutil.Clock, log logrus.FieldLogger) (*Table, error) {
	abs, err := filepath.Abs(mountPath)
	if err != nil {
		return nil, fmt.Errorf("resolve mount path: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve mount path: %w", err)
	}

	fd, err := unix.Open(abs, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, fmt.Errorf("open mount root: %w", err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat mount root: %w", err)
	}

	attr, err := AttributesFromStat(&st)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mount root is not a directory")
	}
	attr.Ino = RootID

	root := newDirInode(RootID, RootID, "", abs, fd, attr, clock)
	root.lookupCount = 1
	root.openCount = 1

	t := &Table{
		byID:          map[ID]*Inode{RootID: root},
		trash:         make(map[ID]struct{}),
		handles:       make(map[Handle]handleInfo),
		nextSynthetic: RootID + 1,
		uid:           uint32(os.Getuid()),
		gid:           uint32(os.Getgid()),
		clock:         clock,
		log:           log,
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)

	return t, nil
}

// idFor wraps a host st_ino for use as an engine ID, reassigning away from
// RootID on the vanishingly unlikely chance the host reused that number for
// something else under our nose.
func (t *Table) idFor(fd int) (ID, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	id := ID(st.Ino)
	if id == RootID {
		id = t.nextSynthetic
		t.nextSynthetic++
	}
	return id, nil
}

func (t *Table) get(id ID) *Inode {
	n, ok := t.byID[id]
	if !ok {
		panic(fmt.Sprintf("inode %d missing from table (invariant 2 violated)", id))
	}
	return n
}

// GetAttr returns the cached attributes for ino without touching the lookup
// count (getattr does not count as a kernel reference).
func (t *Table) GetAttr(id ID) Attributes {
	t.mu.Lock()
	n := t.get(id)
	t.mu.Unlock()
	return n.Attr()
}

// SetAttr applies mutate to ino's attributes, stamping ctime if changed is
// true when mutate returns.
func (t *Table) SetAttr(id ID, mutate func(*Attributes) bool) (Attributes, bool) {
	t.mu.Lock()
	n := t.get(id)
	t.mu.Unlock()

	var changed bool
	attr := n.SetAttr(func(a *Attributes) {
		changed = mutate(a)
		if changed {
			a.Ctime = t.clock.Now()
		}
	})
	return attr, changed
}

// Create implements C5's create algorithm: EEXIST pre-check, host syscall +
// directory-table insert via C4, then table install. The new inode starts
// with lookup_count == 1, matching the glossary's "incremented ... by entry
// replies in mknod/mkdir".
func (t *Table) Create(parentID ID, name string, kind Kind, mode uint32) (ID, Attributes, error) {
	t.mu.Lock()
	parent := t.get(parentID)
	t.mu.Unlock()

	if !parent.IsDir() {
		panic("create: parent is not a directory")
	}
	if _, exists := parent.GetEntry(name); exists {
		return 0, Attributes{}, unix.EEXIST
	}

	var child *Inode
	var err error
	switch kind {
	case KindDirectory:
		child, err = parent.CreateChildDir(name, mode, t.idFor, t.clock)
	case KindRegularFile:
		oflags := unix.O_CREAT | unix.O_EXCL | unix.O_RDWR
		child, err = parent.CreateChildFile(name, oflags, mode, t.idFor, t.clock)
	default:
		panic("create: unsupported kind")
	}
	if err != nil {
		panic(fmt.Sprintf("create(%s/%s): %v", parent.Path(), name, err))
	}

	child.IncLookupCount()

	t.mu.Lock()
	t.byID[child.Ino()] = child
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{"parent": parentID, "name": name, "ino": child.Ino()}).Debug("create")

	return child.Ino(), child.Attr(), nil
}

// unlinkNodeByIno performs the host unlinkat via the parent, drops the
// directory-table entry, and removes the inode from the table, closing its
// fd.
func (t *Table) unlinkNodeByIno(parent *Inode, name string, kind Kind, ino ID) {
	if _, err := parent.UnlinkEntry(name, kind); err != nil {
		panic(fmt.Sprintf("unlinkat(%s/%s): %v", parent.Path(), name, err))
	}

	t.mu.Lock()
	n, ok := t.byID[ino]
	if ok {
		delete(t.byID, ino)
	}
	delete(t.trash, ino)
	t.mu.Unlock()

	if ok {
		n.Close()
	}
}

// Remove implements C5's remove algorithm, including the deferred-deletion
// quirk: when the child still has outstanding kernel references, only the
// trash set is updated and the parent's directory entry is left in place.
func (t *Table) Remove(parentID ID, name string, kind Kind) error {
	t.mu.Lock()
	parent := t.get(parentID)
	t.mu.Unlock()

	e, ok := parent.GetEntry(name)
	if !ok {
		return unix.ENOENT
	}

	t.mu.Lock()
	child := t.get(e.Ino)
	t.mu.Unlock()

	if kind == KindDirectory {
		var empty bool
		child.ReadDir(func(tbl *dirTable) { empty = tbl.len() == 0 })
		if !empty {
			return unix.ENOTEMPTY
		}
	}

	if child.Parent() != parentID || child.Name() != name || child.Kind() != kind {
		panic("remove: directory entry does not match inode (invariant 3 violated)")
	}

	if child.LookupCount() > 0 {
		t.mu.Lock()
		t.trash[e.Ino] = struct{}{}
		t.mu.Unlock()
		t.log.WithFields(logrus.Fields{"parent": parentID, "name": name, "ino": e.Ino}).Debug("defer delete to trash")
		return nil
	}

	t.unlinkNodeByIno(parent, name, kind, e.Ino)
	return nil
}

// Forget implements C5's forget algorithm.
func (t *Table) Forget(id ID, n uint64) {
	t.mu.Lock()
	node, ok := t.byID[id]
	t.mu.Unlock()
	if !ok {
		return
	}

	remaining := node.DecLookupCountBy(n)
	if remaining != 0 {
		return
	}

	t.mu.Lock()
	_, trashed := t.trash[id]
	t.mu.Unlock()
	if !trashed {
		return
	}

	t.mu.Lock()
	parent := t.get(node.Parent())
	t.mu.Unlock()

	t.unlinkNodeByIno(parent, node.Name(), node.Kind(), id)
	t.log.WithFields(logrus.Fields{"ino": id}).Debug("forget drove trashed inode to zero")
}

// Lookup implements C5's lookup cache protocol.
func (t *Table) Lookup(parentID ID, name string) (ID, Attributes, error) {
	t.mu.Lock()
	parent := t.get(parentID)
	t.mu.Unlock()

	e, ok := parent.GetEntry(name)
	if !ok {
		return 0, Attributes{}, unix.ENOENT
	}

	t.mu.Lock()
	child, cached := t.byID[e.Ino]
	t.mu.Unlock()

	if cached {
		var attr Attributes
		child.LookupAttr(func(a Attributes) { attr = a })
		return child.Ino(), attr, nil
	}

	var (
		n   *Inode
		err error
	)
	switch e.Kind {
	case KindDirectory:
		n, err = parent.OpenChildDir(name, e.Ino, t.clock)
	case KindRegularFile:
		n, err = parent.OpenChildFile(name, unix.O_RDONLY, e.Ino, t.clock)
	}
	if err != nil {
		panic(fmt.Sprintf("lookup(%s/%s): %v", parent.Path(), name, err))
	}

	var attr Attributes
	n.LookupAttr(func(a Attributes) { attr = a })

	t.mu.Lock()
	t.byID[n.Ino()] = n
	t.mu.Unlock()

	return n.Ino(), attr, nil
}

// OpenHandle duplicates ino's owned fd with oflags and records the mapping
// from the resulting handle back to ino, for release's benefit.
func (t *Table) OpenHandle(id ID, oflags int) (Handle, error) {
	t.mu.Lock()
	n := t.get(id)
	t.mu.Unlock()

	fd, err := n.DupFD(oflags)
	if err != nil {
		panic(fmt.Sprintf("dup_fd(%d): %v", id, err))
	}

	h := Handle(fd)
	t.mu.Lock()
	t.handles[h] = handleInfo{ino: id, oflags: oflags}
	t.mu.Unlock()

	return h, nil
}

// ReleaseHandle closes the duplicated fd behind h and decrements the owning
// inode's open count.
func (t *Table) ReleaseHandle(h Handle) {
	t.mu.Lock()
	info, ok := t.handles[h]
	delete(t.handles, h)
	var n *Inode
	if ok {
		n = t.byID[info.ino]
	}
	t.mu.Unlock()

	unix.Close(int(h))
	if n != nil {
		n.DecOpenCount()
	}
}

// ReadDirEntries renders ino's entry table into the FUSE directory-entry
// wire format via render, starting at the given ordinal offset, stopping
// once the rendered buffer would exceed size bytes.
func (t *Table) ReadDirEntries(id ID, offset uint64, size int, render func(ino ID, nextOffset uint64, kind Kind, name string) ([]byte, bool)) []byte {
	t.mu.Lock()
	n := t.get(id)
	t.mu.Unlock()

	var out []byte
	n.ReadDir(func(tbl *dirTable) {
		tbl.forEach(int(offset), func(i int, e entry) bool {
			rec, ok := render(e.Ino, uint64(i+1), e.Kind, e.Name)
			if !ok {
				return false
			}
			if len(out)+len(rec) > size {
				return false
			}
			out = append(out, rec...)
			return true
		})
	})
	return out
}

// ReadFileAt returns the slice of ino's content buffer in [offset,
// offset+size), or EINVAL if offset is at or past the end of the file
// (preserved quirk, see spec design notes).
func (t *Table) ReadFileAt(id ID, offset int64, size int) ([]byte, error) {
	t.mu.Lock()
	n := t.get(id)
	t.mu.Unlock()

	var out []byte
	var readErr error
	n.ReadFile(func(data []byte) {
		if offset >= int64(len(data)) {
			readErr = unix.EINVAL
			return
		}
		end := offset + int64(size)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		out = append([]byte(nil), data[offset:end]...)
	})
	return out, readErr
}

// WriteFileAt writes data at offset on the inode behind handle through the
// content buffer and host fd, reapplying the flags the handle was opened
// with before the pwrite, per C3 step 4.
func (t *Table) WriteFileAt(h Handle, offset int64, data []byte) int {
	t.mu.Lock()
	info := t.handles[h]
	n := t.get(info.ino)
	t.mu.Unlock()

	return n.WriteFile(offset, data, info.oflags)
}

// UID and GID return the process credentials captured at startup.
func (t *Table) UID() uint32 { return t.uid }
func (t *Table) GID() uint32 { return t.gid }
