package inode

import (
	"fmt"
	"sync/atomic"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

// dirPayload is the state private to a Directory inode: the fd of its own
// directory stream and its entry table.
type dirPayload struct {
	fd    int
	table dirTable
}

// filePayload is the state private to a RegularFile inode: the fd of the
// backing file and its content buffer.
type filePayload struct {
	fd  int
	buf fileBuffer
}

// Inode is the engine's i-node object (C4): a tagged union of Directory and
// RegularFile, each owning a host fd, cached attributes, and the two
// reference counters FUSE requires. A tagged struct is used rather than an
// interface because every call site already branches on Kind.
type Inode struct {
	mu syncutil.InvariantMutex

	id     ID
	parent ID
	name   string
	path   string

	attr Attributes

	openCount   int64
	lookupCount int64

	dir  *dirPayload
	file *filePayload

	clock timeutil.Clock
}

func (n *Inode) checkInvariants() {
	if n.dir == nil && n.file == nil {
		panic("inode has neither payload")
	}
	if n.dir != nil && n.file != nil {
		panic("inode has both payloads")
	}
	if atomic.LoadInt64(&n.openCount) < 0 {
		panic("negative open count")
	}
	if atomic.LoadInt64(&n.lookupCount) < 0 {
		panic("negative lookup count")
	}
}

func newDirInode(id, parent ID, name, path string, fd int, attr Attributes, clock timeutil.Clock) *Inode {
	n := &Inode{
		id:     id,
		parent: parent,
		name:   name,
		path:   path,
		attr:   attr,
		dir:    &dirPayload{fd: fd, table: newDirTable()},
		clock:  clock,
	}
	n.mu = syncutil.NewInvariantMutex(n.checkInvariants)
	return n
}

func newFileInode(id, parent ID, name, path string, fd int, attr Attributes, clock timeutil.Clock) *Inode {
	n := &Inode{
		id:     id,
		parent: parent,
		name:   name,
		path:   path,
		attr:   attr,
		file:   &filePayload{fd: fd},
		clock:  clock,
	}
	n.mu = syncutil.NewInvariantMutex(n.checkInvariants)
	return n
}

func (n *Inode) Ino() ID     { return n.id }
func (n *Inode) Parent() ID  { return n.parent }
func (n *Inode) Name() string { return n.name }
func (n *Inode) Path() string { return n.path }

func (n *Inode) Kind() Kind {
	if n.dir != nil {
		return KindDirectory
	}
	return KindRegularFile
}

func (n *Inode) IsDir() bool { return n.dir != nil }

// Attr returns a copy of the cached attributes without touching the
// lookup count; used internally and by getattr, which does not count as a
// kernel reference.
func (n *Inode) Attr() Attributes {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attr
}

// LookupAttr runs visitor over the current attributes and then increments
// the lookup count, atomically from the caller's point of view: this is the
// kernel reference-count bump every successful lookup/entry reply performs.
func (n *Inode) LookupAttr(visitor func(Attributes)) {
	n.mu.Lock()
	a := n.attr
	n.mu.Unlock()

	visitor(a)
	atomic.AddInt64(&n.lookupCount, 1)
}

// SetAttr applies mutate to the cached attributes. mutate must not change
// Kind. Returns the resulting attributes.
func (n *Inode) SetAttr(mutate func(*Attributes)) Attributes {
	n.mu.Lock()
	defer n.mu.Unlock()

	kind := n.attr.Kind
	mutate(&n.attr)
	if n.attr.Kind != kind {
		panic("setattr changed inode kind")
	}
	return n.attr
}

func (n *Inode) IncOpenCount()  { atomic.AddInt64(&n.openCount, 1) }
func (n *Inode) DecOpenCount() int64 {
	v := atomic.AddInt64(&n.openCount, -1)
	if v < 0 {
		panic("open count went negative")
	}
	return v
}

func (n *Inode) IncLookupCount() int64 { return atomic.AddInt64(&n.lookupCount, 1) }

// DecLookupCountBy decrements the lookup count by delta and returns the
// resulting value. Only forget is permitted to call this.
func (n *Inode) DecLookupCountBy(delta uint64) int64 {
	v := atomic.AddInt64(&n.lookupCount, -int64(delta))
	if v < 0 {
		panic("lookup count went negative")
	}
	return v
}

func (n *Inode) LookupCount() int64 { return atomic.LoadInt64(&n.lookupCount) }

// GetEntry returns a copy of the named child entry. Panics if called on a
// non-directory, since no call site should ever do that.
func (n *Inode) GetEntry(name string) (entry, bool) {
	if n.dir == nil {
		panic("GetEntry on non-directory inode")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	n.ensureDirLoadedLocked()
	return n.dir.table.get(name)
}

func (n *Inode) ensureDirLoadedLocked() {
	if !n.dir.table.needLoad(n.attr.Size) {
		return
	}
	if err := loadDirTable(n.dir.fd, &n.dir.table); err != nil {
		panic(fmt.Sprintf("load_dir_data(%s): %v", n.path, err))
	}
}

// ReadDir ensures the entry table is populated and invokes visit with it.
func (n *Inode) ReadDir(visit func(t *dirTable)) {
	if n.dir == nil {
		panic("ReadDir on non-directory inode")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	n.ensureDirLoadedLocked()
	visit(&n.dir.table)
}

// ReadFile ensures the content buffer is populated and invokes visit with
// it.
func (n *Inode) ReadFile(visit func(data []byte)) {
	if n.file == nil {
		panic("ReadFile on non-file inode")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.file.buf.needLoad(n.attr.Size) {
		if err := n.file.buf.load(n.file.fd, n.attr.Size); err != nil {
			panic(fmt.Sprintf("load_file_data(%s): %v", n.path, err))
		}
	}
	visit(n.file.buf.data)
}

// WriteFile writes data at offset through the content buffer, mirroring it
// to the host fd, and updates size/mtime. oflags are the open flags under
// which the handle was opened.
func (n *Inode) WriteFile(offset int64, data []byte, oflags int) int {
	if n.file == nil {
		panic("WriteFile on non-file inode")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.file.buf.needLoad(n.attr.Size) {
		if err := n.file.buf.load(n.file.fd, n.attr.Size); err != nil {
			panic(fmt.Sprintf("load_file_data(%s): %v", n.path, err))
		}
	}

	written, err := n.file.buf.writeAt(n.file.fd, offset, data, oflags)
	if err != nil {
		panic(fmt.Sprintf("pwrite(%s): %v", n.path, err))
	}

	n.attr.Size = uint64(len(n.file.buf.data))
	n.attr.Mtime = n.clock.Now()

	return written
}

// OpenChildDir opens an existing subdirectory via openat and constructs its
// Inode without installing it anywhere; the caller (table) decides whether
// that's needed.
func (n *Inode) OpenChildDir(name string, childID ID, clock timeutil.Clock) (*Inode, error) {
	if n.dir == nil {
		panic("OpenChildDir on non-directory inode")
	}

	fd, err := openat(n.dir.fd, name, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, err
	}
	attr, err := AttributesFromStat(&st)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	attr.Ino = childID

	return newDirInode(childID, n.id, name, n.path+"/"+name, fd, attr, clock), nil
}

// CreateChildDir creates and opens a new subdirectory via mkdirat+openat,
// inserts the directory-table entry, and returns the new Inode.
func (n *Inode) CreateChildDir(name string, mode uint32, childID func(fd int) (ID, error), clock timeutil.Clock) (*Inode, error) {
	if n.dir == nil {
		panic("CreateChildDir on non-directory inode")
	}

	if err := mkdirat(n.dir.fd, name, mode); err != nil {
		return nil, err
	}

	fd, err := openat(n.dir.fd, name, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, err
	}
	attr, err := AttributesFromStat(&st)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	id, err := childID(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	attr.Ino = id

	n.mu.Lock()
	n.dir.table.insert(entry{Ino: id, Name: name, Kind: KindDirectory})
	n.mu.Unlock()

	return newDirInode(id, n.id, name, n.path+"/"+name, fd, attr, clock), nil
}

// OpenChildFile opens an existing child file via openat.
func (n *Inode) OpenChildFile(name string, oflags int, childID ID, clock timeutil.Clock) (*Inode, error) {
	if n.dir == nil {
		panic("OpenChildFile on non-directory inode")
	}

	fd, err := openat(n.dir.fd, name, oflags, 0)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, err
	}
	attr, err := AttributesFromStat(&st)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	attr.Ino = childID

	return newFileInode(childID, n.id, name, n.path+"/"+name, fd, attr, clock), nil
}

// CreateChildFile creates and opens a new child file. Callers (table.Create)
// are responsible for ensuring oflags carries O_CREAT|O_EXCL|O_RDWR.
func (n *Inode) CreateChildFile(name string, oflags int, mode uint32, childID func(fd int) (ID, error), clock timeutil.Clock) (*Inode, error) {
	if n.dir == nil {
		panic("CreateChildFile on non-directory inode")
	}

	fd, err := openat(n.dir.fd, name, oflags, mode)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, err
	}
	attr, err := AttributesFromStat(&st)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	id, err := childID(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	attr.Ino = id

	n.mu.Lock()
	n.dir.table.insert(entry{Ino: id, Name: name, Kind: KindRegularFile})
	n.mu.Unlock()

	return newFileInode(id, n.id, name, n.path+"/"+name, fd, attr, clock), nil
}

// DupFD duplicates the inode's owned fd, applying oflags to the duplicate,
// and increments the open count. The duplicate becomes the kernel-facing
// handle and is owned by whoever releases it.
func (n *Inode) DupFD(oflags int) (int, error) {
	var fd int
	if n.dir != nil {
		fd = n.dir.fd
	} else {
		fd = n.file.fd
	}

	newfd, err := dupWithFlags(fd, oflags)
	if err != nil {
		return -1, err
	}
	n.IncOpenCount()
	return newfd, nil
}

// UnlinkEntry removes a child by name from the host FS via unlinkat and
// then from this directory's entry table. kind selects RemoveDir vs. plain
// unlink.
func (n *Inode) UnlinkEntry(name string, kind Kind) (entry, error) {
	if n.dir == nil {
		panic("UnlinkEntry on non-directory inode")
	}

	if err := unlinkat(n.dir.fd, name, kind == KindDirectory); err != nil {
		return entry{}, err
	}

	n.mu.Lock()
	e, _ := n.dir.table.remove(name)
	n.mu.Unlock()

	return e, nil
}

// Close releases the inode's owned fd. Called when the inode is finally
// dropped from the table.
func (n *Inode) Close() {
	var fd int
	if n.dir != nil {
		fd = n.dir.fd
	} else {
		fd = n.file.fd
	}
	unix.Close(fd)
}
