package inode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func newTestTable(t *testing.T) (*Table, string) {
	t.Helper()
	dir := t.TempDir()

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	table, err := NewTable(dir, timeutil.RealClock(), log)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table, dir
}

func TestCreateAndLookupFile(t *testing.T) {
	table, _ := newTestTable(t)

	id, attr, err := table.Create(RootID, "greeting.txt", KindRegularFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if attr.Kind != KindRegularFile {
		t.Fatalf("attr.Kind = %v, want file", attr.Kind)
	}
	if attr.Size != 0 {
		t.Fatalf("attr.Size = %d, want 0", attr.Size)
	}

	gotID, gotAttr, err := table.Lookup(RootID, "greeting.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if gotID != id {
		t.Fatalf("Lookup id = %d, want %d", gotID, id)
	}
	if gotAttr.Kind != KindRegularFile {
		t.Fatalf("Lookup attr.Kind = %v, want file", gotAttr.Kind)
	}
}

func TestCreateExistingNameFails(t *testing.T) {
	table, _ := newTestTable(t)

	if _, _, err := table.Create(RootID, "dup", KindRegularFile, 0o644); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, _, err := table.Create(RootID, "dup", KindRegularFile, 0o644)
	if err != unix.EEXIST {
		t.Fatalf("second Create err = %v, want EEXIST", err)
	}
}

func TestLookupMissingNameIsENOENT(t *testing.T) {
	table, _ := newTestTable(t)

	_, _, err := table.Lookup(RootID, "nope")
	if err != unix.ENOENT {
		t.Fatalf("Lookup err = %v, want ENOENT", err)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	table, dir := newTestTable(t)

	id, _, err := table.Create(RootID, "data.bin", KindRegularFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := table.OpenHandle(id, unix.O_RDWR)
	if err != nil {
		t.Fatalf("OpenHandle: %v", err)
	}

	payload := []byte("hello, host")
	n := table.WriteFileAt(h, 0, payload)
	if n != len(payload) {
		t.Fatalf("WriteFileAt returned %d, want %d", n, len(payload))
	}

	got, err := table.ReadFileAt(id, 0, len(payload))
	if err != nil {
		t.Fatalf("ReadFileAt: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("ReadFileAt = %q, want %q", got, payload)
	}

	table.ReleaseHandle(h)

	onDisk, err := os.ReadFile(filepath.Join(dir, "data.bin"))
	if err != nil {
		t.Fatalf("reading mirrored host file: %v", err)
	}
	if string(onDisk) != string(payload) {
		t.Fatalf("host file contents = %q, want %q", onDisk, payload)
	}
}

func TestWriteSparseExtensionZeroFills(t *testing.T) {
	table, _ := newTestTable(t)

	id, _, err := table.Create(RootID, "sparse.bin", KindRegularFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := table.OpenHandle(id, unix.O_RDWR)
	if err != nil {
		t.Fatalf("OpenHandle: %v", err)
	}

	tail := []byte("tail")
	table.WriteFileAt(h, 8, tail)

	got, err := table.ReadFileAt(id, 0, 12)
	if err != nil {
		t.Fatalf("ReadFileAt: %v", err)
	}
	want := append(make([]byte, 8), tail...)
	if string(got) != string(want) {
		t.Fatalf("ReadFileAt = %q, want %q", got, want)
	}
}

func TestReadAtOrPastEOFIsEINVAL(t *testing.T) {
	table, _ := newTestTable(t)

	id, _, err := table.Create(RootID, "empty.bin", KindRegularFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = table.ReadFileAt(id, 0, 16)
	if err != unix.EINVAL {
		t.Fatalf("ReadFileAt at EOF err = %v, want EINVAL", err)
	}

	h, err := table.OpenHandle(id, unix.O_RDWR)
	if err != nil {
		t.Fatalf("OpenHandle: %v", err)
	}
	table.WriteFileAt(h, 0, []byte("x"))

	_, err = table.ReadFileAt(id, 1, 16)
	if err != unix.EINVAL {
		t.Fatalf("ReadFileAt past EOF err = %v, want EINVAL", err)
	}
}

func TestRmDirRejectsNonEmpty(t *testing.T) {
	table, _ := newTestTable(t)

	dirID, _, err := table.Create(RootID, "sub", KindDirectory, 0o755)
	if err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	if _, _, err := table.Create(dirID, "child.txt", KindRegularFile, 0o644); err != nil {
		t.Fatalf("Create child: %v", err)
	}

	if err := table.Remove(RootID, "sub", KindDirectory); err != unix.ENOTEMPTY {
		t.Fatalf("Remove non-empty dir err = %v, want ENOTEMPTY", err)
	}
}

func TestRmDirOfReferencedEmptyDirDefersToTrash(t *testing.T) {
	table, _ := newTestTable(t)

	if _, _, err := table.Create(RootID, "sub", KindDirectory, 0o755); err != nil {
		t.Fatalf("Create dir: %v", err)
	}

	// The freshly created directory still carries the lookup count Create
	// grants it, so the first Remove only defers to the trash set.
	if err := table.Remove(RootID, "sub", KindDirectory); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, _, err := table.Lookup(RootID, "sub"); err != nil {
		t.Fatalf("Lookup after deferred remove: %v, want entry still visible", err)
	}
}

func TestForgetDrivesDeferredDeleteToCompletion(t *testing.T) {
	table, dir := newTestTable(t)

	id, _, err := table.Create(RootID, "gone.txt", KindRegularFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Create grants the new inode a lookup count of 1, so unlink only
	// defers the delete: the host directory entry survives until forget
	// drives the count to zero.
	if err := table.Remove(RootID, "gone.txt", KindRegularFile); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.txt")); err != nil {
		t.Fatalf("host file should still exist after deferred remove: %v", err)
	}

	table.Forget(id, 1)

	if _, err := os.Stat(filepath.Join(dir, "gone.txt")); !os.IsNotExist(err) {
		t.Fatalf("host file should be gone after forget drove lookup count to zero, stat err = %v", err)
	}
	if _, _, err := table.Lookup(RootID, "gone.txt"); err != unix.ENOENT {
		t.Fatalf("Lookup after forget err = %v, want ENOENT", err)
	}
}

func TestReadDirEntriesSkipsHiddenNames(t *testing.T) {
	table, dir := newTestTable(t)

	// The hidden file must exist before the root table is first loaded (by
	// Create's existence check), so that loading has to filter it out.
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing hidden host file: %v", err)
	}
	if _, _, err := table.Create(RootID, "visible.txt", KindRegularFile, 0o644); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var names []string
	render := func(ino ID, nextOffset uint64, kind Kind, name string) ([]byte, bool) {
		names = append(names, name)
		return []byte{0}, true
	}
	table.ReadDirEntries(RootID, 0, 1<<20, render)

	for _, name := range names {
		if name == ".hidden" {
			t.Fatalf("ReadDirEntries surfaced hidden name %q", name)
		}
	}
	found := false
	for _, name := range names {
		if name == "visible.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ReadDirEntries missing visible.txt, got %v", names)
	}
}

func TestSetAttrNoopReturnsUnchanged(t *testing.T) {
	table, _ := newTestTable(t)

	id, _, err := table.Create(RootID, "attrs.txt", KindRegularFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, changed := table.SetAttr(id, func(a *Attributes) bool { return false })
	if changed {
		t.Fatalf("SetAttr reported changed for a no-op mutate")
	}

	var newSize uint64 = 42
	attr, changed := table.SetAttr(id, func(a *Attributes) bool {
		a.Size = newSize
		return true
	})
	if !changed {
		t.Fatalf("SetAttr reported unchanged for a real mutate")
	}
	if attr.Size != newSize {
		t.Fatalf("attr.Size = %d, want %d", attr.Size, newSize)
	}
}
