package hostfs

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gofuse/hostmemfs/internal/inode"
)

func TestToFuseAttrSetsDirModeBit(t *testing.T) {
	attr := inode.Attributes{
		Kind: inode.KindDirectory,
		Perm: 0o755,
		Size: 4096,
	}
	got := toFuseAttr(attr)
	if got.Mode&os.ModeDir == 0 {
		t.Fatalf("toFuseAttr mode %v missing ModeDir bit for a directory", got.Mode)
	}
	if got.Mode.Perm() != 0o755 {
		t.Fatalf("toFuseAttr mode.Perm() = %v, want 0o755", got.Mode.Perm())
	}
	if got.Size != 4096 {
		t.Fatalf("toFuseAttr Size = %d, want 4096", got.Size)
	}
}

func TestToFuseAttrLeavesFileModeBareOfDirBit(t *testing.T) {
	attr := inode.Attributes{
		Kind: inode.KindRegularFile,
		Perm: 0o644,
	}
	got := toFuseAttr(attr)
	if got.Mode&os.ModeDir != 0 {
		t.Fatalf("toFuseAttr mode %v set ModeDir bit for a regular file", got.Mode)
	}
}

func TestEntryForUsesFixedGenerationAndTTL(t *testing.T) {
	fs := New(nil, logrus.New())

	before := time.Now()
	entry := fs.entryFor(inode.ID(7), inode.Attributes{Kind: inode.KindRegularFile})
	after := time.Now()

	if entry.Generation != generation {
		t.Fatalf("entry.Generation = %d, want %d", entry.Generation, generation)
	}
	if entry.AttributesExpiration.Before(before.Add(ttl)) || entry.AttributesExpiration.After(after.Add(ttl)) {
		t.Fatalf("entry.AttributesExpiration = %v, not within ttl window of [%v, %v]", entry.AttributesExpiration, before.Add(ttl), after.Add(ttl))
	}
	if uint64(entry.Child) != 7 {
		t.Fatalf("entry.Child = %d, want 7", entry.Child)
	}
}
