package inode

import (
	"strings"

	"golang.org/x/sys/unix"
)

// entry is one record inside a directory's entry table: a name, the child's
// id, and its kind. Entries are not independently owned; they live only
// inside the parent directory's table.
type entry struct {
	Ino  ID
	Name string
	Kind Kind
}

// dirTable is the per-directory ordered map from name to entry (C2). It
// preserves host readdir order rather than sorting (entries inserted later
// go at the end), and is populated lazily: a table not yet loaded is read
// from the host on first use if the cached size is non-zero, and is never
// read again after that, even when the load found nothing. A table whose
// cached size is zero is never read from the host.
type dirTable struct {
	loaded  bool
	order   []string
	byName  map[string]entry
}

func newDirTable() dirTable {
	return dirTable{byName: make(map[string]entry)}
}

func (t *dirTable) needLoad(size uint64) bool {
	return !t.loaded && size != 0
}

func (t *dirTable) len() int {
	return len(t.order)
}

func (t *dirTable) get(name string) (entry, bool) {
	e, ok := t.byName[name]
	return e, ok
}

func (t *dirTable) insert(e entry) {
	if _, exists := t.byName[e.Name]; !exists {
		t.order = append(t.order, e.Name)
	}
	t.byName[e.Name] = e
}

func (t *dirTable) remove(name string) (entry, bool) {
	e, ok := t.byName[name]
	if !ok {
		return entry{}, false
	}
	delete(t.byName, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return e, true
}

// forEach visits entries in stable directory order starting at ordinal
// offset, per readdir's offset contract.
func (t *dirTable) forEach(offset int, visit func(i int, e entry) bool) {
	for i := offset; i < len(t.order); i++ {
		e := t.byName[t.order[i]]
		if !visit(i, e) {
			return
		}
	}
}

// hidden reports whether a directory-stream name should be filtered out:
// any name beginning with '.', which also elides "." and "..".
func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// loadDirTable reads every entry from an open directory stream fd, skipping
// hidden names and unsupported kinds, and fills t. It is the realization of
// C2's load_dir_data.
func loadDirTable(fd int, t *dirTable) error {
	buf := make([]byte, 8192)
	for {
		n, err := unix.Getdents(fd, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}

		consumed := 0
		for consumed < n {
			rec := buf[consumed:n]
			reclen := hostEndian.Uint16(rec[16:18])
			if reclen == 0 || int(reclen) > len(rec) {
				break
			}

			fileType := rec[18]
			nameBytes := rec[19:reclen]
			if i := indexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name := string(nameBytes)

			consumed += int(reclen)

			if hidden(name) {
				continue
			}

			var kind Kind
			switch fileType {
			case unix.DT_DIR:
				kind = KindDirectory
			case unix.DT_REG:
				kind = KindRegularFile
			default:
				continue
			}

			ino := hostEndian.Uint64(rec[0:8])
			t.insert(entry{Ino: ID(ino), Name: name, Kind: kind})
		}
	}

	t.loaded = true
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
