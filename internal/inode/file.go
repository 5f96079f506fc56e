package inode

import "golang.org/x/sys/unix"

// fileBuffer mirrors a regular file's contents in memory for as long as the
// inode is resident in the table (C3).
type fileBuffer struct {
	loaded bool
	data   []byte
}

func (b *fileBuffer) needLoad(size uint64) bool {
	return !b.loaded && size != 0
}

// load performs the one host read load_file_data specifies: reserve size
// bytes, read the owned fd starting at its current position (which for a
// freshly-opened fd is offset 0), and keep exactly what was read.
func (b *fileBuffer) load(fd int, size uint64) error {
	buf := make([]byte, size)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return err
	}
	b.data = buf[:n]
	b.loaded = true
	return nil
}

// writeAt implements the write algorithm of spec C3 step by step: reserve,
// truncate-or-zero-extend to offset, append the new data, then mirror the
// result to the host fd with a synchronous pwrite.
func (b *fileBuffer) writeAt(fd int, offset int64, data []byte, oflags int) (int, error) {
	end := offset + int64(len(data))
	if int64(cap(b.data)) < end {
		grown := make([]byte, len(b.data), end)
		copy(grown, b.data)
		b.data = grown
	}

	switch {
	case int64(len(b.data)) > offset:
		b.data = b.data[:offset]
	case int64(len(b.data)) < offset:
		b.data = append(b.data, make([]byte, offset-int64(len(b.data)))...)
	}

	b.data = append(b.data, data...)

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, oflags); err != nil {
		return 0, err
	}

	n, err := unix.Pwrite(fd, data, offset)
	if err != nil {
		return 0, err
	}
	if n != len(data) {
		panic("short pwrite to backing file")
	}

	b.loaded = true
	return n, nil
}
