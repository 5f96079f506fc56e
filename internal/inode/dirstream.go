package inode

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// hostEndian is the byte order the kernel uses for struct linux_dirent64,
// which is always native order; this engine only targets little-endian
// hosts (amd64, arm64), matching what the reference daemon was built for.
var hostEndian = binary.LittleEndian

// openat wraps unix.Openat with the fixed directory-fd-relative calling
// convention every host syscall in this package uses.
func openat(dirfd int, name string, flags int, mode uint32) (int, error) {
	return unix.Openat(dirfd, name, flags, mode)
}

func mkdirat(dirfd int, name string, mode uint32) error {
	return unix.Mkdirat(dirfd, name, mode)
}

func unlinkat(dirfd int, name string, removeDir bool) error {
	flags := 0
	if removeDir {
		flags = unix.AT_REMOVEDIR
	}
	return unix.Unlinkat(dirfd, name, flags)
}

// dupWithFlags duplicates fd and applies oflags to the duplicate via
// F_SETFL, realizing invariant 8's "dup3 also applies the caller's
// open-flags" contract without requiring a target fd number up front.
func dupWithFlags(fd int, oflags int) (int, error) {
	newfd, err := unix.Dup(fd)
	if err != nil {
		return -1, err
	}
	if _, err := unix.FcntlInt(uintptr(newfd), unix.F_SETFL, oflags); err != nil {
		unix.Close(newfd)
		return -1, err
	}
	return newfd, nil
}
