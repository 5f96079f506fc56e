// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inode

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ID uniquely identifies an inode within a Table. Values come from the host
// fstat's st_ino, except for RootID which is a synthetic override for the
// mount point.
type ID uint64

// RootID aliases the mount root regardless of what the host reports for it.
const RootID ID = 1

// Kind distinguishes the two node variants this engine supports.
type Kind int

const (
	KindRegularFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "dir"
	}
	return "file"
}

// Attributes is the engine's view of inode metadata, translated out of a
// host stat buffer. Only Kind == KindDirectory|KindRegularFile ever appears
// here; every other file type is rejected by kindFromMode before an
// Attributes is ever constructed.
type Attributes struct {
	Ino    ID
	Size   uint64
	Blocks uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time
	Kind   Kind
	Perm   os.FileMode
	Nlink  uint32
	Uid    uint32
	Gid    uint32
	Rdev   uint32
	Flags  uint32
}

// kindFromMode maps the file-type bits of a host st_mode to the two kinds
// this engine understands. Anything else (symlink, fifo, socket, device) is
// rejected; callers decide whether that is a skip or an EIO.
func kindFromMode(mode uint32) (Kind, bool) {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return KindDirectory, true
	case unix.S_IFREG:
		return KindRegularFile, true
	default:
		return 0, false
	}
}

// AttributesFromStat translates a host stat buffer into engine Attributes.
// The permission bits are the low 12 bits of st_mode; the file-type bits
// select Kind. Returns an error if the host object is a kind this engine
// does not support.
func AttributesFromStat(st *unix.Stat_t) (Attributes, error) {
	kind, ok := kindFromMode(st.Mode)
	if !ok {
		return Attributes{}, unix.EINVAL
	}

	return Attributes{
		Ino:    ID(st.Ino),
		Size:   uint64(st.Size),
		Blocks: uint64(st.Blocks),
		Atime:  time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime:  time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime:  time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		Kind:   kind,
		Perm:   os.FileMode(st.Mode & 0o7777),
		Nlink:  uint32(st.Nlink),
		Uid:    st.Uid,
		Gid:    st.Gid,
		Rdev:   uint32(st.Rdev),
	}, nil
}

// ParseOpenFlags narrows the 32-bit open flag bitfield FUSE hands us down to
// the host's native int width. On every platform this engine targets that
// is a widening-or-equal conversion in practice, but it is written as an
// explicit truncation because the protocol only guarantees 32 bits: a value
// that does not fit is a programming error, not a runtime one.
func ParseOpenFlags(flags uint32) int {
	return int(int32(flags))
}

// ParseMode narrows a FUSE-supplied mode_t-shaped uint32 (permission bits
// plus, sometimes, type bits the caller has already stripped) down to the
// host's mode_t. Same truncation contract as ParseOpenFlags.
func ParseMode(mode uint32) uint32 {
	return mode & 0o7777
}
