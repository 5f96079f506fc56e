// Command hostmemfs mounts a host directory as an in-memory-cached FUSE file
// system: every metadata and data change is mirrored through the host fd
// interface while the live view is held in RAM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"

	"github.com/gofuse/hostmemfs/internal/hostfs"
	"github.com/gofuse/hostmemfs/internal/inode"
)

const fsName = "hostmemfs"

var fDebug = flag.Bool("debug", false, "Enable FUSE protocol debug logging.")

func main() {
	flag.Parse()

	logger := newLogger()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <mountpoint>\n", os.Args[0])
		os.Exit(2)
	}
	mountPoint := flag.Arg(0)

	table, err := inode.NewTable(mountPoint, timeutil.RealClock(), logger)
	if err != nil {
		logger.WithError(err).Fatal("building inode table")
	}

	fs := hostfs.New(table, logger)
	server := fuseutil.NewFileSystemServer(fs)

	cfg := &fuse.MountConfig{
		FSName:      fsName,
		Subtype:     fsName,
		VolumeName:  fsName,
		Options:     map[string]string{"kill_on_unmount": ""},
		ErrorLogger: log.New(logger.WriterLevel(logrus.ErrorLevel), "", 0),
	}
	if *fDebug {
		cfg.DebugLogger = log.New(logger.WriterLevel(logrus.DebugLevel), "", 0)
	}

	mfs, err := fuse.Mount(mountPoint, server, cfg)
	if err != nil {
		logger.WithError(err).Fatal("mount")
	}

	if err := mfs.Join(context.Background()); err != nil {
		logger.WithError(err).Fatal("serving file system")
	}
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	level, err := logrus.ParseLevel(os.Getenv("HOSTMEMFS_LOG"))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return l
}
