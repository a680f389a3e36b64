//go:build linux

package fs

import (
	"os"

	"golang.org/x/sys/unix"
)

// SyncData flushes file contents to stable storage. On Linux plain files use
// fdatasync, which skips metadata not needed to read the data back.
func SyncData(f File) error {
	osf, ok := f.(*os.File)
	if !ok {
		return f.Sync()
	}
	for {
		err := unix.Fdatasync(int(osf.Fd()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return &os.PathError{Op: "fdatasync", Path: osf.Name(), Err: err}
		}
		return nil
	}
}
